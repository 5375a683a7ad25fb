package chzzk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hyeonlog/streamfeed/platform"
	"github.com/hyeonlog/streamfeed/telemetry"
)

const (
	defaultAPIBase     = "https://api.chzzk.naver.com"
	defaultGameAPIBase = "https://comm-api.game.naver.com"

	// Pause between successive catalog/listing pages.
	pageDelay = 300 * time.Millisecond

	categoryPageSize = 50
	livePageSize     = 20
)

// Discovery is the stateless REST client for channel metadata, live detail,
// chat access tokens, and paginated catalog/listing lookups.
type Discovery struct {
	APIBase     string
	GameAPIBase string
	HTTPClient  *http.Client
}

func (d *Discovery) http() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return http.DefaultClient
}

func (d *Discovery) apiBase() string {
	if d.APIBase != "" {
		return d.APIBase
	}
	return defaultAPIBase
}

func (d *Discovery) gameAPIBase() string {
	if d.GameAPIBase != "" {
		return d.GameAPIBase
	}
	return defaultGameAPIBase
}

// getPage is getJSON with the page round trip recorded in the discovery
// latency histogram. Paginated walks go through it.
func (d *Discovery) getPage(ctx context.Context, url string, out any) error {
	var err error
	telemetry.TimeFunc(telemetry.DiscoveryPageDuration, func() {
		err = d.getJSON(ctx, url, out)
	})
	return err
}

func (d *Discovery) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := d.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusNotFound {
		return platform.ErrChannelNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

const userAgent = "Mozilla/5.0 (compatible; streamfeed/1.0)"

// ChannelMeta is the resolved channel record.
type ChannelMeta struct {
	ChannelID       string `json:"channelId"`
	ChannelName     string `json:"channelName"`
	ChannelImageURL string `json:"channelImageUrl"`
	FollowerCount   int    `json:"followerCount"`
	OpenLive        bool   `json:"openLive"`
}

// ChannelInfo looks up channel metadata by channel identifier.
func (d *Discovery) ChannelInfo(ctx context.Context, channelID string) (*ChannelMeta, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channelID empty")
	}
	var body struct {
		Code    int          `json:"code"`
		Content *ChannelMeta `json:"content"`
	}
	url := fmt.Sprintf("%s/service/v1/channels/%s", d.apiBase(), channelID)
	if err := d.getJSON(ctx, url, &body); err != nil {
		return nil, err
	}
	if body.Content == nil || body.Content.ChannelID == "" {
		return nil, platform.ErrChannelNotFound
	}
	return body.Content, nil
}

// LiveDetail is the live-broadcast record, including the chat-routing id
// needed to join the channel's chat when live.
type LiveDetail struct {
	LiveID              int    `json:"liveId"`
	LiveTitle           string `json:"liveTitle"`
	Status              string `json:"status"`
	ConcurrentUserCount int    `json:"concurrentUserCount"`
	ChatChannelID       string `json:"chatChannelId"`
	LiveCategoryValue   string `json:"liveCategoryValue"`
}

// Live reports whether the broadcast is currently open.
func (ld *LiveDetail) Live() bool { return ld.Status == "OPEN" }

// LiveDetail looks up the channel's current broadcast. Returns
// platform.ErrChannelNotFound if the channel does not exist; callers decide
// whether a closed broadcast is an error (the connect path treats it as
// platform.ErrChannelNotLive).
func (d *Discovery) LiveDetail(ctx context.Context, channelID string) (*LiveDetail, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channelID empty")
	}
	var body struct {
		Code    int         `json:"code"`
		Content *LiveDetail `json:"content"`
	}
	url := fmt.Sprintf("%s/service/v2/channels/%s/live-detail", d.apiBase(), channelID)
	if err := d.getJSON(ctx, url, &body); err != nil {
		return nil, err
	}
	if body.Content == nil {
		return nil, platform.ErrChannelNotFound
	}
	return body.Content, nil
}

// AccessToken fetches the short-lived chat access token for a chat channel.
// Resolved fresh on every connect; never reused stale.
func (d *Discovery) AccessToken(ctx context.Context, chatChannelID string) (string, error) {
	if chatChannelID == "" {
		return "", fmt.Errorf("chatChannelID empty")
	}
	var body struct {
		Code    int `json:"code"`
		Content *struct {
			AccessToken string `json:"accessToken"`
			ExtraToken  string `json:"extraToken"`
		} `json:"content"`
	}
	url := fmt.Sprintf("%s/nng_main/v1/chats/access-token?channelId=%s&chatType=STREAMING", d.gameAPIBase(), chatChannelID)
	if err := d.getJSON(ctx, url, &body); err != nil {
		return "", err
	}
	if body.Content == nil || body.Content.AccessToken == "" {
		return "", fmt.Errorf("access token missing (code %d)", body.Code)
	}
	return body.Content.AccessToken, nil
}

// Category is an aggregated catalog record: counts are summed across duplicate
// occurrences over pages.
type Category struct {
	CategoryID    string `json:"categoryId"`
	CategoryValue string `json:"categoryValue"`
	PosterImage   string `json:"posterImageUrl"`
	OpenLiveCount int    `json:"openLiveCount"`
	ViewerCount   int    `json:"concurrentUserCount"`
}

// Categories retrieves the live category catalog with offset/limit pagination,
// de-duplicated by category id. Discovery is advisory: any failure degrades to
// the records collected so far (possibly none).
func (d *Discovery) Categories(ctx context.Context, maxPages int) map[string]Category {
	out := make(map[string]Category)
	for page := 0; maxPages <= 0 || page < maxPages; page++ {
		var body struct {
			Code    int `json:"code"`
			Content struct {
				Data []Category `json:"data"`
			} `json:"content"`
		}
		url := fmt.Sprintf("%s/service/v1/categories/live?offset=%d&size=%d", d.apiBase(), page*categoryPageSize, categoryPageSize)
		if err := d.getPage(ctx, url, &body); err != nil {
			slog.Debug("chzzk category page failed", slog.Int("page", page), slog.Any("err", err))
			return out
		}
		for _, c := range body.Content.Data {
			agg, ok := out[c.CategoryID]
			if !ok {
				out[c.CategoryID] = c
				continue
			}
			agg.OpenLiveCount += c.OpenLiveCount
			agg.ViewerCount += c.ViewerCount
			out[c.CategoryID] = agg
		}
		if len(body.Content.Data) < categoryPageSize {
			return out
		}
		select {
		case <-ctx.Done():
			return out
		case <-time.After(pageDelay):
		}
	}
	return out
}

// LiveSummary is one row of the live-broadcast listing.
type LiveSummary struct {
	LiveID              int    `json:"liveId"`
	LiveTitle           string `json:"liveTitle"`
	ChannelID           string `json:"channelId"`
	ChannelName         string `json:"channelName"`
	ConcurrentUserCount int    `json:"concurrentUserCount"`
	LiveCategoryValue   string `json:"liveCategoryValue"`
}

// liveCursor is the compound continuation token of the popularity-sorted
// listing: enough state to request the page after the last seen broadcast.
type liveCursor struct {
	ConcurrentUserCount int `json:"concurrentUserCount"`
	LiveID              int `json:"liveId"`
}

// Lives lists live broadcasts by popularity, following the compound cursor
// until a page comes back empty, no cursor remains, or maxResults is reached.
// Advisory like Categories: failures degrade to what was collected.
func (d *Discovery) Lives(ctx context.Context, maxResults int) []LiveSummary {
	var out []LiveSummary
	var cursor *liveCursor
	for {
		url := fmt.Sprintf("%s/service/v1/lives?size=%d&sortType=POPULAR", d.apiBase(), livePageSize)
		if cursor != nil {
			url += "&concurrentUserCount=" + strconv.Itoa(cursor.ConcurrentUserCount) + "&liveId=" + strconv.Itoa(cursor.LiveID)
		}
		var body struct {
			Code    int `json:"code"`
			Content struct {
				Data []LiveSummary `json:"data"`
				Page *struct {
					Next *liveCursor `json:"next"`
				} `json:"page"`
			} `json:"content"`
		}
		if err := d.getPage(ctx, url, &body); err != nil {
			slog.Debug("chzzk live listing page failed", slog.Any("err", err))
			return out
		}
		if len(body.Content.Data) == 0 {
			return out
		}
		for _, l := range body.Content.Data {
			out = append(out, l)
			if maxResults > 0 && len(out) >= maxResults {
				return out
			}
		}
		if body.Content.Page == nil || body.Content.Page.Next == nil {
			return out
		}
		cursor = body.Content.Page.Next
		select {
		case <-ctx.Done():
			return out
		case <-time.After(pageDelay):
		}
	}
}
