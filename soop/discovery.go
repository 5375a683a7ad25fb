package soop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hyeonlog/streamfeed/platform"
	"github.com/hyeonlog/streamfeed/telemetry"
)

const (
	defaultLiveAPIBase    = "https://live.sooplive.co.kr"
	defaultChannelAPIBase = "https://chapi.sooplive.co.kr"

	// Pause between successive catalog/listing pages.
	pageDelay = 500 * time.Millisecond

	broadcastPageSize = 40
)

const userAgent = "Mozilla/5.0 (compatible; streamfeed/1.0)"

// Discovery is the stateless REST client for station metadata, the live
// player API (which doubles as chat-route resolution), and paginated
// catalog/listing lookups.
type Discovery struct {
	LiveAPIBase    string
	ChannelAPIBase string
	HTTPClient     *http.Client
}

func (d *Discovery) http() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return http.DefaultClient
}

func (d *Discovery) liveAPIBase() string {
	if d.LiveAPIBase != "" {
		return d.LiveAPIBase
	}
	return defaultLiveAPIBase
}

func (d *Discovery) channelAPIBase() string {
	if d.ChannelAPIBase != "" {
		return d.ChannelAPIBase
	}
	return defaultChannelAPIBase
}

// getPage is getJSON with the page round trip recorded in the discovery
// latency histogram. Paginated walks go through it.
func (d *Discovery) getPage(ctx context.Context, u string, out any) error {
	var err error
	telemetry.TimeFunc(telemetry.DiscoveryPageDuration, func() {
		err = d.getJSON(ctx, u, out)
	})
	return err
}

func (d *Discovery) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	return d.doJSON(req, out)
}

func (d *Discovery) postForm(ctx context.Context, u string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return d.doJSON(req, out)
}

func (d *Discovery) doJSON(req *http.Request, out any) error {
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

// StationMeta is the resolved station record.
type StationMeta struct {
	UserID        string `json:"user_id"`
	UserNick      string `json:"user_nick"`
	StationTitle  string `json:"station_title"`
	FollowerCount int    `json:"upd_cnt"`
	IsLive        bool   `json:"is_live"`
	ProfileImage  string `json:"profile_image"`
}

// ChannelInfo looks up station metadata by streamer id.
func (d *Discovery) ChannelInfo(ctx context.Context, channelID string) (*StationMeta, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channelID empty")
	}
	var body struct {
		Station *struct {
			UserID       string `json:"user_id"`
			UserNick     string `json:"user_nick"`
			StationTitle string `json:"station_title"`
			UpdCnt       int    `json:"upd_cnt"`
		} `json:"station"`
		Broad        json.RawMessage `json:"broad"`
		ProfileImage string          `json:"profile_image"`
	}
	u := fmt.Sprintf("%s/api/%s/station", d.channelAPIBase(), url.PathEscape(channelID))
	if err := d.getJSON(ctx, u, &body); err != nil {
		return nil, err
	}
	if body.Station == nil || body.Station.UserID == "" {
		return nil, platform.ErrChannelNotFound
	}
	return &StationMeta{
		UserID:        body.Station.UserID,
		UserNick:      body.Station.UserNick,
		StationTitle:  body.Station.StationTitle,
		FollowerCount: body.Station.UpdCnt,
		IsLive:        len(body.Broad) > 0 && string(body.Broad) != "null",
		ProfileImage:  body.ProfileImage,
	}, nil
}

// LiveDetail is the player API record for an open broadcast. It carries both
// presentation fields and the chat route: the chat server host and port, the
// chat room number, the broadcast number, and the join ticket.
type LiveDetail struct {
	Title       string
	Streamer    string
	Category    string
	ViewerCount int

	ChatHost    string
	ChatPort    int
	ChatRoom    string
	BroadcastNo string
	Ticket      string
}

// LiveDetail resolves the channel's current broadcast through the player
// live API. A RESULT of 0 means the channel exists but is not broadcasting
// (platform.ErrChannelNotLive); a negative RESULT means no such channel.
// The chat port on the wire is the media port, so the chat-server port is
// that value plus one.
func (d *Discovery) LiveDetail(ctx context.Context, channelID string) (*LiveDetail, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channelID empty")
	}
	var body struct {
		Channel struct {
			Result      int             `json:"RESULT"`
			ChDomain    string          `json:"CHDOMAIN"`
			ChPort      string          `json:"CHPT"`
			ChatNo      string          `json:"CHATNO"`
			BroadNo     json.RawMessage `json:"BNO"`
			Ticket      string          `json:"FTK"`
			Title       string          `json:"TITLE"`
			Nick        string          `json:"BJNICK"`
			Category    string          `json:"CATE"`
			ViewerCount json.RawMessage `json:"TOTAL_VIEW_CNT"`
		} `json:"CHANNEL"`
	}
	u := fmt.Sprintf("%s/afreeca/player_live_api.php?bjid=%s", d.liveAPIBase(), url.QueryEscape(channelID))
	form := url.Values{
		"bid":         {channelID},
		"type":        {"live"},
		"player_type": {"html5"},
	}
	if err := d.postForm(ctx, u, form, &body); err != nil {
		return nil, err
	}
	switch {
	case body.Channel.Result < 0:
		return nil, platform.ErrChannelNotFound
	case body.Channel.Result == 0:
		return nil, platform.ErrChannelNotLive
	}
	mediaPort, err := strconv.Atoi(body.Channel.ChPort)
	if err != nil || body.Channel.ChDomain == "" || body.Channel.ChatNo == "" {
		return nil, fmt.Errorf("incomplete chat route for %s", channelID)
	}
	return &LiveDetail{
		Title:       body.Channel.Title,
		Streamer:    body.Channel.Nick,
		Category:    body.Channel.Category,
		ViewerCount: looseInt(body.Channel.ViewerCount),
		ChatHost:    strings.ToLower(body.Channel.ChDomain),
		ChatPort:    mediaPort + 1,
		ChatRoom:    body.Channel.ChatNo,
		BroadcastNo: looseString(body.Channel.BroadNo),
		Ticket:      body.Channel.Ticket,
	}, nil
}

// looseString decodes a field the API serves as either a JSON string or a
// bare number.
func looseString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

func looseInt(raw json.RawMessage) int {
	n, _ := strconv.Atoi(looseString(raw))
	return n
}

// Category is an aggregated catalog record: broadcast and viewer counts are
// summed across duplicate occurrences over pages.
type Category struct {
	CategoryNo   string `json:"category_no"`
	CategoryName string `json:"category_name"`
	BroadCount   int    `json:"broad_cnt"`
	ViewerCount  int    `json:"view_cnt"`
}

// Categories retrieves the broadcast category catalog page by page,
// de-duplicated by category number. Discovery is advisory: any failure
// degrades to the records collected so far (possibly none).
func (d *Discovery) Categories(ctx context.Context, maxPages int) map[string]Category {
	out := make(map[string]Category)
	for page := 1; maxPages <= 0 || page <= maxPages; page++ {
		var body struct {
			Data []Category `json:"data"`
		}
		u := fmt.Sprintf("%s/api/main_category_list_api.php?pageNo=%d&pageSize=%d", d.liveAPIBase(), page, broadcastPageSize)
		if err := d.getPage(ctx, u, &body); err != nil {
			slog.Debug("soop category page failed", slog.Int("page", page), slog.Any("err", err))
			return out
		}
		for _, c := range body.Data {
			agg, ok := out[c.CategoryNo]
			if !ok {
				out[c.CategoryNo] = c
				continue
			}
			agg.BroadCount += c.BroadCount
			agg.ViewerCount += c.ViewerCount
			out[c.CategoryNo] = agg
		}
		if len(body.Data) < broadcastPageSize {
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

// BroadcastSummary is one row of the live-broadcast listing.
type BroadcastSummary struct {
	BroadcastNo string `json:"broad_no"`
	UserID      string `json:"user_id"`
	UserNick    string `json:"user_nick"`
	Title       string `json:"broad_title"`
	ViewerCount int    `json:"total_view_cnt"`
	Category    string `json:"broad_cate_no"`
}

// Broadcasts lists open broadcasts by viewer count using plain page-number
// pagination, stopping when the listing reports no further pages or
// maxResults is reached. Advisory like Categories: failures degrade to what
// was collected.
func (d *Discovery) Broadcasts(ctx context.Context, maxResults int) []BroadcastSummary {
	var out []BroadcastSummary
	for page := 1; ; page++ {
		var body struct {
			Broad  []BroadcastSummary `json:"broad"`
			IsMore bool               `json:"is_more"`
		}
		u := fmt.Sprintf("%s/api/main_broad_list_api.php?selectType=action&orderType=view_cnt&pageNo=%d", d.liveAPIBase(), page)
		if err := d.getPage(ctx, u, &body); err != nil {
			slog.Debug("soop broadcast listing page failed", slog.Int("page", page), slog.Any("err", err))
			return out
		}
		if len(body.Broad) == 0 {
			return out
		}
		for _, b := range body.Broad {
			out = append(out, b)
			if maxResults > 0 && len(out) >= maxResults {
				return out
			}
		}
		if !body.IsMore {
			return out
		}
		select {
		case <-ctx.Done():
			return out
		case <-time.After(pageDelay):
		}
	}
}
