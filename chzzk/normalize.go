package chzzk

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hyeonlog/streamfeed/platform"
)

// Privilege codes as they appear in profile.userRoleCode.
var roleByCode = map[string]platform.Role{
	"streamer":                  platform.RoleStreamer,
	"streaming_channel_manager": platform.RoleManager,
	"streaming_chat_manager":    platform.RoleManager,
	"manager":                   platform.RoleManager,
	"common_user":               platform.RoleRegular,
}

func resolveRole(code string) platform.Role {
	if r, ok := roleByCode[code]; ok {
		return r
	}
	return platform.RoleRegular
}

// Longevity thresholds for the follow-age tier.
const (
	vipFollowDays = 365
	fanFollowDays = 90
)

// followDays computes how long the sender has followed the channel, from the
// profile's "2006-01-02 15:04:05" follow date. Zero when absent or unparsable.
func followDays(p profile, now time.Time) int {
	f := p.StreamingProperty.Following
	if f == nil || f.FollowDate == "" {
		return 0
	}
	t, err := time.Parse("2006-01-02 15:04:05", f.FollowDate)
	if err != nil {
		return 0
	}
	d := now.Sub(t)
	if d < 0 {
		return 0
	}
	return int(d.Hours() / 24)
}

// resolveTier applies the precedence streamer > manager > subscriber(tier N) >
// vip (>=365d follow) > fan (>=90d follow) > regular (empty).
func resolveTier(role platform.Role, subTier int, days int) string {
	switch {
	case role == platform.RoleStreamer:
		return "streamer"
	case role == platform.RoleManager:
		return "manager"
	case subTier > 0:
		return fmt.Sprintf("tier%d", subTier)
	case days >= vipFollowDays:
		return "vip"
	case days >= fanFollowDays:
		return "fan"
	default:
		return ""
	}
}

// buildSender derives the canonical sender from a decoded profile: role from
// the privilege code, badges from activity/subscription/follow metadata, and
// the refined tier from badge precedence.
func buildSender(p profile, now time.Time) platform.Sender {
	role := resolveRole(p.UserRoleCode)

	var badges []platform.Badge
	for _, ab := range p.ActivityBadges {
		if !ab.Activated {
			continue
		}
		badges = append(badges, platform.Badge{Type: "activity", Label: ab.Title, ImageURL: ab.ImageURL})
	}

	subTier := 0
	if sub := p.StreamingProperty.Subscription; sub != nil {
		subTier = sub.Tier
		badges = append(badges, platform.Badge{
			Type:     "subscription",
			Label:    fmt.Sprintf("tier%d/%dm", sub.Tier, sub.AccumulativeMonth),
			ImageURL: sub.Badge.ImageURL,
		})
	}

	days := followDays(p, now)
	if days >= fanFollowDays {
		badges = append(badges, platform.Badge{Type: "fan", Label: fmt.Sprintf("%dd", days)})
	}

	switch role {
	case platform.RoleStreamer:
		badges = append(badges, platform.Badge{Type: "streamer"})
	case platform.RoleManager:
		badges = append(badges, platform.Badge{Type: "manager"})
	}

	return platform.Sender{
		ID:              p.UserIDHash,
		Nickname:        platform.NicknameOr(p.Nickname),
		ProfileImageURL: p.ProfileImageURL,
		Role:            role,
		Tier:            resolveTier(role, subTier, days),
		Badges:          badges,
	}
}

func baseMetadata(channelID, chatChannelID string, b chatBody, raw []byte) platform.Metadata {
	return platform.Metadata{
		Timestamp: platform.FormatTimestamp(b.time()),
		ChannelID: channelID,
		Routing:   map[string]string{"chatChannelId": chatChannelID},
		RawData:   truncate(string(raw), 512),
	}
}

func normalizeChat(channelID, chatChannelID string, raw []byte) (platform.NormalizedEvent, error) {
	b, err := decodeChatBody(raw)
	if err != nil {
		return platform.NormalizedEvent{}, err
	}
	p := decodeProfile(b.Profile)
	return platform.NormalizedEvent{
		ID:       platform.NewEventID(),
		Type:     platform.EventChat,
		Platform: platform.PlatformChzzk,
		Sender:   buildSender(p, time.Now()),
		Content:  platform.Content{Message: b.message()},
		Metadata: baseMetadata(channelID, chatChannelID, b, raw),
	}, nil
}

func normalizeDonation(channelID, chatChannelID string, raw []byte) (platform.NormalizedEvent, error) {
	b, err := decodeChatBody(raw)
	if err != nil {
		return platform.NormalizedEvent{}, err
	}
	p := decodeProfile(b.Profile)
	x := decodeExtras(b.Extras)

	sender := buildSender(p, time.Now())
	if p.UserIDHash == "" && x.Nickname != "" {
		// Anonymous donation: profile is absent, extras carry the nickname.
		sender.Nickname = x.Nickname
	}
	return platform.NormalizedEvent{
		ID:       platform.NewEventID(),
		Type:     platform.EventDonation,
		Platform: platform.PlatformChzzk,
		Sender:   sender,
		Content: platform.Content{
			Message:        b.message(),
			Amount:         x.PayAmount,
			OriginalAmount: x.PayAmount,
			Currency:       "KRW",
			DonationType:   x.DonationType,
		},
		Metadata: baseMetadata(channelID, chatChannelID, b, raw),
	}, nil
}

func normalizeSubscription(channelID, chatChannelID string, raw []byte) (platform.NormalizedEvent, error) {
	b, err := decodeChatBody(raw)
	if err != nil {
		return platform.NormalizedEvent{}, err
	}
	p := decodeProfile(b.Profile)
	x := decodeExtras(b.Extras)
	return platform.NormalizedEvent{
		ID:       platform.NewEventID(),
		Type:     platform.EventSubscribe,
		Platform: platform.PlatformChzzk,
		Sender:   buildSender(p, time.Now()),
		Content: platform.Content{
			Message:   b.message(),
			SubTier:   x.TierNo,
			SubMonths: x.Month,
			IsGift:    x.IsGift,
		},
		Metadata: baseMetadata(channelID, chatChannelID, b, raw),
	}, nil
}

// normalizeSystem maps server notices onto chat events from a system sender.
func normalizeSystem(channelID, chatChannelID string, raw []byte) (platform.NormalizedEvent, error) {
	b, err := decodeChatBody(raw)
	if err != nil {
		return platform.NormalizedEvent{}, err
	}
	return platform.NormalizedEvent{
		ID:       platform.NewEventID(),
		Type:     platform.EventChat,
		Platform: platform.PlatformChzzk,
		Sender:   platform.Sender{Nickname: platform.FallbackNickname, Role: platform.RoleSystem},
		Content:  platform.Content{Message: b.message()},
		Metadata: baseMetadata(channelID, chatChannelID, b, raw),
	}, nil
}

// viewerUpdateEvent synthesizes a viewer-update from a polled live detail.
func viewerUpdateEvent(channelID, chatChannelID string, count int) platform.NormalizedEvent {
	return platform.NormalizedEvent{
		ID:       platform.NewEventID(),
		Type:     platform.EventViewerUpdate,
		Platform: platform.PlatformChzzk,
		Sender:   platform.Sender{Nickname: platform.FallbackNickname, Role: platform.RoleSystem},
		Content:  platform.Content{ViewerCount: count},
		Metadata: platform.Metadata{
			Timestamp: platform.FormatTimestamp(0),
			ChannelID: channelID,
			Routing:   map[string]string{"chatChannelId": chatChannelID},
		},
	}
}

type normalizeFunc func(channelID, chatChannelID string, raw []byte) (platform.NormalizedEvent, error)

var normalizerByKind = map[messageKind]normalizeFunc{
	kindChat:         normalizeChat,
	kindRecentChat:   normalizeChat,
	kindDonation:     normalizeDonation,
	kindSubscription: normalizeSubscription,
	kindSystem:       normalizeSystem,
}

// normalizeBatch explodes a multi-record body one-for-one into events. A
// record that fails to normalize is logged and dropped without aborting the
// rest of the batch.
func normalizeBatch(channelID, chatChannelID string, kind messageKind, env envelope) []platform.NormalizedEvent {
	fn, ok := normalizerByKind[kind]
	if !ok {
		return nil
	}
	bodies := env.bodies()
	out := make([]platform.NormalizedEvent, 0, len(bodies))
	for _, raw := range bodies {
		ev, err := fn(channelID, chatChannelID, raw)
		if err != nil {
			slog.Warn("chzzk normalize failed",
				slog.String("kind", kind.String()),
				slog.Int("cmd", env.Cmd),
				slog.String("channel", channelID),
				slog.String("raw", truncate(string(raw), 200)),
				slog.Any("err", err))
			continue
		}
		out = append(out, ev)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
