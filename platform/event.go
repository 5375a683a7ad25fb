// Package platform defines the canonical event schema shared by all platform
// adapters, the adapter capability contract, and the connection registry.
//
// Every adapter decodes its own wire format and maps the result into a
// NormalizedEvent; downstream consumers (persistence, overlay fan-out) only
// ever see this schema.
package platform

import (
	"time"

	"github.com/google/uuid"
)

// Platform tags the source of a normalized event.
type Platform string

const (
	PlatformChzzk Platform = "chzzk"
	PlatformSoop  Platform = "soop"
)

// EventType classifies a normalized event.
type EventType string

const (
	EventChat         EventType = "chat"
	EventDonation     EventType = "donation"
	EventSubscribe    EventType = "subscribe"
	EventViewerUpdate EventType = "viewer-update"
	EventEntry        EventType = "entry"
	EventExit         EventType = "exit"
	EventEmoticon     EventType = "emoticon"
)

// Role is the canonical privilege classification of a sender.
type Role string

const (
	RoleStreamer Role = "streamer"
	RoleManager  Role = "manager"
	RoleRegular  Role = "regular"
	RoleFan      Role = "fan"
	RoleSystem   Role = "system"
)

// FallbackNickname is used when a platform omits the sender's display name.
// Downstream consumers rely on nickname always being populated.
const FallbackNickname = "익명"

// Badge is a single decoration attached to a sender.
type Badge struct {
	Type     string `json:"type"`
	Label    string `json:"label,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// Sender describes who produced the event.
type Sender struct {
	ID              string  `json:"id"`
	Nickname        string  `json:"nickname"`
	ProfileImageURL string  `json:"profileImageUrl,omitempty"`
	Role            Role    `json:"role"`
	Tier            string  `json:"tier,omitempty"`
	Badges          []Badge `json:"badges,omitempty"`
}

// Content carries the type-dependent payload. Only the fields relevant to the
// event's type are populated.
type Content struct {
	Message string `json:"message,omitempty"`

	// Donation fields. Amount is always denominated in KRW; OriginalAmount
	// preserves the platform's native instrument count.
	Amount         int    `json:"amount,omitempty"`
	OriginalAmount int    `json:"originalAmount,omitempty"`
	Currency       string `json:"currency,omitempty"`
	DonationType   string `json:"donationType,omitempty"`

	ViewerCount int `json:"viewerCount,omitempty"`

	EmoticonID  string `json:"emoticonId,omitempty"`
	EmoticonURL string `json:"emoticonUrl,omitempty"`

	SubTier   int  `json:"subTier,omitempty"`
	SubMonths int  `json:"subMonths,omitempty"`
	IsGift    bool `json:"isGift,omitempty"`
}

// Metadata carries routing and provenance information.
type Metadata struct {
	Timestamp string            `json:"timestamp"`
	ChannelID string            `json:"channelId"`
	Routing   map[string]string `json:"routing,omitempty"`
	RawData   string            `json:"rawData,omitempty"`
}

// NormalizedEvent is the canonical, platform-agnostic event. Immutable once
// emitted to a Sink.
type NormalizedEvent struct {
	ID       string    `json:"id"`
	Type     EventType `json:"type"`
	Platform Platform  `json:"platform"`
	Sender   Sender    `json:"sender"`
	Content  Content   `json:"content"`
	Metadata Metadata  `json:"metadata"`
}

// NewEventID returns a fresh globally unique event id.
func NewEventID() string { return uuid.New().String() }

// FormatTimestamp converts an epoch-millisecond timestamp to canonical
// ISO-8601 (RFC 3339, UTC). A zero or negative input yields the current time.
func FormatTimestamp(epochMillis int64) string {
	if epochMillis <= 0 {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return time.UnixMilli(epochMillis).UTC().Format(time.RFC3339)
}

// NicknameOr returns nick, or the fallback sentinel when nick is empty.
func NicknameOr(nick string) string {
	if nick == "" {
		return FallbackNickname
	}
	return nick
}
