// Package chzzk implements the Chzzk chat adapter: wire decoding of the
// JSON-over-WebSocket chat protocol, normalization into the canonical event
// schema, the per-channel connection state machine, and the REST discovery
// client for channel/category/live lookups.
package chzzk

import (
	"encoding/json"
	"fmt"
)

// Command codes carried in the envelope's cmd field.
const (
	cmdPing         = 0
	cmdPong         = 10000
	cmdConnect      = 100
	cmdConnected    = 10100
	cmdRecentChat   = 15101
	cmdChat         = 93101
	cmdDonation     = 93102
	cmdSubscription = 93103
	cmdSystem       = 93104
)

// messageKind is the decoded message type, dispatched from the cmd code.
type messageKind int

const (
	kindUnknown messageKind = iota
	kindPing
	kindPong
	kindConnected
	kindRecentChat
	kindChat
	kindDonation
	kindSubscription
	kindSystem
)

var kindByCmd = map[int]messageKind{
	cmdPing:         kindPing,
	cmdPong:         kindPong,
	cmdConnected:    kindConnected,
	cmdRecentChat:   kindRecentChat,
	cmdChat:         kindChat,
	cmdDonation:     kindDonation,
	cmdSubscription: kindSubscription,
	cmdSystem:       kindSystem,
}

func (k messageKind) String() string {
	switch k {
	case kindPing:
		return "ping"
	case kindPong:
		return "pong"
	case kindConnected:
		return "connected"
	case kindRecentChat:
		return "recent-chat"
	case kindChat:
		return "chat"
	case kindDonation:
		return "donation"
	case kindSubscription:
		return "subscription"
	case kindSystem:
		return "system"
	default:
		return "unknown"
	}
}

// envelope is one inbound or outbound frame.
type envelope struct {
	Ver   string          `json:"ver"`
	Cmd   int             `json:"cmd"`
	SvcID string          `json:"svcid,omitempty"`
	CID   string          `json:"cid,omitempty"`
	TID   int             `json:"tid,omitempty"`
	Bdy   json.RawMessage `json:"bdy,omitempty"`
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

func (e envelope) kind() messageKind {
	return kindByCmd[e.Cmd]
}

// bodies normalizes bdy to a slice: chat-class commands carry either a single
// record or a batch, depending on the command and server mood.
func (e envelope) bodies() []json.RawMessage {
	if len(e.Bdy) == 0 {
		return nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(e.Bdy, &list); err == nil {
		return list
	}
	// Single object body.
	return []json.RawMessage{e.Bdy}
}

// chatBody is the shared shape of chat, donation, and subscription records.
// profile and extras are JSON encoded a second time inside the outer JSON and
// need a separate decode pass.
type chatBody struct {
	UID     string `json:"uid"`
	Msg     string `json:"msg"`
	Content string `json:"content"`
	Profile string `json:"profile"`
	Extras  string `json:"extras"`
	MsgTime int64  `json:"msgTime"`

	// Recent-chat replay uses alternate field names.
	MessageTime int64 `json:"messageTime"`
}

func decodeChatBody(raw json.RawMessage) (chatBody, error) {
	var b chatBody
	if err := json.Unmarshal(raw, &b); err != nil {
		return chatBody{}, fmt.Errorf("decode chat body: %w", err)
	}
	return b, nil
}

func (b chatBody) message() string {
	if b.Msg != "" {
		return b.Msg
	}
	return b.Content
}

func (b chatBody) time() int64 {
	if b.MsgTime != 0 {
		return b.MsgTime
	}
	return b.MessageTime
}

// profile is the nested sender profile.
type profile struct {
	UserIDHash      string `json:"userIdHash"`
	Nickname        string `json:"nickname"`
	ProfileImageURL string `json:"profileImageUrl"`
	UserRoleCode    string `json:"userRoleCode"`
	Badge           *struct {
		ImageURL string `json:"imageUrl"`
	} `json:"badge"`
	ActivityBadges []struct {
		BadgeID   string `json:"badgeId"`
		Title     string `json:"title"`
		ImageURL  string `json:"imageUrl"`
		Activated bool   `json:"activated"`
	} `json:"activityBadges"`
	StreamingProperty struct {
		Subscription *struct {
			AccumulativeMonth int `json:"accumulativeMonth"`
			Tier              int `json:"tier"`
			Badge             struct {
				ImageURL string `json:"imageUrl"`
			} `json:"badge"`
		} `json:"subscription"`
		Following *struct {
			FollowDate string `json:"followDate"`
		} `json:"following"`
	} `json:"streamingProperty"`
}

// decodeProfile runs the second decode pass. Decode failure falls back to an
// empty profile so the outer message survives.
func decodeProfile(s string) profile {
	var p profile
	if s == "" || s == "null" {
		return p
	}
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return profile{}
	}
	return p
}

// extras is the nested type-specific payload of donation and subscription
// messages.
type extras struct {
	ChatType     string `json:"chatType"`
	PayAmount    int    `json:"payAmount"`
	DonationType string `json:"donationType"`
	Nickname     string `json:"nickname"`
	Month        int    `json:"month"`
	TierNo       int    `json:"tierNo"`
	TierName     string `json:"tierName"`
	IsGift       bool   `json:"isGift"`
	EmojiID      string `json:"emojiId"`
	EmojiURL     string `json:"emojiUrl"`
}

// decodeExtras mirrors decodeProfile: failure yields an empty payload, never
// an error for the outer message.
func decodeExtras(s string) extras {
	var x extras
	if s == "" || s == "null" {
		return x
	}
	if err := json.Unmarshal([]byte(s), &x); err != nil {
		return extras{}
	}
	return x
}

// connectBody is the bdy of the outbound CONNECT envelope.
type connectBody struct {
	UID     *string `json:"uid"`
	DevType int     `json:"devType"`
	AccTkn  string  `json:"accTkn"`
	Auth    string  `json:"auth"`
}

func connectEnvelope(chatChannelID, accessToken string) ([]byte, error) {
	env := struct {
		Ver   string      `json:"ver"`
		Cmd   int         `json:"cmd"`
		SvcID string      `json:"svcid"`
		CID   string      `json:"cid"`
		Bdy   connectBody `json:"bdy"`
		TID   int         `json:"tid"`
	}{
		Ver:   protocolVersion,
		Cmd:   cmdConnect,
		SvcID: serviceID,
		CID:   chatChannelID,
		Bdy:   connectBody{UID: nil, DevType: deviceType, AccTkn: accessToken, Auth: "READ"},
		TID:   1,
	}
	return json.Marshal(env)
}

func pingEnvelope() []byte {
	return []byte(fmt.Sprintf(`{"ver":%q,"cmd":%d}`, protocolVersion, cmdPing))
}

func pongEnvelope() []byte {
	return []byte(fmt.Sprintf(`{"ver":%q,"cmd":%d}`, protocolVersion, cmdPong))
}

const (
	protocolVersion = "3"
	serviceID       = "game"
	deviceType      = 2001
)
