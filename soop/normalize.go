package soop

import (
	"log/slog"
	"strconv"
	"unicode"

	"github.com/hyeonlog/streamfeed/platform"
)

// KRWPerInstrument converts a donation instrument count (balloons and their
// ad/video variants) into KRW. This is a billing policy constant, not
// something carried on the wire.
const KRWPerInstrument = 100

var donationTypeByAction = map[action]string{
	actBalloon:      "balloon",
	actAdBalloon:    "adballoon",
	actVideoBalloon: "videoballoon",
}

func roleFromFlags(flags int) platform.Role {
	switch {
	case flags&flagStreamer != 0:
		return platform.RoleStreamer
	case flags&flagManager != 0:
		return platform.RoleManager
	default:
		return platform.RoleRegular
	}
}

func tierFromFlags(flags int) string {
	switch {
	case flags&flagStreamer != 0:
		return "streamer"
	case flags&flagManager != 0:
		return "manager"
	case flags&flagFan != 0:
		return "fan"
	default:
		return ""
	}
}

func metadata(channelID, broadcastNo string, raw string) platform.Metadata {
	return platform.Metadata{
		Timestamp: platform.FormatTimestamp(0),
		ChannelID: channelID,
		Routing:   map[string]string{"broadcastNo": broadcastNo},
		RawData:   truncate(raw, 512),
	}
}

func normalizeChat(channelID, broadcastNo string, f frame) platform.NormalizedEvent {
	flags := parseFlags(f.field(chatFieldFlags))
	return platform.NormalizedEvent{
		ID:       platform.NewEventID(),
		Type:     platform.EventChat,
		Platform: platform.PlatformSoop,
		Sender: platform.Sender{
			ID:       f.field(chatFieldUserID),
			Nickname: platform.NicknameOr(f.field(chatFieldNickname)),
			Role:     roleFromFlags(flags),
			Tier:     tierFromFlags(flags),
		},
		Content:  platform.Content{Message: f.field(chatFieldMessage)},
		Metadata: metadata(channelID, broadcastNo, f.Raw),
	}
}

func normalizeDonation(channelID, broadcastNo string, f frame) platform.NormalizedEvent {
	count := f.intField(donationFieldCount)
	return platform.NormalizedEvent{
		ID:       platform.NewEventID(),
		Type:     platform.EventDonation,
		Platform: platform.PlatformSoop,
		Sender: platform.Sender{
			ID:       f.field(donationFieldUserID),
			Nickname: platform.NicknameOr(f.field(donationFieldNickname)),
			Role:     platform.RoleRegular,
		},
		Content: platform.Content{
			Amount:         count * KRWPerInstrument,
			OriginalAmount: count,
			Currency:       "KRW",
			DonationType:   donationTypeByAction[f.Action],
		},
		Metadata: metadata(channelID, broadcastNo, f.Raw),
	}
}

func normalizeViewer(channelID, broadcastNo string, f frame) platform.NormalizedEvent {
	return platform.NormalizedEvent{
		ID:       platform.NewEventID(),
		Type:     platform.EventViewerUpdate,
		Platform: platform.PlatformSoop,
		Sender:   platform.Sender{Nickname: platform.FallbackNickname, Role: platform.RoleSystem},
		Content:  platform.Content{ViewerCount: f.intField(viewerFieldCount)},
		Metadata: metadata(channelID, broadcastNo, f.Raw),
	}
}

func normalizeEnterExit(channelID, broadcastNo string, f frame) platform.NormalizedEvent {
	typ := platform.EventEntry
	if f.field(enterExitFieldDir) == "-1" {
		typ = platform.EventExit
	}
	return platform.NormalizedEvent{
		ID:       platform.NewEventID(),
		Type:     typ,
		Platform: platform.PlatformSoop,
		Sender: platform.Sender{
			ID:       f.field(enterExitFieldUserID),
			Nickname: platform.NicknameOr(f.field(enterExitFieldNickname)),
			Role:     platform.RoleRegular,
		},
		Metadata: metadata(channelID, broadcastNo, f.Raw),
	}
}

func normalizeEmoticon(channelID, broadcastNo string, f frame) platform.NormalizedEvent {
	return platform.NormalizedEvent{
		ID:       platform.NewEventID(),
		Type:     platform.EventEmoticon,
		Platform: platform.PlatformSoop,
		Sender: platform.Sender{
			ID:       f.field(emoticonFieldUserID),
			Nickname: platform.NicknameOr(f.field(emoticonFieldNickname)),
			Role:     platform.RoleRegular,
		},
		Content: platform.Content{
			EmoticonID:  f.field(emoticonFieldID),
			EmoticonURL: f.field(emoticonFieldURL),
		},
		Metadata: metadata(channelID, broadcastNo, f.Raw),
	}
}

func normalizeNotice(channelID, broadcastNo string, f frame) platform.NormalizedEvent {
	return platform.NormalizedEvent{
		ID:       platform.NewEventID(),
		Type:     platform.EventChat,
		Platform: platform.PlatformSoop,
		Sender:   platform.Sender{Nickname: platform.FallbackNickname, Role: platform.RoleSystem},
		Content:  platform.Content{Message: f.field(noticeFieldMessage)},
		Metadata: metadata(channelID, broadcastNo, f.Raw),
	}
}

// normalizeSubscribe guesses the subscription frame's layout. The field
// positions of this action are not stable across server versions, so the
// sender is recovered heuristically: the first field containing Hangul is
// taken as the nickname, the first letter-bearing alphanumeric field as the
// user id, and the first small number as the month count. Best effort only.
func normalizeSubscribe(channelID, broadcastNo string, f frame) platform.NormalizedEvent {
	var userID, nickname string
	months := 0
	for i := 1; i < len(f.Fields); i++ {
		v := f.Fields[i]
		if v == "" {
			continue
		}
		switch {
		case nickname == "" && containsHangul(v):
			nickname = v
		case userID == "" && isAlnumID(v):
			userID = v
		case months == 0:
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n < 1000 {
				months = n
			}
		}
	}
	if nickname == "" {
		// Roman-alphabet nicknames defeat the Hangul heuristic; fall back to
		// reusing the id as the display name.
		nickname = userID
	}
	return platform.NormalizedEvent{
		ID:       platform.NewEventID(),
		Type:     platform.EventSubscribe,
		Platform: platform.PlatformSoop,
		Sender: platform.Sender{
			ID:       userID,
			Nickname: platform.NicknameOr(nickname),
			Role:     platform.RoleRegular,
		},
		Content:  platform.Content{SubMonths: months},
		Metadata: metadata(channelID, broadcastNo, f.Raw),
	}
}

func containsHangul(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Hangul, r) {
			return true
		}
	}
	return false
}

// isAlnumID matches platform user ids: ASCII letters and digits with at
// least one letter.
func isAlnumID(s string) bool {
	hasLetter := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			hasLetter = true
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return hasLetter
}

type frameNormalizer func(channelID, broadcastNo string, f frame) platform.NormalizedEvent

var normalizerByAction = map[action]frameNormalizer{
	actChat:         normalizeChat,
	actBalloon:      normalizeDonation,
	actAdBalloon:    normalizeDonation,
	actVideoBalloon: normalizeDonation,
	actViewer:       normalizeViewer,
	actEnterExit:    normalizeEnterExit,
	actEmoticon:     normalizeEmoticon,
	actNotice:       normalizeNotice,
	actSubscribe:    normalizeSubscribe,
}

// normalizeFrame maps one decoded frame to at most one event. Control frames
// and unknown action codes yield none; a panic inside a normalizer (frames
// here are hostile input) is caught so one bad frame never stalls the
// connection.
func normalizeFrame(channelID, broadcastNo string, f frame) (ev platform.NormalizedEvent, ok bool) {
	fn, found := normalizerByAction[f.Action]
	if !found {
		if !f.Action.control() {
			slog.Debug("soop unknown action",
				slog.String("action", f.Action.String()),
				slog.String("channel", channelID))
		}
		return platform.NormalizedEvent{}, false
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("soop normalize panic",
				slog.String("action", f.Action.String()),
				slog.String("channel", channelID),
				slog.String("raw", truncate(f.Raw, 200)),
				slog.Any("panic", r))
			ok = false
		}
	}()
	return fn(channelID, broadcastNo, f), true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
