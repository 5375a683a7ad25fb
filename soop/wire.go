// Package soop implements the SOOP chat adapter: decoding of the
// delimited-text chat protocol, normalization into the canonical event
// schema, the per-channel connection state machine, and the REST discovery
// client for station/category/broadcast lookups.
package soop

import (
	"fmt"
	"strconv"
	"strings"
)

// Wire framing. Fields inside a packet body are separated by a single
// non-printable control character; every packet starts with a two-byte escape
// marker followed by a 4-digit service (action) code, a 6-digit body byte
// length, and a 2-digit flag.
const (
	fieldSep  = "\x0c"
	escMarker = "\x1b\t"

	headerLen = len(escMarker) + 4 + 6 + 2
)

// action is the 4-digit service code selecting the message type.
type action int

const (
	actKeepalive    action = 0
	actConnect      action = 1
	actJoin         action = 2
	actEnterExit    action = 4
	actChat         action = 5
	actViewer       action = 12
	actBalloon      action = 18
	actAdBalloon    action = 87
	actSubscribe    action = 91
	actNotice       action = 93
	actVideoBalloon action = 108
	actEmoticon     action = 109
)

func (a action) String() string {
	switch a {
	case actKeepalive:
		return "keepalive"
	case actConnect:
		return "connect"
	case actJoin:
		return "join"
	case actEnterExit:
		return "enter-exit"
	case actChat:
		return "chat"
	case actViewer:
		return "viewer"
	case actBalloon:
		return "balloon"
	case actAdBalloon:
		return "ad-balloon"
	case actSubscribe:
		return "subscribe"
	case actNotice:
		return "notice"
	case actVideoBalloon:
		return "video-balloon"
	case actEmoticon:
		return "emoticon"
	default:
		return fmt.Sprintf("action-%04d", int(a))
	}
}

// control reports whether the action is a handshake/keepalive code rather
// than a payload message.
func (a action) control() bool {
	return a == actKeepalive || a == actConnect || a == actJoin
}

// frame is one decoded packet. Field indices are positional and
// per-action; see the index constants below.
type frame struct {
	Action action
	Fields []string
	Raw    string
}

// field returns the i-th positional field, or "" when the frame is shorter
// than expected. Short frames are normal on this protocol.
func (f frame) field(i int) string {
	if i < 0 || i >= len(f.Fields) {
		return ""
	}
	return f.Fields[i]
}

// intField parses the i-th field as an integer, zero when missing or junk.
func (f frame) intField(i int) int {
	n, err := strconv.Atoi(strings.TrimSpace(f.field(i)))
	if err != nil {
		return 0
	}
	return n
}

// parseFrames splits a transport message into packets on the escape marker
// and decodes each header. Packets with unparsable headers are dropped (the
// caller logs the drop count); the rest of the message still decodes.
func parseFrames(data []byte) []frame {
	var out []frame
	for _, pkt := range strings.Split(string(data), escMarker) {
		if pkt == "" {
			continue
		}
		f, ok := parsePacket(pkt)
		if !ok {
			continue
		}
		out = append(out, f)
	}
	return out
}

// parsePacket decodes "SSSSLLLLLLFF<body>" where SSSS is the action code,
// LLLLLL the body length, and FF the flag. The declared length is advisory;
// the body is whatever follows the header.
func parsePacket(pkt string) (frame, bool) {
	const hdr = 4 + 6 + 2
	if len(pkt) < hdr {
		return frame{}, false
	}
	code, err := strconv.Atoi(pkt[:4])
	if err != nil {
		return frame{}, false
	}
	body := pkt[hdr:]
	return frame{
		Action: action(code),
		Fields: strings.Split(body, fieldSep),
		Raw:    pkt,
	}, true
}

// buildPacket frames a body with the outbound header convention: escape
// marker, 4-digit action, 6-digit byte length, and a zero flag.
func buildPacket(a action, body string) []byte {
	return []byte(fmt.Sprintf("%s%04d%06d00%s", escMarker, int(a), len(body), body))
}

// connectPacket is the fixed literal handshake opener.
func connectPacket() []byte {
	return buildPacket(actConnect, fieldSep+fieldSep+fieldSep+"16"+fieldSep)
}

// joinPacket carries the chat-room number (and short-lived ticket when the
// route has one) into the room-join request.
func joinPacket(chatRoom, ticket string) []byte {
	body := fieldSep + chatRoom + fieldSep + ticket + fieldSep + fieldSep + fieldSep + fieldSep
	return buildPacket(actJoin, body)
}

func pingPacket() []byte {
	return buildPacket(actKeepalive, fieldSep)
}

// Positional field indices per action code. These come from observing live
// traffic, not any published contract: treat them as best-effort heuristics
// that may drift between server deployments.
const (
	chatFieldMessage  = 1
	chatFieldUserID   = 2
	chatFieldNickname = 6
	chatFieldFlags    = 7

	donationFieldStreamer = 1
	donationFieldUserID   = 2
	donationFieldNickname = 3
	donationFieldCount    = 4

	enterExitFieldDir      = 1
	enterExitFieldUserID   = 2
	enterExitFieldNickname = 3

	viewerFieldCount = 1

	emoticonFieldUserID   = 2
	emoticonFieldNickname = 3
	emoticonFieldID       = 4
	emoticonFieldURL      = 5

	noticeFieldMessage = 1
)

// chat flag bits, carried as "a|b" in the chat flags field. Only the first
// word is meaningful to us.
const (
	flagStreamer = 1 << 2
	flagManager  = 1 << 5
	flagFan      = 1 << 8
)

// parseFlags extracts the first flag word from an "a|b" pair.
func parseFlags(s string) int {
	if s == "" {
		return 0
	}
	first, _, _ := strings.Cut(s, "|")
	n, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return 0
	}
	return n
}
