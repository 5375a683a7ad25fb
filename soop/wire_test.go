package soop

import (
	"bytes"
	"strings"
	"testing"
)

func TestBuildPacketHeader(t *testing.T) {
	pkt := buildPacket(actChat, fieldSep+"hello"+fieldSep)
	want := []byte("\x1b\t" + "0005" + "000007" + "00" + fieldSep + "hello" + fieldSep)
	if !bytes.Equal(pkt, want) {
		t.Errorf("packet = %q, want %q", pkt, want)
	}
}

func TestControlPackets(t *testing.T) {
	if got := string(pingPacket()); got != "\x1b\t"+"0000"+"000001"+"00"+fieldSep {
		t.Errorf("ping packet = %q", got)
	}
	frames := parseFrames(connectPacket())
	if len(frames) != 1 || frames[0].Action != actConnect {
		t.Fatalf("connect packet parses to %+v", frames)
	}
	frames = parseFrames(joinPacket("12345", "tk"))
	if len(frames) != 1 || frames[0].Action != actJoin {
		t.Fatalf("join packet parses to %+v", frames)
	}
	if got := frames[0].field(1); got != "12345" {
		t.Errorf("join room field = %q, want 12345", got)
	}
	if got := frames[0].field(2); got != "tk" {
		t.Errorf("join ticket field = %q, want tk", got)
	}
}

func TestParseFramesRoundTrip(t *testing.T) {
	body := fieldSep + "hi there" + fieldSep + "user1" + fieldSep
	frames := parseFrames(buildPacket(actChat, body))
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f.Action != actChat {
		t.Errorf("action = %v", f.Action)
	}
	if f.field(chatFieldMessage) != "hi there" || f.field(chatFieldUserID) != "user1" {
		t.Errorf("fields = %q", f.Fields)
	}
}

func TestParseFramesMultiplePackets(t *testing.T) {
	msg := append(buildPacket(actChat, fieldSep+"a"+fieldSep),
		buildPacket(actViewer, fieldSep+"123"+fieldSep)...)
	frames := parseFrames(msg)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Action != actChat || frames[1].Action != actViewer {
		t.Errorf("actions = %v, %v", frames[0].Action, frames[1].Action)
	}
	if frames[1].intField(viewerFieldCount) != 123 {
		t.Errorf("viewer count = %d", frames[1].intField(viewerFieldCount))
	}
}

func TestParseFramesTolerance(t *testing.T) {
	cases := []struct {
		name string
		data string
		want int
	}{
		{"empty", "", 0},
		{"marker only", escMarker, 0},
		{"short header", escMarker + "00", 0},
		{"junk action code", escMarker + "xxxx00000000" + fieldSep, 0},
		{"bad packet then good", escMarker + "zz" + string(buildPacket(actChat, fieldSep+"ok"+fieldSep)), 1},
		{"no marker", "0005000002" + fieldSep, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frames := parseFrames([]byte(tc.data))
			if len(frames) != tc.want {
				t.Errorf("parseFrames(%q) = %d frames, want %d", tc.data, len(frames), tc.want)
			}
		})
	}
}

func TestFrameFieldTolerance(t *testing.T) {
	f := frame{Action: actChat, Fields: []string{"", "msg"}}
	if got := f.field(99); got != "" {
		t.Errorf("out-of-range field = %q, want empty", got)
	}
	if got := f.field(-1); got != "" {
		t.Errorf("negative field = %q, want empty", got)
	}
	if got := f.intField(1); got != 0 {
		t.Errorf("intField on text = %d, want 0", got)
	}
	f.Fields = []string{"", " 42 "}
	if got := f.intField(1); got != 42 {
		t.Errorf("intField = %d, want 42", got)
	}
}

func TestParseFlags(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"0|0", 0},
		{"4|0", 4},
		{"32|16", 32},
		{"junk|0", 0},
		{"256", 256},
	}
	for _, tc := range cases {
		if got := parseFlags(tc.in); got != tc.want {
			t.Errorf("parseFlags(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestActionControl(t *testing.T) {
	for _, a := range []action{actKeepalive, actConnect, actJoin} {
		if !a.control() {
			t.Errorf("%v must be control", a)
		}
	}
	for _, a := range []action{actChat, actBalloon, actViewer, actSubscribe} {
		if a.control() {
			t.Errorf("%v must not be control", a)
		}
	}
	if s := action(9999).String(); !strings.Contains(s, "9999") {
		t.Errorf("unknown action string = %q", s)
	}
}
