package v1

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestClientEventValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      ClientEvent
		wantErr bool
	}{
		{name: "join", in: ClientEvent{Type: TypeJoin, RoomID: "r"}},
		{name: "leave", in: ClientEvent{Type: TypeLeave, RoomID: "r"}},
		{name: "message empty text is shape-valid", in: ClientEvent{Type: TypeMessage, RoomID: "r"}},
		{name: "typing", in: ClientEvent{Type: TypeTyping, RoomID: "r", IsTyping: true}},
		{name: "read", in: ClientEvent{Type: TypeRead, RoomID: "r", LastMessageID: "m"}},
		{name: "ping needs no room", in: ClientEvent{Type: TypePing}},
		{name: "read without last id", in: ClientEvent{Type: TypeRead, RoomID: "r"}, wantErr: true},
		{name: "missing type", in: ClientEvent{RoomID: "r"}, wantErr: true},
		{name: "unknown type", in: ClientEvent{Type: "online", RoomID: "r"}, wantErr: true},
		{name: "missing room", in: ClientEvent{Type: TypeJoin, RoomID: "  "}, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.in.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate()=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestNewMessageWireShape(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b, err := json.Marshal(NewMessage("room-1", "msg-1", "user-a", "hi", ts))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	want := map[string]any{
		"type":      "message",
		"roomId":    "room-1",
		"messageId": "msg-1",
		"senderId":  "user-a",
		"text":      "hi",
		"status":    "sent",
		"timestamp": "2026-01-02T03:04:05Z",
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("field %q=%v want=%v (payload=%s)", k, got[k], v, b)
		}
	}
	if _, ok := got["code"]; ok {
		t.Fatalf("unexpected code field in message event: %s", b)
	}
}

func TestTypingKeepsFalse(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(Typing("r", "u", false))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"isTyping":false`) {
		t.Fatalf("isTyping=false must be on the wire: %s", b)
	}
}
