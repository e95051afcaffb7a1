package chat

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEnvelopeRoundTripKeepsIdentity(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope(uuid.New(), uuid.New(), "hello", time.Now())
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.MessageID == uuid.Nil {
		t.Fatalf("expected generated message id")
	}

	b, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if got.MessageID != env.MessageID || got.Text != env.Text || !got.CreatedAt.Equal(env.CreatedAt) {
		t.Fatalf("decoded=%+v want=%+v", got, env)
	}
}

func TestDecodeEnvelopeRejectsPoison(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
	}{
		{name: "not json", in: `{{{`},
		{name: "missing ids", in: `{"text":"hi"}`},
		{name: "bad uuid", in: `{"messageId":"nope","conversationId":"nope","senderId":"nope","text":"hi"}`},
		{name: "blank text", in: `{"messageId":"` + uuid.NewString() + `","conversationId":"` + uuid.NewString() + `","senderId":"` + uuid.NewString() + `","text":"   "}`},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := DecodeEnvelope([]byte(tc.in)); !errors.Is(err, ErrInvalidEnvelope) {
				t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
			}
		})
	}
}

func TestDecodeEnvelopeAcceptsOriginalFieldNames(t *testing.T) {
	t.Parallel()

	mid, cid, sid := uuid.New(), uuid.New(), uuid.New()
	raw := `{"messageId":"` + mid.String() + `","conversationId":"` + cid.String() +
		`","senderId":"` + sid.String() + `","text":"hi","timestamp":"2026-03-04T05:06:07Z"}`

	env, err := DecodeEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.MessageID != mid || env.ConversationID != cid || env.SenderID != sid {
		t.Fatalf("ids mismatch: %+v", env)
	}
	if env.CreatedAt.Year() != 2026 {
		t.Fatalf("timestamp not parsed: %v", env.CreatedAt)
	}
}
