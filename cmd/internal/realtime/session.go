package realtime

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"papyris/cmd/internal/chat"
	v1 "papyris/shared/contracts/realtime/v1"
)

// tempMessagePrefix marks ids a client assigns before the gateway accepted
// the message.
const tempMessagePrefix = "temp-"

// handle dispatches one client event. A returned *EventError is reported to
// the client; nil means the event was handled or dropped on purpose.
func (s *Session) handle(ctx context.Context, ev v1.ClientEvent) error {
	s.g.metrics.ClientEvent(ev.Type)

	if err := ev.Validate(); err != nil {
		return invalidEvent(err.Error())
	}
	if ev.Type == v1.TypePing {
		s.reply(v1.Pong())
		return nil
	}

	room, err := parseRoomID(ev.RoomID)
	if err != nil {
		if ev.Type == v1.TypeTyping {
			return nil
		}
		return invalidEvent("roomId must be a UUID")
	}

	switch ev.Type {
	case v1.TypeJoin:
		return s.onJoin(ctx, room)
	case v1.TypeLeave:
		return s.onLeave(room)
	case v1.TypeMessage:
		return s.onMessage(ctx, room, ev.Text)
	case v1.TypeTyping:
		s.onTyping(ctx, room, ev.IsTyping)
		return nil
	case v1.TypeRead:
		return s.onRead(ctx, room, ev.LastMessageID)
	default:
		return invalidEvent("unsupported type: " + ev.Type)
	}
}

func (s *Session) onJoin(ctx context.Context, room uuid.UUID) error {
	if err := s.requireMember(ctx, room); err != nil {
		return err
	}
	key := room.String()
	if !s.g.registry.JoinRoom(key, s.client) {
		// Deregistered concurrently; the connection is closing.
		return nil
	}
	s.log.Debug("room.join", "room_id", key)
	s.reply(v1.Joined(key))
	return nil
}

func (s *Session) onLeave(room uuid.UUID) error {
	key := room.String()
	s.g.registry.LeaveRoom(key, s.client)
	s.log.Debug("room.leave", "room_id", key)
	s.reply(v1.Left(key))
	return nil
}

// onMessage accepts a message: the ingest log append makes it durable, then
// the fanout publish delivers it. The worker is never waited for.
func (s *Session) onMessage(ctx context.Context, room uuid.UUID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return &EventError{Kind: ErrValidation, Code: v1.CodeEmptyMessage, Msg: "message text is empty"}
	}
	if utf8.RuneCountInString(text) > maxMessageChars {
		return &EventError{Kind: ErrValidation, Code: v1.CodeMessageTooLong, Msg: "message text is too long"}
	}
	if err := s.requireMember(ctx, room); err != nil {
		return err
	}

	env, err := chat.NewEnvelope(room, s.user.UserID, text, s.g.now())
	if err != nil {
		return infraError(v1.CodeSendFailed, "message could not be accepted", err)
	}
	payload, err := env.Encode()
	if err != nil {
		return infraError(v1.CodeSendFailed, "message could not be accepted", err)
	}

	actx, cancel := context.WithTimeout(ctx, s.g.cfg.InfraTimeout)
	entryID, err := s.g.ingest.Append(actx, payload)
	cancel()
	s.g.metrics.IngestAppended(err)
	if err != nil {
		return infraError(v1.CodeSendFailed, "message could not be stored", err)
	}

	mid := env.MessageID.String()
	s.log.Info("message.accepted", "room_id", room.String(), "message_id", mid, "entry_id", entryID)

	out := v1.NewMessage(room.String(), mid, s.user.UserID.String(), text, env.CreatedAt)
	if err := s.publish(ctx, room.String(), out); err != nil {
		// Durable already; the worker persists it regardless.
		ee := infraError(v1.CodePublishFailed, "message stored but not delivered", err)
		ee.MessageID = mid
		return ee
	}
	return nil
}

// onTyping is best-effort: membership or publish failures are dropped.
func (s *Session) onTyping(ctx context.Context, room uuid.UUID, isTyping bool) {
	if err := s.requireMember(ctx, room); err != nil {
		return
	}
	if err := s.publish(ctx, room.String(), v1.Typing(room.String(), s.user.UserID.String(), isTyping)); err != nil {
		s.log.Debug("typing.publish.fail", "room_id", room.String(), "err", err)
	}
}

// onRead ignores client-side placeholder ids ("temp-...") of messages the
// client has not seen acknowledged yet.
func (s *Session) onRead(ctx context.Context, room uuid.UUID, lastMessageID string) error {
	lastMessageID = strings.TrimSpace(lastMessageID)
	if strings.HasPrefix(lastMessageID, tempMessagePrefix) {
		return nil
	}
	mid, err := uuid.Parse(lastMessageID)
	if err != nil || mid == uuid.Nil {
		return invalidEvent("lastMessageId must be a UUID")
	}
	if err := s.requireMember(ctx, room); err != nil {
		return err
	}

	rctx, cancel := context.WithTimeout(ctx, s.g.cfg.InfraTimeout)
	err = s.g.receipts.MarkRead(rctx, chat.MarkReadInput{
		ConversationID: room,
		UserID:         s.user.UserID,
		MessageID:      mid,
		Now:            s.g.now().UTC(),
	})
	cancel()
	if errors.Is(err, chat.ErrForeignMessage) {
		return invalidEvent("lastMessageId does not belong to roomId")
	}
	if err != nil {
		return infraError(v1.CodeReadFailed, "read receipt could not be stored", err)
	}

	if err := s.publish(ctx, room.String(), v1.Read(room.String(), s.user.UserID.String(), mid.String())); err != nil {
		return infraError(v1.CodePublishFailed, "read receipt stored but not delivered", err)
	}
	return nil
}

func (s *Session) requireMember(ctx context.Context, room uuid.UUID) error {
	mctx, cancel := context.WithTimeout(ctx, s.g.cfg.InfraTimeout)
	defer cancel()

	ok, err := s.g.members.IsMember(mctx, room, s.user.UserID)
	if err != nil {
		return infraError(v1.CodeMembership, "membership could not be verified", err)
	}
	if !ok {
		return notMember()
	}
	return nil
}

func parseRoomID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, err
	}
	if id == uuid.Nil {
		return uuid.Nil, errNilRoom
	}
	return id, nil
}
