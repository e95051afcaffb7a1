// Package main provides a CI-friendly WebSocket smoke test for the Papyris gateway.
//
// It validates:
//   - bearer handshake with minted JWTs
//   - online presence broadcast
//   - join confirmation
//   - message fanout to another member with a stable message id
//   - read receipt fanout
//   - offline presence broadcast after disconnect
//
// Against a gateway with a database, -room must name a conversation whose
// members include -user-a and -user-b.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	v1 "papyris/shared/contracts/realtime/v1"
)

const (
	defaultSubprotocol = "papyris.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	userID uuid.UUID
	conn   *websocket.Conn

	inbox chan v1.ServerEvent
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		secret  = flag.String("secret", os.Getenv("PAPYRIS_JWT_SECRET"), "HMAC secret used to mint tokens")
		alg     = flag.String("alg", "HS256", "JWT algorithm")
		roomID  = flag.String("room", uuid.NewString(), "Conversation ID to join")
		userA   = flag.String("user-a", uuid.NewString(), "User ID of client A")
		userB   = flag.String("user-b", uuid.NewString(), "User ID of client B")
		text    = flag.String("text", "hello papyris 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*secret) == "" {
		fatalf("missing -secret (or PAPYRIS_JWT_SECRET)")
	}
	room := mustUUID("room", *roomID)
	a := mustUUID("user-a", *userA)
	b := mustUUID("user-b", *userB)

	root := context.Background()

	cb := mustConnect(root, "B", b, *wsURL, *origin, *secret, *alg, *timeout)
	defer closeWS(cb.conn)

	ca := mustConnect(root, "A", a, *wsURL, *origin, *secret, *alg, *timeout)

	online := cb.mustReadUntil(root, *timeout, func(ev v1.ServerEvent) bool {
		return ev.Type == v1.TypeOnline && ev.UserID == a.String()
	})
	if *verbose {
		fmt.Printf("online: %s\n", online.UserID)
	}

	mustJoin(root, ca, room, *timeout)
	mustJoin(root, cb, room, *timeout)

	mustWrite(root, ca.conn, v1.ClientEvent{Type: v1.TypeMessage, RoomID: room.String(), Text: *text}, *timeout)

	got := cb.mustReadUntil(root, *timeout, func(ev v1.ServerEvent) bool { return ev.Type == v1.TypeMessage })
	switch {
	case got.RoomID != room.String():
		fatalf("message roomId mismatch: got=%q want=%q", got.RoomID, room)
	case got.SenderID != a.String():
		fatalf("message senderId mismatch: got=%q want=%q", got.SenderID, a)
	case got.Text != *text:
		fatalf("message text mismatch: got=%q want=%q", got.Text, *text)
	case got.Status != v1.StatusSent:
		fatalf("message status mismatch: got=%q", got.Status)
	case got.Timestamp == nil || got.Timestamp.IsZero():
		fatalf("message timestamp missing")
	}
	if _, err := uuid.Parse(got.MessageID); err != nil {
		fatalf("message id is not a UUID: %q", got.MessageID)
	}

	echo := ca.mustReadUntil(root, *timeout, func(ev v1.ServerEvent) bool { return ev.Type == v1.TypeMessage })
	if echo.MessageID != got.MessageID {
		fatalf("sender echo messageId mismatch: got=%q want=%q", echo.MessageID, got.MessageID)
	}
	if *verbose {
		fmt.Printf("message: id=%s\n", got.MessageID)
	}

	mustWrite(root, cb.conn, v1.ClientEvent{Type: v1.TypeRead, RoomID: room.String(), LastMessageID: got.MessageID}, *timeout)
	read := ca.mustReadUntil(root, *timeout, func(ev v1.ServerEvent) bool { return ev.Type == v1.TypeRead })
	if read.UserID != b.String() || read.LastMessageID != got.MessageID {
		fatalf("read mismatch: %+v", read)
	}

	closeWS(ca.conn)
	cb.mustReadUntil(root, *timeout, func(ev v1.ServerEvent) bool {
		return ev.Type == v1.TypeOffline && ev.UserID == a.String()
	})

	fmt.Printf("OK: room=%s message_id=%s a=%s b=%s\n", room, got.MessageID, a, b)
}

func mustUUID(name, raw string) uuid.UUID {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		fatalf("invalid -%s: %v", name, err)
	}
	return id
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name string, userID uuid.UUID, wsURL, origin, secret, alg string, stepTimeout time.Duration) *smokeClient {
	token, err := mintToken(secret, alg, userID, 10*time.Minute)
	if err != nil {
		fatalf("mint token %s: %v", name, err)
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.ServerEvent, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func mintToken(secret, alg string, userID uuid.UUID, ttl time.Duration) (string, error) {
	method := jwt.GetSigningMethod(strings.ToUpper(strings.TrimSpace(alg)))
	if method == nil {
		return "", fmt.Errorf("unknown alg %q", alg)
	}
	now := time.Now()
	return jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}).SignedString([]byte(secret))
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var ev v1.ServerEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- ev:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, room uuid.UUID, stepTimeout time.Duration) {
	mustWrite(parent, c.conn, v1.ClientEvent{Type: v1.TypeJoin, RoomID: room.String()}, stepTimeout)

	joined := c.mustReadUntil(parent, stepTimeout, func(ev v1.ServerEvent) bool { return ev.Type == v1.TypeJoined })
	if joined.RoomID != room.String() {
		fatalf("joined roomId mismatch (%s): got=%q want=%q", c.name, joined.RoomID, room)
	}
}

// mustReadUntil skips events until match accepts one. An error event fails
// the run.
func (c *smokeClient) mustReadUntil(parent context.Context, stepTimeout time.Duration, match func(v1.ServerEvent) bool) v1.ServerEvent {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for event (%s): %v", c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting (%s)", c.name)
			}
			fatalf("connection error while waiting (%s): %v", c.name, err)
		case ev, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting (%s)", c.name)
			}
			if ev.Type == v1.TypeError {
				fatalf("server error (%s): code=%q msg=%q", c.name, ev.Code, ev.Message)
			}
			if match(ev) {
				return ev
			}
		}
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, ev v1.ClientEvent, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(ev)
	if err != nil {
		fatalf("marshal event: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
