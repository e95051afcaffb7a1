package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"papyris/cmd/internal/auth"
	"papyris/cmd/internal/chat"
	"papyris/cmd/internal/metrics"
	"papyris/cmd/internal/presence"
	v1 "papyris/shared/contracts/realtime/v1"
)

const (
	wsSubprotocolV1 = "papyris.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// Appender is the write side of the ingest log.
type Appender interface {
	Append(ctx context.Context, payload []byte) (string, error)
}

// Publisher fans server events out to every gateway.
type Publisher interface {
	Publish(ctx context.Context, room string, payload []byte) error
	PublishGlobal(ctx context.Context, payload []byte) error
}

// GatewayConfig holds the per-connection policy of a Gateway.
type GatewayConfig struct {
	// Origin policy. Origin is required by default and only localhost is
	// allowed (secure-by-default for dev).
	OriginRequired bool
	AllowedOrigins []string

	// InsecureSkipVerify disables websocket.Accept's own origin check.
	// Dev-only.
	InsecureSkipVerify bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration

	// InfraTimeout bounds each store, log or broker call.
	InfraTimeout time.Duration
}

// DefaultGatewayConfig returns the secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
		InfraTimeout:      infraTimeout,
	}
}

func (c GatewayConfig) normalized() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.InfraTimeout <= 0 {
		c.InfraTimeout = d.InfraTimeout
	}
	return c
}

// GatewayDeps are the collaborators of a Gateway. Only Metrics and Logger
// may be nil.
type GatewayDeps struct {
	Logger   *slog.Logger
	Auth     auth.Authenticator
	Registry *Registry
	Members  chat.MembershipStore
	Receipts chat.ReceiptStore
	Ingest   Appender
	Fanout   Publisher
	Presence presence.Store
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Gateway is the WebSocket entrypoint for Papyris realtime.
//
// It enforces origin policy, authenticates the handshake, applies rate
// limits and heartbeats, and runs one Session per connection.
type Gateway struct {
	cfg GatewayConfig

	log      *slog.Logger
	auth     auth.Authenticator
	registry *Registry
	members  chat.MembershipStore
	receipts chat.ReceiptStore
	ingest   Appender
	fanout   Publisher
	presence presence.Store
	metrics  *metrics.Metrics
	now      func() time.Time

	// sessions counts connections between Accept and the end of their
	// presence cleanup.
	sessions sync.WaitGroup

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewGateway constructs a Gateway.
func NewGateway(cfg GatewayConfig, deps GatewayDeps) (*Gateway, error) {
	switch {
	case deps.Auth == nil:
		return nil, errors.New("realtime: nil authenticator")
	case deps.Registry == nil:
		return nil, errors.New("realtime: nil registry")
	case deps.Members == nil || deps.Receipts == nil:
		return nil, errors.New("realtime: nil chat store")
	case deps.Ingest == nil:
		return nil, errors.New("realtime: nil ingest log")
	case deps.Fanout == nil:
		return nil, errors.New("realtime: nil fanout publisher")
	case deps.Presence == nil:
		return nil, errors.New("realtime: nil presence store")
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	cfg = cfg.normalized()
	return &Gateway{
		cfg:      cfg,
		log:      deps.Logger,
		auth:     deps.Auth,
		registry: deps.Registry,
		members:  deps.Members,
		receipts: deps.Receipts,
		ingest:   deps.Ingest,
		fanout:   deps.Fanout,
		presence: deps.Presence,
		metrics:  deps.Metrics,
		now:      deps.Now,

		// websocket.Accept enforces its own origin policy: same-host is ok,
		// cross-origin requires OriginPatterns. Deriving them from the
		// allowlist keeps the two layers in agreement.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs it until
// the connection closes.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Sessions outlive the HTTP server's request deadlines.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Offered, not required: plain clients negotiate no subprotocol.
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}

	g.sessions.Add(1)
	defer g.sessions.Done()

	s := newSession(g, conn)
	s.run(r.Context(), auth.TokenFromRequest(r))
}

// Wait blocks until every session has finished its cleanup or ctx is done.
// Sessions end when their request context is cancelled; call Wait after
// that and before releasing the presence store.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session is the per-connection state machine:
// CONNECTING -> AUTHENTICATED -> ACTIVE -> CLOSED.
type Session struct {
	g     *Gateway
	conn  *websocket.Conn
	state stateMachine
	log   *slog.Logger

	id     string
	user   auth.Identity
	client *Client

	// counted is set once presence holds a reference for this connection.
	counted bool

	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newSession(g *Gateway, conn *websocket.Conn) *Session {
	return &Session{g: g, conn: conn, log: g.log}
}

// State reports the current lifecycle state.
func (s *Session) State() SessionState { return s.state.Load() }

func (s *Session) run(parent context.Context, token string) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	s.cancel = cancel

	if err := s.authenticate(ctx, token); err != nil {
		s.log.Info("ws.auth.fail", "err", err)
		_ = s.state.Transition(StateClosed)
		_ = s.conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	s.conn.SetReadLimit(maxFrameBytes)
	s.activate(ctx)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		s.heartbeatLoop(ctx)
	}()

	code, reason := s.readLoop(ctx)
	s.shutdown(code, reason)
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (s *Session) authenticate(ctx context.Context, token string) error {
	actx, cancel := context.WithTimeout(ctx, s.g.cfg.InfraTimeout)
	defer cancel()

	id, err := s.g.auth.Authenticate(actx, token)
	if err != nil {
		return errors.Join(ErrAuthFailure, err)
	}
	sid, err := NewSessionID(s.g.now())
	if err != nil {
		return errors.Join(ErrAuthFailure, err)
	}

	s.user = id
	s.id = sid
	s.log = s.g.log.With("session_id", sid, "user_id", id.UserID.String())
	return s.state.Transition(StateAuthenticated)
}

// activate registers the connection, counts it in presence and announces
// the user when this is its first connection anywhere.
func (s *Session) activate(ctx context.Context) {
	s.client = NewClient(s.user.UserID, s.id, s.g.cfg.SendQueueSize)
	s.g.registry.Register(s.client)
	s.g.metrics.ConnectionOpened()
	_ = s.state.Transition(StateActive)

	pctx, cancel := context.WithTimeout(ctx, s.g.cfg.InfraTimeout)
	defer cancel()

	first, err := s.g.presence.Connect(pctx, s.user.UserID)
	if err != nil {
		s.log.Warn("presence.connect.fail", "err", err)
		return
	}
	s.counted = true
	s.log.Info("ws.session.active", "first_connection", first)
	if !first {
		return
	}
	s.g.metrics.PresenceTransition(true)
	s.publishGlobal(pctx, v1.Online(s.user.UserID.String()))
}

// shutdown is idempotent. It does NOT close client.Send.
// The client is deregistered before it is closed so broadcasters skip it.
func (s *Session) shutdown(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		_ = s.state.Transition(StateClosed)

		s.g.registry.Deregister(s.client)
		s.client.Close()
		s.g.metrics.ConnectionClosed()

		// The request context may already be gone; presence cleanup must
		// still happen. An uncounted connection must not release another
		// device's reference.
		if s.counted {
			ctx, cancel := context.WithTimeout(context.Background(), s.g.cfg.InfraTimeout)
			defer cancel()

			last, err := s.g.presence.Disconnect(ctx, s.user.UserID)
			switch {
			case err != nil:
				s.log.Warn("presence.disconnect.fail", "err", err)
			case last:
				s.g.metrics.PresenceTransition(false)
				s.publishGlobal(ctx, v1.Offline(s.user.UserID.String()))
			}
		}

		_ = s.conn.Close(code, reason)
		s.cancel()
		s.log.Info("ws.session.closed", "reason", reason)
	})
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.client.Done():
			return
		case frame := <-s.client.Send:
			if err := writeFrame(ctx, s.conn, frame, s.g.cfg.WriteTimeout); err != nil {
				s.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(s.g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, s.g.cfg.HeartbeatTimeout)
			err := s.conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				s.log.Info("ws.ping.fail", "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					s.shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// readLoop processes client events sequentially until the connection ends
// and returns the close code and reason to use.
func (s *Session) readLoop(ctx context.Context) (websocket.StatusCode, string) {
	rl := NewRateLimiter(s.g.cfg.RateEvents, s.g.cfg.RateWindow)

	for {
		readCtx, readCancel := context.WithTimeout(ctx, s.g.cfg.ReadIdleTimeout)
		ev, err := readEvent(readCtx, s.conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				return websocket.StatusNormalClosure, "peer closed"
			case readErrCtxDone:
				return websocket.StatusNormalClosure, "context done"
			case readErrConnClosed:
				return websocket.StatusAbnormalClosure, "conn closed"
			case readErrBadJSON:
				s.reply(v1.Error(v1.CodeInvalidEvent, "invalid JSON"))
				continue
			default:
				s.log.Info("ws.read.fail", "err", err)
				return websocket.StatusAbnormalClosure, "read failed"
			}
		}

		// Keepalives are not charged against the event budget.
		if ev.Type != v1.TypePing && !rl.Allow(s.g.now()) {
			// Written inline: shutdown stops the writer before it drains.
			s.replyNow(ctx, v1.Error(v1.CodeRateLimited, "too many events"))
			s.g.metrics.ClientError(v1.CodeRateLimited)
			return websocket.StatusPolicyViolation, "rate limited"
		}

		if err := s.handle(ctx, ev); err != nil {
			var ee *EventError
			if !errors.As(err, &ee) {
				ee = infraError(v1.CodeSendFailed, "internal error", err)
			}
			if errors.Is(ee, ErrTransientInfra) {
				s.log.Warn("ws.event.fail", "type", ev.Type, "room_id", ev.RoomID, "code", ee.Code, "err", ee.Err)
			}
			s.g.metrics.ClientError(ee.Code)
			s.reply(ee.Event())
		}
	}
}

// replyNow writes an event directly, bypassing the send queue.
func (s *Session) replyNow(ctx context.Context, ev v1.ServerEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("ws.encode.fail", "type", ev.Type, "err", err)
		return
	}
	if err := writeFrame(ctx, s.conn, b, s.g.cfg.WriteTimeout); err != nil {
		s.log.Debug("ws.reply.fail", "type", ev.Type, "err", err)
	}
}

// reply enqueues an event for this connection only. A full queue drops it.
func (s *Session) reply(ev v1.ServerEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("ws.encode.fail", "type", ev.Type, "err", err)
		return
	}
	if !s.client.Enqueue(b) {
		s.log.Debug("ws.reply.dropped", "type", ev.Type)
	}
}

func (s *Session) publish(ctx context.Context, room string, ev v1.ServerEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, s.g.cfg.InfraTimeout)
	defer cancel()
	return s.g.fanout.Publish(pctx, room, b)
}

// publishGlobal is best-effort.
func (s *Session) publishGlobal(ctx context.Context, ev v1.ServerEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.g.fanout.PublishGlobal(ctx, b); err != nil {
		s.log.Warn("fanout.publish.fail", "type", ev.Type, "err", err)
	}
}

// ---- frame IO ----

func readEvent(ctx context.Context, conn *websocket.Conn) (v1.ClientEvent, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.ClientEvent{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.ClientEvent{}, errBadJSON
	}
	var ev v1.ClientEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return v1.ClientEvent{}, errors.Join(errBadJSON, err)
	}
	return ev, nil
}

func writeFrame(parent context.Context, conn *websocket.Conn, frame []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

// ---- read error classification ----

var errBadJSON = errors.New("malformed event")

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return errors.New("origin not allowed: " + origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// Only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
