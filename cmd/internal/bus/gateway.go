package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

	"threadsync/cmd/internal/ids"
	v1 "threadsync/shared/contracts/realtime/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Only localhost is allowed by default.
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// GatewayConfig holds the websocket policy knobs. Zero fields take defaults.
type GatewayConfig struct {
	// DevInsecure disables the websocket library's own origin check. Dev only.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns the secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired: true,
		AllowedOrigins: strings.Split(wsDefaultAllowedOrigins, ","),
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = wsDefaultReadIdle
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = wsDefaultSendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	return c
}

// Gateway is the WebSocket entrypoint for the bus.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats, and routes validated frames to the Hub.
type Gateway struct {
	log     *slog.Logger
	hub     *Hub
	metrics *Metrics
	cfg     GatewayConfig

	// Derived for websocket.Accept origin checks, which authorize same-host
	// origins by default but need OriginPatterns for cross-origin.
	originPatterns []string
}

// NewGateway constructs a gateway. A nil hub gets a private in-memory Hub.
func NewGateway(log *slog.Logger, hub *Hub, cfg GatewayConfig, m *Metrics) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log, WithHubMetrics(m))
	}
	cfg = cfg.withDefaults()
	return &Gateway{
		log:            log,
		hub:            hub,
		metrics:        m,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}
}

// Hub returns the hub the gateway publishes to.
func (g *Gateway) Hub() *Hub { return g.hub }

// ServeHTTP upgrades the request and runs the session loop.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)
	g.serve(r.Context(), conn)
}

func (g *Gateway) serve(parent context.Context, conn *websocket.Conn) {
	sess := newSession(ids.NewSessionID(), g.cfg.SendQueueSize)
	log := g.log.With("session_id", sess.id)

	g.metrics.connDelta(1)
	defer g.metrics.connDelta(-1)
	log.Info("ws.session.open")

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var closeOnce sync.Once
	// shutdown releases the hub subscriptions before stopping the session so
	// no handler enqueues after the writer exits.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			sess.removeAll()
			sess.Close()
			_ = conn.Close(code, reason)
			cancel()
			log.Info("ws.session.close", "reason", reason)
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				return
			case env := <-sess.send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, sess, "", "bad_json", "invalid JSON")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.trySendError(ctx, sess, env.ID, "rate_limited", "too many frames")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, sess, env.ID, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeSubscribe:
			if err := g.onSubscribe(ctx, sess, env); err != nil {
				g.trySendError(ctx, sess, env.ID, "subscribe_failed", err.Error())
			}

		case v1.TypeUnsubscribe:
			if !sess.remove(env.Topic) {
				g.trySendError(ctx, sess, env.ID, "not_subscribed", "not subscribed: "+env.Topic)
			}

		case v1.TypePublish:
			if !ValidTopic(env.Topic) {
				g.trySendError(ctx, sess, env.ID, "bad_topic", ErrInvalidTopic.Error())
				continue readLoop
			}
			if !json.Valid(env.Payload) {
				g.trySendError(ctx, sess, env.ID, "bad_payload", "payload is not valid JSON")
				continue readLoop
			}
			n := g.hub.Publish(env.Topic, append([]byte(nil), env.Payload...))
			log.Debug("ws.publish", "topic", env.Topic, "delivered", n)

		default:
			g.trySendError(ctx, sess, env.ID, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *Gateway) onSubscribe(ctx context.Context, sess *session, env v1.Envelope) error {
	topic := env.Topic
	if !ValidTopic(topic) {
		return ErrInvalidTopic
	}

	if !sess.subscribed(topic) {
		if sess.count() >= maxTopicsPerConn {
			return fmt.Errorf("too many topics: max=%d", maxTopicsPerConn)
		}
		unsub, err := g.hub.Subscribe(topic, func(data []byte) {
			ev := newEnvelope(v1.TypeEvent, "", topic, data)
			select {
			case <-sess.Done():
			case sess.send <- ev:
			default:
				g.metrics.drop("session")
				g.log.Warn("ws.event.drop", "session_id", sess.id, "topic", topic)
			}
		})
		if err != nil {
			return err
		}
		sess.add(topic, unsub)
	}

	// Re-subscribing an attached topic is acknowledged again.
	ack := newEnvelope(v1.TypeSubscribeAck, env.ID, topic, nil)
	if !g.enqueue(ctx, sess, ack) {
		sess.remove(topic)
		return errors.New("backpressure: subscribe_ack")
	}
	return nil
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, sess *session, replyTo, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, replyTo, "", p)
	_ = g.enqueue(ctx, sess, env)
}

func (g *Gateway) enqueue(ctx context.Context, sess *session, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-sess.Done():
		return false
	case sess.send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

// newEnvelope builds a server frame. Replies reuse the request id so the
// client can correlate them; other frames get a fresh id.
func newEnvelope(typ, id, topic string, payload json.RawMessage) v1.Envelope {
	now := time.Now().UTC()
	if id == "" {
		id = ids.NewEnvelopeID(now)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		Topic:   topic,
		TS:      now,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, &badJSONError{err: err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type badJSONError struct{ err error }

func (e *badJSONError) Error() string { return "bad json: " + e.err.Error() }
func (e *badJSONError) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bj *badJSONError
	if errors.As(err, &bj) {
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
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match ignores scheme and port.
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns returns the sorted, de-duplicated hosts of allowed.
// websocket.Accept matches them against the Origin host.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
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
