package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"threadsync/cmd/internal/ids"
	v1 "threadsync/shared/contracts/realtime/v1"
)

const (
	defaultAckTimeout   = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	maxClientReadBytes  = 1 << 20 // 1 MiB
)

// SubscriberOptions configures Dial.
type SubscriberOptions struct {
	// Origin is sent on the handshake; gateways require one by default.
	Origin string
	// AckTimeout bounds how long Subscribe waits for subscribe_ack.
	AckTimeout   time.Duration
	WriteTimeout time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// WSSubscriber consumes a Gateway over one websocket connection. Topics are
// multiplexed; several handlers may share a topic.
//
// A single read loop dispatches event frames, so handlers for one topic run
// sequentially in arrival order. Handlers must not call their own
// unsubscribe func.
type WSSubscriber struct {
	log          *slog.Logger
	conn         *websocket.Conn
	ackTimeout   time.Duration
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error

	// dispatch is held while handlers run so unsubscribe can wait them out.
	dispatch sync.Mutex

	mu       sync.Mutex
	handlers map[string]map[uint64]func([]byte)
	nextID   uint64
	pending  map[string]chan error
	err      error
}

// Dial connects to a gateway at wsURL (ws:// or wss://).
func Dial(ctx context.Context, wsURL string, opts SubscriberOptions) (*WSSubscriber, error) {
	h := http.Header{}
	if o := strings.TrimSpace(opts.Origin); o != "" {
		h.Set("Origin", o)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
		HTTPClient:   opts.HTTPClient,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("bus: dial %s: %w", wsURL, err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol mismatch")
		return nil, fmt.Errorf("bus: subprotocol mismatch: got=%q want=%q", sp, v1.Subprotocol)
	}
	conn.SetReadLimit(maxClientReadBytes)

	return newWSSubscriber(conn, opts), nil
}

func newWSSubscriber(conn *websocket.Conn, opts SubscriberOptions) *WSSubscriber {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &WSSubscriber{
		log:          log,
		conn:         conn,
		ackTimeout:   opts.AckTimeout,
		writeTimeout: opts.WriteTimeout,
		done:         make(chan struct{}),
		handlers:     make(map[string]map[uint64]func([]byte)),
		pending:      make(map[string]chan error),
	}
	if s.ackTimeout <= 0 {
		s.ackTimeout = defaultAckTimeout
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = defaultWriteTimeout
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	go s.readLoop()
	return s
}

// Subscribe registers handler for topic. The first handler on a topic
// sends a subscribe frame and waits for the gateway's acknowledgement.
func (s *WSSubscriber) Subscribe(topic string, handler func(data []byte)) (func(), error) {
	if !ValidTopic(topic) {
		return nil, ErrInvalidTopic
	}
	if handler == nil {
		return nil, errors.New("bus: nil handler")
	}

	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	subs := s.handlers[topic]
	first := len(subs) == 0
	if subs == nil {
		subs = make(map[uint64]func([]byte))
		s.handlers[topic] = subs
	}
	s.nextID++
	id := s.nextID
	subs[id] = handler
	s.mu.Unlock()

	if first {
		if err := s.subscribeRemote(topic); err != nil {
			s.removeHandler(topic, id)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(topic, id) })
	}, nil
}

func (s *WSSubscriber) subscribeRemote(topic string) error {
	reqID := ids.NewEnvelopeID(time.Now().UTC())
	ackCh := make(chan error, 1)

	s.mu.Lock()
	s.pending[reqID] = ackCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, reqID)
		s.mu.Unlock()
	}()

	if err := s.write(v1.Envelope{V: v1.Version, Type: v1.TypeSubscribe, ID: reqID, Topic: topic, TS: time.Now().UTC()}); err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", topic, err)
	}

	t := time.NewTimer(s.ackTimeout)
	defer t.Stop()

	select {
	case err := <-ackCh:
		if err != nil {
			return fmt.Errorf("bus: subscribe %s: %w", topic, err)
		}
		return nil
	case <-t.C:
		return fmt.Errorf("bus: subscribe %s: %w", topic, context.DeadlineExceeded)
	case <-s.done:
		return ErrClosed
	}
}

func (s *WSSubscriber) unsubscribe(topic string, id uint64) {
	// Waits for an in-flight dispatch so the handler is not entered again.
	s.dispatch.Lock()
	last := s.removeHandler(topic, id)
	s.dispatch.Unlock()

	if !last {
		return
	}
	err := s.write(v1.Envelope{V: v1.Version, Type: v1.TypeUnsubscribe, ID: ids.NewEnvelopeID(time.Now().UTC()), Topic: topic, TS: time.Now().UTC()})
	if err != nil {
		s.log.Debug("bus.unsubscribe.send.fail", "topic", topic, "err", err)
	}
}

// removeHandler reports whether id was the topic's last handler.
func (s *WSSubscriber) removeHandler(topic string, id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.handlers[topic]
	if subs == nil {
		return false
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(s.handlers, topic)
		return true
	}
	return false
}

// Publish sends payload to every subscriber of topic through the gateway.
func (s *WSSubscriber) Publish(ctx context.Context, topic string, payload any) error {
	if !ValidTopic(topic) {
		return ErrInvalidTopic
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("bus: publish %s: %w", topic, err)
	}

	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypePublish,
		ID:      ids.NewEnvelopeID(time.Now().UTC()),
		Topic:   topic,
		TS:      time.Now().UTC(),
		Payload: raw,
	}
	return s.writeCtx(ctx, env)
}

// Err returns the error that ended the read loop, if any.
func (s *WSSubscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the connection ends.
func (s *WSSubscriber) Done() <-chan struct{} { return s.done }

// Close ends the connection and waits for the read loop.
func (s *WSSubscriber) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.err == nil {
			s.err = ErrClosed
		}
		s.mu.Unlock()

		err := s.conn.Close(websocket.StatusNormalClosure, "bye")
		s.cancel()
		<-s.done
		if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, net.ErrClosed) {
			s.closeErr = err
		}
	})
	return s.closeErr
}

func (s *WSSubscriber) readLoop() {
	defer close(s.done)
	defer s.cancel()

	for {
		mt, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.fail(fmt.Errorf("bus: read: %w", err))
			return
		}
		if mt != websocket.MessageText && mt != websocket.MessageBinary {
			continue
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn("bus.frame.bad_json", "err", err)
			continue
		}

		switch env.Type {
		case v1.TypeEvent:
			s.deliver(env.Topic, env.Payload)
		case v1.TypeSubscribeAck:
			s.resolve(env.ID, nil)
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			if !s.resolve(env.ID, fmt.Errorf("%s: %s", p.Code, p.Message)) {
				s.log.Warn("bus.frame.error", "code", p.Code, "message", p.Message)
			}
		default:
			s.log.Debug("bus.frame.ignored", "type", env.Type)
		}
	}
}

func (s *WSSubscriber) deliver(topic string, payload []byte) {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()

	s.mu.Lock()
	subs := s.handlers[topic]
	keys := make([]uint64, 0, len(subs))
	for id := range subs {
		keys = append(keys, id)
	}
	s.mu.Unlock()

	// Registration order.
	slices.Sort(keys)

	for _, id := range keys {
		s.mu.Lock()
		h := s.handlers[topic][id]
		s.mu.Unlock()
		if h == nil {
			continue
		}
		s.call(topic, h, payload)
	}
}

func (s *WSSubscriber) call(topic string, h func([]byte), payload []byte) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Warn("bus.handler.panic", "topic", topic, "panic", p)
		}
	}()
	h(payload)
}

func (s *WSSubscriber) resolve(id string, err error) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	ch, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- err:
	default:
	}
	return true
}

func (s *WSSubscriber) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *WSSubscriber) write(env v1.Envelope) error {
	return s.writeCtx(s.ctx, env)
}

func (s *WSSubscriber) writeCtx(parent context.Context, env v1.Envelope) error {
	if err := s.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(parent, s.writeTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, b)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
