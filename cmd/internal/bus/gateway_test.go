package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "threadsync/shared/contracts/realtime/v1"
)

type gatewayFixture struct {
	srv     *httptest.Server
	gw      *Gateway
	metrics *Metrics
	wsURL   string
}

func newGatewayFixture(t *testing.T, cfg GatewayConfig) *gatewayFixture {
	t.Helper()

	m := NewMetrics(prometheus.NewRegistry())
	hub := NewHub(testLogger(), WithHubMetrics(m))
	gw := NewGateway(testLogger(), hub, cfg, m)
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})

	return &gatewayFixture{
		srv:     srv,
		gw:      gw,
		metrics: m,
		wsURL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (f *gatewayFixture) dial(t *testing.T) *WSSubscriber {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub, err := Dial(ctx, f.wsURL, SubscriberOptions{
		Origin:     f.srv.URL,
		AckTimeout: 2 * time.Second,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func TestGatewaySubscribePublishRoundTrip(t *testing.T) {
	f := newGatewayFixture(t, DefaultGatewayConfig())

	consumer := f.dial(t)
	producer := f.dial(t)

	c := newCollector()
	_, err := consumer.Subscribe("booking-requests:1", c.handle)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, producer.Publish(ctx, "booking-requests:1", map[string]any{"type": "typing", "payload": map[string]any{"users": []int{2}}}))
	require.NoError(t, producer.Publish(ctx, "booking-requests:2", json.RawMessage(`{"type":"ignored"}`)))
	require.NoError(t, producer.Publish(ctx, "booking-requests:1", json.RawMessage(`{"type":"read"}`)))

	c.wait(t, 2)
	got := c.values()
	assert.JSONEq(t, `{"type":"typing","payload":{"users":[2]}}`, got[0])
	assert.JSONEq(t, `{"type":"read"}`, got[1])
}

func TestGatewayUnsubscribeStopsEvents(t *testing.T) {
	f := newGatewayFixture(t, DefaultGatewayConfig())

	a := f.dial(t)
	b := f.dial(t)
	producer := f.dial(t)

	ca, cb := newCollector(), newCollector()
	unsubA, err := a.Subscribe("t", ca.handle)
	require.NoError(t, err)
	_, err = b.Subscribe("t", cb.handle)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, producer.Publish(ctx, "t", json.RawMessage(`1`)))
	ca.wait(t, 1)
	cb.wait(t, 1)

	unsubA()
	require.Eventually(t, func() bool { return f.gw.Hub().Subscribers("t") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, producer.Publish(ctx, "t", json.RawMessage(`2`)))
	cb.wait(t, 1)
	assert.Equal(t, []string{"1"}, ca.values())
	assert.Equal(t, []string{"1", "2"}, cb.values())
}

func TestGatewayMultiplexesHandlersOnOneConnection(t *testing.T) {
	f := newGatewayFixture(t, DefaultGatewayConfig())

	sub := f.dial(t)
	producer := f.dial(t)

	c1, c2 := newCollector(), newCollector()
	unsub1, err := sub.Subscribe("t", c1.handle)
	require.NoError(t, err)
	_, err = sub.Subscribe("t", c2.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, f.gw.Hub().Subscribers("t"), "one gateway subscription per connection and topic")

	unsub1()
	assert.Equal(t, 1, f.gw.Hub().Subscribers("t"), "topic stays attached while a handler remains")

	require.NoError(t, producer.Publish(context.Background(), "t", json.RawMessage(`"x"`)))
	c2.wait(t, 1)
	assert.Empty(t, c1.values())
}

func TestGatewayDisconnectReleasesSubscriptions(t *testing.T) {
	f := newGatewayFixture(t, DefaultGatewayConfig())

	sub := f.dial(t)
	_, err := sub.Subscribe("a", func([]byte) {})
	require.NoError(t, err)
	_, err = sub.Subscribe("b", func([]byte) {})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.connections))

	require.NoError(t, sub.Close())
	require.Eventually(t, func() bool {
		return f.gw.Hub().Subscribers("a") == 0 &&
			f.gw.Hub().Subscribers("b") == 0 &&
			testutil.ToFloat64(f.metrics.connections) == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err = sub.Subscribe("c", func([]byte) {})
	require.ErrorIs(t, err, ErrClosed)
}

func TestGatewayRejectsDisallowedOrigin(t *testing.T) {
	f := newGatewayFixture(t, DefaultGatewayConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Dial(ctx, f.wsURL, SubscriberOptions{Origin: "https://evil.example"})
	require.Error(t, err)

	_, err = Dial(ctx, f.wsURL, SubscriberOptions{})
	require.Error(t, err, "origin is required by default")
}

func TestGatewayOriginOptional(t *testing.T) {
	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	f := newGatewayFixture(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub, err := Dial(ctx, f.wsURL, SubscriberOptions{})
	require.NoError(t, err)
	require.NoError(t, sub.Close())
}

func TestGatewayErrorFrames(t *testing.T) {
	f := newGatewayFixture(t, DefaultGatewayConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	h := http.Header{}
	h.Set("Origin", f.srv.URL)
	conn, resp, err := websocket.Dial(ctx, f.wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	expectError := func(frame, wantCode string) {
		t.Helper()
		require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)

		var env v1.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		require.Equal(t, v1.TypeError, env.Type)

		var p v1.ErrorPayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		assert.Equal(t, wantCode, p.Code, "frame %s", frame)
	}

	expectError(`{not json`, "bad_json")
	expectError(`{"v":"v0","type":"subscribe","topic":"t"}`, "bad_envelope")
	expectError(`{"v":"v1","type":"subscribe"}`, "bad_envelope")
	expectError(`{"v":"v1","type":"subscribe","id":"r1","topic":"has space"}`, "subscribe_failed")
	expectError(`{"v":"v1","type":"unsubscribe","topic":"never"}`, "not_subscribed")
	expectError(`{"v":"v1","type":"subscribe_ack","topic":"t"}`, "unsupported")

	// A valid subscribe is acknowledged with the request id.
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"v":"v1","type":"subscribe","id":"req-7","topic":"t"}`)))
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var ack v1.Envelope
	require.NoError(t, json.Unmarshal(data, &ack))
	assert.Equal(t, v1.TypeSubscribeAck, ack.Type)
	assert.Equal(t, "req-7", ack.ID)
	assert.Equal(t, "t", ack.Topic)
}

func TestGatewayRateLimitClosesConnection(t *testing.T) {
	cfg := DefaultGatewayConfig()
	cfg.RateEvents = 2
	cfg.RateWindow = time.Minute
	f := newGatewayFixture(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	h := http.Header{}
	h.Set("Origin", f.srv.URL)
	conn, resp, err := websocket.Dial(ctx, f.wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	frame := []byte(`{"v":"v1","type":"publish","topic":"t","payload":{}}`)
	for i := 0; i < 3; i++ {
		_ = conn.Write(ctx, websocket.MessageText, frame)
	}

	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
			return
		}
	}
}

func TestOriginHelpers(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"http://LocalHost:3000": "localhost",
		"https://app.example":   "app.example",
		"127.0.0.1:8080":        "127.0.0.1",
		"example.org":           "example.org",
		"":                      "",
	}
	for in, want := range cases {
		if got := originHostOnly(in); got != want {
			t.Fatalf("originHostOnly(%q)=%q want=%q", in, got, want)
		}
	}

	got := deriveOriginPatterns([]string{"http://b.example", "https://a.example:443", "http://b.example:8080", ""})
	if strings.Join(got, ",") != "a.example,b.example" {
		t.Fatalf("deriveOriginPatterns=%v", got)
	}
}
