// Package main provides a CI-friendly WebSocket smoke test for the threadsync bus.
//
// It validates:
//   - handshake + subprotocol selection
//   - subscribe -> subscribe_ack correlated by request id
//   - publish fanout of a thread message to another client
//   - error frames for malformed envelopes
//   - delivered receipts published by the delivery API (with --http-url)
//   - unsubscribe stops delivery
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/pflag"

	v1 "threadsync/shared/contracts/realtime/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL    = pflag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		httpURL  = pflag.String("http-url", "", "threadsync base URL; enables the delivery receipt step")
		origin   = pflag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		threadID = pflag.Int64("thread", 1, "booking request (thread) id to use")
		text     = pflag.String("text", "hello threadsync", "Message text to publish")
		timeout  = pflag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = pflag.BoolP("verbose", "v", false, "Verbose output")
	)
	pflag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid --url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid --origin: %v", err)
	}
	if *threadID <= 0 {
		fatalf("invalid --thread: must be positive")
	}

	root := context.Background()
	topic := v1.ThreadTopic(*threadID)

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	mustSubscribe(root, b, topic, *timeout)
	if *verbose {
		fmt.Printf("subscribed: B topic=%s\n", topic)
	}

	msgID := time.Now().UnixMilli()
	mustPublish(root, a, topic, v1.ThreadEvent{
		Type: v1.EventMessage,
		Payload: v1.MessagePayload{
			ID:        msgID,
			SenderID:  1,
			Content:   *text,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}, *timeout)
	mustAssertEvent(root, b, topic, v1.EventMessage, *timeout)

	mustAssertErrorCode(root, a, `{"v":"v1","type":"publish"}`, "bad_envelope", *timeout)

	if strings.TrimSpace(*httpURL) != "" {
		mustPutDelivered(root, *httpURL, *threadID, 2, msgID, *timeout)
		mustAssertEvent(root, b, topic, v1.EventDelivered, *timeout)
		if *verbose {
			fmt.Printf("delivered receipt fanned out: message_id=%d\n", msgID)
		}
	}

	mustWriteWithTimeout(root, b.conn, v1.Envelope{
		V:     v1.Version,
		Type:  v1.TypeUnsubscribe,
		ID:    "B-unsub",
		Topic: topic,
		TS:    time.Now().UTC(),
	}, *timeout)

	// Unsubscribe is silent on success; give the gateway a moment to detach.
	time.Sleep(200 * time.Millisecond)

	mustPublish(root, a, topic, v1.ThreadEvent{Type: v1.EventTyping, Payload: v1.TypingPayload{Users: []int64{1}}}, *timeout)
	mustAssertNoType(root, b, v1.TypeEvent, 1200*time.Millisecond)

	fmt.Printf("OK: topic=%s message_id=%d\n", topic, msgID)
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

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustSubscribe(parent context.Context, c *smokeClient, topic string, stepTimeout time.Duration) {
	reqID := c.name + "-sub"
	mustWriteWithTimeout(parent, c.conn, v1.Envelope{
		V:     v1.Version,
		Type:  v1.TypeSubscribe,
		ID:    reqID,
		Topic: topic,
		TS:    time.Now().UTC(),
	}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeSubscribeAck, stepTimeout)
	if ack.ID != reqID || ack.Topic != topic {
		fatalf("subscribe_ack mismatch (%s): id=%q topic=%q", c.name, ack.ID, ack.Topic)
	}
}

func mustPublish(parent context.Context, c *smokeClient, topic string, ev v1.ThreadEvent, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypePublish,
		ID:      fmt.Sprintf("%s-pub-%d", c.name, time.Now().UnixNano()),
		Topic:   topic,
		TS:      time.Now().UTC(),
		Payload: mustJSON(ev),
	}, stepTimeout)
}

func mustAssertEvent(parent context.Context, c *smokeClient, topic, eventType string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeEvent, stepTimeout)
	if env.Topic != topic {
		fatalf("event topic mismatch (%s): got=%q want=%q", c.name, env.Topic, topic)
	}
	var ev struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		fatalf("unmarshal event payload (%s): %v", c.name, err)
	}
	if ev.Type != eventType {
		fatalf("event type mismatch (%s): got=%q want=%q", c.name, ev.Type, eventType)
	}
}

func mustAssertErrorCode(parent context.Context, c *smokeClient, frame, wantCode string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	if err := c.conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		fatalf("write failed: %v", err)
	}

	select {
	case <-ctx.Done():
		fatalf("timeout waiting for error frame (%s)", c.name)
	case err := <-c.errCh:
		fatalf("connection error while waiting for error frame (%s): %v", c.name, err)
	case env, ok := <-c.inbox:
		if !ok {
			fatalf("connection closed while waiting for error frame (%s)", c.name)
		}
		if env.Type != v1.TypeError {
			fatalf("expected error frame (%s), got %q", c.name, env.Type)
		}
		var ep v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &ep)
		if ep.Code != wantCode {
			fatalf("error code mismatch (%s): got=%q want=%q", c.name, ep.Code, wantCode)
		}
	}
}

func mustPutDelivered(parent context.Context, baseURL string, threadID, userID, messageID int64, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/api/v1/booking-requests/%d/delivered", strings.TrimRight(baseURL, "/"), threadID)
	body := fmt.Sprintf(`{"message_id":%d}`, messageID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, strings.NewReader(body))
	if err != nil {
		fatalf("build delivered request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", strconv.FormatInt(userID, 10))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("put delivered: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		fatalf("put delivered: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
