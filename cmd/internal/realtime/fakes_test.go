package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"threadsync/cmd/internal/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type ack struct {
	ThreadID  int64
	MessageID int64
}

type fakeDeliveryAPI struct {
	mu    sync.Mutex
	calls []ack
	err   error
}

func (f *fakeDeliveryAPI) PutDeliveredUpTo(_ context.Context, threadID, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ack{ThreadID: threadID, MessageID: messageID})
	return f.err
}

func (f *fakeDeliveryAPI) Calls() []ack {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ack(nil), f.calls...)
}

// fakeBus hands out one handler per topic and delivers synchronously.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string]func([]byte)
	subs     []string
	unsubs   []string
	err      error
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]func([]byte))}
}

func (b *fakeBus) Subscribe(topic string, handler func([]byte)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	b.handlers[topic] = handler
	b.subs = append(b.subs, topic)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers, topic)
			b.unsubs = append(b.unsubs, topic)
		})
	}, nil
}

func (b *fakeBus) Publish(topic string, data string) bool {
	b.mu.Lock()
	h := b.handlers[topic]
	b.mu.Unlock()
	if h == nil {
		return false
	}
	h([]byte(data))
	return true
}

func (b *fakeBus) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

type recordedCallbacks struct {
	mu        sync.Mutex
	ingested  []Message
	reads     []Receipt
	delivered []Receipt
	reactions []ReactionEvent
	deleted   []int64
	ingestErr error
}

func (c *recordedCallbacks) IngestMessage(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ingested = append(c.ingested, msg)
	return c.ingestErr
}

func (c *recordedCallbacks) ApplyReadReceipt(upToID, readerID, _ int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads = append(c.reads, Receipt{UpToID: upToID, UserID: readerID})
}

func (c *recordedCallbacks) ApplyDelivered(upToID, recipientID, _ int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = append(c.delivered, Receipt{UpToID: upToID, UserID: recipientID})
}

func (c *recordedCallbacks) ApplyReaction(ev ReactionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reactions = append(c.reactions, ev)
}

func (c *recordedCallbacks) ApplyMessageDeleted(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, id)
}

var errIngest = errors.New("ingest rejected")

type harness struct {
	clock     *clock.FakeClock
	bus       *fakeBus
	api       *fakeDeliveryAPI
	callbacks *recordedCallbacks
	summaries *MemorySummaryCache
	ledger    *Ledger
	rec       *Reconciler
}

const (
	me         int64 = 1
	them       int64 = 2
	testThread int64 = 42
	testTopic        = "booking-requests:42"
)

func newHarness(t testing.TB, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		clock:     clock.Fake(epoch),
		bus:       newFakeBus(),
		api:       &fakeDeliveryAPI{},
		callbacks: &recordedCallbacks{},
		summaries: NewMemorySummaryCache(),
		ledger:    NewLedger(DefaultLedgerCap),
	}
	base := []Option{WithLogger(discardLogger()), WithClock(h.clock)}
	rec, err := New(Config{MyUserID: me}, Deps{
		Subscriber: h.bus,
		Delivery:   h.api,
		Callbacks:  h.callbacks,
		Summaries:  h.summaries,
		Ledger:     h.ledger,
	}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	h.rec = rec
	return h
}

func (h *harness) summary() Summary {
	s, _ := h.summaries.Get(testThread)
	return s
}

func (h *harness) send(data string) {
	h.bus.Publish(testTopic, data)
}
