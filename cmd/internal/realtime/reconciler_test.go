package realtime

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadsync/cmd/internal/clock"
)

func msgEvent(id, sender int64) string {
	return fmt.Sprintf(`{"type":"message","payload":{"message":{"id":%d,"sender_id":%d,"content":"m%d"}}}`, id, sender, id)
}

func TestNewRequiresSubscriber(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.ErrorIs(t, err, ErrNoSubscriber)
}

func TestSetActiveSubscribesThreadTopic(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.rec.Activate(testThread))
	assert.Equal(t, []string{testTopic}, h.bus.subs)
	assert.Equal(t, testThread, h.rec.ThreadID())

	require.NoError(t, h.rec.SetActive(testThread, true))
	assert.Len(t, h.bus.subs, 1, "same state is a no-op")

	require.NoError(t, h.rec.SetActive(7, true))
	assert.Equal(t, []string{testTopic, "booking-requests:7"}, h.bus.subs)
	assert.Equal(t, []string{testTopic}, h.bus.unsubs)
	assert.Equal(t, 1, h.bus.Subscriptions())

	require.NoError(t, h.rec.SetActive(7, false))
	assert.Zero(t, h.bus.Subscriptions())
	assert.Zero(t, h.rec.ThreadID())

	require.NoError(t, h.rec.SetActive(0, true))
	assert.Zero(t, h.bus.Subscriptions(), "non-positive thread id stays inactive")
}

func TestSetActiveSubscribeError(t *testing.T) {
	h := newHarness(t)
	h.bus.err = errors.New("bus down")

	err := h.rec.Activate(testThread)
	require.Error(t, err)
	assert.Zero(t, h.rec.ThreadID())

	h.bus.err = nil
	require.NoError(t, h.rec.Activate(testThread), "retrying the same thread subscribes again")
	assert.Equal(t, 1, h.bus.Subscriptions())
}

func TestInboundMessageIncrementsUnreadOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rec.Activate(testThread))

	h.send(msgEvent(100, them))
	h.send(msgEvent(100, them))

	assert.Equal(t, 1, h.summary().UnreadCount)
	assert.Len(t, h.callbacks.ingested, 2, "duplicates are still handed to ingestion")
}

func TestDuplicateSuppressedAcrossRemount(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rec.Activate(testThread))
	h.send(msgEvent(100, them))

	h.rec.Deactivate()
	require.NoError(t, h.rec.Activate(testThread))
	h.send(msgEvent(100, them))

	assert.Equal(t, 1, h.summary().UnreadCount)
}

func TestSelfEchoAdvancesLastRead(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rec.Activate(testThread))

	h.send(msgEvent(55, me))

	s := h.summary()
	assert.Zero(t, s.UnreadCount)
	assert.Equal(t, int64(55), s.LastReadID)
	assert.False(t, h.ledger.Has(testThread, 55))
	require.Len(t, h.callbacks.ingested, 1)

	h.clock.Advance(time.Second)
	assert.Empty(t, h.api.Calls(), "own messages are not acknowledged")
}

func TestDeliveryAckCoalesced(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rec.Activate(testThread))

	for id := int64(10); id < 15; id++ {
		h.send(msgEvent(id, them))
		h.clock.Advance(30 * time.Millisecond)
	}
	require.Empty(t, h.api.Calls())

	h.clock.Advance(150 * time.Millisecond)
	assert.Equal(t, []ack{{ThreadID: testThread, MessageID: 14}}, h.api.Calls())
}

func TestDeliveryAckSkippedWhenHidden(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rec.Activate(testThread))
	h.rec.SetVisible(false)

	h.send(msgEvent(10, them))
	h.clock.Advance(time.Second)
	assert.Empty(t, h.api.Calls())
	assert.Equal(t, 1, h.summary().UnreadCount)

	h.rec.SetVisible(true)
	h.send(msgEvent(11, them))
	h.clock.Advance(time.Second)
	assert.Equal(t, []ack{{ThreadID: testThread, MessageID: 11}}, h.api.Calls())
}

func TestDeliveryAckSentForDuplicate(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rec.Activate(testThread))

	h.send(msgEvent(10, them))
	h.clock.Advance(time.Second)
	h.send(msgEvent(10, them))
	h.clock.Advance(time.Second)

	assert.Len(t, h.api.Calls(), 2)
}

func TestTypingAutoClears(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rec.Activate(testThread))

	h.send(`{"type":"typing","payload":{"users":[2]}}`)
	require.True(t, h.summary().Typing)

	h.clock.Advance(2999 * time.Millisecond)
	require.True(t, h.summary().Typing)

	h.clock.Advance(time.Millisecond)
	assert.False(t, h.summary().Typing)
}

func TestTypingRefreshAndExplicitStop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rec.Activate(testThread))

	h.send(`{"type":"typing","payload":{"users":[2]}}`)
	h.clock.Advance(2 * time.Second)
	h.send(`{"type":"typing","payload":{"users":[2]}}`)
	h.clock.Advance(2 * time.Second)
	require.True(t, h.summary().Typing, "refresh restarts the clear timer")

	h.send(`{"type":"typing","payload":{"users":[]}}`)
	assert.False(t, h.summary().Typing)
	assert.Zero(t, h.clock.Pending())
}

// clockOnTypingCache advances the clock the moment a typing=true patch lands.
type clockOnTypingCache struct {
	*MemorySummaryCache
	clock *clock.FakeClock
	step  time.Duration
}

func (c *clockOnTypingCache) UpdateSummary(threadID int64, patch SummaryPatch) {
	c.MemorySummaryCache.UpdateSummary(threadID, patch)
	if c.step > 0 && patch.Typing != nil && *patch.Typing {
		step := c.step
		c.step = 0
		c.clock.Advance(step)
	}
}

func TestTypingRefreshBeatsExpiringTimer(t *testing.T) {
	h := newHarness(t)
	cache := &clockOnTypingCache{MemorySummaryCache: h.summaries, clock: h.clock}
	h.rec.deps.Summaries = cache
	require.NoError(t, h.rec.Activate(testThread))

	h.send(`{"type":"typing","payload":{"users":[2]}}`)
	h.clock.Advance(2999 * time.Millisecond)

	// The old timer comes due while the refreshed value is being written.
	cache.step = time.Millisecond
	h.send(`{"type":"typing","payload":{"users":[2]}}`)

	assert.True(t, h.summary().Typing)
	assert.Equal(t, 1, h.clock.Pending())

	h.clock.Advance(3 * time.Second)
	assert.False(t, h.summary().Typing)
}

func TestTypingIgnoresSelf(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rec.Activate(testThread))

	h.send(`{"type":"typing","payload":{"users":[1]}}`)
	assert.False(t, h.summary().Typing)
}

func TestMessageClearsTyping(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rec.Activate(testThread))

	h.send(`{"type":"typing","payload":{"users":[2]}}`)
	h.send(msgEvent(3, them))
	assert.False(t, h.summary().Typing)
}

func TestPresenceAppliesFirstCounterparty(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rec.Activate(testThread))
	h.clock.Advance(time.Minute)

	h.send(`{"type":"presence","payload":{"updates":{"1":"offline","9":"online","3":"away"}}}`)

	s := h.summary()
	assert.Equal(t, "online", s.Presence)
	assert.True(t, s.LastPresenceAt.Equal(epoch.Add(time.Minute)))
}

func TestPresenceOnlySelfIsIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rec.Activate(testThread))

	h.send(`{"type":"presence","payload":{"updates":{"1":"online"}}}`)
	_, ok := h.summaries.Get(testThread)
	assert.False(t, ok)
}

func TestReadReceipts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rec.Activate(testThread))

	h.send(`{"type":"read","payload":{"up_to_id":30,"user_id":2}}`)
	h.send(`{"type":"read","payload":{"up_to_id":31,"user_id":1}}`)
	h.send(`{"type":"read","payload":{"up_to_id":0,"user_id":2}}`)

	assert.Equal(t, []Receipt{{UpToID: 30, UserID: 2}}, h.callbacks.reads)
	assert.Equal(t, int64(31), h.summary().LastReadID)
}

func TestDeliveredReceipts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rec.Activate(testThread))

	h.send(`{"type":"delivered","payload":{"up_to_id":30,"user_id":2}}`)
	assert.Equal(t, []Receipt{{UpToID: 30, UserID: 2}}, h.callbacks.delivered)
}

func TestReactions(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rec.Activate(testThread))

	h.send(`{"type":"reaction_added","payload":{"message_id":5,"user_id":2,"emoji":"🎉"}}`)
	h.send(`{"type":"reaction_added","payload":{"message_id":5,"user_id":1,"emoji":"🎉"}}`)
	h.send(`{"type":"reaction_removed","payload":{"message_id":5,"user_id":2,"emoji":"🎉"}}`)
	h.send(`{"type":"reaction_added","payload":{"message_id":5,"user_id":2,"emoji":""}}`)
	h.send(`{"type":"reaction_added","payload":{"message_id":0,"user_id":2,"emoji":"🎉"}}`)

	assert.Equal(t, []ReactionEvent{
		{MessageID: 5, Emoji: "🎉", UserID: 2, Kind: ReactionAdded},
		{MessageID: 5, Emoji: "🎉", UserID: 2, Kind: ReactionRemoved},
	}, h.callbacks.reactions)
}

func TestMessageDeleted(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rec.Activate(testThread))

	h.send(`{"type":"message_deleted","payload":{"id":9}}`)
	h.send(`{"type":"message_deleted","payload":{"id":"x"}}`)
	assert.Equal(t, []int64{9}, h.callbacks.deleted)
}

func TestThreadTailSynthesizesMessage(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rec.Activate(testThread))

	var reasons [][]string
	h.rec.Signal().Listen(func(r []string) { reasons = append(reasons, r) })

	h.send(`{"type":"thread_tail","payload":{"thread_id":42,"last_id":100,"last_ts":"2026-03-01T12:00:00Z","snippet":"Payment received for booking #4","last_sender_id":2}}`)

	s := h.summary()
	assert.Equal(t, PaymentReceived, s.LastMessageContent)
	assert.Equal(t, int64(100), s.LastMessageID)
	assert.Equal(t, "2026-03-01T12:00:00Z", s.LastMessageTimestamp)
	assert.Equal(t, 1, s.UnreadCount)

	require.Len(t, h.callbacks.ingested, 1)
	msg := h.callbacks.ingested[0]
	assert.True(t, msg.Synthetic)
	assert.Equal(t, MessageTypeUser, msg.MessageType)
	assert.Equal(t, int64(100), msg.ID)
	assert.Equal(t, MessageTypeUser, msg.Raw["message_type"])

	h.clock.Advance(100 * time.Millisecond)
	assert.Equal(t, [][]string{{"thread_tail"}}, reasons)
}

func TestThreadTailWithoutTimestampKeepsPrevious(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rec.Activate(testThread))

	h.send(`{"type":"thread_tail","payload":{"thread_id":42,"last_id":100,"last_ts":"2026-03-01T12:00:00Z","snippet":"hello","last_sender_id":2}}`)
	h.send(`{"type":"thread_tail","payload":{"thread_id":42,"snippet":"edited"}}`)

	s := h.summary()
	assert.Equal(t, "2026-03-01T12:00:00Z", s.LastMessageTimestamp)
	assert.Equal(t, int64(100), s.LastMessageID)
	assert.Equal(t, "edited", s.LastMessageContent)
}

func TestThreadTailBookingAnnouncementNotSynthesized(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rec.Activate(testThread))

	h.send(`{"type":"thread_tail","payload":{"thread_id":42,"last_id":100,"snippet":"Booking details: 2 guests"}}`)

	assert.Empty(t, h.callbacks.ingested)
	assert.Equal(t, "Booking details: 2 guests", h.summary().LastMessageContent)
	assert.Zero(t, h.summary().UnreadCount)
}

func TestThreadTailOtherThreadOnlySignals(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rec.Activate(testThread))

	fired := 0
	h.rec.Signal().Listen(func([]string) { fired++ })

	h.send(`{"type":"thread_tail","payload":{"thread_id":43,"last_id":100,"snippet":"hey"}}`)
	h.clock.Advance(100 * time.Millisecond)

	assert.Empty(t, h.callbacks.ingested)
	_, ok := h.summaries.Get(testThread)
	assert.False(t, ok)
	assert.Equal(t, 1, fired)
}

func TestMalformedAndUnknownEventsAreIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rec.Activate(testThread))

	require.NotPanics(t, func() {
		h.send(``)
		h.send(`null`)
		h.send(`{not json`)
		h.send(`[1]`)
		h.send(`{"type":"wave"}`)
	})
	assert.Empty(t, h.callbacks.ingested)
}

func TestIngestFailureIsCounted(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	h := newHarness(t, WithMetrics(m))
	h.callbacks.ingestErr = errIngest
	require.NoError(t, h.rec.Activate(testThread))

	h.send(msgEvent(8, them))
	h.send(msgEvent(8, them))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ingestFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unread))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.duplicates))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("message")))
	assert.Equal(t, 1, h.summary().UnreadCount, "state is updated even when ingestion fails")
}

func TestPanickingCallbackDoesNotStopStream(t *testing.T) {
	h := newHarness(t)
	h.rec.deps.Callbacks = CallbackFuncs{
		ReadReceipt: func(int64, int64, int64) { panic("bad callback") },
	}
	require.NoError(t, h.rec.Activate(testThread))

	require.NotPanics(t, func() {
		h.send(`{"type":"read","payload":{"up_to_id":3,"user_id":2}}`)
	})
	h.send(msgEvent(4, them))
	assert.Equal(t, 1, h.summary().UnreadCount)
}

func TestActiveThreadsGauge(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	h := newHarness(t, WithMetrics(m))

	require.NoError(t, h.rec.Activate(testThread))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.active))

	require.NoError(t, h.rec.Activate(7))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.active))

	require.NoError(t, h.rec.Close())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.active))
}

func TestDeactivateStopsAllTimers(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rec.Activate(testThread))

	h.send(`{"type":"thread_tail","payload":{"thread_id":99,"last_id":1,"snippet":"x"}}`)
	h.send(msgEvent(20, them))
	h.send(`{"type":"typing","payload":{"users":[2]}}`)
	require.NotZero(t, h.clock.Pending())

	before := h.summary()
	changes := 0
	stop := h.summaries.Watch(func(Summary) { changes++ })
	defer stop()
	signals := 0
	h.rec.Signal().Listen(func([]string) { signals++ })

	h.rec.Deactivate()
	h.clock.Advance(24 * time.Hour)

	assert.Empty(t, h.api.Calls())
	assert.Zero(t, changes)
	assert.Zero(t, signals)
	assert.Equal(t, before, h.summary())
	assert.False(t, h.bus.Publish(testTopic, msgEvent(21, them)), "handler is removed")
	assert.Len(t, h.callbacks.ingested, 1)
}

func TestStaleSubscriptionEventsAreDropped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rec.Activate(testThread))

	h.bus.mu.Lock()
	stale := h.bus.handlers[testTopic]
	h.bus.mu.Unlock()

	require.NoError(t, h.rec.Activate(7))
	stale([]byte(msgEvent(5, them)))

	assert.Empty(t, h.callbacks.ingested)
	assert.False(t, h.ledger.Has(testThread, 5))
}

func TestHandleEventRequiresActiveThread(t *testing.T) {
	h := newHarness(t)

	h.rec.HandleEvent([]byte(msgEvent(5, them)))
	assert.Empty(t, h.callbacks.ingested)

	require.NoError(t, h.rec.Activate(testThread))
	h.rec.HandleEvent([]byte(msgEvent(5, them)))
	assert.Len(t, h.callbacks.ingested, 1)
}

func TestSharedSignalAcrossReconcilers(t *testing.T) {
	sig := NewSignal(discardLogger(), nil, time.Hour)
	h := newHarness(t, WithSignal(sig))
	assert.Same(t, sig, h.rec.Signal())

	require.NoError(t, h.rec.Close())
	sig.Stop()
}

func TestUnknownUserCountsEverything(t *testing.T) {
	h := newHarness(t)
	h.rec.cfg.MyUserID = 0
	require.NoError(t, h.rec.Activate(testThread))

	h.send(msgEvent(5, me))
	assert.Equal(t, 1, h.summary().UnreadCount)
}
