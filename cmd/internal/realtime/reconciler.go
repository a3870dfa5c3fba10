package realtime

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"threadsync/cmd/internal/clock"
)

// ErrNoSubscriber is returned when a Reconciler is built without a Subscriber.
var ErrNoSubscriber = errors.New("realtime: nil subscriber")

// Deps are the Reconciler's collaborators. Summaries and Ledger default to
// the process-wide instances; Delivery and Callbacks are optional.
type Deps struct {
	Subscriber Subscriber
	Delivery   DeliveryAPI
	Callbacks  Callbacks
	Summaries  SummaryCache
	Ledger     *Ledger
}

// Option configures optional Reconciler behavior.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log
		}
	}
}

// WithClock sets the time source for every timer.
func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithMetrics sets the Prometheus instruments.
func WithMetrics(m *Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithSignal shares a state-changed Signal instead of a private one.
func WithSignal(s *Signal) Option {
	return func(r *Reconciler) {
		if s != nil {
			r.signal = s
			r.ownsSignal = false
		}
	}
}

// WithVisible sets the initial visibility. Reconcilers start visible.
func WithVisible(v bool) Option {
	return func(r *Reconciler) { r.initialVisible = &v }
}

// Reconciler applies one thread's live event stream to local state.
type Reconciler struct {
	cfg  Config
	deps Deps

	log        *slog.Logger
	clock      clock.Clock
	metrics    *Metrics
	signal     *Signal
	ownsSignal bool

	visible        atomic.Bool
	initialVisible *bool

	// lifecycle serializes SetActive/Deactivate; mu guards event state.
	lifecycle sync.Mutex
	mu        sync.Mutex

	threadID    int64
	active      bool
	gen         uint64
	unsubscribe func()

	delivery *deliveryDebouncer
	typing   *typingTimer
}

// New constructs an inactive Reconciler.
func New(cfg Config, deps Deps, opts ...Option) (*Reconciler, error) {
	if deps.Subscriber == nil {
		return nil, ErrNoSubscriber
	}
	if deps.Summaries == nil {
		deps.Summaries = DefaultSummaries()
	}
	if deps.Ledger == nil {
		deps.Ledger = DefaultLedger()
	}
	if deps.Callbacks == nil {
		deps.Callbacks = CallbackFuncs{}
	}

	r := &Reconciler{
		cfg:        cfg.withDefaults(),
		deps:       deps,
		clock:      clock.Real(),
		ownsSignal: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.log == nil {
		r.log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if r.signal == nil {
		r.signal = NewSignal(r.log, r.clock, r.cfg.SignalWindow)
	}

	r.visible.Store(r.initialVisible == nil || *r.initialVisible)
	r.delivery = newDeliveryDebouncer(r.log, r.clock, deps.Delivery, r.metrics, r.cfg.DeliveryDebounce, r.cfg.DeliveryTimeout)
	r.typing = newTypingTimer(r.clock, r.cfg.TypingClearAfter, r.clearTyping)
	return r, nil
}

// Signal returns the state-changed signal this Reconciler notifies.
func (r *Reconciler) Signal() *Signal { return r.signal }

// SetVisible records whether the hosting view is in the foreground.
// Delivery acknowledgements are only sent while visible.
func (r *Reconciler) SetVisible(v bool) { r.visible.Store(v) }

// ThreadID returns the thread currently subscribed, or zero.
func (r *Reconciler) ThreadID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return 0
	}
	return r.threadID
}

// Activate subscribes to threadID as the active thread.
func (r *Reconciler) Activate(threadID int64) error {
	return r.SetActive(threadID, true)
}

// SetActive moves the Reconciler to (threadID, active). Any previous
// subscription is fully torn down first; a non-positive threadID or
// active=false leaves it inactive. Repeating the current state is a no-op.
func (r *Reconciler) SetActive(threadID int64, active bool) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	want := active && threadID > 0

	r.mu.Lock()
	if want && r.active && r.threadID == threadID {
		r.mu.Unlock()
		return nil
	}
	unsub := r.teardownLocked()
	if !want {
		r.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		return nil
	}
	r.gen++
	gen := r.gen
	r.threadID = threadID
	r.active = true
	r.mu.Unlock()

	// Subscribe without holding mu: a transport may deliver on the same
	// goroutine that completes the subscription.
	if unsub != nil {
		unsub()
	}
	topic := r.cfg.TopicPrefix + strconv.FormatInt(threadID, 10)
	unsubscribe, err := r.deps.Subscriber.Subscribe(topic, func(data []byte) { r.dispatch(gen, data) })
	if err != nil {
		r.mu.Lock()
		if r.gen == gen {
			r.active = false
			r.threadID = 0
		}
		r.mu.Unlock()
		r.log.Warn("reconciler.subscribe.fail", "thread_id", threadID, "topic", topic, "err", err)
		return fmt.Errorf("realtime: subscribe %s: %w", topic, err)
	}

	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		unsubscribe()
		return nil
	}
	r.unsubscribe = unsubscribe
	r.mu.Unlock()

	r.metrics.activeDelta(1)
	r.log.Info("reconciler.subscribe", "thread_id", threadID, "topic", topic)
	return nil
}

// Deactivate cancels pending timers and unsubscribes. The Ledger keeps its entries.
func (r *Reconciler) Deactivate() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	unsub := r.teardownLocked()
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// Close deactivates the Reconciler and stops its private signal.
func (r *Reconciler) Close() error {
	r.Deactivate()
	if r.ownsSignal {
		r.signal.Stop()
	}
	return nil
}

// teardownLocked cancels timers and returns the unsubscribe func to call
// once mu is released.
func (r *Reconciler) teardownLocked() func() {
	wasSubscribed := r.unsubscribe != nil

	r.typing.Cancel()
	r.delivery.Cancel()
	if r.ownsSignal {
		r.signal.Stop()
	}

	unsub := r.unsubscribe
	r.unsubscribe = nil
	if r.active {
		r.log.Info("reconciler.unsubscribe", "thread_id", r.threadID)
	}
	r.active = false
	r.threadID = 0
	r.gen++

	if wasSubscribed {
		r.metrics.activeDelta(-1)
	}
	return unsub
}

// dispatch drops events from a subscription that has since been replaced.
func (r *Reconciler) dispatch(gen uint64, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.gen || !r.active {
		return
	}
	r.handleLocked(data)
}

// HandleEvent processes one raw event against the active thread.
func (r *Reconciler) HandleEvent(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active || r.threadID <= 0 {
		return
	}
	r.handleLocked(data)
}

func (r *Reconciler) handleLocked(data []byte) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Warn("reconciler.event.panic", "thread_id", r.threadID, "panic", p)
		}
	}()

	ev, err := ParseEvent(data)
	if errors.Is(err, ErrEmptyEvent) {
		return
	}
	if err != nil {
		r.log.Warn("reconciler.event.malformed", "thread_id", r.threadID, "err", err)
		return
	}
	r.metrics.event(ev.Kind)

	switch ev.Kind {
	case KindMessage:
		r.onMessage(*ev.Message)
	case KindRead:
		r.onRead(*ev.Receipt)
	case KindDelivered:
		r.onDelivered(*ev.Receipt)
	case KindTyping:
		r.onTyping(ev.Typing)
	case KindPresence:
		r.onPresence(ev.Presence)
	case KindReactionAdded, KindReactionRemoved:
		r.onReaction(*ev.Reaction)
	case KindMessageDeleted:
		r.onMessageDeleted(ev.DeletedID)
	case KindThreadTail:
		r.onThreadTail(*ev.Tail)
	default:
		r.log.Debug("reconciler.event.unknown", "thread_id", r.threadID, "type", ev.Type)
	}
}

func (r *Reconciler) isMe(userID int64) bool {
	return r.cfg.MyUserID > 0 && userID == r.cfg.MyUserID
}

func (r *Reconciler) onMessage(msg Message) {
	threadID := r.threadID

	if r.isMe(msg.SenderID) {
		// Own echo: the read position advances instead of the unread count.
		if msg.ID > 0 {
			r.guard("set_last_read", threadID, func() { r.deps.Summaries.SetLastRead(threadID, msg.ID) })
		}
	} else {
		if msg.ID > 0 && r.deps.Ledger.Record(threadID, msg.ID) {
			r.guard("increment_unread", threadID, func() { incrementUnread(r.deps.Summaries, threadID) })
			r.metrics.unreadIncrement()
		} else if msg.ID > 0 {
			r.metrics.duplicate()
			r.log.Debug("reconciler.message.duplicate", "thread_id", threadID, "message_id", msg.ID)
		}
		// A message implies its sender stopped typing.
		r.typing.Cancel()
		r.clearTyping(threadID)

		if msg.ID > 0 && r.visible.Load() {
			r.delivery.Notify(threadID, msg.ID)
		}
	}

	r.ingest(msg)
}

func (r *Reconciler) ingest(msg Message) {
	var err error
	r.guard("ingest_message", r.threadID, func() { err = r.deps.Callbacks.IngestMessage(msg) })
	if err != nil {
		r.metrics.ingestFailure()
		r.log.Warn("reconciler.ingest.fail",
			"thread_id", r.threadID,
			"message_id", msg.ID,
			"keys", sortedKeys(msg.Raw),
			"err", err,
		)
	}
}

func (r *Reconciler) onRead(rc Receipt) {
	if rc.UpToID <= 0 {
		return
	}
	threadID := r.threadID
	if r.isMe(rc.UserID) {
		r.guard("set_last_read", threadID, func() { r.deps.Summaries.SetLastRead(threadID, rc.UpToID) })
		return
	}
	r.guard("apply_read_receipt", threadID, func() { r.deps.Callbacks.ApplyReadReceipt(rc.UpToID, rc.UserID, r.cfg.MyUserID) })
}

func (r *Reconciler) onDelivered(rc Receipt) {
	if rc.UpToID <= 0 {
		return
	}
	r.guard("apply_delivered", r.threadID, func() { r.deps.Callbacks.ApplyDelivered(rc.UpToID, rc.UserID, r.cfg.MyUserID) })
}

func (r *Reconciler) onTyping(users []int64) {
	typing := false
	for _, u := range users {
		if u > 0 && !r.isMe(u) {
			typing = true
			break
		}
	}

	threadID := r.threadID
	// The timer is rescheduled before the write: a stale clear either sees
	// the new generation or finishes before Schedule returns.
	if typing {
		r.typing.Schedule(threadID)
	} else {
		r.typing.Cancel()
	}
	r.guard("update_typing", threadID, func() {
		r.deps.Summaries.UpdateSummary(threadID, SummaryPatch{Typing: ptr(typing)})
	})
}

func (r *Reconciler) onPresence(updates []PresenceUpdate) {
	threadID := r.threadID
	for _, u := range updates {
		if u.UserID <= 0 || r.isMe(u.UserID) {
			continue
		}
		// Only one counterparty's presence is reflected per event.
		now := r.clock.Now()
		r.guard("update_presence", threadID, func() {
			r.deps.Summaries.UpdateSummary(threadID, SummaryPatch{
				Presence:       ptr(u.Status),
				LastPresenceAt: &now,
			})
		})
		return
	}
}

func (r *Reconciler) onReaction(rx Reaction) {
	if rx.Emoji == "" || rx.MessageID <= 0 {
		return
	}
	if r.isMe(rx.UserID) {
		// Already applied optimistically.
		return
	}
	r.guard("apply_reaction", r.threadID, func() {
		r.deps.Callbacks.ApplyReaction(ReactionEvent{
			MessageID: rx.MessageID,
			Emoji:     rx.Emoji,
			UserID:    rx.UserID,
			Kind:      rx.Kind,
		})
	})
}

func (r *Reconciler) onMessageDeleted(id int64) {
	if id <= 0 {
		return
	}
	r.guard("apply_message_deleted", r.threadID, func() { r.deps.Callbacks.ApplyMessageDeleted(id) })
}

func (r *Reconciler) onThreadTail(tail ThreadTail) {
	threadID := r.threadID

	if tail.ThreadID == threadID {
		r.guard("update_tail", threadID, func() {
			patch := SummaryPatch{
				LastMessageContent: ptr(normalizeSnippet(tail.Snippet)),
			}
			if tail.LastTS != "" {
				patch.LastMessageTimestamp = ptr(tail.LastTS)
			}
			if tail.LastID > 0 {
				patch.LastMessageID = ptr(tail.LastID)
			}
			r.deps.Summaries.UpdateSummary(threadID, patch)
		})

		if tail.LastID > 0 && !isBookingAnnouncement(tail.Snippet) {
			r.onMessage(synthesizeMessage(tail))
		}
	}

	r.signal.Notify("thread_tail")
}

func (r *Reconciler) clearTyping(threadID int64) {
	r.guard("clear_typing", threadID, func() {
		r.deps.Summaries.UpdateSummary(threadID, SummaryPatch{Typing: ptr(false)})
	})
}

// guard runs a collaborator call and swallows a panic so one bad cache or
// callback cannot stall the stream.
func (r *Reconciler) guard(op string, threadID int64, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Warn("reconciler.callback.panic", "op", op, "thread_id", threadID, "panic", p)
		}
	}()
	fn()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
