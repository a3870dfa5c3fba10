// Package realtime reconciles a thread's live event stream into local state.
//
// A Reconciler is created per open thread. It subscribes to the thread's
// bus topic, normalizes every event (ParseEvent), keeps unread counters in
// a shared SummaryCache honest by remembering which inbound message ids it
// already counted (Ledger), acknowledges delivery in debounced batches, and
// expires typing indicators nobody refreshed.
//
// Concurrency model:
//   - Events for one Reconciler are serialized by its mutex, matching a
//     single event loop.
//   - Timer callbacks run on the clock's goroutine without that mutex. The
//     typing timer is rescheduled before each summary write and clears under
//     its own lock, so a stale clear never lands after a fresh typing event.
//   - Ledger and MemorySummaryCache are process-wide and safe for use from
//     many Reconcilers at once.
//   - Callbacks run while the Reconciler is locked and must not call back
//     into it synchronously.
package realtime
