package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"threadsync/cmd/internal/clock"
)

// deliveryDebouncer batches "delivered up to" acknowledgements for one thread.
//
// It keeps a high-water mark and at most one pending timer. Firing reads the
// mark, resets it to zero, and sends one acknowledgement without holding the
// lock, so a message arriving during the call starts a new cycle.
type deliveryDebouncer struct {
	log     *slog.Logger
	clock   clock.Clock
	api     DeliveryAPI
	metrics *Metrics
	delay   time.Duration
	timeout time.Duration

	mu       sync.Mutex
	threadID int64
	mark     int64
	timer    clock.Timer
	gen      uint64
}

func newDeliveryDebouncer(log *slog.Logger, clk clock.Clock, api DeliveryAPI, m *Metrics, delay, timeout time.Duration) *deliveryDebouncer {
	return &deliveryDebouncer{
		log:     log,
		clock:   clk,
		api:     api,
		metrics: m,
		delay:   delay,
		timeout: timeout,
	}
}

// Notify raises the mark to messageID and restarts the debounce window.
func (d *deliveryDebouncer) Notify(threadID, messageID int64) {
	if d == nil || d.api == nil || threadID <= 0 || messageID <= 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.threadID != threadID {
		// A new thread starts from a clean mark.
		d.mark = 0
		d.threadID = threadID
	}
	if messageID > d.mark {
		d.mark = messageID
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.delay, func() { d.fire(gen) })
}

// Cancel drops the pending acknowledgement and its timer.
func (d *deliveryDebouncer) Cancel() {
	if d == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mark = 0
}

// Pending returns the current high-water mark.
func (d *deliveryDebouncer) Pending() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mark
}

func (d *deliveryDebouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen {
		// Superseded or cancelled while waiting for the lock.
		d.mu.Unlock()
		return
	}
	mark := d.mark
	threadID := d.threadID
	d.mark = 0
	d.timer = nil
	d.mu.Unlock()

	if mark <= 0 {
		return
	}

	err := d.send(threadID, mark)
	d.metrics.ack(err)
	if err != nil {
		d.log.Warn("delivery.ack.fail", "thread_id", threadID, "message_id", mark, "err", err)
		return
	}
	d.log.Debug("delivery.ack.sent", "thread_id", threadID, "message_id", mark)
}

func (d *deliveryDebouncer) send(threadID, mark int64) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("delivery api panic: %v", p)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	return d.api.PutDeliveredUpTo(ctx, threadID, mark)
}
