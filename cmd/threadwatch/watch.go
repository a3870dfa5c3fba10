package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"threadsync/cmd/internal/bus"
	"threadsync/cmd/internal/delivery"
	"threadsync/cmd/internal/realtime"
)

const dialTimeout = 10 * time.Second

type watchConfig struct {
	URL         string
	Origin      string
	ThreadID    int64
	UserID      int64
	DeliveryURL string
	Visible     bool
	MetricsAddr string
}

func (c watchConfig) validate() error {
	switch {
	case !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://"):
		return fmt.Errorf("--url must be ws:// or wss://, got %q", c.URL)
	case c.ThreadID <= 0:
		return errors.New("--thread must be a positive id")
	case c.UserID <= 0:
		return errors.New("--user must be a positive id")
	}
	return nil
}

// watcher owns one subscriber connection and the reconciler running on it.
type watcher struct {
	log       *slog.Logger
	sub       *bus.WSSubscriber
	rec       *realtime.Reconciler
	summaries *realtime.MemorySummaryCache

	stops   []func()
	metrics *http.Server
}

func startWatch(ctx context.Context, log *slog.Logger, cfg watchConfig, reg *prometheus.Registry) (*watcher, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	sub, err := bus.Dial(dialCtx, cfg.URL, bus.SubscriberOptions{Origin: cfg.Origin, Logger: log})
	if err != nil {
		return nil, err
	}

	w := &watcher{
		log:       log.With("thread_id", cfg.ThreadID, "user_id", cfg.UserID),
		sub:       sub,
		summaries: realtime.NewMemorySummaryCache(),
	}
	w.summaries.SetSummaries([]realtime.Summary{{ID: cfg.ThreadID}})

	deps := realtime.Deps{
		Subscriber: sub,
		Callbacks:  w.callbacks(),
		Summaries:  w.summaries,
		Ledger:     realtime.NewLedger(0),
	}
	if cfg.DeliveryURL != "" {
		client, err := delivery.NewClient(cfg.DeliveryURL, cfg.UserID)
		if err != nil {
			_ = sub.Close()
			return nil, err
		}
		deps.Delivery = client
	}

	rec, err := realtime.New(
		realtime.Config{MyUserID: cfg.UserID},
		deps,
		realtime.WithLogger(log),
		realtime.WithMetrics(realtime.NewMetrics(reg)),
		realtime.WithVisible(cfg.Visible),
	)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}
	w.rec = rec

	w.stops = append(w.stops,
		w.summaries.Watch(func(s realtime.Summary) {
			w.log.Info("watch.summary",
				"unread", s.UnreadCount,
				"typing", s.Typing,
				"presence", s.Presence,
				"last_message_id", s.LastMessageID,
				"last_read_id", s.LastReadID,
			)
		}),
		rec.Signal().Listen(func(reasons []string) {
			w.log.Debug("watch.signal", "reasons", reasons)
		}),
	)

	if err := rec.Activate(cfg.ThreadID); err != nil {
		_ = w.Close()
		return nil, err
	}
	w.log.Info("watch.start", "url", cfg.URL, "delivery", cfg.DeliveryURL != "")

	if cfg.MetricsAddr != "" {
		w.serveMetrics(cfg.MetricsAddr, reg)
	}
	return w, nil
}

func (w *watcher) callbacks() realtime.Callbacks {
	return realtime.CallbackFuncs{
		Ingest: func(msg realtime.Message) error {
			w.log.Info("watch.message",
				"message_id", msg.ID,
				"sender_id", msg.SenderID,
				"content", msg.Content,
				"synthetic", msg.Synthetic,
			)
			return nil
		},
		ReadReceipt: func(upToID, readerID, _ int64) {
			w.log.Info("watch.read", "up_to_id", upToID, "reader_id", readerID)
		},
		Delivered: func(upToID, recipientID, _ int64) {
			w.log.Info("watch.delivered", "up_to_id", upToID, "recipient_id", recipientID)
		},
		Reaction: func(ev realtime.ReactionEvent) {
			w.log.Info("watch.reaction", "message_id", ev.MessageID, "emoji", ev.Emoji, "user_id", ev.UserID, "kind", ev.Kind)
		},
		MessageDeleted: func(id int64) {
			w.log.Info("watch.deleted", "message_id", id)
		},
	}
}

func (w *watcher) serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	w.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := w.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.log.Error("watch.metrics.fail", "addr", addr, "err", err)
		}
	}()
}

// Wait blocks until ctx ends or the connection drops.
func (w *watcher) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		w.log.Info("watch.stop", "reason", "context_done")
		return nil
	case <-w.sub.Done():
		err := w.sub.Err()
		w.log.Warn("watch.connection.lost", "err", err)
		return err
	}
}

// Close tears down the reconciler, then the connection.
func (w *watcher) Close() error {
	if w.rec != nil {
		_ = w.rec.Close()
	}
	for _, stop := range w.stops {
		stop()
	}
	w.stops = nil
	if w.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = w.metrics.Shutdown(shutdownCtx)
		cancel()
	}
	return w.sub.Close()
}
