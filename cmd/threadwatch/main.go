// threadwatch follows one booking-request thread as a given user.
//
// It connects to a threadsync gateway, runs a full thread reconciler over
// the live stream and logs every message, receipt, reaction, deletion,
// summary change and state signal until interrupted. With --delivery-url it
// also acknowledges deliveries the way a client with the thread open would.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"threadsync/cmd/internal/app"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		cfg       watchConfig
		logLevel  string
		logFormat string
	)

	flagSet := pflag.NewFlagSet("threadwatch", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.URL, "url", "ws://127.0.0.1:8080/ws", "gateway websocket URL")
	flagSet.StringVar(&cfg.Origin, "origin", "http://127.0.0.1", "Origin header sent on the handshake")
	flagSet.Int64Var(&cfg.ThreadID, "thread", 0, "booking request (thread) id to follow")
	flagSet.Int64Var(&cfg.UserID, "user", 0, "user id to watch as")
	flagSet.StringVar(&cfg.DeliveryURL, "delivery-url", "", "threadsync base URL for delivery acknowledgements (disabled when empty)")
	flagSet.BoolVar(&cfg.Visible, "visible", true, "treat the thread as visible so deliveries are acknowledged")
	flagSet.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "serve reconciler metrics on this address (disabled when empty)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.StringVar(&logFormat, "log-format", "pretty", "log format: pretty, text, json")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	log := app.NewLogger(logLevel, logFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	w, err := startWatch(ctx, log, cfg, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	return w.Wait(ctx)
}
