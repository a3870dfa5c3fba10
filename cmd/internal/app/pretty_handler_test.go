package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandler_PlainLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))
	log.With("thread_id", int64(42)).Warn("reconciler.ingest.fail",
		"topic", "booking-requests:42",
		"err", errors.New("list full"),
		"duration_ms", int64(12),
		"status_class", "4xx",
	)

	line := buf.String()
	for _, want := range []string{
		"lvl=[WARN]",
		"msg=reconciler.ingest.fail",
		"thread_id=42",
		"topic=booking-requests:42",
		`err="list full"`,
		"duration=12ms",
		"class=4xx",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("color disabled but got escape codes: %q", line)
	}
}

func TestPrettyHandler_ColorStripsBackToPlain(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))
	log.Info("http.request", "method", "put", "status", 503, "result", "server_error")

	line := buf.String()
	if !strings.Contains(line, ansiRed) {
		t.Fatalf("expected red for 5xx in %q", line)
	}
	plain := stripANSI(line)
	for _, want := range []string{"method=PUT", "status=503", "result=server_error"} {
		if !strings.Contains(plain, want) {
			t.Fatalf("plain %q missing %q", plain, want)
		}
	}
}

func TestPrettyHandler_GroupsPrefixKeys(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false)).WithGroup("bus")
	log.Info("bus.subscribe", slog.Group("sub", "id", 3))

	if !strings.Contains(buf.String(), "bus.sub.id=3") {
		t.Fatalf("unexpected grouped output %q", buf.String())
	}
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":        `""`,
		"plain":   "plain",
		"has one": `"has one"`,
		"a=b":     `"a=b"`,
	}
	for in, want := range cases {
		if got := quoteIfNeeded(in); got != want {
			t.Fatalf("quoteIfNeeded(%q)=%q want=%q", in, got, want)
		}
	}
}
