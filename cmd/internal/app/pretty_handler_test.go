package app

import (
	"context"
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

func TestPrettyHandler_PlainOutput(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	h := newPrettyHandler(&b, &slog.HandlerOptions{Level: slog.LevelDebug}, false)
	log := slog.New(h)

	log.Info("http.request", "method", "GET", "path", "/healthz", "status", 200)

	out := b.String()
	for _, want := range []string{"msg=http.request", "method=GET", "path=/healthz", "status=200", "lvl=[INFO]"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("expected no ANSI codes with color disabled: %q", out)
	}
}

func TestPrettyHandler_QuotesValuesWithSpaces(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	h := newPrettyHandler(&b, nil, false)
	log := slog.New(h)

	log.Info("event", "reason", "too many frames")

	if !strings.Contains(b.String(), `reason="too many frames"`) {
		t.Fatalf("expected quoted value, got %q", b.String())
	}
}

func TestPrettyHandler_LevelFiltering(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	h := newPrettyHandler(&b, &slog.HandlerOptions{Level: slog.LevelWarn}, false)

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("info should be filtered at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("error should pass at warn level")
	}
}
