package logging

import (
	"errors"
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	testCases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" INFO ":  zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	}
	for input, expected := range testCases {
		if got := ParseLevel(input); got != expected {
			t.Fatalf("level %q: expected %s, got %s", input, expected, got)
		}
	}
}

func TestWithSentryForwardsErrorEntries(t *testing.T) {
	var (
		mu       sync.Mutex
		captured []*sentry.Event
	)
	client, err := sentry.NewClient(sentry.ClientOptions{
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			captured = append(captured, event)
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("failed to construct sentry client: %v", err)
	}
	hub := sentry.NewHub(client, sentry.NewScope())

	core, logs := observer.New(zapcore.DebugLevel)
	logger := WithSentry(zap.New(core), hub).With(zap.String("operation", "accounts.login"))

	logger.Info("user registered")
	logger.Warn("rate limiter unavailable")
	logger.Error("accounts service error", zap.String("reason", "record_login"), zap.Error(errors.New("disk full")))

	if logs.Len() != 3 {
		t.Fatalf("expected the base core to keep every entry, got %d", logs.Len())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(captured) != 1 {
		t.Fatalf("expected one forwarded event, got %d", len(captured))
	}
	event := captured[0]
	if event.Message != "accounts service error" || event.Level != sentry.LevelError {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Tags["operation"] != "accounts.login" || event.Tags["reason"] != "record_login" {
		t.Fatalf("unexpected tags %v", event.Tags)
	}
	if event.Contexts["log"]["error"] != "disk full" {
		t.Fatalf("expected the error in the log context, got %v", event.Contexts["log"])
	}
}

func TestWithSentryWithoutClientIsNoop(t *testing.T) {
	logger := zap.NewNop()
	if WithSentry(logger, nil) != logger {
		t.Fatalf("expected the logger to be returned unchanged")
	}
	if WithSentry(logger, sentry.NewHub(nil, sentry.NewScope())) != logger {
		t.Fatalf("expected a hub without client to be ignored")
	}
}
