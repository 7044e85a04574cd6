package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	t.Run("unknown level falls back to info", func(t *testing.T) {
		logger, err := New(Config{Level: "loud", Format: "json", OutputPath: "stderr"})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if logger.Core().Enabled(zapcore.DebugLevel) {
			t.Error("debug should be disabled at info level")
		}
		if !logger.Core().Enabled(zapcore.InfoLevel) {
			t.Error("info should be enabled")
		}
	})

	t.Run("debug level", func(t *testing.T) {
		logger, err := New(Config{Level: "debug", Format: "console", OutputPath: "stderr"})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if !logger.Core().Enabled(zapcore.DebugLevel) {
			t.Error("debug should be enabled")
		}
	})
}

func TestFromContext(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext() should never return nil")
	}

	logger := zap.NewExample()
	ctx := WithLogger(context.Background(), logger)
	if FromContext(ctx) != logger {
		t.Error("FromContext() should return the stored logger")
	}
}

func TestMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	var sawLogger bool
	handler := Middleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawLogger = FromContext(r.Context()) != nil
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/connector?cmd=roots", nil))

	if !sawLogger {
		t.Error("handler should see a request logger")
	}
	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("got %d log entries, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["status"]; got != int64(http.StatusTeapot) {
		t.Errorf("status field = %v, want %d", got, http.StatusTeapot)
	}
}
