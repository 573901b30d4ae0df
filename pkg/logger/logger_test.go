package logger

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerErrorIncludesContextFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Level: ParseLevel("debug"), Output: buf})

	ctx := context.Background()
	ctx = log.WithRequestID(ctx, "req-123")

	log.Error(ctx, "boom", errors.New("boom"))

	if !bytes.Contains(buf.Bytes(), []byte("\"request_id\"")) {
		t.Fatalf("expected request_id to be preserved; entry=%s", buf.String())
	}
}

func TestLoggerWarnStackToggle(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Level: ParseLevel("debug"), Output: buf, WarnStack: true})
	log.Warn(context.Background(), "warny")
	if !bytes.Contains(buf.Bytes(), []byte("\"stack\"")) {
		t.Fatalf("expected stack when warn stack enabled; entry=%s", buf.String())
	}
}

func TestLoggerCriticalFlagsAlert(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Level: ParseLevel("info"), Output: buf})

	ctx := log.WithFields(context.Background(), map[string]any{"user_id": "user-1", "delta": "-3"})
	log.Critical(ctx, "ledger mismatch", errors.New("drift"))

	for _, want := range []string{`"severity":"critical"`, `"alert":true`, `"user_id":"user-1"`, `"delta":"-3"`} {
		if !bytes.Contains(buf.Bytes(), []byte(want)) {
			t.Fatalf("expected %s in entry=%s", want, buf.String())
		}
	}
}

func TestParseLevelDefaults(t *testing.T) {
	if lvl := ParseLevel(""); lvl != zerolog.InfoLevel {
		t.Fatalf("expected default info level, got %v", lvl)
	}
	if lvl := ParseLevel("invalid"); lvl != zerolog.InfoLevel {
		t.Fatalf("invalid level should fallback to info, got %v", lvl)
	}
	if lvl := ParseLevel(" WARN "); lvl != zerolog.WarnLevel {
		t.Fatalf("expected warn level, got %v", lvl)
	}
}

func TestLoggerDebugRespectsLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Level: ParseLevel("info"), Output: buf})
	log.Debug(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug to be filtered at info; entry=%s", buf.String())
	}

	log = New(Options{ServiceName: "test", Level: ParseLevel("debug"), Output: buf})
	log.Debug(context.Background(), "shown")
	if !bytes.Contains(buf.Bytes(), []byte(`"message":"shown"`)) {
		t.Fatalf("expected debug entry; entry=%s", buf.String())
	}
}

func TestLoggerFieldsDoNotLeakAcrossContexts(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Output: buf, Format: FormatJSON})

	base := log.WithUserID(context.Background(), "user-1")
	_ = log.WithActor(base, "admin-7")
	log.Info(base, "scoped")

	if !bytes.Contains(buf.Bytes(), []byte(`"user_id":"user-1"`)) {
		t.Fatalf("expected user_id; entry=%s", buf.String())
	}
	if bytes.Contains(buf.Bytes(), []byte(`"actor"`)) {
		t.Fatalf("child fields must not leak into the parent; entry=%s", buf.String())
	}
}
