package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/coinatlas/edge-gatekeeper/internal/xerrors"
)

func newTestLogger(t *testing.T, buf *bytes.Buffer, lvl slog.Level) Logger {
	t.Helper()
	l, err := New(Options{
		App:        "gatekeeper-test",
		Level:      lvl,
		JsonFormat: true,
		Writer:     buf,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("unmarshal log line %q: %v", line, err)
	}
	return m
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"verbose", 0, true},
		{"", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseLevel(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestInfo_EmitsAppAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, slog.LevelInfo)

	l.Info(context.Background(), "pipeline pass", "ip", "1.2.3.4", "path", "/api/data")

	m := decodeLine(t, &buf)
	if m["msg"] != "pipeline pass" {
		t.Errorf("msg = %v", m["msg"])
	}
	if m["app"] != "gatekeeper-test" {
		t.Errorf("app = %v", m["app"])
	}
	if m["ip"] != "1.2.3.4" {
		t.Errorf("ip = %v", m["ip"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, slog.LevelWarn)

	l.Debug(context.Background(), "should not appear")
	l.Info(context.Background(), "should not appear")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn, got %q", buf.String())
	}

	l.Warn(context.Background(), "visible")
	if buf.Len() == 0 {
		t.Fatal("warn should be emitted")
	}
}

func TestError_IncludesChainAndStack(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, slog.LevelInfo)

	err := xerrors.Wrap(xerrors.New("root cause"), "outer")
	l.Error(context.Background(), err, "something failed")

	m := decodeLine(t, &buf)
	if m["err"] != "outer: root cause" {
		t.Errorf("err = %v", m["err"])
	}
	chain, ok := m["error_chain"].([]any)
	if !ok || len(chain) < 2 {
		t.Fatalf("error_chain = %v", m["error_chain"])
	}
	if _, ok := m["stack"]; !ok {
		t.Error("error-level record should carry a stack")
	}
}

func TestWith_DoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := newTestLogger(t, &buf, slog.LevelInfo)
	child := parent.With("stage", "denylist")

	parent.Info(context.Background(), "from parent")
	m := decodeLine(t, &buf)
	if _, ok := m["stage"]; ok {
		t.Error("parent logger should not carry child attrs")
	}

	buf.Reset()
	child.Info(context.Background(), "from child")
	m = decodeLine(t, &buf)
	if m["stage"] != "denylist" {
		t.Errorf("stage = %v", m["stage"])
	}
}

func TestFromContext_FallsBackToNop(t *testing.T) {
	l := FromContext(context.Background())
	if l == nil {
		t.Fatal("FromContext should never return nil")
	}
	// must not panic
	l.Info(context.Background(), "into the void")
}

func TestWithContext_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, slog.LevelInfo)

	ctx := WithContext(context.Background(), l)
	got := FromContext(ctx)
	got.Info(ctx, "hello")
	if buf.Len() == 0 {
		t.Fatal("logger from context should write to the same sink")
	}
}
