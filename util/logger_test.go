package util

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(3)
	l.SetOutput(&buf)
	l.SetTimestamps(false)

	l.Error("e")
	l.Warn("w")
	l.Info("i")
	l.Verbose("v")
	l.Debug("d")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d:\n%s", len(lines), buf.String())
	}

	wantPrefixes := []string{"[ERR]", "[WRN]", "[INF]", "[VRB]", "[DBG]"}
	for i, prefix := range wantPrefixes {
		if !strings.HasPrefix(lines[i], prefix) {
			t.Errorf("line %d %q missing prefix %q", i, lines[i], prefix)
		}
	}
}

func TestLogger_QuietMode(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(0)
	l.SetOutput(&buf)

	l.Info("should not appear")
	l.Verbose("should not appear")
	l.Debug("should not appear")
	l.Error("always appears")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Errorf("expected 1 line in quiet mode, got %d:\n%s", len(lines), buf.String())
	}
}

func TestLogger_Named(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(1)
	l.SetOutput(&buf)

	l.Named("usercall").Named("tcp").Info("bound %s", "127.0.0.1:1")

	want := "[INF] usercall.tcp: bound 127.0.0.1:1\n"
	if got := buf.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestLogger_NamedSharesOutput(t *testing.T) {
	var first, second bytes.Buffer
	l := NewLogger(1)
	l.SetOutput(&first)
	child := l.Named("engine")

	l.SetOutput(&second)
	child.Info("hello")

	if first.Len() != 0 {
		t.Errorf("child wrote to stale output: %q", first.String())
	}
	if !strings.Contains(second.String(), "engine: hello") {
		t.Errorf("got %q", second.String())
	}
}

func TestLogger_Timestamps(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(1)
	l.SetOutput(&buf)
	l.SetTimestamps(true)

	l.Info("test")

	// "HH:MM:SS.mmm [INF] test"
	if out := buf.String(); !strings.Contains(out, ":") || len(out) < 15 {
		t.Errorf("expected timestamp prefix, got %q", out)
	}
}

func TestGetBuf_Sizes(t *testing.T) {
	for _, n := range []int{0, 1, 36, DefaultBufSize, DefaultBufSize + 1} {
		buf := GetBuf(n)
		if len(*buf) != n {
			t.Errorf("GetBuf(%d) len = %d", n, len(*buf))
		}
		PutBuf(buf)
	}
}

func TestPutBuf_RestoresLength(t *testing.T) {
	buf := GetBuf(4)
	PutBuf(buf)
	if len(*buf) != DefaultBufSize {
		t.Errorf("pooled buffer len = %d, want %d", len(*buf), DefaultBufSize)
	}
}

func TestPutBuf_Nil(t *testing.T) {
	PutBuf(nil)
}
