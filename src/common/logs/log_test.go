package logs

import (
	"bytes"
	"strings"
	"testing"
)

func TestNew_WritesToConfiguredWriter(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Writer: &buf, Level: "debug", Prefix: "kimage"})

	l.Debug("extracting", "board", "rvqemu")

	out := buf.String()
	if !strings.Contains(out, "extracting") || !strings.Contains(out, "board=rvqemu") {
		t.Errorf("unexpected log output: %q", out)
	}
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Writer: &buf, Level: "warn"})

	l.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered at warn level, got %q", buf.String())
	}
}

func TestNew_DefaultOutputIsStderr(t *testing.T) {
	l := New(Config{Output: OutputAuto})
	if l.Output() != OutputStderr {
		t.Errorf("Output() = %q, want %q", l.Output(), OutputStderr)
	}
	l = New(Config{Output: OutputStdout})
	if l.Output() != OutputStdout {
		t.Errorf("Output() = %q, want %q", l.Output(), OutputStdout)
	}
}
