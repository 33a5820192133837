package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatTable, false},
		{"table", FormatTable, false},
		{"json", FormatJSON, false},
		{"yaml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := PrintJSON(&buf, map[string]string{"board": "rvqemu"}); err != nil {
		t.Fatalf("PrintJSON() error = %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if got["board"] != "rvqemu" {
		t.Errorf("got %v", got)
	}
	if !strings.Contains(buf.String(), "  ") {
		t.Error("expected indented JSON output")
	}
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	err := PrintTable(&buf, []string{"BOARD", "ARCH"}, [][]string{
		{"rvqemu", "riscv64"},
		{"la2k1000", "loongarch64"},
	})
	if err != nil {
		t.Fatalf("PrintTable() error = %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "BOARD") {
		t.Errorf("header = %q", lines[0])
	}
	// Columns are aligned on the widest cell.
	if strings.Index(lines[1], "riscv64") != strings.Index(lines[2], "loongarch64") {
		t.Errorf("columns not aligned:\n%s", buf.String())
	}
}

func TestPrintTable_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := PrintTable(&buf, []string{"A"}, nil); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "A\n" {
		t.Errorf("got %q", buf.String())
	}
}

func TestSize(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{-1, "-"},
		{0, "0 B"},
		{1536, "1.5 KiB"},
		{67108864, "64 MiB"},
	}
	for _, tt := range tests {
		if got := Size(tt.n); got != tt.want {
			t.Errorf("Size(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestAgoAndDuration(t *testing.T) {
	if got := Ago(time.Time{}); got != "-" {
		t.Errorf("Ago(zero) = %q", got)
	}
	if got := Ago(time.Now().Add(-3 * time.Hour)); !strings.Contains(got, "ago") {
		t.Errorf("Ago(-3h) = %q", got)
	}
	if got := Duration(1234567 * time.Microsecond); got != "1.2s" {
		t.Errorf("Duration() = %q", got)
	}
	if got := Duration(1500 * time.Microsecond); got != "2ms" {
		t.Errorf("Duration() = %q", got)
	}
}
