package logging

import (
	"strings"
	"testing"
)

func TestHexDumpEmpty(t *testing.T) {
	if got := HexDump(nil); got != "(empty)" {
		t.Errorf("HexDump(nil) = %q, want (empty)", got)
	}
}

func TestHexDumpSingleRow(t *testing.T) {
	got := HexDump([]byte{0x03, 0x00, 0x00, 0x08})

	if !strings.HasPrefix(got, "0000  03 00 00 08") {
		t.Errorf("unexpected row: %q", got)
	}
	if !strings.HasSuffix(strings.TrimRight(got, "\n"), "....") {
		t.Errorf("expected non-printable bytes rendered as dots: %q", got)
	}
}

func TestHexDumpPrintableASCII(t *testing.T) {
	got := HexDump([]byte("RDP!"))

	if !strings.Contains(got, "RDP!") {
		t.Errorf("printable bytes should appear in the ASCII column: %q", got)
	}
}

func TestHexDumpMultipleRows(t *testing.T) {
	data := make([]byte, 40)
	for i := range data {
		data[i] = byte(i)
	}

	got := HexDump(data)
	lines := strings.Split(strings.TrimRight(got, "\n"), "\n")

	if len(lines) != 3 {
		t.Fatalf("expected 3 rows for 40 bytes, got %d:\n%s", len(lines), got)
	}
	if !strings.HasPrefix(lines[1], "0010  ") {
		t.Errorf("second row should start at offset 0x10: %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "0020  ") {
		t.Errorf("third row should start at offset 0x20: %q", lines[2])
	}
}
