package pool

import (
	"bytes"
	"strings"
	"testing"
)

func collectLines(t *testing.T, input string, limit int) []string {
	t.Helper()
	var got []string
	if err := readLines(strings.NewReader(input), limit, func(b []byte) {
		got = append(got, string(b))
	}); err != nil {
		t.Fatalf("readLines: %v", err)
	}
	return got
}

func TestReadLines_SplitsAndSkipsBlank(t *testing.T) {
	got := collectLines(t, "one\r\ntwo\n\nthree", 1024)
	want := []string{"one", "two", "three"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("lines = %q, want %q", got, want)
	}
}

// A line spanning several reader buffers keeps its head and loses the rest,
// never a spliced head and tail.
func TestReadLines_TruncatesOverlongLine(t *testing.T) {
	const bufSize = 64 << 10
	limit := bufSize + 10
	long := strings.Repeat("a", bufSize) + strings.Repeat("b", bufSize) + "cc"

	got := collectLines(t, long+"\nnext\n", limit)
	if len(got) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(got))
	}
	want := strings.Repeat("a", bufSize) + strings.Repeat("b", 10)
	if got[0] != want {
		t.Fatalf("truncated line has len %d, tail %q", len(got[0]), got[0][max(len(got[0])-12, 0):])
	}
	if bytes.Contains([]byte(got[0]), []byte("c")) {
		t.Fatal("tail of the overlong line was spliced onto its head")
	}
	if got[1] != "next" {
		t.Fatalf("line after the overlong one = %q, want next", got[1])
	}
}
