package runtime

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestScanLines_SplitsOnCarriageReturn(t *testing.T) {
	input := "Animation 0: Write:  10%\rAnimation 0: Write:  55%\rAnimation 0: Write: 100%\n" +
		"File ready\r\nINFO done\n\n"

	var got []string
	if err := ScanLines(strings.NewReader(input), func(line string) {
		got = append(got, line)
	}); err != nil {
		t.Fatalf("ScanLines failed: %v", err)
	}

	want := []string{
		"Animation 0: Write:  10%",
		"Animation 0: Write:  55%",
		"Animation 0: Write: 100%",
		"File ready",
		"INFO done",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ScanLines mismatch (-want +got):\n%s", diff)
	}
}

func TestScanLines_TrailingLineWithoutNewline(t *testing.T) {
	var got []string
	ScanLines(strings.NewReader("a\nb"), func(line string) { got = append(got, line) })

	if diff := cmp.Diff([]string{"a", "b"}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestScanLines_StripsNullBytes(t *testing.T) {
	var got []string
	ScanLines(strings.NewReader("he\x00llo\n"), func(line string) { got = append(got, line) })

	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("expected [hello], got %q", got)
	}
}

func TestTail_KeepsLastLines(t *testing.T) {
	tail := NewTail(2)
	tail.Add("one")
	tail.Add("two")
	tail.Add("three")

	if got := tail.String(); got != "two\nthree" {
		t.Errorf("Tail.String() = %q", got)
	}
	if tail.Len() != 2 {
		t.Errorf("Tail.Len() = %d, want 2", tail.Len())
	}
}
