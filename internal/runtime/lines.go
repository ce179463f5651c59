package runtime

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"sync"
)

// maxLineBytes bounds a single scanned line; progress bars can redraw
// without newlines for a long time.
const maxLineBytes = 1 << 20

// ScanLines calls fn for every line read from r until EOF. Lines are split
// on '\n' and on bare '\r' so carriage-return progress bars surface as
// separate updates. Empty lines are skipped and null bytes removed.
func ScanLines(r io.Reader, fn func(line string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	scanner.Split(splitCRLF)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "\x00") {
			line = strings.ReplaceAll(line, "\x00", "")
		}
		line = strings.TrimRight(line, " \t")
		if line == "" {
			continue
		}
		fn(line)
	}
	return scanner.Err()
}

func splitCRLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance = i + 1
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			advance++
		} else if data[i] == '\r' && i+1 == len(data) && !atEOF {
			// Could be the first half of "\r\n"; ask for more.
			return 0, nil, nil
		}
		return advance, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Tail keeps the last N lines written to it. It is safe for concurrent use.
type Tail struct {
	mu    sync.Mutex
	max   int
	lines []string
}

// NewTail creates a Tail holding at most max lines.
func NewTail(max int) *Tail {
	if max <= 0 {
		max = 1
	}
	return &Tail{max: max}
}

// Add appends a line, evicting the oldest when full.
func (t *Tail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lines) == t.max {
		copy(t.lines, t.lines[1:])
		t.lines = t.lines[:t.max-1]
	}
	t.lines = append(t.lines, line)
}

// String joins the retained lines with newlines.
func (t *Tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}

// Len returns the number of retained lines.
func (t *Tail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lines)
}
