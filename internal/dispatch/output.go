package dispatch

import (
	"strings"
	"sync"
)

// defaultTailLines bounds how much helper output is kept per stream.
const defaultTailLines = 200

// tailBuffer is an io.Writer that keeps the last N lines written to it.
//
// It is a ring: once full, each new line overwrites the oldest one, so a
// helper that prints without bound cannot grow the service's memory.
//
//	cap 3: A B C -> [A B C]; D -> [D B C] with head at B
type tailBuffer struct {
	mu sync.Mutex

	lines []string
	head  int // where the next completed line goes
	size  int

	// partial holds bytes after the last newline.
	partial strings.Builder
}

func newTailBuffer(capacity int) *tailBuffer {
	if capacity <= 0 {
		capacity = defaultTailLines
	}
	return &tailBuffer{lines: make([]string, capacity)}
}

// Write splits p into lines. It never fails.
func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rest := string(p)
	for {
		i := strings.IndexByte(rest, '\n')
		if i < 0 {
			b.partial.WriteString(rest)
			break
		}
		b.partial.WriteString(rest[:i])
		b.push(strings.TrimSuffix(b.partial.String(), "\r"))
		b.partial.Reset()
		rest = rest[i+1:]
	}
	return len(p), nil
}

func (b *tailBuffer) push(line string) {
	b.lines[b.head] = line
	b.head = (b.head + 1) % len(b.lines)
	if b.size < len(b.lines) {
		b.size++
	}
}

// Lines returns the kept lines oldest first, including an unterminated
// final line.
func (b *tailBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, b.size+1)
	start := 0
	if b.size == len(b.lines) {
		start = b.head
	}
	for i := 0; i < b.size; i++ {
		out = append(out, b.lines[(start+i)%len(b.lines)])
	}
	if b.partial.Len() > 0 {
		out = append(out, b.partial.String())
	}
	return out
}

// String joins the kept lines with newlines.
func (b *tailBuffer) String() string {
	return strings.Join(b.Lines(), "\n")
}
