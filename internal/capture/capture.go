// Package capture holds the output captured from supervised processes.
//
// Every process owns one Buffer, written only by the goroutines draining
// that process's stdout and stderr. Lines carry a wall-clock timestamp and a
// case-wide sequence number so the buffers of all processes in a case can be
// merged into one time-ordered log when the verdict is computed. No buffer is
// ever written by more than one process.
package capture

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Stream identifies which output stream a line came from.
type Stream string

const (
	// Stdout is the process's standard output.
	Stdout Stream = "stdout"
	// Stderr is the process's standard error.
	Stderr Stream = "stderr"
	// AnyStream matches both streams in expectation rules.
	AnyStream Stream = "any"
)

// Valid reports whether s is a known stream selector.
func (s Stream) Valid() bool {
	switch s {
	case Stdout, Stderr, AnyStream:
		return true
	}
	return false
}

// Matches reports whether a line from stream other satisfies selector s.
// The empty selector behaves like AnyStream.
func (s Stream) Matches(other Stream) bool {
	return s == "" || s == AnyStream || s == other
}

// Line is one captured output line.
type Line struct {
	Time    time.Time `json:"time"`
	Seq     int64     `json:"seq"`
	Process string    `json:"process"`
	Role    string    `json:"role"`
	Stream  Stream    `json:"stream"`
	Text    string    `json:"text"`
}

// Sequencer stamps captured lines with a strictly increasing number.
// One Sequencer is shared by all buffers of a case; ties between equal
// timestamps are broken by sequence so the merged order is total.
//
// Thread-safety: Sequencer is safe for concurrent use (atomic operations).
type Sequencer struct {
	seq atomic.Int64
}

// NewSequencer creates a sequencer whose first Next() returns 1.
func NewSequencer() *Sequencer {
	return &Sequencer{}
}

// Next returns the next sequence number.
func (s *Sequencer) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the last number handed out.
func (s *Sequencer) Current() int64 {
	return s.seq.Load()
}

// Normalize prepares raw process output for matching: a trailing carriage
// return is dropped and the text is NFC normalized so patterns written in a
// suite match regardless of how the process composed its characters.
func Normalize(raw string) string {
	raw = strings.TrimSuffix(raw, "\r")
	return norm.NFC.String(raw)
}

// Buffer is the append-only line log of a single process.
//
// Appends never block on readers: the buffer grows without bound so the
// process is never stalled on a full pipe. Readers either take a snapshot or
// wait on Changed() for new lines, which lets readiness probes watch output
// as it arrives.
type Buffer struct {
	process string
	role    string
	seq     *Sequencer
	now     func() time.Time

	mu      sync.Mutex
	lines   []Line
	changed chan struct{}
	closed  bool
}

// NewBuffer creates a buffer for one process. now defaults to time.Now.
func NewBuffer(process, role string, seq *Sequencer, now func() time.Time) *Buffer {
	if seq == nil {
		seq = NewSequencer()
	}
	if now == nil {
		now = time.Now
	}
	return &Buffer{
		process: process,
		role:    role,
		seq:     seq,
		now:     now,
		changed: make(chan struct{}),
	}
}

// Append records a line read from stream and wakes any waiters.
// Appends after Close are dropped.
func (b *Buffer) Append(stream Stream, raw string) Line {
	line := Line{
		Process: b.process,
		Role:    b.role,
		Stream:  stream,
		Text:    Normalize(raw),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return line
	}
	line.Time = b.now()
	line.Seq = b.seq.Next()
	b.lines = append(b.lines, line)

	close(b.changed)
	b.changed = make(chan struct{})
	return line
}

// Close marks the buffer complete. Waiters are woken one last time.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.changed)
}

// Closed reports whether Close has been called.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Changed returns a channel closed on the next Append or on Close.
// Once the buffer is closed the returned channel is already closed.
func (b *Buffer) Changed() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed
}

// Len returns the number of captured lines.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// Since returns a copy of the lines from index from onwards.
func (b *Buffer) Since(from int) []Line {
	b.mu.Lock()
	defer b.mu.Unlock()

	if from >= len(b.lines) {
		return nil
	}
	if from < 0 {
		from = 0
	}
	out := make([]Line, len(b.lines)-from)
	copy(out, b.lines[from:])
	return out
}

// Lines returns a copy of every captured line.
func (b *Buffer) Lines() []Line {
	return b.Since(0)
}

// Tail returns a copy of the last n lines.
func (b *Buffer) Tail(n int) []Line {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || len(b.lines) == 0 {
		return nil
	}
	if n > len(b.lines) {
		n = len(b.lines)
	}
	out := make([]Line, n)
	copy(out, b.lines[len(b.lines)-n:])
	return out
}
