package execution

import (
	"sync"
	"time"
)

// OutputLine represents a line of output from a job process
type OutputLine struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"` // "stdout" or "stderr"
	Content   string    `json:"content"`
}

// OutputBuffer is a ring buffer holding the tail of a job's output.
type OutputBuffer struct {
	lines []OutputLine
	size  int
	head  int
	count int
	mu    sync.RWMutex
}

// NewOutputBuffer creates a new output buffer with the given capacity
func NewOutputBuffer(size int) *OutputBuffer {
	return &OutputBuffer{
		lines: make([]OutputLine, size),
		size:  size,
	}
}

// Add adds a new line to the buffer, evicting the oldest when full
func (b *OutputBuffer) Add(line OutputLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := (b.head + b.count) % b.size
	if b.count < b.size {
		b.count++
	} else {
		b.head = (b.head + 1) % b.size
	}
	b.lines[idx] = line
}

// GetAll returns all lines in the buffer (oldest first)
func (b *OutputBuffer) GetAll() []OutputLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]OutputLine, b.count)
	for i := 0; i < b.count; i++ {
		idx := (b.head + i) % b.size
		result[i] = b.lines[idx]
	}
	return result
}

// GetLast returns the last n lines from the buffer
func (b *OutputBuffer) GetLast(n int) []OutputLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.count {
		n = b.count
	}

	result := make([]OutputLine, n)
	start := b.count - n
	for i := 0; i < n; i++ {
		idx := (b.head + start + i) % b.size
		result[i] = b.lines[idx]
	}
	return result
}

// Count returns the number of lines in the buffer
func (b *OutputBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
