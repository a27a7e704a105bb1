// Package delay holds the actuation history of a run and predicts the state
// a delayed command will act on.
package delay

import "github.com/san-kum/dipcsim/internal/dynamo"

// Sample is one tick of history: the state reached and the command issued.
type Sample struct {
	State dynamo.State
	Force float64
}

// Buffer is a fixed-capacity ring of samples. Once full, each Push
// overwrites the oldest entry. The backing array is never reallocated.
type Buffer struct {
	data []Sample
	head int // next write position
	n    int
}

// NewBuffer allocates a ring holding capacity samples (at least one).
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{data: make([]Sample, capacity)}
}

func (b *Buffer) Push(s dynamo.State, force float64) {
	b.data[b.head] = Sample{State: s, Force: force}
	b.head = (b.head + 1) % len(b.data)
	if b.n < len(b.data) {
		b.n++
	}
}

func (b *Buffer) Len() int { return b.n }

func (b *Buffer) Cap() int { return len(b.data) }

// At returns the sample pushed age ticks ago; age 0 is the newest.
func (b *Buffer) At(age int) (Sample, bool) {
	if age < 0 || age >= b.n {
		return Sample{}, false
	}
	i := (b.head - 1 - age + 2*len(b.data)) % len(b.data)
	return b.data[i], true
}

// Forces returns the last n commanded forces, oldest first. It returns
// fewer than n values when the buffer holds fewer samples.
func (b *Buffer) Forces(n int) []float64 {
	if n > b.n {
		n = b.n
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		s, _ := b.At(n - 1 - i)
		out[i] = s.Force
	}
	return out
}

// Reset drops all samples and keeps the allocation.
func (b *Buffer) Reset() {
	clear(b.data)
	b.head = 0
	b.n = 0
}
