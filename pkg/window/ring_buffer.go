package window

import "github.com/tunogya/visionquant/pkg/model"

// RingBuffer keeps the most recent capacity candles.
type RingBuffer struct {
	data     []model.Candle
	capacity int
	size     int
	head     int // next write position
}

// NewRingBuffer creates a ring buffer with the given capacity
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{
		data:     make([]model.Candle, capacity),
		capacity: capacity,
	}
}

// Push appends a candle, overwriting the oldest one when full
func (rb *RingBuffer) Push(c model.Candle) {
	rb.data[rb.head] = c
	rb.head = (rb.head + 1) % rb.capacity
	if rb.size < rb.capacity {
		rb.size++
	}
}

// Size returns the number of buffered candles
func (rb *RingBuffer) Size() int {
	return rb.size
}

// IsFull reports whether the buffer holds capacity candles
func (rb *RingBuffer) IsFull() bool {
	return rb.size == rb.capacity
}

// Snapshot copies the buffered candles, oldest first
func (rb *RingBuffer) Snapshot() []model.Candle {
	out := make([]model.Candle, rb.size)
	start := (rb.head - rb.size + rb.capacity) % rb.capacity
	for i := 0; i < rb.size; i++ {
		out[i] = rb.data[(start+i)%rb.capacity]
	}
	return out
}

// Clear empties the buffer
func (rb *RingBuffer) Clear() {
	rb.size = 0
	rb.head = 0
}
