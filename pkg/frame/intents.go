package frame

import (
	"sync"

	"github.com/polisai/skirmish/pkg/domain"
)

// IntentBuffer collects intents during a frame. Each intent is drained exactly
// once, in the order it was pushed.
type IntentBuffer struct {
	mu      sync.Mutex
	pending []domain.Intent
}

var _ domain.IntentSink = (*IntentBuffer)(nil)

// NewIntentBuffer creates an empty buffer.
func NewIntentBuffer() *IntentBuffer {
	return &IntentBuffer{}
}

// Push appends intent.
func (b *IntentBuffer) Push(intent domain.Intent) {
	b.mu.Lock()
	b.pending = append(b.pending, intent)
	b.mu.Unlock()
}

// Drain returns the pending intents and empties the buffer.
func (b *IntentBuffer) Drain() []domain.Intent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

// Len returns the number of pending intents.
func (b *IntentBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
