package rtc

import (
	"sync"

	"github.com/assistlink/callkit/internal/signal"
)

// candidateBuffer holds remote ICE candidates that arrive before the remote
// description. Applying a candidate before a remote description exists is
// invalid, so candidates are queued and drained in arrival order exactly once
// when the description lands. Duplicates are dropped while buffered; after
// the drain they pass through to the (non-fatal) apply path.
type candidateBuffer struct {
	mu      sync.Mutex
	ready   bool
	pending []signal.Candidate
	seen    map[string]struct{}
}

// Add applies c immediately when the remote description is ready, otherwise
// buffers it.
func (b *candidateBuffer) Add(c signal.Candidate, apply func(signal.Candidate) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ready {
		return apply(c)
	}
	if b.seen == nil {
		b.seen = make(map[string]struct{})
	}
	if _, dup := b.seen[c.Candidate]; dup {
		return nil
	}
	b.seen[c.Candidate] = struct{}{}
	b.pending = append(b.pending, c)
	return nil
}

// MarkReady flips the ready flag and drains the buffer in arrival order.
// The buffer is cleared even if an apply fails partway; candidates are never
// drained twice.
func (b *candidateBuffer) MarkReady(apply func(signal.Candidate) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ready {
		return nil
	}
	b.ready = true
	pending := b.pending
	b.pending = nil
	b.seen = nil

	for _, c := range pending {
		if err := apply(c); err != nil {
			return err
		}
	}
	return nil
}
