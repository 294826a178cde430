package seqmap

import (
	"slices"
	"sync"
)

// PendingSequences is a sorted set of local sequences being pushed.
type PendingSequences struct {
	mu      sync.Mutex
	pending []int64
	max     int64
}

// NewPending creates an empty set whose checkpoint starts at since.
func NewPending(since int64) *PendingSequences {
	return &PendingSequences{max: since}
}

// Reset empties the set and restarts its checkpoint at since.
func (p *PendingSequences) Reset(since int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
	p.max = since
}

// Add marks seq as in flight. Adding a sequence twice is a no-op.
func (p *PendingSequences) Add(seq int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, found := slices.BinarySearch(p.pending, seq)
	if !found {
		p.pending = slices.Insert(p.pending, i, seq)
	}
	if seq > p.max {
		p.max = seq
	}
}

// Remove marks seq as done and reports whether the checkpoint moved.
func (p *PendingSequences) Remove(seq int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, found := slices.BinarySearch(p.pending, seq)
	if !found {
		return false
	}
	before := p.checkpointLocked()
	p.pending = slices.Delete(p.pending, i, i+1)
	return p.checkpointLocked() != before
}

// Checkpoint returns one less than the lowest pending sequence, or the
// highest sequence ever added when nothing is pending.
func (p *PendingSequences) Checkpoint() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkpointLocked()
}

func (p *PendingSequences) checkpointLocked() int64 {
	if len(p.pending) == 0 {
		return p.max
	}
	return p.pending[0] - 1
}

// Len returns the number of pending sequences.
func (p *PendingSequences) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Contains reports whether seq is pending.
func (p *PendingSequences) Contains(seq int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, found := slices.BinarySearch(p.pending, seq)
	return found
}
