package seqmap

import (
	"slices"
	"sync"
)

// SequenceMap maps dense local sequences onto opaque remote values.
type SequenceMap struct {
	mu sync.Mutex

	// pending holds outstanding sequences in ascending order.
	pending []int64

	// values holds the remote value for every sequence that may still be
	// returned as a checkpoint.
	values map[int64]string

	lastSequence int64
}

// New creates an empty SequenceMap. Sequences start at 1.
func New() *SequenceMap {
	return &SequenceMap{
		values: make(map[int64]string),
	}
}

// AddValue assigns the next sequence to value and marks it outstanding.
func (m *SequenceMap) AddValue(value string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastSequence++
	m.pending = append(m.pending, m.lastSequence)
	m.values[m.lastSequence] = value

	return m.lastSequence
}

// RemoveSequence marks seq as completed. Unknown sequences are ignored.
func (m *SequenceMap) RemoveSequence(seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, found := slices.BinarySearch(m.pending, seq)
	if !found {
		return
	}
	m.pending = slices.Delete(m.pending, i, i+1)

	m.pruneLocked()
}

// pruneLocked drops values that can no longer become the checkpoint.
func (m *SequenceMap) pruneLocked() {
	checkpoint := m.checkpointedSequenceLocked()
	for seq := range m.values {
		if seq < checkpoint {
			delete(m.values, seq)
		}
	}
}

// IsEmpty reports whether no sequences are outstanding.
func (m *SequenceMap) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) == 0
}

// Count returns the number of outstanding sequences.
func (m *SequenceMap) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// CheckpointedSequence returns the highest N such that 1..N have all been
// removed, or 0 if sequence 1 is still outstanding.
func (m *SequenceMap) CheckpointedSequence() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpointedSequenceLocked()
}

func (m *SequenceMap) checkpointedSequenceLocked() int64 {
	if len(m.pending) == 0 {
		return m.lastSequence
	}
	return m.pending[0] - 1
}

// CheckpointedValue returns the remote value of CheckpointedSequence. The
// boolean is false when nothing has completed yet.
func (m *SequenceMap) CheckpointedValue() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq := m.checkpointedSequenceLocked()
	if seq == 0 {
		return "", false
	}
	v, ok := m.values[seq]
	return v, ok
}
