// Package batcher accumulates items and hands them to a processor in batches.
//
// A batch is flushed when the queue reaches capacity (immediately) or when
// the queue has been quiet for the configured delay. This amortizes expensive
// downstream work such as bulk inserts or revs_diff requests:
//
//	b := batcher.New(100, 500*time.Millisecond, func(items []string) {
//	    bulkInsert(items)
//	})
//	b.QueueObject("a")
//	b.QueueObject("b")
//	// ~500ms later bulkInsert([a b]) runs on a background goroutine.
//
// Batches are processed one at a time and in insertion order.
package batcher

import (
	"sync"
	"time"
)

// Batcher queues items and flushes them to a processor.
type Batcher[T any] struct {
	capacity int
	delay    time.Duration
	process  func([]T)

	mu    sync.Mutex
	inbox []T
	timer *time.Timer

	// procMu serializes processor calls so batches never overlap.
	procMu sync.Mutex

	// active counts scheduled or running flushes, for Wait.
	active sync.WaitGroup
}

// New creates a Batcher. A capacity below 1 is treated as 1.
func New[T any](capacity int, delay time.Duration, process func([]T)) *Batcher[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Batcher[T]{
		capacity: capacity,
		delay:    delay,
		process:  process,
	}
}

// QueueObject adds a single item.
func (b *Batcher[T]) QueueObject(item T) {
	b.QueueObjects([]T{item})
}

// QueueObjects adds items in order.
func (b *Batcher[T]) QueueObjects(items []T) {
	if len(items) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.inbox = append(b.inbox, items...)
	if len(b.inbox) >= b.capacity {
		b.scheduleLocked(0)
	} else if b.timer == nil {
		b.scheduleLocked(b.delay)
	}
}

// scheduleLocked arranges a flush after d, replacing a pending timer that
// would fire later.
func (b *Batcher[T]) scheduleLocked(d time.Duration) {
	if b.timer != nil {
		if d > 0 || !b.timer.Stop() {
			// Either the existing timer is already due sooner, or it has
			// fired and its flush is about to run.
			return
		}
		b.active.Done()
	}

	b.active.Add(1)
	b.timer = time.AfterFunc(d, b.flushScheduled)
}

func (b *Batcher[T]) flushScheduled() {
	defer b.active.Done()

	b.procMu.Lock()
	defer b.procMu.Unlock()

	b.mu.Lock()
	b.timer = nil
	batch := b.takeLocked()
	b.mu.Unlock()

	if len(batch) > 0 {
		b.process(batch)
	}

	b.mu.Lock()
	if len(b.inbox) > 0 && b.timer == nil {
		if len(b.inbox) >= b.capacity {
			b.scheduleLocked(0)
		} else {
			b.scheduleLocked(b.delay)
		}
	}
	b.mu.Unlock()
}

// takeLocked removes up to capacity items from the front of the inbox.
func (b *Batcher[T]) takeLocked() []T {
	n := min(len(b.inbox), b.capacity)
	if n == 0 {
		return nil
	}

	batch := make([]T, n)
	copy(batch, b.inbox)

	rest := make([]T, len(b.inbox)-n)
	copy(rest, b.inbox[n:])
	b.inbox = rest

	return batch
}

// Flush processes one batch synchronously, without waiting for the delay.
func (b *Batcher[T]) Flush() {
	b.procMu.Lock()
	defer b.procMu.Unlock()

	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()

	if len(batch) > 0 {
		b.process(batch)
	}
}

// FlushAll processes batches synchronously until the inbox is empty.
func (b *Batcher[T]) FlushAll() {
	for b.Count() > 0 {
		b.Flush()
	}
}

// Count returns the number of queued items.
func (b *Batcher[T]) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inbox)
}

// Clear drops all queued items and cancels a pending flush.
func (b *Batcher[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inbox = nil
	if b.timer != nil && b.timer.Stop() {
		b.timer = nil
		b.active.Done()
	}
}

// Wait blocks until no flush is scheduled or running.
func (b *Batcher[T]) Wait() {
	b.active.Wait()
}
