// Package util
//
// This file provides a lock-free Multi-Producer Single-Consumer (MPSC) queue.
//
// Features and Guarantees:
//
//   - Lock-Free pushes: producers append with CAS on a linked list and never block
//     each other. The internal mutex is only taken to wake a parked consumer.
//   - Unbounded Size: the queue grows as needed, limited only by available memory
//   - Single Consumer: values are delivered in push order through the Recv() channel
//     to exactly one reading goroutine
//   - Drain on Close: values pushed before Close are still delivered, then the
//     channel is closed
//   - No Strict FIFO across producers: concurrent pushes are ordered by whichever
//     producer wins the CAS, not by which one started first
package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// LockFreeMPSC is an unbounded multi-producer single-consumer queue.
type LockFreeMPSC[T any] struct {
	head atomic.Pointer[node[T]]
	tail atomic.Pointer[node[T]]
	out  chan T
	done chan struct{}

	closed  atomic.Bool
	waiting atomic.Bool
	pending atomic.Int64

	mu   sync.Mutex
	cond *sync.Cond
}

// NewLockFreeMPSC creates a queue and starts its delivery goroutine.
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	sentinel := &node[T]{}
	q := &LockFreeMPSC[T]{
		out:  make(chan T),
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.deliver()
	return q
}

// Push appends value to the queue. It returns false if the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *LockFreeMPSC[T]) Push(value T) bool {
	if q.closed.Load() {
		return false
	}

	n := &node[T]{value: value}
	var backoff uint8

	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				// another producer may already have swung the tail, that's fine
				q.tail.CompareAndSwap(tail, n)
				q.pending.Add(1)
				q.wake()
				return true
			}
		} else {
			q.tail.CompareAndSwap(tail, next)
		}

		// spin first, then yield
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// wake signals the consumer if it is parked. The waiting flag is set by the
// consumer before it re-checks the list, so a push that links after that check
// always observes it.
func (q *LockFreeMPSC[T]) wake() {
	if q.waiting.Load() {
		q.mu.Lock()
		q.cond.Signal()
		q.mu.Unlock()
	}
}

// deliver moves values from the list into the out channel until the queue is
// closed and empty.
func (q *LockFreeMPSC[T]) deliver() {
	defer close(q.done)
	defer close(q.out)

	var zero T
	for {
		head := q.head.Load()
		next := head.next.Load()

		if next != nil {
			value := next.value
			q.head.Store(next)
			next.value = zero
			q.pending.Add(-1)
			q.out <- value
			continue
		}

		if q.closed.Load() {
			return
		}

		q.mu.Lock()
		q.waiting.Store(true)
		if q.head.Load().next.Load() == nil && !q.closed.Load() {
			q.cond.Wait()
		}
		q.waiting.Store(false)
		q.mu.Unlock()
	}
}

// Recv returns the channel values are delivered on. It is closed after Close
// once all queued values were received.
func (q *LockFreeMPSC[T]) Recv() <-chan T {
	return q.out
}

// Close stops accepting new values. Already queued values are still delivered.
func (q *LockFreeMPSC[T]) Close() {
	if q.closed.Swap(true) {
		return
	}
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// Done is closed once the delivery goroutine has exited.
func (q *LockFreeMPSC[T]) Done() <-chan struct{} {
	return q.done
}

// IsClosed reports whether Close was called.
func (q *LockFreeMPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns the number of values pushed but not yet handed to the consumer.
// It is approximate under concurrent pushes.
func (q *LockFreeMPSC[T]) Len() int {
	return int(q.pending.Load())
}
