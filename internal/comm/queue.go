package comm

import (
	"context"
	"fmt"
	"sync"
)

// ByteQueue is a FIFO of frames bounded by total payload bytes. An empty
// queue always admits one frame, so a frame no larger than the capacity can
// never deadlock a producer.
type ByteQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	frames   [][]byte
	bytes    uint64
	capacity uint64

	writeClosed bool
	aborted     bool
}

func NewByteQueue(capacity uint64) *ByteQueue {
	q := &ByteQueue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends frame, blocking while it would push the queue past capacity.
// The queue takes ownership of frame.
func (q *ByteQueue) Push(ctx context.Context, frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	stop := context.AfterFunc(ctx, q.wake)
	defer stop()

	size := uint64(len(frame))
	for {
		if q.aborted {
			return ErrCancelled
		}
		if q.writeClosed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		if len(q.frames) == 0 || q.bytes+size <= q.capacity {
			break
		}
		q.cond.Wait()
	}
	q.frames = append(q.frames, frame)
	q.bytes += size
	q.cond.Broadcast()
	return nil
}

// Pop copies the oldest frame into out. A frame larger than out stays at the
// head of the queue and a *BufferTooSmallError is returned. After CloseWrite
// the remaining frames drain before ErrClosed.
func (q *ByteQueue) Pop(ctx context.Context, out []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stop := context.AfterFunc(ctx, q.wake)
	defer stop()

	for {
		if q.aborted {
			return 0, ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		if len(q.frames) > 0 {
			break
		}
		if q.writeClosed {
			return 0, ErrClosed
		}
		q.cond.Wait()
	}

	head := q.frames[0]
	if len(head) > len(out) {
		return 0, &BufferTooSmallError{Need: len(head), Have: len(out)}
	}
	n := copy(out, head)
	q.frames[0] = nil
	q.frames = q.frames[1:]
	q.bytes -= uint64(n)
	q.cond.Broadcast()
	return n, nil
}

// CloseWrite rejects further pushes. Queued frames remain poppable.
func (q *ByteQueue) CloseWrite() {
	q.mu.Lock()
	q.writeClosed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Abort drops queued frames and fails every pending and future call with
// ErrCancelled.
func (q *ByteQueue) Abort() {
	q.mu.Lock()
	q.aborted = true
	q.frames = nil
	q.bytes = 0
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *ByteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *ByteQueue) Bytes() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

func (q *ByteQueue) Capacity() uint64 {
	return q.capacity
}

func (q *ByteQueue) wake() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}
