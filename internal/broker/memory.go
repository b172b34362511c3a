package broker

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// Memory is an in-process Broker with the same ready/processing list
// semantics as the Redis implementation. It backs tests and the memory://
// broker URL.
type Memory struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queues map[string]*memoryQueue
	flags  map[string]time.Time
	closed bool
}

type memoryQueue struct {
	ready      [][]byte
	processing [][]byte
}

// NewMemory returns an empty in-process broker.
func NewMemory() *Memory {
	m := &Memory{
		queues: make(map[string]*memoryQueue),
		flags:  make(map[string]time.Time),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Memory) queueLocked(name string) *memoryQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memoryQueue{}
		m.queues[name] = q
	}
	return q
}

// Push appends a payload to the named queue.
func (m *Memory) Push(ctx context.Context, queue string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	q := m.queueLocked(queue)
	q.ready = append(q.ready, append([]byte(nil), payload...))
	m.cond.Broadcast()
	return nil
}

// Pop blocks until a payload is available, the timeout elapses, the context
// is cancelled, or the broker closes.
func (m *Memory) Pop(ctx context.Context, queue string, timeout time.Duration) (*Delivery, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	deadline := time.Now().Add(timeout)

	wake := func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	}
	timer := time.AfterFunc(timeout, wake)
	defer timer.Stop()
	stop := context.AfterFunc(ctx, wake)
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.closed {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q := m.queueLocked(queue)
		if len(q.ready) > 0 {
			payload := q.ready[0]
			q.ready = q.ready[1:]
			q.processing = append(q.processing, payload)
			return &Delivery{Queue: queue, Payload: payload}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		m.cond.Wait()
	}
}

// Ack removes the delivery's payload from the processing ledger. Acking a
// payload that is no longer held is not an error; the redispatcher may have
// already reclaimed it.
func (m *Memory) Ack(ctx context.Context, delivery *Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	q := m.queueLocked(delivery.Queue)
	q.processing = removeFirst(q.processing, delivery.Payload)
	return nil
}

// Requeue moves the delivery from processing back to the end of the ready
// queue. It reports false when the payload was not held.
func (m *Memory) Requeue(ctx context.Context, delivery *Delivery) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	q := m.queueLocked(delivery.Queue)
	trimmed := removeFirst(q.processing, delivery.Payload)
	if len(trimmed) == len(q.processing) {
		return false, nil
	}
	q.processing = trimmed
	q.ready = append(q.ready, append([]byte(nil), delivery.Payload...))
	m.cond.Broadcast()
	return true, nil
}

// RecoverProcessing moves every processing entry back to the front of its
// ready queue, oldest first.
func (m *Memory) RecoverProcessing(ctx context.Context, queues []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	moved := 0
	for _, name := range queues {
		q := m.queueLocked(name)
		if len(q.processing) == 0 {
			continue
		}
		moved += len(q.processing)
		recovered := append([][]byte(nil), q.processing...)
		q.ready = append(recovered, q.ready...)
		q.processing = nil
	}
	if moved > 0 {
		m.cond.Broadcast()
	}
	return moved, nil
}

// Depths reports the ready length of each named queue.
func (m *Memory) Depths(ctx context.Context, queues []string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	depths := make(map[string]int64, len(queues))
	for _, name := range queues {
		depths[name] = int64(len(m.queueLocked(name).ready))
	}
	return depths, nil
}

// SetFlag records the flag unless a live one is already held. Expired flags
// are treated as absent.
func (m *Memory) SetFlag(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if expiry, ok := m.flags[name]; ok && time.Now().Before(expiry) {
		return false, nil
	}
	m.flags[name] = time.Now().Add(ttl)
	return true, nil
}

// ClearFlag removes the flag.
func (m *Memory) ClearFlag(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.flags, name)
	return nil
}

// HasFlag reports whether a live flag is held.
func (m *Memory) HasFlag(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	expiry, ok := m.flags[name]
	if !ok {
		return false, nil
	}
	if !time.Now().Before(expiry) {
		delete(m.flags, name)
		return false, nil
	}
	return true, nil
}

// Ping reports whether the broker is still open.
func (m *Memory) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close shuts the broker down and wakes all blocked consumers.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
	return nil
}

func removeFirst(entries [][]byte, payload []byte) [][]byte {
	for i, entry := range entries {
		if bytes.Equal(entry, payload) {
			return append(entries[:i:i], entries[i+1:]...)
		}
	}
	return entries
}
