package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the production Broker. Each queue is a pair of Redis lists:
// <ns>:queue:<name> holds ready payloads and <ns>:processing:<name> holds
// popped payloads awaiting acknowledgement.
type Redis struct {
	client    *redis.Client
	namespace string
}

// NewRedis dials the broker at rawURL. The namespace prefixes every key so
// multiple deployments can share one Redis.
func NewRedis(rawURL, namespace string) (*Redis, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ns := strings.TrimSpace(namespace)
	if ns == "" {
		ns = "loom"
	}
	return &Redis{client: redis.NewClient(opt), namespace: ns}, nil
}

func (r *Redis) readyKey(queue string) string {
	return r.namespace + ":queue:" + queue
}

func (r *Redis) processingKey(queue string) string {
	return r.namespace + ":processing:" + queue
}

func (r *Redis) flagKey(name string) string {
	return r.namespace + ":flag:" + name
}

// Push appends a payload to the named queue.
func (r *Redis) Push(ctx context.Context, queue string, payload []byte) error {
	if err := r.client.LPush(ctx, r.readyKey(queue), payload).Err(); err != nil {
		return fmt.Errorf("push to %s: %w", queue, err)
	}
	return nil
}

// Pop atomically moves the next ready payload onto the processing list,
// blocking up to timeout. A nil delivery with nil error means the timeout
// elapsed with the queue empty.
func (r *Redis) Pop(ctx context.Context, queue string, timeout time.Duration) (*Delivery, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	val, err := r.client.BLMove(ctx, r.readyKey(queue), r.processingKey(queue), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("pop from %s: %w", queue, err)
	}
	return &Delivery{Queue: queue, Payload: []byte(val)}, nil
}

// Ack removes the delivery from the processing list. A payload that is no
// longer on the list was already reclaimed; that is not an error.
func (r *Redis) Ack(ctx context.Context, delivery *Delivery) error {
	if err := r.client.LRem(ctx, r.processingKey(delivery.Queue), 1, delivery.Payload).Err(); err != nil {
		return fmt.Errorf("ack on %s: %w", delivery.Queue, err)
	}
	return nil
}

// Requeue moves the delivery from processing back to the end of the ready
// queue. It reports false when the payload was no longer held, so a delivery
// reclaimed by the redispatcher is not pushed twice.
func (r *Redis) Requeue(ctx context.Context, delivery *Delivery) (bool, error) {
	removed, err := r.client.LRem(ctx, r.processingKey(delivery.Queue), 1, delivery.Payload).Result()
	if err != nil {
		return false, fmt.Errorf("requeue remove on %s: %w", delivery.Queue, err)
	}
	if removed == 0 {
		return false, nil
	}
	if err := r.client.LPush(ctx, r.readyKey(delivery.Queue), delivery.Payload).Err(); err != nil {
		return false, fmt.Errorf("requeue push to %s: %w", delivery.Queue, err)
	}
	return true, nil
}

// RecoverProcessing sweeps leftover processing entries back to their ready
// queues. Run before consumers start so a crashed run's in-flight tasks are
// redelivered. Recovered entries are consumed before waiting ready entries,
// oldest first: Pop takes the ready list's right end, so draining the
// processing list newest-first stacks the oldest recovered entry rightmost.
func (r *Redis) RecoverProcessing(ctx context.Context, queues []string) (int, error) {
	moved := 0
	for _, queue := range queues {
		for {
			err := r.client.LMove(ctx, r.processingKey(queue), r.readyKey(queue), "LEFT", "RIGHT").Err()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return moved, fmt.Errorf("recover %s: %w", queue, err)
			}
			moved++
		}
	}
	return moved, nil
}

// Depths reports the ready length of each named queue.
func (r *Redis) Depths(ctx context.Context, queues []string) (map[string]int64, error) {
	depths := make(map[string]int64, len(queues))
	for _, queue := range queues {
		n, err := r.client.LLen(ctx, r.readyKey(queue)).Result()
		if err != nil {
			return nil, fmt.Errorf("depth of %s: %w", queue, err)
		}
		depths[queue] = n
	}
	return depths, nil
}

// SetFlag records the flag with SET NX EX semantics.
func (r *Redis) SetFlag(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	set, err := r.client.SetNX(ctx, r.flagKey(name), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set flag %s: %w", name, err)
	}
	return set, nil
}

// ClearFlag deletes the flag key.
func (r *Redis) ClearFlag(ctx context.Context, name string) error {
	if err := r.client.Del(ctx, r.flagKey(name)).Err(); err != nil {
		return fmt.Errorf("clear flag %s: %w", name, err)
	}
	return nil
}

// HasFlag reports whether the flag key exists.
func (r *Redis) HasFlag(ctx context.Context, name string) (bool, error) {
	n, err := r.client.Exists(ctx, r.flagKey(name)).Result()
	if err != nil {
		return false, fmt.Errorf("check flag %s: %w", name, err)
	}
	return n > 0, nil
}

// Ping verifies connectivity to Redis.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
