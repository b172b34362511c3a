package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"loom/internal/config"
)

// ErrClosed is returned by operations on a broker that has been shut down.
var ErrClosed = errors.New("broker closed")

// Delivery is one popped task awaiting acknowledgement. Payload holds the
// exact bytes that were pushed; Ack and Requeue match on them.
type Delivery struct {
	Queue   string
	Payload []byte
}

// Broker is the queue transport between the coordinator and worker pools.
//
// Push and Pop form an at-least-once channel: a popped delivery stays on the
// broker's processing ledger until Ack removes it, so a consumer crash leaves
// the entry recoverable. Requeue returns a delivery to the ready queue
// without treating it as handled.
type Broker interface {
	// Push appends a payload to the named queue.
	Push(ctx context.Context, queue string, payload []byte) error

	// Pop blocks up to timeout for the next payload. It returns (nil, nil)
	// when the timeout elapses with nothing available.
	Pop(ctx context.Context, queue string, timeout time.Duration) (*Delivery, error)

	// Ack removes a delivery from the processing ledger.
	Ack(ctx context.Context, delivery *Delivery) error

	// Requeue moves a delivery from the processing ledger back to the ready
	// queue. It reports false when the delivery was no longer held, in which
	// case nothing is pushed.
	Requeue(ctx context.Context, delivery *Delivery) (bool, error)

	// RecoverProcessing sweeps processing entries back to their ready queues
	// and reports how many were moved. Run at startup, before consumers.
	RecoverProcessing(ctx context.Context, queues []string) (int, error)

	// Depths reports the ready-queue length for each named queue.
	Depths(ctx context.Context, queues []string) (map[string]int64, error)

	// SetFlag records a named flag with an expiry unless it is already held,
	// reporting whether this call set it. Flags are the cross-process
	// coordination primitive: enqueue-once guards for fan-in stages and
	// pause marks.
	SetFlag(ctx context.Context, name string, ttl time.Duration) (bool, error)

	// ClearFlag removes a named flag. Clearing an absent flag is not an
	// error.
	ClearFlag(ctx context.Context, name string) error

	// HasFlag reports whether a named flag is currently held.
	HasFlag(ctx context.Context, name string) (bool, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	Close() error
}

// Open builds a broker from the configured URL. memory:// yields the
// in-process implementation; redis:// and rediss:// dial Redis. Connectivity
// is not verified here; callers ping during preflight.
func Open(cfg *config.Config) (Broker, error) {
	raw := strings.TrimSpace(cfg.Broker.URL)
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	switch parsed.Scheme {
	case "memory":
		return NewMemory(), nil
	case "redis", "rediss":
		return NewRedis(raw, cfg.Broker.Namespace)
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", parsed.Scheme)
	}
}
