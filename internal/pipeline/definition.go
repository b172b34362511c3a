package pipeline

import (
	"fmt"
	"time"

	"loom/internal/config"
	"loom/internal/task"
)

// Definition is the static description of one stage: where its work routes,
// how failures are retried, and how it relates to the rest of the graph.
// Definitions are immutable after process start.
type Definition struct {
	Name        string
	DependsOn   []string
	Queue       string
	Priority    task.Priority
	Operation   string
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Timeout     time.Duration
	Concurrency int

	// Critical stages fail the whole job when their retry budget is
	// exhausted. Non-critical stages dead-letter quietly and the job
	// continues degraded.
	Critical bool

	// Idempotent stages may be blindly retried. Handlers for
	// non-idempotent stages must check their own side effect for
	// duplicates before acting.
	Idempotent bool
}

// FromConfig converts the declared topology into a validated Pipeline. Each
// stage inherits its priority class and concurrency from the queue it routes
// to, so a queue can never serve two classes.
func FromConfig(cfg *config.Config) (*Pipeline, error) {
	defs := make([]Definition, 0, len(cfg.Stages))
	for _, stage := range cfg.Stages {
		queue, ok := cfg.QueueByName(stage.Queue)
		if !ok {
			return nil, fmt.Errorf("stage %q references undeclared queue %q", stage.Name, stage.Queue)
		}
		priority, err := task.ParsePriority(queue.Priority)
		if err != nil {
			return nil, fmt.Errorf("queue %q: %w", queue.Name, err)
		}
		defs = append(defs, Definition{
			Name:        stage.Name,
			DependsOn:   append([]string(nil), stage.DependsOn...),
			Queue:       queue.Name,
			Priority:    priority,
			Operation:   stage.Operation,
			MaxAttempts: stage.MaxAttempts,
			BackoffBase: time.Duration(stage.BackoffBase) * time.Second,
			BackoffCap:  time.Duration(stage.BackoffCap) * time.Second,
			Timeout:     time.Duration(stage.Timeout) * time.Second,
			Concurrency: queue.Concurrency,
			Critical:    !stage.Optional,
			Idempotent:  !stage.SideEffect,
		})
	}
	return New(defs)
}
