package workflow

import (
	"context"

	"loom/internal/jobs"
	"loom/internal/logging"
	"loom/internal/stage"
)

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running     bool
	LastError   string
	Jobs        map[jobs.Status]int
	Stages      map[jobs.StageStatus]int
	DeadLetters int
	QueueDepths map[string]int64
	SlotsInUse  int
	SlotsTotal  int
	Handlers    []stage.Health
}

// Status returns the latest workflow information. Store and broker reads
// are best effort; a section that cannot be read is left empty rather than
// failing the whole snapshot.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	running := m.running
	lastErr := m.lastErr
	m.mu.RUnlock()

	summary := StatusSummary{
		Running:    running,
		SlotsInUse: m.slots.inUse(),
		SlotsTotal: m.slots.total,
	}
	if lastErr != nil {
		summary.LastError = lastErr.Error()
	}

	var err error
	if summary.Jobs, err = m.store.Stats(ctx); err != nil {
		m.logger.Warn("failed to read job stats", logging.Error(err))
	}
	if summary.Stages, err = m.store.StageStats(ctx); err != nil {
		m.logger.Warn("failed to read stage stats", logging.Error(err))
	}
	if summary.DeadLetters, err = m.store.DeadLetterCount(ctx); err != nil {
		m.logger.Warn("failed to read dead letter count", logging.Error(err))
	}

	if summary.QueueDepths, err = m.QueueDepths(ctx); err != nil {
		m.logger.Warn("failed to read queue depths", logging.Error(err))
	}

	summary.Handlers = m.registry.Health(ctx)
	return summary
}

// QueueDepths reports the broker backlog for every declared queue.
func (m *Manager) QueueDepths(ctx context.Context) (map[string]int64, error) {
	names := make([]string, 0, len(m.cfg.Queues))
	for _, queue := range m.cfg.Queues {
		names = append(names, queue.Name)
	}
	return m.broker.Depths(ctx, names)
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}
