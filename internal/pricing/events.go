package pricing

import (
	"github.com/google/uuid"

	"jewelry-pricing-service/internal/domain"
)

// ConfigurationChangedEvent is published after a configuration mutation
// (component edit, freeze, unfreeze, detach) has been committed.
type ConfigurationChangedEvent struct {
	ConfigurationID int64
	NodeID          int64
}

// JobFinishedEvent is published after a recalculation job reaches a terminal
// state for the current attempt cycle.
type JobFinishedEvent struct {
	JobID  uuid.UUID
	Status domain.JobStatus
}

// Notifier receives post-commit notifications. Audit logging and cache
// invalidation hang off these events instead of being inlined into the core,
// so the engine stays testable without a logging or cache backend present.
type Notifier interface {
	ConfigurationChanged(ConfigurationChangedEvent)
	JobFinished(JobFinishedEvent)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) ConfigurationChanged(ConfigurationChangedEvent) {}
func (NopNotifier) JobFinished(JobFinishedEvent)                   {}

// MultiNotifier fans events out to several notifiers in order.
type MultiNotifier []Notifier

func (m MultiNotifier) ConfigurationChanged(e ConfigurationChangedEvent) {
	for _, n := range m {
		n.ConfigurationChanged(e)
	}
}

func (m MultiNotifier) JobFinished(e JobFinishedEvent) {
	for _, n := range m {
		n.JobFinished(e)
	}
}
