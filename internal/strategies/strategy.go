package strategies

import (
	"context"
	"fmt"

	"github.com/payos/taskcore/internal/models"
)

// Strategy drives one claimed task to a suspended or terminal state. Process
// returns nil when the task reached a stable state (including needs_input and
// a delegated/queued handoff parked in working); an error means processing
// failed and the scheduler decides between retry and dead-lettering.
type Strategy interface {
	Process(ctx context.Context, task *models.Task, agent *models.AgentConfig) error
}

// Set resolves the strategy for an agent's processing mode.
type Set struct {
	byMode map[models.ProcessingMode]Strategy
}

func NewSet(managed, delegated, queued Strategy) *Set {
	return &Set{byMode: map[models.ProcessingMode]Strategy{
		models.ModeManaged:   managed,
		models.ModeDelegated: delegated,
		models.ModeQueued:    queued,
	}}
}

// For returns the strategy for the mode; an unknown mode is a configuration
// failure, never retried.
func (s *Set) For(mode models.ProcessingMode) (Strategy, error) {
	st, ok := s.byMode[mode]
	if !ok {
		return nil, fmt.Errorf("no strategy for processing mode %q", mode)
	}
	return st, nil
}

// classifiedError lets a strategy pin the dead letter class of a terminal
// failure instead of leaving it to generic classification.
type classifiedError struct {
	err   error
	class models.FailureClass
}

func (e *classifiedError) Error() string                     { return e.err.Error() }
func (e *classifiedError) Unwrap() error                     { return e.err }
func (e *classifiedError) FailureClass() models.FailureClass { return e.class }
