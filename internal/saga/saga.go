// Package saga sequences writes across systems that share no transaction.
//
// A Saga runs steps in order. Each step's compensations are registered
// before its action runs, so a step that fails halfway still gets undone;
// compensations must therefore tolerate the thing they undo not existing.
// When a step fails, Compensate runs every registered compensation, newest
// step first, each one independently. Compensation failures are logged and
// never replace the original error.
package saga

import (
	"context"
	"errors"
	"log/slog"
)

// Compensation undoes (part of) a step.
type Compensation struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Step is one forward action and the compensations that undo it.
type Step struct {
	Name          string
	Action        func(ctx context.Context) error
	Compensations []Compensation
}

// Outcome records how one compensation went.
type Outcome struct {
	Step string
	Name string
	Err  error
}

// Saga is single-use and not safe for concurrent use; one per request.
type Saga struct {
	name   string
	logger *slog.Logger
	done   [][]Compensation // per step, in registration order
	steps  []string
	failed bool
}

// New returns an empty saga. name appears in every log line.
func New(name string, logger *slog.Logger) *Saga {
	return &Saga{name: name, logger: logger}
}

// StepError reports which step of a saga failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return "step " + e.Step + ": " + e.Err.Error() }
func (e *StepError) Unwrap() error { return e.Err }

// ErrAborted is returned by Execute once a previous step has failed.
var ErrAborted = errors.New("saga: aborted by an earlier failure")

// Execute registers step's compensations and then runs its action. It
// returns the action's error wrapped in a *StepError. It does not
// compensate; call Compensate (or CompensateIfNeeded) for that.
func (s *Saga) Execute(ctx context.Context, step Step) error {
	if s.failed {
		return ErrAborted
	}

	s.done = append(s.done, step.Compensations)
	s.steps = append(s.steps, step.Name)

	if err := step.Action(ctx); err != nil {
		s.failed = true
		return &StepError{Step: step.Name, Err: err}
	}
	return nil
}

// Run executes steps in order and compensates if any fails.
func (s *Saga) Run(ctx context.Context, steps ...Step) (err error) {
	defer s.CompensateIfNeeded(ctx, &err)

	for _, step := range steps {
		if err = s.Execute(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

// CompensateIfNeeded compensates when *errPtr is non-nil. It is meant to be
// deferred right after New.
func (s *Saga) CompensateIfNeeded(ctx context.Context, errPtr *error) {
	if errPtr == nil || *errPtr == nil {
		return
	}
	s.Compensate(ctx, *errPtr)
}

// Compensate runs every registered compensation, most recent step first
// and, within a step, in registration order. Every compensation runs even
// if an earlier one failed. A context that is already cancelled is
// detached so cleanup still reaches the stores.
func (s *Saga) Compensate(ctx context.Context, cause error) []Outcome {
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}

	var outcomes []Outcome
	causeMsg := ""
	if cause != nil {
		causeMsg = cause.Error()
	}

	s.logger.Warn("saga compensating",
		slog.String("saga", s.name),
		slog.Int("steps", len(s.done)),
		slog.String("cause", causeMsg),
	)

	for i := len(s.done) - 1; i >= 0; i-- {
		for _, c := range s.done[i] {
			err := c.Fn(ctx)
			outcomes = append(outcomes, Outcome{Step: s.steps[i], Name: c.Name, Err: err})
			if err != nil {
				s.logger.Error("saga compensation failed",
					slog.String("saga", s.name),
					slog.String("step", s.steps[i]),
					slog.String("compensation", c.Name),
					slog.String("error", err.Error()),
				)
				continue
			}
			s.logger.Info("saga compensation done",
				slog.String("saga", s.name),
				slog.String("step", s.steps[i]),
				slog.String("compensation", c.Name),
			)
		}
	}

	s.done = nil
	s.steps = nil
	return outcomes
}
