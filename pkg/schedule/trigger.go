package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrInvalidExpression is returned when a cron expression cannot be parsed.
var ErrInvalidExpression = errors.New("invalid cron expression")

// Runner is implemented by anything a trigger can fire.
type Runner interface {
	Run(ctx context.Context, playbooks []string) error
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context, playbooks []string) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, playbooks []string) error {
	return f(ctx, playbooks)
}

// Trigger fires a Runner for a fixed set of playbooks on a cron schedule.
type Trigger struct {
	expression string
	schedule   cron.Schedule
	playbooks  []string
	runner     Runner
	logger     zerolog.Logger
}

// NewTrigger creates a trigger from a cron expression. The expression uses
// the standard five fields or a descriptor such as @hourly.
// Returns ErrInvalidExpression if the expression cannot be parsed.
func NewTrigger(expression string, playbooks []string, runner Runner, logger zerolog.Logger) (*Trigger, error) {
	sched, err := specParser.Parse(expression)
	if err != nil {
		return nil, errors.Join(ErrInvalidExpression, err)
	}

	return &Trigger{
		expression: expression,
		schedule:   sched,
		playbooks:  playbooks,
		runner:     runner,
		logger:     logger,
	}, nil
}

// Start launches a goroutine that fires runs according to the schedule.
// Returns immediately. The goroutine exits when ctx is cancelled.
func (t *Trigger) Start(ctx context.Context) {
	go t.loop(ctx)
}

// NextRun returns the next scheduled firing time from now.
func (t *Trigger) NextRun() time.Time {
	return t.schedule.Next(time.Now())
}

// loop is the scheduling loop that runs in a goroutine.
func (t *Trigger) loop(ctx context.Context) {
	for {
		next := t.schedule.Next(time.Now())
		wait := time.Until(next)

		t.logger.Debug().
			Time("next_run", next).
			Dur("wait", wait).
			Msg("waiting for next scheduled run")

		select {
		case <-ctx.Done():
			t.logger.Info().Msg("trigger shutting down")
			return
		case <-time.After(wait):
			t.fire(ctx)
		}
	}
}

// fire executes the runner and logs the result.
func (t *Trigger) fire(ctx context.Context) {
	t.logger.Info().
		Strs("playbooks", t.playbooks).
		Str("expression", t.expression).
		Msg("schedule fired")

	if err := t.runner.Run(ctx, t.playbooks); err != nil {
		t.logger.Warn().Err(err).Msg("scheduled run completed with error")
	} else {
		t.logger.Info().Msg("scheduled run completed")
	}
}
