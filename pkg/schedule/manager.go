package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Manager owns a set of triggers built from one specification string.
type Manager struct {
	triggers []*Trigger
	logger   zerolog.Logger
}

// NewManager parses a multi-trigger specification and builds a trigger per
// entry. The spec format is:
// playbook1,playbook2:cron_expression;playbook3:cron_expression2
//
// Example:
//
//	"deploy-web,cache-warm:0 2 * * *;audit:@hourly"
//
// Every playbook name must be present in known.
func NewManager(spec string, runner Runner, logger zerolog.Logger, known map[string]bool) (*Manager, error) {
	specs, err := ParseTriggerSpecs(spec, known)
	if err != nil {
		return nil, err
	}

	triggers := make([]*Trigger, 0, len(specs))
	for _, ts := range specs {
		trigger, err := NewTrigger(ts.Expression, ts.Playbooks, runner, logger)
		if err != nil {
			return nil, fmt.Errorf("creating trigger for '%s:%s': %w",
				strings.Join(ts.Playbooks, ","), ts.Expression, err)
		}
		triggers = append(triggers, trigger)
	}

	logger.Info().Int("trigger_count", len(triggers)).Msg("schedule manager created")

	for i, trigger := range triggers {
		logger.Info().
			Int("index", i).
			Strs("playbooks", specs[i].Playbooks).
			Str("expression", specs[i].Expression).
			Time("next_run", trigger.NextRun()).
			Msg("trigger registered")
	}

	return &Manager{
		triggers: triggers,
		logger:   logger,
	}, nil
}

// Start launches all triggers, each in its own goroutine. Returns
// immediately. All goroutines exit when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	for _, trigger := range m.triggers {
		trigger.Start(ctx)
	}
}

// Triggers returns the number of registered triggers.
func (m *Manager) Triggers() int {
	return len(m.triggers)
}

// NextRun returns the earliest scheduled firing across all triggers.
// Returns zero time if there are no triggers.
func (m *Manager) NextRun() time.Time {
	if len(m.triggers) == 0 {
		return time.Time{}
	}

	earliest := m.triggers[0].NextRun()
	for i := 1; i < len(m.triggers); i++ {
		if next := m.triggers[i].NextRun(); next.Before(earliest) {
			earliest = next
		}
	}

	return earliest
}
