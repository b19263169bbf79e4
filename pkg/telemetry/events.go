package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/pkg/engine"
)

// Event types published by components outside the run scheduler. The
// scheduler's own lifecycle types (run.*, step.*, rollback.*) are defined in
// the engine package.
const (
	// EventTypePolicyViolation is published when admission control finds a
	// violation.
	EventTypePolicyViolation engine.EventType = "policy.violation"

	// EventTypeScheduleTriggered is published when a cron schedule fires.
	EventTypeScheduleTriggered engine.EventType = "schedule.triggered"
)

var (
	errBufferFull       = errors.New("event buffer full, event dropped")
	errPublisherStopped = errors.New("event publisher stopped")
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event engine.Event) bool

// EventPublisher buffers and fans out run lifecycle events. It implements
// engine.EventPublisher, so it plugs directly into the scheduler: Publish
// returns as soon as the event is buffered, and subscribers are called from
// the processing goroutine, never from the run path.
type EventPublisher struct {
	config EventsConfig
	queue  chan engine.Event

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu            sync.RWMutex
	subscriptions []subscription
	filters       []EventFilter
}

// subscription binds a subscriber to its optional per-subscriber filter.
type subscription struct {
	deliver EventSubscriber
	accept  EventFilter
}

// NewEventPublisher creates an event publisher. A disabled configuration
// yields a publisher whose methods are all no-ops.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled {
		return ep, nil
	}

	ep.queue = make(chan engine.Event, cfg.BufferSize)
	ep.stop = make(chan struct{})
	ep.done = make(chan struct{})

	if cfg.EnableAsync {
		go ep.run()
	}

	return ep, nil
}

// Publish hands an event to all subscribers. In async mode the event is
// buffered and Publish never blocks; when the buffer is full the event is
// dropped and an error returned.
func (ep *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	if !ep.config.Enabled || event == nil {
		return nil
	}

	stamp(event)

	if ep.rejected(*event) {
		return nil
	}

	if !ep.config.EnableAsync {
		ep.deliver(*event)
		return nil
	}

	select {
	case ep.queue <- *event:
		return nil
	case <-ep.stop:
		return errPublisherStopped
	default:
		return errBufferFull
	}
}

// stamp fills identity fields the caller left empty.
func stamp(event *engine.Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
}

// rejected reports whether any global filter drops the event.
func (ep *EventPublisher) rejected(event engine.Event) bool {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, filter := range ep.filters {
		if !filter(event) {
			return true
		}
	}
	return false
}

// PublishPolicyViolation publishes a policy violation found during admission.
func (ep *EventPublisher) PublishPolicyViolation(ctx context.Context, playbook, policy, step, message string) error {
	return ep.Publish(ctx, &engine.Event{
		Type:     EventTypePolicyViolation,
		Playbook: playbook,
		Target:   step,
		Message:  fmt.Sprintf("policy %s: %s", policy, message),
		Level:    engine.EventLevelError,
		Data: map[string]interface{}{
			"policy": policy,
		},
	})
}

// PublishScheduleTriggered publishes a schedule trigger firing.
func (ep *EventPublisher) PublishScheduleTriggered(ctx context.Context, playbook, expression string) error {
	return ep.Publish(ctx, &engine.Event{
		Type:     EventTypeScheduleTriggered,
		Playbook: playbook,
		Message:  fmt.Sprintf("schedule fired for playbook %s", playbook),
		Level:    engine.EventLevelInfo,
		Data: map[string]interface{}{
			"expression": expression,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter receives every event.
// Subscribers are invoked in publish order, one event at a time; a slow
// subscriber delays delivery, never the run itself.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscriptions = append(ep.subscriptions, subscription{deliver: subscriber, accept: filter})
}

// AddFilter installs a filter applied before any subscriber filter. An
// event rejected here is dropped for everyone.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	ep.filters = append(ep.filters, filter)
	ep.mu.Unlock()
}

// run drains the queue, delivering in batches. A full batch is flushed
// immediately; partial batches are flushed on the configured interval so
// events never sit in the buffer until shutdown.
func (ep *EventPublisher) run() {
	defer close(ep.done)

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var batch []engine.Event
	for {
		select {
		case event := <-ep.queue:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				ep.deliver(batch...)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				ep.deliver(batch...)
				batch = batch[:0]
			}

		case <-ep.stop:
			ep.deliver(ep.remaining(batch)...)
			return
		}
	}
}

// remaining appends whatever is still queued so shutdown loses nothing.
func (ep *EventPublisher) remaining(batch []engine.Event) []engine.Event {
	for {
		select {
		case event := <-ep.queue:
			batch = append(batch, event)
		default:
			return batch
		}
	}
}

// deliver hands events to each subscriber whose filter accepts them. The
// subscription list is snapshotted first so a subscriber may call Subscribe
// without deadlocking.
func (ep *EventPublisher) deliver(events ...engine.Event) {
	ep.mu.RLock()
	subs := ep.subscriptions
	ep.mu.RUnlock()

	for _, event := range events {
		for _, sub := range subs {
			if sub.accept != nil && !sub.accept(event) {
				continue
			}
			sub.deliver(event)
		}
	}
}

// Shutdown stops the publisher, delivering buffered events first.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.stopOnce.Do(func() { close(ep.stop) })

	if !ep.config.EnableAsync {
		return nil
	}

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// Common event filters.

// FilterByLevel passes events at or above the given severity level.
func FilterByLevel(minLevel string) EventFilter {
	rank := map[string]int{
		engine.EventLevelInfo:    0,
		engine.EventLevelWarning: 1,
		engine.EventLevelError:   2,
	}
	threshold := rank[minLevel]

	return func(event engine.Event) bool {
		return rank[event.Level] >= threshold
	}
}

// FilterByType passes events whose type is one of the given types.
func FilterByType(types ...engine.EventType) EventFilter {
	wanted := make(map[engine.EventType]struct{}, len(types))
	for _, t := range types {
		wanted[t] = struct{}{}
	}

	return func(event engine.Event) bool {
		_, ok := wanted[event.Type]
		return ok
	}
}

// FilterByRunID passes only events belonging to one run.
func FilterByRunID(runID string) EventFilter {
	return func(event engine.Event) bool {
		return event.RunID == runID
	}
}

// FilterByStage passes only events belonging to one stage.
func FilterByStage(stage string) EventFilter {
	return func(event engine.Event) bool {
		return event.Stage == stage
	}
}
