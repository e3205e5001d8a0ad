package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/appstage/pkg/engine"
)

// Event is an engine event as subscribers see it.
type Event struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	engine.Event
}

const (
	EventLevelDebug   = "debug"
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var eventSeverity = map[string]int{
	EventLevelDebug:   0,
	EventLevelInfo:    1,
	EventLevelWarning: 2,
	EventLevelError:   3,
}

var errPublisherStopped = errors.New("event publisher stopped")

type (
	EventSubscriber func(Event)
	EventFilter     func(Event) bool
)

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher implements engine.EventPublisher. Every subscriber sees
// events in publish order. In async mode delivery happens on one
// goroutine, in batches.
type EventPublisher struct {
	config EventsConfig
	queue  chan Event

	mu      sync.RWMutex
	subs    []subscription
	filters []EventFilter

	stop     chan struct{}
	stopOnce sync.Once
	drained  chan struct{}
}

var _ engine.EventPublisher = (*EventPublisher)(nil)

func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{
		config:  cfg,
		stop:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	if !cfg.Enabled || !cfg.EnableAsync {
		close(ep.drained)
		return ep, nil
	}

	ep.queue = make(chan Event, cfg.BufferSize)
	go ep.run()
	return ep, nil
}

// Publish stamps event and delivers or queues it. A full queue drops the
// event with an error rather than stall the attempt.
func (ep *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	if !ep.config.Enabled || event == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ep.stop:
		return errPublisherStopped
	default:
	}

	ev := Event{ID: uuid.NewString(), Source: "engine", Event: *event}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Level == "" {
		ev.Level = EventLevelInfo
	}
	if !ep.accepts(ev) {
		return nil
	}

	if ep.queue == nil {
		ep.deliver(ev)
		return nil
	}
	select {
	case ep.queue <- ev:
		return nil
	default:
		return fmt.Errorf("event buffer full, dropped %s", ev.Type)
	}
}

func (ep *EventPublisher) accepts(ev Event) bool {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, f := range ep.filters {
		if !f(ev) {
			return false
		}
	}
	return true
}

// Subscribe registers fn for events passing filter. A nil filter passes
// everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// AddFilter drops events failing filter before any subscriber sees them.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	ep.filters = append(ep.filters, filter)
	ep.mu.Unlock()
}

func (ep *EventPublisher) deliver(ev Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(ev) {
			s.fn(ev)
		}
	}
}

// run delivers queued events once MaxBatchSize accumulate, every
// FlushInterval, and a final time after Shutdown.
func (ep *EventPublisher) run() {
	defer close(ep.drained)

	size := max(ep.config.MaxBatchSize, 1)
	batch := make([]Event, 0, size)
	flush := func() {
		for _, ev := range batch {
			ep.deliver(ev)
		}
		batch = batch[:0]
	}

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		t := time.NewTicker(ep.config.FlushInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case ev := <-ep.queue:
			if batch = append(batch, ev); len(batch) >= size {
				flush()
			}
		case <-tick:
			flush()
		case <-ep.stop:
			for {
				select {
				case ev := <-ep.queue:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Shutdown refuses further events and waits until queued ones are
// delivered or ctx ends.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.stopOnce.Do(func() { close(ep.stop) })
	select {
	case <-ep.drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByLevel passes events at minLevel or more severe.
func FilterByLevel(minLevel string) EventFilter {
	floor := eventSeverity[minLevel]
	return func(ev Event) bool { return eventSeverity[ev.Level] >= floor }
}

func FilterByType(types ...engine.EventType) EventFilter {
	set := make(map[engine.EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(ev Event) bool {
		_, ok := set[ev.Type]
		return ok
	}
}

func FilterByAttemptID(attemptID string) EventFilter {
	return func(ev Event) bool { return ev.AttemptID == attemptID }
}

func FilterByResourceID(resourceID string) EventFilter {
	return func(ev Event) bool { return ev.ResourceID == resourceID }
}

// LogSubscriber writes each event to logger at the event's level.
func LogSubscriber(logger *Logger) EventSubscriber {
	zl := logger.Zerolog()
	return func(ev Event) {
		level := zerolog.InfoLevel
		switch ev.Level {
		case EventLevelDebug:
			level = zerolog.DebugLevel
		case EventLevelWarning:
			level = zerolog.WarnLevel
		case EventLevelError:
			level = zerolog.ErrorLevel
		}
		e := zl.WithLevel(level).Str("event", string(ev.Type)).Str("event_id", ev.ID)
		if ev.AttemptID != "" {
			e = e.Str("attempt_id", ev.AttemptID)
		}
		if ev.ResourceID != "" {
			e = e.Str("resource_id", ev.ResourceID)
		}
		e.Fields(ev.Data).Msg(ev.Message)
	}
}
