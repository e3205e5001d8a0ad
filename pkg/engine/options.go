package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/openfroyo/appstage/pkg/stores"
)

var tracer = otel.Tracer("github.com/openfroyo/appstage/pkg/engine")

type options struct {
	logger  zerolog.Logger
	metrics MetricsRecorder
	events  EventPublisher
	clock   func() time.Time
	checker CompatibilityChecker
	policy  InstallPolicy
	retry   RetryPolicy

	payloads PayloadStore
}

// Option configures engine components.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		logger:  zerolog.Nop(),
		metrics: nopMetrics{},
		clock:   time.Now,
		retry:   DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithEventPublisher sets a publisher for live events. Events are always
// journaled to the table store.
func WithEventPublisher(p EventPublisher) Option {
	return func(o *options) { o.events = p }
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithCompatibilityChecker sets the platform requirement checker.
func WithCompatibilityChecker(c CompatibilityChecker) Option {
	return func(o *options) { o.checker = c }
}

// WithInstallPolicy sets the install policy.
func WithInstallPolicy(p InstallPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithRetryPolicy sets the retry policy for transient resolution failures.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) { o.retry = p }
}

// WithPayloadStore lets staging verify the stored bytes of a resource
// before reusing it, and lets commit drop payloads no longer installed.
func WithPayloadStore(ps PayloadStore) Option {
	return func(o *options) { o.payloads = ps }
}

// emit journals ev to the store and publishes it. Failures are logged only.
func (o *options) emit(ctx context.Context, store stores.TableStore, ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.clock()
	}
	if ev.Level == "" {
		ev.Level = string(stores.EventLevelInfo)
	}

	entry := &stores.Event{
		Level:     stores.EventLevel(ev.Level),
		Kind:      string(ev.Type),
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
	}
	if ev.AttemptID != "" {
		id := ev.AttemptID
		entry.AttemptID = &id
	}
	if len(ev.Data) > 0 || ev.ResourceID != "" {
		data := map[string]interface{}{}
		for k, v := range ev.Data {
			data[k] = v
		}
		if ev.ResourceID != "" {
			data["resource_id"] = ev.ResourceID
		}
		if raw, err := json.Marshal(data); err == nil {
			details := string(raw)
			entry.Details = &details
		}
	}

	if err := store.AppendEvent(context.WithoutCancel(ctx), entry); err != nil {
		o.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("failed to journal event")
	}
	if o.events != nil {
		if err := o.events.Publish(ctx, ev); err != nil {
			o.logger.Debug().Err(err).Str("event", string(ev.Type)).Msg("failed to publish event")
		}
	}
}

// storeError classifies a table store failure.
func storeError(op string, err error) error {
	if errors.Is(err, stores.ErrStorageUnavailable) {
		return NewStorageUnavailableError("", err).WithOperation(op)
	}
	return NewEnvironmentalError("table store failure", err).
		WithCode(ErrCodeStore).
		WithOperation(op)
}

func cancelledError(err error) error {
	return NewTransientError("attempt cancelled", err).WithCode(ErrCodeCancelled)
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
