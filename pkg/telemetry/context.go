package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/appstage/pkg/engine"
)

// Telemetry is everything one appstage process reports through.
type Telemetry struct {
	Config  *Config
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
}

type telemetryKey struct{}

// NewTelemetry validates cfg and builds each component.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("telemetry config: %w", err)
	}

	t := &Telemetry{Config: cfg}
	var err error
	if t.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if t.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment); err != nil {
		return nil, err
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, err
	}
	if t.Events, err = NewEventPublisher(cfg.Events); err != nil {
		return nil, err
	}
	return t, nil
}

// EngineOptions hands the engine its logger, metrics and event sink.
func (t *Telemetry) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithLogger(t.Logger.NewComponentLogger("engine").Zerolog()),
		engine.WithMetrics(t.Metrics),
		engine.WithEventPublisher(t.Events),
	}
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryKey{}, t))
}

// FromTelemetryContext returns the Telemetry stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryKey{}).(*Telemetry)
	return t
}

// Shutdown drains the event publisher before stopping metrics and tracing.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Metrics.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
}

func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer(t.Logger.NewComponentLogger("metrics").Zerolog())
}

// Operation is one traced, timed unit of CLI work. Span is nil when ctx
// carried no Telemetry.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation opens a span named name under the Telemetry in ctx and
// returns a context whose logger carries the trace and span ids.
func StartOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) *Operation {
	op := &Operation{Ctx: ctx, Timer: NewTimer()}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		op.Logger = FromContext(ctx)
		return op
	}

	ctx, op.Span = tel.Tracer.StartSpan(ctx, name, attrs...)
	op.Logger = tel.Logger.WithField("operation", name)
	if sc := op.Span.SpanContext(); sc.IsValid() {
		op.Logger = op.Logger.WithFields(map[string]interface{}{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		})
	}
	op.Ctx = op.Logger.WithContext(ctx)
	return op
}

// End closes the span. Engine errors also tag it with their class and code.
func (op *Operation) End(err error) {
	if op.Span == nil {
		return
	}
	defer op.Span.End()

	if err == nil {
		RecordSuccess(op.Span)
		return
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		op.Span.SetAttributes(AttrErrorClass.String(string(ee.Class)), AttrErrorCode.String(ee.Code))
	}
	RecordError(op.Span, err)
}
