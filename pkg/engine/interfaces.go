package engine

import (
	"context"
	"time"

	"github.com/openfroyo/appstage/pkg/resource"
)

// Resolver fetches, validates and locally stores the payload behind a record.
// Implementations are responsible for per-fetch timeouts.
type Resolver interface {
	// Resolve turns a record discovered by reference into a fully populated
	// record plus the child records its payload declares. Errors are
	// EngineErrors with one of ErrCodeUnreachable, ErrCodeNotFound,
	// ErrCodeInvalidPayload or ErrCodeLocalStorage.
	Resolve(ctx context.Context, rec resource.Record) (*Resolution, error)
}

// PayloadStore holds resolved payload bytes keyed by resource id and version.
// *stores.PayloadCache implements it.
type PayloadStore interface {
	Put(ctx context.Context, id string, version int, data []byte) (string, error)
	// Get returns the bytes stored for id at version. A non-empty digest
	// must match the stored bytes.
	Get(ctx context.Context, id string, version int, digest string) ([]byte, error)
	Has(ctx context.Context, id string, version int) bool
	Delete(ctx context.Context, id string, version int) error
}

// Resolution is the result of resolving one record.
type Resolution struct {
	// Record carries the payload's version, kind, digest, requirements and children.
	Record resource.Record

	// Children are the records the payload declares, not yet resolved.
	Children []resource.Record
}

// CompatibilityChecker validates platform requirements across a staged set.
type CompatibilityChecker interface {
	// CheckRequirements returns a *RequirementsError for the first unmet requirement.
	CheckRequirements(records []resource.Record) error
}

// InstallPolicy decides whether a candidate may be installed on this device.
type InstallPolicy interface {
	// EvaluateInstall returns a *PolicyError when the candidate is denied.
	EvaluateInstall(ctx context.Context, input *PolicyInput) error
}

// PolicyInput is the document evaluated by the install policy.
type PolicyInput struct {
	Mode          string       `json:"mode"`
	Candidate     PolicyApp    `json:"candidate"`
	Installed     *PolicyApp   `json:"installed,omitempty"`
	InstalledApps []string     `json:"installed_apps"`
	Requirements  []PolicyNeed `json:"requirements,omitempty"`
}

// PolicyApp describes one application profile.
type PolicyApp struct {
	AppID     string `json:"app_id"`
	Version   int    `json:"version"`
	Reference string `json:"reference"`
}

// PolicyNeed is a requirement declared by the candidate profile.
type PolicyNeed struct {
	Code string `json:"code"`
	Min  string `json:"min,omitempty"`
	Max  string `json:"max,omitempty"`
}

// Phase is the stage of an attempt reported to a ProgressSink.
type Phase int

const (
	PhaseChecking    Phase = 0
	PhaseDownloading Phase = 1
	PhaseCommitting  Phase = 2
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseChecking:
		return "checking"
	case PhaseDownloading:
		return "downloading"
	case PhaseCommitting:
		return "committing"
	default:
		return "unknown"
	}
}

// Progress is one progress update.
type Progress struct {
	Completed int   `json:"completed"`
	Total     int   `json:"total"`
	Phase     Phase `json:"phase"`
}

// ProgressSink receives throttled progress updates on a single goroutine.
type ProgressSink interface {
	Update(p Progress)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(p Progress)

// Update calls f(p).
func (f ProgressFunc) Update(p Progress) { f(p) }

// Reporter is what staging and commit use to report progress.
type Reporter interface {
	Report(p Progress)
}

type nopReporter struct{}

func (nopReporter) Report(Progress) {}

// EventType represents the type of an install event.
type EventType string

const (
	EventTypeAttemptStarted   EventType = "attempt_started"
	EventTypeAttemptFinished  EventType = "attempt_finished"
	EventTypeResourceStaged   EventType = "resource_staged"
	EventTypeResourceReused   EventType = "resource_reused"
	EventTypeResourceRetry    EventType = "resource_retry"
	EventTypeResourceDeleted  EventType = "resource_deleted"
	EventTypeStagingDiscarded EventType = "staging_discarded"
	EventTypeCommitted        EventType = "committed"
	EventTypeRecovered        EventType = "recovered"
)

// Event is a notable occurrence during an attempt.
type Event struct {
	Type       EventType              `json:"type"`
	AttemptID  string                 `json:"attempt_id,omitempty"`
	ResourceID string                 `json:"resource_id,omitempty"`
	Level      string                 `json:"level"`
	Message    string                 `json:"message"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// EventPublisher publishes events to live subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// MetricsRecorder receives engine measurements.
type MetricsRecorder interface {
	RecordAttemptStarted(mode string)
	RecordAttemptCompleted(mode, outcome string, duration time.Duration)
	RecordResolution(kind string, duration time.Duration)
	RecordReuse(source string)
	RecordError(errorClass, errorCode string)
	RecordCommit(duration time.Duration, err error)
	RecordRecovery(action string)
	SetTableRecords(identity, status string, count float64)
}

type nopMetrics struct{}

func (nopMetrics) RecordAttemptStarted(string)                          {}
func (nopMetrics) RecordAttemptCompleted(string, string, time.Duration) {}
func (nopMetrics) RecordResolution(string, time.Duration)               {}
func (nopMetrics) RecordReuse(string)                                   {}
func (nopMetrics) RecordError(string, string)                           {}
func (nopMetrics) RecordCommit(time.Duration, error)                    {}
func (nopMetrics) RecordRecovery(string)                                {}
func (nopMetrics) SetTableRecords(string, string, float64)              {}
