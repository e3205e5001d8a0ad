package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/appstage/pkg/resource"
)

// ErrNotFound is returned when a metadata key or record does not exist.
var ErrNotFound = errors.New("not found")

// EventLevel represents the severity level of an install event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Metadata keys shared by the engine and the CLI.
const (
	MetaLastUpdateAttempt = "last_update_attempt"
	MetaLastInstall       = "last_install"
	MetaStagingStarted    = "staging_started"
	MetaDefaultAppServer  = "default_app_server"
	MetaStartOverUpgrade  = "start_over_upgrade"
)

// Event is an append-only install journal entry
type Event struct {
	ID        int64      `json:"id"`
	AttemptID *string    `json:"attempt_id,omitempty"`
	Level     EventLevel `json:"level"`
	Kind      string     `json:"kind"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// TableState is the persisted summary of one table
type TableState struct {
	Identity  resource.Identity  `json:"identity"`
	Readiness resource.Readiness `json:"readiness"`
	Records   int                `json:"records"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// TableStore persists the three resource tables by stable identity.
type TableStore interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Table operations
	Load(ctx context.Context, identity resource.Identity) (*resource.Table, error)
	Save(ctx context.Context, table *resource.Table) error
	SaveRecord(ctx context.Context, identity resource.Identity, rec resource.Record) error
	Clear(ctx context.Context, identity resource.Identity) error
	Exists(ctx context.Context, identity resource.Identity) (bool, error)
	State(ctx context.Context, identity resource.Identity) (*TableState, error)

	// Swap marker. BeginSwap persists the recovery table and raises the
	// marker in one transaction; CompleteSwap persists the global table
	// and lowers it in one transaction.
	BeginSwap(ctx context.Context, recovery *resource.Table) error
	CompleteSwap(ctx context.Context, global *resource.Table) error
	SwapPending(ctx context.Context) (bool, error)
	AbortSwap(ctx context.Context) error

	// Metadata
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error

	// Install journal
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, attemptID *string, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
