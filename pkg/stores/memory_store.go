package stores

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/appstage/pkg/resource"
)

// ErrInjected is the default error returned by an injected fault.
var ErrInjected = errors.New("injected fault")

// Store operation names accepted by MemoryStore.FailOn.
const (
	OpSave         = "save"
	OpSaveRecord   = "save_record"
	OpClear        = "clear"
	OpBeginSwap    = "begin_swap"
	OpCompleteSwap = "complete_swap"
	OpSetMeta      = "set_meta"
)

// MemoryStore is a TableStore kept in process memory. It supports fault
// injection so tests can simulate a process dying in the middle of a write.
type MemoryStore struct {
	mu          sync.Mutex
	tables      map[resource.Identity][]resource.Record
	states      map[resource.Identity]time.Time
	swapPending bool
	meta        map[string]string
	events      []*Event
	nextEventID int64

	faults map[string]fault
	calls  map[string]int
}

type fault struct {
	err error
	// torn persists only the first half of the records before failing.
	torn bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: make(map[resource.Identity][]resource.Record),
		states: make(map[resource.Identity]time.Time),
		meta:   make(map[string]string),
		faults: make(map[string]fault),
		calls:  make(map[string]int),
	}
}

// FailOn makes the next call of op fail with err (ErrInjected if nil).
func (m *MemoryStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	m.faults[op] = fault{err: err}
}

// TearOn makes the next call of op persist half of its records and then
// fail, leaving the store as a killed process would.
func (m *MemoryStore) TearOn(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = fault{err: ErrInjected, torn: true}
}

// Calls returns how many times op was invoked.
func (m *MemoryStore) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// takeFault must be called with mu held.
func (m *MemoryStore) takeFault(op string) (fault, bool) {
	m.calls[op]++
	f, ok := m.faults[op]
	if ok {
		delete(m.faults, op)
	}
	return f, ok
}

func (m *MemoryStore) Init(context.Context) error    { return nil }
func (m *MemoryStore) Close() error                  { return nil }
func (m *MemoryStore) Migrate(context.Context) error { return nil }

// HealthCheck always succeeds.
func (m *MemoryStore) HealthCheck(context.Context) error { return nil }

// Load returns a copy of the persisted table.
func (m *MemoryStore) Load(_ context.Context, identity resource.Identity) (*resource.Table, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	table := resource.NewTable(identity)
	table.ReplaceWith(m.tables[identity])
	return table, nil
}

// Save replaces the persisted table.
func (m *MemoryStore) Save(_ context.Context, table *resource.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.takeFault(OpSave); ok {
		if f.torn {
			m.writeTorn(table)
		}
		return f.err
	}
	m.write(table.Identity(), table.Records())
	return nil
}

// SaveRecord upserts one record.
func (m *MemoryStore) SaveRecord(_ context.Context, identity resource.Identity, rec resource.Record) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.takeFault(OpSaveRecord); ok {
		return f.err
	}

	records := m.tables[identity]
	for i := range records {
		if records[i].ID == rec.ID {
			records[i] = rec.Clone()
			m.states[identity] = time.Now()
			return nil
		}
	}
	m.tables[identity] = append(records, rec.Clone())
	m.states[identity] = time.Now()
	return nil
}

// Clear removes the table.
func (m *MemoryStore) Clear(_ context.Context, identity resource.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.takeFault(OpClear); ok {
		return f.err
	}
	delete(m.tables, identity)
	delete(m.states, identity)
	return nil
}

// Exists reports whether the table was saved and not cleared since.
func (m *MemoryStore) Exists(_ context.Context, identity resource.Identity) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.states[identity]
	return ok, nil
}

// State summarizes the persisted table.
func (m *MemoryStore) State(_ context.Context, identity resource.Identity) (*TableState, error) {
	m.mu.Lock()
	records := append([]resource.Record(nil), m.tables[identity]...)
	updated := m.states[identity]
	m.mu.Unlock()

	table := resource.NewTable(identity)
	table.ReplaceWith(records)
	return &TableState{
		Identity:  identity,
		Readiness: table.Readiness(),
		Records:   table.Len(),
		UpdatedAt: updated,
	}, nil
}

// BeginSwap persists the recovery table and raises the marker.
func (m *MemoryStore) BeginSwap(_ context.Context, recovery *resource.Table) error {
	if recovery.Identity() != resource.IdentityRecovery {
		return fmt.Errorf("begin swap requires the recovery table, got %s", recovery.Identity())
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.takeFault(OpBeginSwap); ok {
		if f.torn {
			m.writeTorn(recovery)
		}
		return f.err
	}
	m.write(resource.IdentityRecovery, recovery.Records())
	m.swapPending = true
	return nil
}

// CompleteSwap persists the global table and lowers the marker.
func (m *MemoryStore) CompleteSwap(_ context.Context, global *resource.Table) error {
	if global.Identity() != resource.IdentityGlobal {
		return fmt.Errorf("complete swap requires the global table, got %s", global.Identity())
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.takeFault(OpCompleteSwap); ok {
		if f.torn {
			m.writeTorn(global)
		}
		return f.err
	}
	m.write(resource.IdentityGlobal, global.Records())
	m.swapPending = false
	return nil
}

// AbortSwap lowers the marker.
func (m *MemoryStore) AbortSwap(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swapPending = false
	return nil
}

// SwapPending reports the marker.
func (m *MemoryStore) SwapPending(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.swapPending, nil
}

// GetMeta reads a metadata value.
func (m *MemoryStore) GetMeta(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.meta[key]
	if !ok {
		return "", fmt.Errorf("metadata %s: %w", key, ErrNotFound)
	}
	return value, nil
}

// SetMeta writes a metadata value.
func (m *MemoryStore) SetMeta(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.takeFault(OpSetMeta); ok {
		return f.err
	}
	m.meta[key] = value
	return nil
}

// AppendEvent appends a journal entry.
func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextEventID++
	event.ID = m.nextEventID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	stored := *event
	m.events = append(m.events, &stored)
	return nil
}

// ListEvents returns journal entries, newest first.
func (m *MemoryStore) ListEvents(_ context.Context, attemptID *string, limit, offset int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*Event{}
	for i := len(m.events) - 1; i >= 0; i-- {
		event := m.events[i]
		if attemptID != nil && (event.AttemptID == nil || *event.AttemptID != *attemptID) {
			continue
		}
		if offset > 0 {
			offset--
			continue
		}
		copied := *event
		out = append(out, &copied)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// write must be called with mu held.
func (m *MemoryStore) write(identity resource.Identity, records []resource.Record) {
	m.tables[identity] = records
	m.states[identity] = time.Now()
}

// writeTorn must be called with mu held.
func (m *MemoryStore) writeTorn(table *resource.Table) {
	records := table.Records()
	m.write(table.Identity(), records[:len(records)/2])
}

var (
	_ TableStore = (*SQLiteStore)(nil)
	_ TableStore = (*MemoryStore)(nil)
)
