package resource

import (
	"fmt"
	"sync"

	"github.com/tiendc/go-deepcopy"
)

// Table is a keyed collection of records with a stable iteration order.
// It is safe for concurrent use.
type Table struct {
	identity Identity

	mu      sync.RWMutex
	records map[string]Record
	order   []string
}

// NewTable creates an empty table with the given identity.
func NewTable(identity Identity) *Table {
	return &Table{
		identity: identity,
		records:  make(map[string]Record),
	}
}

// NewTableFrom creates a table holding the given records in order.
// Duplicate ids follow AddOrUpdate semantics.
func NewTableFrom(identity Identity, records []Record) *Table {
	t := NewTable(identity)
	for _, rec := range records {
		t.AddOrUpdate(rec)
	}
	return t
}

// Identity returns the table identity.
func (t *Table) Identity() Identity {
	return t.identity
}

// AddOrUpdate inserts rec, or replaces the stored record with the same id
// when rec.Version is strictly greater. It returns true if the table changed.
func (t *Table) AddOrUpdate(rec Record) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.records[rec.ID]
	if !ok {
		t.records[rec.ID] = rec.Clone()
		t.order = append(t.order, rec.ID)
		return true
	}
	if !rec.IsNewer(current) {
		return false
	}
	t.records[rec.ID] = rec.Clone()
	return true
}

// ResourceWithID returns the record stored under id.
func (t *Table) ResourceWithID(id string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// Profile returns the application profile record, if present.
func (t *Table) Profile() (Record, bool) {
	return t.ResourceWithID(ProfileID)
}

// SetStatus moves the record with the given id to status.
// Illegal transitions return a *StateViolationError and change nothing.
func (t *Table) SetStatus(id string, status Status) error {
	if err := status.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return fmt.Errorf("set status %s on %s table: %w: %s", status, t.identity, ErrRecordNotFound, id)
	}
	if !rec.Status.CanTransitionTo(status) {
		sv := &StateViolationError{Table: t.identity, ID: id, From: rec.Status, To: status}
		if rec.Status == StatusInstalled && status == StatusUpgrade {
			sv.Reason = "requires a newer record from another table"
		}
		return sv
	}
	rec.Status = status
	t.records[id] = rec
	return nil
}

// MarkUpgrade moves an INSTALLED record to UPGRADE because newer, held by
// the table identified by from, supersedes it.
func (t *Table) MarkUpgrade(id string, newer Record, from Identity) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return fmt.Errorf("mark upgrade on %s table: %w: %s", t.identity, ErrRecordNotFound, id)
	}
	violation := func(reason string) error {
		return &StateViolationError{Table: t.identity, ID: id, From: rec.Status, To: StatusUpgrade, Reason: reason}
	}
	switch {
	case rec.Status == StatusUpgrade:
		return nil
	case rec.Status != StatusInstalled:
		return violation("only installed records can be superseded")
	case from == t.identity:
		return violation("superseding record must come from a different table")
	case newer.ID != id:
		return violation(fmt.Sprintf("superseding record has id %s", newer.ID))
	case !newer.IsNewer(rec):
		return violation(fmt.Sprintf("version %d is not newer than %d", newer.Version, rec.Version))
	}
	rec.Status = StatusUpgrade
	t.records[id] = rec
	return nil
}

// Refresh replaces the metadata of the stored record with the same id and
// version. Status and version are left untouched.
func (t *Table) Refresh(rec Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.records[rec.ID]
	if !ok {
		return fmt.Errorf("refresh on %s table: %w: %s", t.identity, ErrRecordNotFound, rec.ID)
	}
	if current.Version != rec.Version {
		return &StateViolationError{
			Table:  t.identity,
			ID:     rec.ID,
			From:   current.Status,
			To:     current.Status,
			Reason: fmt.Sprintf("refresh with version %d over stored version %d", rec.Version, current.Version),
		}
	}
	updated := rec.Clone()
	updated.Status = current.Status
	t.records[rec.ID] = updated
	return nil
}

// Remove drops the record with the given id. It returns false if absent.
func (t *Table) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[id]; !ok {
		return false
	}
	delete(t.records, id)
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// Readiness scans the records and reports the table readiness.
func (t *Table) Readiness() Readiness {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.records) == 0 {
		return ReadinessNone
	}
	for _, rec := range t.records {
		if !rec.Status.IsTerminal() {
			return ReadinessPartial
		}
	}
	return ReadinessUpgradeReady
}

// Destroy removes every record. It is idempotent.
func (t *Table) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = make(map[string]Record)
	t.order = nil
}

// Len returns the number of records.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// IsEmpty reports whether the table holds no records.
func (t *Table) IsEmpty() bool {
	return t.Len() == 0
}

// Records returns a copy of every record in iteration order.
func (t *Table) Records() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Record, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.records[id].Clone())
	}
	return out
}

// WithStatus returns the records in the given status, in iteration order.
func (t *Table) WithStatus(status Status) []Record {
	var out []Record
	for _, rec := range t.Records() {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out
}

// Installed returns the INSTALLED records in iteration order.
func (t *Table) Installed() []Record {
	return t.WithStatus(StatusInstalled)
}

// IsConsistentLive reports whether the table could serve as a live set:
// it is non-empty and every record is INSTALLED.
func (t *Table) IsConsistentLive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.records) == 0 {
		return false
	}
	for _, rec := range t.records {
		if rec.Status != StatusInstalled {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the table under another identity.
func (t *Table) Clone(identity Identity) (*Table, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := NewTable(identity)
	if err := deepcopy.Copy(&out.records, &t.records); err != nil {
		return nil, fmt.Errorf("failed to copy %s table: %w", t.identity, err)
	}
	out.order = append([]string(nil), t.order...)
	return out, nil
}

// ReplaceWith discards the current records and copies in the given records.
func (t *Table) ReplaceWith(records []Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = make(map[string]Record, len(records))
	t.order = make([]string, 0, len(records))
	for _, rec := range records {
		if _, dup := t.records[rec.ID]; !dup {
			t.order = append(t.order, rec.ID)
		}
		t.records[rec.ID] = rec.Clone()
	}
}

// Equal reports whether both tables hold the same ids, versions and statuses.
func (t *Table) Equal(other *Table) bool {
	a, b := t.Records(), other.Records()
	if len(a) != len(b) {
		return false
	}
	byID := make(map[string]Record, len(b))
	for _, rec := range b {
		byID[rec.ID] = rec
	}
	for _, rec := range a {
		o, ok := byID[rec.ID]
		if !ok || o.Version != rec.Version || o.Status != rec.Status {
			return false
		}
	}
	return true
}
