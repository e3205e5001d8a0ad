package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/appstage/pkg/resource"
	"github.com/openfroyo/appstage/pkg/stores"
)

// mockPayload is what the mock resolver serves for one resource id.
type mockPayload struct {
	version      int
	kind         resource.Kind
	appID        string
	authRef      string
	children     []resource.Record
	requirements *resource.VersionRange
}

// mockResolver serves payloads from memory and counts calls.
type mockResolver struct {
	mu        sync.Mutex
	payloads  map[string]mockPayload
	failures  map[string][]error
	sticky    map[string]error
	calls     map[string]int
	refs      []string
	onResolve func(id string)

	// cache receives the bytes of every successful resolution when set.
	cache PayloadStore
}

func newMockResolver() *mockResolver {
	return &mockResolver{
		payloads: make(map[string]mockPayload),
		failures: make(map[string][]error),
		sticky:   make(map[string]error),
		calls:    make(map[string]int),
	}
}

// serveApp publishes a profile at version with one leaf per entry of resources.
func (m *mockResolver) serveApp(version int, resources map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(resources))
	for id := range resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	children := make([]resource.Record, 0, len(ids))
	for _, id := range ids {
		child := resource.NewRecord(id, resources[id], "mem://"+id)
		child.Kind = resource.KindForm
		children = append(children, child)
		m.payloads[id] = mockPayload{version: resources[id], kind: resource.KindForm}
	}
	m.payloads[resource.ProfileID] = mockPayload{
		version:  version,
		kind:     resource.KindProfile,
		appID:    "app-1",
		children: children,
	}
}

// serveTree publishes a profile at version whose reference graph is tree,
// keyed by parent id with the profile under resource.ProfileID. Every other
// resource is a version 1 form.
func (m *mockResolver) serveTree(version int, tree map[string][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	declare := func(ids []string) []resource.Record {
		out := make([]resource.Record, 0, len(ids))
		for _, id := range ids {
			child := resource.NewRecord(id, 1, "mem://"+id)
			child.Kind = resource.KindForm
			out = append(out, child)
		}
		return out
	}
	for parent, ids := range tree {
		if parent == resource.ProfileID {
			continue
		}
		m.payloads[parent] = mockPayload{version: 1, kind: resource.KindForm, children: declare(ids)}
		for _, id := range ids {
			if _, ok := m.payloads[id]; !ok {
				m.payloads[id] = mockPayload{version: 1, kind: resource.KindForm}
			}
		}
	}
	for _, id := range tree[resource.ProfileID] {
		if _, ok := m.payloads[id]; !ok {
			m.payloads[id] = mockPayload{version: 1, kind: resource.KindForm}
		}
	}
	m.payloads[resource.ProfileID] = mockPayload{
		version:  version,
		kind:     resource.KindProfile,
		appID:    "app-1",
		children: declare(tree[resource.ProfileID]),
	}
}

// failTimes makes the next n resolutions of id fail with err.
func (m *mockResolver) failTimes(id string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.failures[id] = append(m.failures[id], err)
	}
}

// failAlways makes every resolution of id fail with err. A nil err clears it.
func (m *mockResolver) failAlways(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.sticky, id)
		return
	}
	m.sticky[id] = err
}

func (m *mockResolver) setPayload(id string, p mockPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads[id] = p
}

func (m *mockResolver) Resolve(_ context.Context, rec resource.Record) (*Resolution, error) {
	m.mu.Lock()
	m.calls[rec.ID]++
	if rec.ID == resource.ProfileID && len(rec.References) > 0 {
		m.refs = append(m.refs, rec.References[0])
	}
	hook := m.onResolve
	var err error
	if q := m.failures[rec.ID]; len(q) > 0 {
		err = q[0]
		m.failures[rec.ID] = q[1:]
	} else if sticky, ok := m.sticky[rec.ID]; ok {
		err = sticky
	}
	p, ok := m.payloads[rec.ID]
	m.mu.Unlock()

	if hook != nil {
		hook(rec.ID)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NewNotFoundError(rec.ID, errors.New("404 not found"))
	}

	out := rec.Clone()
	out.Version = p.version
	out.Kind = p.kind
	out.AppID = p.appID
	out.AuthReference = p.authRef
	out.Requirements = p.requirements
	out.Digest = fmt.Sprintf("%s-%d", rec.ID, p.version)
	out.Children = nil
	if m.cache != nil {
		if _, err := m.cache.Put(context.Background(), out.ID, out.Version, []byte(out.Digest)); err != nil {
			return nil, NewStorageUnavailableError(out.ID, err)
		}
	}
	children := make([]resource.Record, 0, len(p.children))
	for _, child := range p.children {
		out.Children = append(out.Children, child.ID)
		children = append(children, child.Clone())
	}
	return &Resolution{Record: out, Children: children}, nil
}

// memPayloads is an in-memory PayloadStore whose digest is the payload text.
type memPayloads struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemPayloads() *memPayloads {
	return &memPayloads{data: make(map[string][]byte)}
}

func payloadKey(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}

func (p *memPayloads) Put(_ context.Context, id string, version int, data []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[payloadKey(id, version)] = append([]byte(nil), data...)
	return string(data), nil
}

func (p *memPayloads) Get(_ context.Context, id string, version int, digest string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.data[payloadKey(id, version)]
	if !ok {
		return nil, stores.ErrNotFound
	}
	if digest != "" && string(data) != digest {
		return nil, stores.ErrDigestMismatch
	}
	return data, nil
}

func (p *memPayloads) Has(_ context.Context, id string, version int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.data[payloadKey(id, version)]
	return ok
}

func (p *memPayloads) Delete(_ context.Context, id string, version int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data, payloadKey(id, version))
	return nil
}

// corrupt overwrites the stored bytes so they no longer match any digest.
func (p *memPayloads) corrupt(id string, version int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[payloadKey(id, version)] = []byte("corrupt")
}

func (m *mockResolver) callCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

// childCalls sums the calls for every non-profile resource.
func (m *mockResolver) childCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for id, n := range m.calls {
		if id != resource.ProfileID {
			total += n
		}
	}
	return total
}

func (m *mockResolver) lastProfileRef() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.refs) == 0 {
		return ""
	}
	return m.refs[len(m.refs)-1]
}

// recordingSink collects delivered progress updates.
type recordingSink struct {
	mu      sync.Mutex
	updates []Progress
}

func (s *recordingSink) Update(p Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, p)
}

func (s *recordingSink) all() []Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Progress(nil), s.updates...)
}

// mockMetrics counts calls by name.
type mockMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{counts: make(map[string]int)}
}

func (m *mockMetrics) inc(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[name]++
}

func (m *mockMetrics) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

func (m *mockMetrics) RecordAttemptStarted(string) { m.inc("attempt_started") }
func (m *mockMetrics) RecordAttemptCompleted(_, outcome string, _ time.Duration) {
	m.inc("outcome_" + outcome)
}
func (m *mockMetrics) RecordResolution(string, time.Duration)  { m.inc("resolution") }
func (m *mockMetrics) RecordReuse(source string)               { m.inc("reuse_" + source) }
func (m *mockMetrics) RecordError(string, string)              { m.inc("error") }
func (m *mockMetrics) RecordCommit(time.Duration, error)       { m.inc("commit") }
func (m *mockMetrics) RecordRecovery(action string)            { m.inc("recovery_" + action) }
func (m *mockMetrics) SetTableRecords(string, string, float64) {}

// testOptions are the options every engine test uses.
func testOptions(extra ...Option) []Option {
	opts := []Option{
		WithLogger(zerolog.Nop()),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3}),
	}
	return append(opts, extra...)
}

func setupTestUpgrader(t *testing.T, store stores.TableStore, res Resolver, extra ...Option) *Upgrader {
	t.Helper()

	cfg := DefaultUpgraderConfig()
	cfg.ProgressInterval = 0
	return NewUpgrader(store, res, cfg, testOptions(extra...)...)
}

func loadTable(t *testing.T, store stores.TableStore, identity resource.Identity) *resource.Table {
	t.Helper()

	table, err := store.Load(context.Background(), identity)
	if err != nil {
		t.Fatalf("failed to load %s table: %v", identity, err)
	}
	return table
}

func installedTable(identity resource.Identity, versions map[string]int) *resource.Table {
	ids := make([]string, 0, len(versions))
	for id := range versions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	table := resource.NewTable(identity)
	for _, id := range ids {
		rec := resource.NewRecord(id, versions[id], "mem://"+id)
		rec.Status = resource.StatusInstalled
		rec.Digest = fmt.Sprintf("%s-%d", id, versions[id])
		table.AddOrUpdate(rec)
	}
	return table
}

func mustOutcome(t *testing.T, out Outcome, err error, want OutcomeKind) Outcome {
	t.Helper()

	if err != nil {
		t.Fatalf("unexpected scheduling error: %v", err)
	}
	if out.Kind != want {
		t.Fatalf("outcome = %s, want %s", out, want)
	}
	return out
}
