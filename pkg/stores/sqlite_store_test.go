package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/openfroyo/appstage/pkg/resource"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRecord(id string, version int, status resource.Status) resource.Record {
	rec := resource.NewRecord(id, version, "http://example.test/"+id)
	rec.Status = status
	return rec
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "appstage.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	// A second run finds nothing to apply.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"resource_records", "table_state", "swap_state", "metadata", "install_events"}
	for _, table := range tables {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestTableSaveAndLoad(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	profile := testRecord(resource.ProfileID, 3, resource.StatusInstalled)
	profile.Kind = resource.KindProfile
	profile.AppID = "app-123"
	profile.Children = []string{"suite"}
	profile.Requirements = &resource.VersionRange{Code: "platform", Min: "2.0.0", Max: "2.99.0"}

	table := resource.NewTableFrom(resource.IdentityGlobal, []resource.Record{
		profile,
		testRecord("suite", 3, resource.StatusInstalled),
		testRecord("form-a", 1, resource.StatusInstalled),
	})

	if err := store.Save(ctx, table); err != nil {
		t.Fatalf("failed to save table: %v", err)
	}

	loaded, err := store.Load(ctx, resource.IdentityGlobal)
	if err != nil {
		t.Fatalf("failed to load table: %v", err)
	}
	if !loaded.Equal(table) {
		t.Fatalf("loaded table differs from saved table")
	}

	records := loaded.Records()
	if records[0].ID != resource.ProfileID || records[2].ID != "form-a" {
		t.Errorf("order not preserved: %s ... %s", records[0].ID, records[2].ID)
	}
	got := records[0]
	if got.AppID != "app-123" || got.Kind != resource.KindProfile {
		t.Errorf("profile metadata lost: %+v", got)
	}
	if got.Requirements == nil || got.Requirements.Max != "2.99.0" {
		t.Errorf("requirements lost: %+v", got.Requirements)
	}
	if len(got.Children) != 1 || got.Children[0] != "suite" {
		t.Errorf("children lost: %v", got.Children)
	}

	other, err := store.Load(ctx, resource.IdentityUpgrade)
	if err != nil {
		t.Fatalf("failed to load upgrade table: %v", err)
	}
	if !other.IsEmpty() {
		t.Errorf("upgrade table should be empty, has %d", other.Len())
	}

	// Saving a smaller table replaces the contents.
	table.Remove("form-a")
	if err := store.Save(ctx, table); err != nil {
		t.Fatalf("failed to save table: %v", err)
	}
	state, err := store.State(ctx, resource.IdentityGlobal)
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if state.Records != 2 || state.Readiness != resource.ReadinessUpgradeReady {
		t.Errorf("state = %+v", state)
	}
}

func TestSaveRecordKeepsPosition(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := store.SaveRecord(ctx, resource.IdentityUpgrade, testRecord(id, 1, resource.StatusPending)); err != nil {
			t.Fatalf("SaveRecord(%s) failed: %v", id, err)
		}
	}

	state, err := store.State(ctx, resource.IdentityUpgrade)
	if err != nil {
		t.Fatal(err)
	}
	if state.Readiness != resource.ReadinessPartial {
		t.Errorf("readiness = %s, want partial", state.Readiness)
	}

	for _, id := range []string{"a", "b", "c"} {
		if err := store.SaveRecord(ctx, resource.IdentityUpgrade, testRecord(id, 1, resource.StatusInstalled)); err != nil {
			t.Fatal(err)
		}
	}

	loaded, err := store.Load(ctx, resource.IdentityUpgrade)
	if err != nil {
		t.Fatal(err)
	}
	records := loaded.Records()
	if len(records) != 3 || records[0].ID != "a" || records[1].ID != "b" || records[2].ID != "c" {
		t.Fatalf("unexpected records: %+v", records)
	}
	if loaded.Readiness() != resource.ReadinessUpgradeReady {
		t.Errorf("readiness = %s", loaded.Readiness())
	}

	bad := testRecord("", 1, resource.StatusPending)
	if err := store.SaveRecord(ctx, resource.IdentityUpgrade, bad); err == nil {
		t.Error("expected validation error for empty id")
	}
}

func TestClearAndExists(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	exists, err := store.Exists(ctx, resource.IdentityRecovery)
	if err != nil || exists {
		t.Fatalf("Exists = %v, %v before save", exists, err)
	}

	table := resource.NewTableFrom(resource.IdentityRecovery, []resource.Record{testRecord("a", 1, resource.StatusInstalled)})
	if err := store.Save(ctx, table); err != nil {
		t.Fatal(err)
	}
	exists, _ = store.Exists(ctx, resource.IdentityRecovery)
	if !exists {
		t.Fatal("table should exist after save")
	}

	if err := store.Clear(ctx, resource.IdentityRecovery); err != nil {
		t.Fatal(err)
	}
	if err := store.Clear(ctx, resource.IdentityRecovery); err != nil {
		t.Fatalf("clear should be idempotent: %v", err)
	}
	exists, _ = store.Exists(ctx, resource.IdentityRecovery)
	if exists {
		t.Error("table should not exist after clear")
	}

	if err := store.Clear(ctx, resource.Identity("bogus")); err == nil {
		t.Error("expected error for invalid identity")
	}
}

func TestSwapMarker(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	pending, err := store.SwapPending(ctx)
	if err != nil || pending {
		t.Fatalf("SwapPending = %v, %v initially", pending, err)
	}

	recovery := resource.NewTableFrom(resource.IdentityRecovery, []resource.Record{testRecord("a", 1, resource.StatusInstalled)})
	global := resource.NewTableFrom(resource.IdentityGlobal, []resource.Record{testRecord("a", 2, resource.StatusInstalled)})

	if err := store.BeginSwap(ctx, global); err == nil {
		t.Fatal("BeginSwap must reject a non-recovery table")
	}
	if err := store.BeginSwap(ctx, recovery); err != nil {
		t.Fatalf("BeginSwap failed: %v", err)
	}
	pending, _ = store.SwapPending(ctx)
	if !pending {
		t.Fatal("marker should be raised")
	}
	saved, _ := store.Load(ctx, resource.IdentityRecovery)
	if !saved.Equal(recovery) {
		t.Error("recovery table not persisted with the marker")
	}

	if err := store.CompleteSwap(ctx, recovery); err == nil {
		t.Fatal("CompleteSwap must reject a non-global table")
	}
	if err := store.CompleteSwap(ctx, global); err != nil {
		t.Fatalf("CompleteSwap failed: %v", err)
	}
	pending, _ = store.SwapPending(ctx)
	if pending {
		t.Fatal("marker should be lowered")
	}
	loaded, _ := store.Load(ctx, resource.IdentityGlobal)
	if !loaded.Equal(global) {
		t.Error("global table not persisted")
	}

	if err := store.BeginSwap(ctx, recovery); err != nil {
		t.Fatal(err)
	}
	if err := store.AbortSwap(ctx); err != nil {
		t.Fatal(err)
	}
	pending, _ = store.SwapPending(ctx)
	if pending {
		t.Error("AbortSwap should lower the marker")
	}
}

func TestSwapIsAtomicOnInvalidRecord(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	original := resource.NewTableFrom(resource.IdentityGlobal, []resource.Record{testRecord("a", 1, resource.StatusInstalled)})
	if err := store.Save(ctx, original); err != nil {
		t.Fatal(err)
	}
	if err := store.BeginSwap(ctx, resource.NewTable(resource.IdentityRecovery)); err != nil {
		t.Fatal(err)
	}

	broken := resource.NewTableFrom(resource.IdentityGlobal, []resource.Record{
		testRecord("b", 2, resource.StatusInstalled),
		{ID: "c", Version: 1, Status: resource.Status("bogus")},
	})
	if err := store.CompleteSwap(ctx, broken); err == nil {
		t.Fatal("expected CompleteSwap to fail")
	}

	loaded, _ := store.Load(ctx, resource.IdentityGlobal)
	if !loaded.Equal(original) {
		t.Error("failed swap must leave the global table untouched")
	}
	pending, _ := store.SwapPending(ctx)
	if !pending {
		t.Error("failed swap must leave the marker raised")
	}
}

func TestMetadata(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.GetMeta(ctx, MetaLastInstall); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.SetMeta(ctx, MetaLastInstall, "100"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetMeta(ctx, MetaLastInstall, "200"); err != nil {
		t.Fatal(err)
	}
	value, err := store.GetMeta(ctx, MetaLastInstall)
	if err != nil || value != "200" {
		t.Errorf("GetMeta = %q, %v", value, err)
	}
}

func TestEventJournal(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	attempt := "attempt-1"
	other := "attempt-2"
	for i, id := range []*string{&attempt, &attempt, &other, nil} {
		event := &Event{
			AttemptID: id,
			Level:     EventLevelInfo,
			Kind:      "staging.progress",
			Message:   "resolved",
		}
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
		if event.ID == 0 {
			t.Errorf("event %d has no id", i)
		}
	}

	all, err := store.ListEvents(ctx, nil, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d events, want 4", len(all))
	}
	if all[0].ID < all[1].ID {
		t.Error("events should be newest first")
	}

	filtered, err := store.ListEvents(ctx, &attempt, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 2 {
		t.Errorf("got %d events for attempt, want 2", len(filtered))
	}

	page, _ := store.ListEvents(ctx, nil, 1, 1)
	if len(page) != 1 || page[0].ID != all[1].ID {
		t.Errorf("pagination returned %+v", page)
	}
}

func TestReadOnlyDatabaseIsStorageUnavailable(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// The in-memory store runs on a single connection, so the pragma
	// applies to every later write.
	if _, err := store.db.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		t.Fatal(err)
	}

	err := store.SaveRecord(ctx, resource.IdentityUpgrade, testRecord("logo", 1, resource.StatusPending))
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("SaveRecord: expected ErrStorageUnavailable, got %v", err)
	}
	if err := store.SetMeta(ctx, MetaStagingStarted, "1"); !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("SetMeta: expected ErrStorageUnavailable, got %v", err)
	}
	if err := store.BeginSwap(ctx, resource.NewTable(resource.IdentityRecovery)); !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("BeginSwap: expected ErrStorageUnavailable, got %v", err)
	}
}

func TestClassifySQLiteErrorKeepsOtherFailures(t *testing.T) {
	other := errors.New("constraint failed")
	if err := classifySQLiteError(other); errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("unrelated error classified as storage failure: %v", err)
	}
}
