package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/openfroyo/appstage/pkg/resource"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the TableStore interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the numbered one-way schema steps.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// beginTx starts a serializable transaction
func (s *SQLiteStore) beginTx(ctx context.Context) (*sql.Tx, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// withTx runs fn inside a transaction and commits it. A device that
// cannot take the write is reported as ErrStorageUnavailable.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classifySQLiteError(err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return classifySQLiteError(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classifySQLiteError(err))
	}
	return nil
}

// classifySQLiteError maps full, read-only and I/O failures of the
// database file to ErrStorageUnavailable.
func classifySQLiteError(err error) error {
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		// Extended result codes keep the primary code in the low byte.
		switch se.Code() & 0xff {
		case sqlitelib.SQLITE_FULL, sqlitelib.SQLITE_READONLY, sqlitelib.SQLITE_IOERR,
			sqlitelib.SQLITE_CANTOPEN, sqlitelib.SQLITE_PERM:
			return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
	}
	return classifyWriteError(err)
}

// Load reads a table by identity. A table never saved loads empty.
func (s *SQLiteStore) Load(ctx context.Context, identity resource.Identity) (*resource.Table, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}

	query := `
		SELECT id, version, status, kind, refs, requirements, children, digest, app_id, auth_reference
		FROM resource_records
		WHERE table_name = ?
		ORDER BY position ASC
	`

	rows, err := s.db.QueryContext(ctx, query, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s table: %w", identity, err)
	}
	defer rows.Close()

	records := []resource.Record{}
	for rows.Next() {
		var (
			rec          resource.Record
			refs         string
			requirements sql.NullString
			children     string
		)
		err := rows.Scan(
			&rec.ID,
			&rec.Version,
			&rec.Status,
			&rec.Kind,
			&refs,
			&requirements,
			&children,
			&rec.Digest,
			&rec.AppID,
			&rec.AuthReference,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(refs), &rec.References); err != nil {
			return nil, fmt.Errorf("failed to decode references of %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(children), &rec.Children); err != nil {
			return nil, fmt.Errorf("failed to decode children of %s: %w", rec.ID, err)
		}
		if requirements.Valid {
			rec.Requirements = &resource.VersionRange{}
			if err := json.Unmarshal([]byte(requirements.String), rec.Requirements); err != nil {
				return nil, fmt.Errorf("failed to decode requirements of %s: %w", rec.ID, err)
			}
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	table := resource.NewTable(identity)
	table.ReplaceWith(records)
	return table, nil
}

// Save replaces the persisted contents of the table in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, table *resource.Table) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return saveTable(ctx, tx, table)
	})
}

// SaveRecord upserts a single record, keeping its position if it exists.
func (s *SQLiteStore) SaveRecord(ctx context.Context, identity resource.Identity, rec resource.Record) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var position int
		err := tx.QueryRowContext(ctx,
			`SELECT position FROM resource_records WHERE table_name = ? AND id = ?`,
			identity, rec.ID,
		).Scan(&position)
		if errors.Is(err, sql.ErrNoRows) {
			err = tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(position) + 1, 0) FROM resource_records WHERE table_name = ?`,
				identity,
			).Scan(&position)
		}
		if err != nil {
			return fmt.Errorf("failed to resolve record position: %w", err)
		}

		if err := upsertRecord(ctx, tx, identity, position, rec); err != nil {
			return err
		}
		return refreshTableState(ctx, tx, identity)
	})
}

// Clear removes every record of the table and its state row.
func (s *SQLiteStore) Clear(ctx context.Context, identity resource.Identity) error {
	if err := identity.Validate(); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		return clearTable(ctx, tx, identity)
	})
}

// Exists reports whether the table has been saved and not cleared since.
func (s *SQLiteStore) Exists(ctx context.Context, identity resource.Identity) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM table_state WHERE table_name = ?`, identity,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check %s table: %w", identity, err)
	}
	return count > 0, nil
}

// State returns the persisted summary of a table.
func (s *SQLiteStore) State(ctx context.Context, identity resource.Identity) (*TableState, error) {
	state := &TableState{Identity: identity, Readiness: resource.ReadinessNone}

	err := s.db.QueryRowContext(ctx,
		`SELECT readiness, updated_at FROM table_state WHERE table_name = ?`, identity,
	).Scan(&state.Readiness, &state.UpdatedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get %s table state: %w", identity, err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM resource_records WHERE table_name = ?`, identity,
	).Scan(&state.Records)
	if err != nil {
		return nil, fmt.Errorf("failed to count %s records: %w", identity, err)
	}

	return state, nil
}

// BeginSwap persists the recovery table and raises the swap marker.
func (s *SQLiteStore) BeginSwap(ctx context.Context, recovery *resource.Table) error {
	if recovery.Identity() != resource.IdentityRecovery {
		return fmt.Errorf("begin swap requires the recovery table, got %s", recovery.Identity())
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := saveTable(ctx, tx, recovery); err != nil {
			return err
		}
		return setSwapPending(ctx, tx, true)
	})
}

// CompleteSwap persists the global table and lowers the swap marker.
func (s *SQLiteStore) CompleteSwap(ctx context.Context, global *resource.Table) error {
	if global.Identity() != resource.IdentityGlobal {
		return fmt.Errorf("complete swap requires the global table, got %s", global.Identity())
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := saveTable(ctx, tx, global); err != nil {
			return err
		}
		return setSwapPending(ctx, tx, false)
	})
}

// AbortSwap lowers the swap marker without touching any table.
func (s *SQLiteStore) AbortSwap(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return setSwapPending(ctx, tx, false)
	})
}

// SwapPending reports whether a swap was started and not completed.
func (s *SQLiteStore) SwapPending(ctx context.Context) (bool, error) {
	var pending int
	err := s.db.QueryRowContext(ctx, `SELECT pending FROM swap_state WHERE id = 1`).Scan(&pending)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read swap marker: %w", err)
	}
	return pending != 0, nil
}

// GetMeta reads a metadata value.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("metadata %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get metadata: %w", err)
	}
	return value, nil
}

// SetMeta writes a metadata value.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO metadata (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set metadata: %w", classifySQLiteError(err))
	}
	return nil
}

// AppendEvent appends an install journal entry
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO install_events (attempt_id, level, kind, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.AttemptID,
		event.Level,
		event.Kind,
		event.Message,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// ListEvents returns journal entries, newest first
func (s *SQLiteStore) ListEvents(ctx context.Context, attemptID *string, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, attempt_id, level, kind, message, details, timestamp
		FROM install_events
		WHERE (? IS NULL OR attempt_id = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, attemptID, attemptID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.AttemptID,
			&event.Level,
			&event.Kind,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies database connectivity
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func saveTable(ctx context.Context, tx *sql.Tx, table *resource.Table) error {
	identity := table.Identity()
	if err := identity.Validate(); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM resource_records WHERE table_name = ?`, identity); err != nil {
		return fmt.Errorf("failed to clear %s records: %w", identity, err)
	}

	for position, rec := range table.Records() {
		if err := rec.Validate(); err != nil {
			return err
		}
		if err := upsertRecord(ctx, tx, identity, position, rec); err != nil {
			return err
		}
	}

	return refreshTableState(ctx, tx, identity)
}

func clearTable(ctx context.Context, tx *sql.Tx, identity resource.Identity) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM resource_records WHERE table_name = ?`, identity); err != nil {
		return fmt.Errorf("failed to clear %s records: %w", identity, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM table_state WHERE table_name = ?`, identity); err != nil {
		return fmt.Errorf("failed to clear %s state: %w", identity, err)
	}
	return nil
}

func upsertRecord(ctx context.Context, tx *sql.Tx, identity resource.Identity, position int, rec resource.Record) error {
	refs, err := json.Marshal(nonNil(rec.References))
	if err != nil {
		return fmt.Errorf("failed to encode references: %w", err)
	}
	children, err := json.Marshal(nonNil(rec.Children))
	if err != nil {
		return fmt.Errorf("failed to encode children: %w", err)
	}
	var requirements *string
	if rec.Requirements != nil {
		data, err := json.Marshal(rec.Requirements)
		if err != nil {
			return fmt.Errorf("failed to encode requirements: %w", err)
		}
		str := string(data)
		requirements = &str
	}

	query := `
		INSERT INTO resource_records (
			table_name, id, position, version, status, kind, refs, requirements,
			children, digest, app_id, auth_reference, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_name, id) DO UPDATE SET
			position = excluded.position,
			version = excluded.version,
			status = excluded.status,
			kind = excluded.kind,
			refs = excluded.refs,
			requirements = excluded.requirements,
			children = excluded.children,
			digest = excluded.digest,
			app_id = excluded.app_id,
			auth_reference = excluded.auth_reference,
			updated_at = excluded.updated_at
	`

	kind := rec.Kind
	if kind == "" {
		kind = resource.KindOther
	}

	_, err = tx.ExecContext(ctx, query,
		identity,
		rec.ID,
		position,
		rec.Version,
		rec.Status,
		kind,
		string(refs),
		requirements,
		string(children),
		rec.Digest,
		rec.AppID,
		rec.AuthReference,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save record %s: %w", rec.ID, err)
	}
	return nil
}

// refreshTableState recomputes readiness from the persisted statuses.
func refreshTableState(ctx context.Context, tx *sql.Tx, identity resource.Identity) error {
	var total, unresolved int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status IN ('installed', 'deleted') THEN 0 ELSE 1 END), 0)
		FROM resource_records
		WHERE table_name = ?
	`, identity).Scan(&total, &unresolved)
	if err != nil {
		return fmt.Errorf("failed to compute %s readiness: %w", identity, err)
	}

	readiness := resource.ReadinessUpgradeReady
	switch {
	case total == 0:
		readiness = resource.ReadinessNone
	case unresolved > 0:
		readiness = resource.ReadinessPartial
	}

	query := `
		INSERT INTO table_state (table_name, readiness, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (table_name) DO UPDATE SET readiness = excluded.readiness, updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, query, identity, readiness, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to update %s state: %w", identity, err)
	}
	return nil
}

func setSwapPending(ctx context.Context, tx *sql.Tx, pending bool) error {
	var (
		flag      int
		startedAt *time.Time
	)
	if pending {
		flag = 1
		now := time.Now().UTC()
		startedAt = &now
	}

	query := `
		INSERT INTO swap_state (id, pending, started_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET pending = excluded.pending, started_at = excluded.started_at
	`
	if _, err := tx.ExecContext(ctx, query, flag, startedAt); err != nil {
		return fmt.Errorf("failed to update swap marker: %w", err)
	}
	return nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
