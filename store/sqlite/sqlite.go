/*
Package sqlite provides a SQLite-backed implementation of the ledger stores.

PURPOSE:
  Durable local cache of the remote system of record. Implements
  ledger.EventStore and ledger.RunStore so the service survives restarts
  with its last confirmed view, and reconciles from there.

INTERFACES IMPLEMENTED:
  ledger.EventStore: Users, rewards, activities, redemptions
  ledger.RunStore:   Reconciliation run history

APPEND-ONLY ENFORCEMENT:
  - Activities: INSERT only
  - Redemptions: INSERT, plus UPDATE of status alone
  - Replace() is the only statement that deletes, inside one transaction

KEY TABLES:
  users, rewards:  Catalogs, ordered by position (load order)
  activities:      Immutable point grants
  redemptions:     Point debits with status
  reconcile_runs:  One row per reconciliation

CONCURRENCY:
  Uses sync.RWMutex for thread-safety on top of a single connection.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

MIGRATION:
  Versioned SQL files under migrations/ are embedded and applied with goose
  on New().

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store, syncer)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/warp/points-ledger/ledger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrDuplicate is returned when appending an event whose id already exists.
var ErrDuplicate = errors.New("duplicate id")

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements the ledger stores using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ ledger.EventStore = (*Store)(nil)
	_ ledger.RunStore   = (*Store)(nil)
)

// New creates a new SQLite store with the given database path and applies
// migrations. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an already migrated database.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// CATALOGS
// =============================================================================

func (s *Store) Users(ctx context.Context) ([]ledger.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listUsers(ctx)
}

func (s *Store) listUsers(ctx context.Context) ([]ledger.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, email, role, points FROM users ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []ledger.User
	for rows.Next() {
		var u ledger.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.Points); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) User(ctx context.Context, id ledger.UserID) (ledger.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u ledger.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, role, points FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.Points)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.User{}, &ledger.NotFoundError{Entity: "user", ID: string(id)}
	}
	if err != nil {
		return ledger.User{}, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

func (s *Store) Rewards(ctx context.Context) ([]ledger.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listRewards(ctx)
}

func (s *Store) listRewards(ctx context.Context) ([]ledger.Reward, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, description, point_cost, available, image_url FROM rewards ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rewards: %w", err)
	}
	defer rows.Close()

	var rewards []ledger.Reward
	for rows.Next() {
		var r ledger.Reward
		if err := rows.Scan(&r.ID, &r.Title, &r.Description, &r.PointCost, &r.Available, &r.ImageURL); err != nil {
			return nil, fmt.Errorf("failed to scan reward: %w", err)
		}
		rewards = append(rewards, r)
	}
	return rewards, rows.Err()
}

func (s *Store) Reward(ctx context.Context, id ledger.RewardID) (ledger.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r ledger.Reward
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, point_cost, available, image_url FROM rewards WHERE id = ?`, id,
	).Scan(&r.ID, &r.Title, &r.Description, &r.PointCost, &r.Available, &r.ImageURL)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Reward{}, &ledger.NotFoundError{Entity: "reward", ID: string(id)}
	}
	if err != nil {
		return ledger.Reward{}, fmt.Errorf("failed to get reward: %w", err)
	}
	return r, nil
}

// SetUserPoints updates the cached balance of a user.
func (s *Store) SetUserPoints(ctx context.Context, id ledger.UserID, points ledger.Points) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE users SET points = ? WHERE id = ?`, points, id)
	if err != nil {
		return fmt.Errorf("failed to update user points: %w", err)
	}
	return requireRow(res, "user", string(id))
}

// =============================================================================
// EVENTS
// =============================================================================

func (s *Store) Activities(ctx context.Context) ([]ledger.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listActivities(ctx)
}

func (s *Store) listActivities(ctx context.Context) ([]ledger.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, description, points, timestamp, status
		FROM activities
		ORDER BY timestamp ASC, seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	var acts []ledger.Activity
	for rows.Next() {
		var (
			a  ledger.Activity
			ts string
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.Title, &a.Description, &a.Points, &ts, &a.Status); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		if a.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		acts = append(acts, a)
	}
	return acts, rows.Err()
}

func (s *Store) Redemptions(ctx context.Context) ([]ledger.Redemption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listRedemptions(ctx)
}

func (s *Store) listRedemptions(ctx context.Context) ([]ledger.Redemption, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, reward_id, timestamp, status
		FROM redemptions
		ORDER BY timestamp ASC, seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query redemptions: %w", err)
	}
	defer rows.Close()

	var reds []ledger.Redemption
	for rows.Next() {
		r, err := scanRedemption(rows)
		if err != nil {
			return nil, err
		}
		reds = append(reds, r)
	}
	return reds, rows.Err()
}

func (s *Store) Redemption(ctx context.Context, id ledger.RedemptionID) (ledger.Redemption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := scanRedemption(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, reward_id, timestamp, status FROM redemptions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Redemption{}, &ledger.NotFoundError{Entity: "redemption", ID: string(id)}
	}
	return r, err
}

func scanRedemption(row interface{ Scan(dest ...any) error }) (ledger.Redemption, error) {
	var (
		r  ledger.Redemption
		ts string
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.RewardID, &ts, &r.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan redemption: %w", err)
	}
	t, err := parseTime(ts)
	r.Timestamp = t
	return r, err
}

// AppendActivity adds a confirmed activity. Append-only.
func (s *Store) AppendActivity(ctx context.Context, a ledger.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertActivity(ctx, s.db, a)
}

func insertActivity(ctx context.Context, db execer, a ledger.Activity) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO activities (id, user_id, title, description, points, timestamp, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, a.Title, a.Description, a.Points, formatTime(a.Timestamp), a.Status)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("activity %s: %w", a.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to append activity: %w", err)
	}
	return nil
}

// AppendRedemption adds a confirmed redemption. Append-only.
func (s *Store) AppendRedemption(ctx context.Context, r ledger.Redemption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertRedemption(ctx, s.db, r)
}

func insertRedemption(ctx context.Context, db execer, r ledger.Redemption) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO redemptions (id, user_id, reward_id, timestamp, status)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.UserID, r.RewardID, formatTime(r.Timestamp), r.Status)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("redemption %s: %w", r.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to append redemption: %w", err)
	}
	return nil
}

// SetRedemptionStatus changes only the status column.
func (s *Store) SetRedemptionStatus(ctx context.Context, id ledger.RedemptionID, status ledger.RedemptionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE redemptions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update redemption status: %w", err)
	}
	return requireRow(res, "redemption", string(id))
}

// =============================================================================
// SNAPSHOT / REPLACE
// =============================================================================

// Snapshot reads all four collections under one read lock.
func (s *Store) Snapshot(ctx context.Context) (ledger.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		snap ledger.Snapshot
		err  error
	)
	if snap.Users, err = s.listUsers(ctx); err != nil {
		return ledger.Snapshot{}, err
	}
	if snap.Rewards, err = s.listRewards(ctx); err != nil {
		return ledger.Snapshot{}, err
	}
	if snap.Activities, err = s.listActivities(ctx); err != nil {
		return ledger.Snapshot{}, err
	}
	if snap.Redemptions, err = s.listRedemptions(ctx); err != nil {
		return ledger.Snapshot{}, err
	}
	return snap, nil
}

// Replace atomically swaps the full state.
func (s *Store) Replace(ctx context.Context, snap ledger.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"users", "rewards", "activities", "redemptions"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for i, u := range snap.Users {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, name, email, role, points, position) VALUES (?, ?, ?, ?, ?, ?)
		`, u.ID, u.Name, u.Email, u.Role, u.Points, i); err != nil {
			return fmt.Errorf("failed to insert user %s: %w", u.ID, err)
		}
	}
	for i, r := range snap.Rewards {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rewards (id, title, description, point_cost, available, image_url, position)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, r.ID, r.Title, r.Description, r.PointCost, r.Available, r.ImageURL, i); err != nil {
			return fmt.Errorf("failed to insert reward %s: %w", r.ID, err)
		}
	}
	for _, a := range snap.Activities {
		if err := insertActivity(ctx, tx, a); err != nil {
			return err
		}
	}
	for _, r := range snap.Redemptions {
		if err := insertRedemption(ctx, tx, r); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit replace: %w", err)
	}
	return nil
}

// =============================================================================
// RECONCILE RUNS (ledger.RunStore interface)
// =============================================================================

// SaveReconcileRun saves a reconciliation run.
func (s *Store) SaveReconcileRun(ctx context.Context, run ledger.ReconcileRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	divergence, err := json.Marshal(run.Divergence)
	if err != nil {
		return fmt.Errorf("failed to encode divergence: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reconcile_runs (id, run_trigger, status, divergence_json, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			divergence_json = excluded.divergence_json,
			error = excluded.error,
			completed_at = excluded.completed_at
	`, run.ID, run.Trigger, run.Status, string(divergence), run.Error,
		formatTime(run.StartedAt), formatTime(run.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to save reconcile run: %w", err)
	}
	return nil
}

// ReconcileRuns returns up to limit runs, newest first. limit <= 0 returns all.
func (s *Store) ReconcileRuns(ctx context.Context, limit int) ([]ledger.ReconcileRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_trigger, status, divergence_json, error, started_at, completed_at
		FROM reconcile_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconcile runs: %w", err)
	}
	defer rows.Close()

	var runs []ledger.ReconcileRun
	for rows.Next() {
		var (
			r                  ledger.ReconcileRun
			divergence         string
			started, completed string
		)
		if err := rows.Scan(&r.ID, &r.Trigger, &r.Status, &divergence, &r.Error, &started, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan reconcile run: %w", err)
		}
		if err := json.Unmarshal([]byte(divergence), &r.Divergence); err != nil {
			return nil, fmt.Errorf("failed to decode divergence of %s: %w", r.ID, err)
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseTime(completed); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return &ledger.NotFoundError{Entity: entity, ID: id}
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
