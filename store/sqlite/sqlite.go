/*
Package sqlite provides a SQLite-backed implementation of points.Store.

PURPOSE:
  Persists users, the points ledger, store items and redemption requests
  in a single SQLite file. The same schema runs on PostgreSQL (see
  store/postgres) with only dialect differences.

APPEND-ONLY ENFORCEMENT:
  points_transactions is only ever INSERTed into:
  - No UPDATE statements on points_transactions
  - No DELETE statements on points_transactions (except Reset)

KEY TABLES:
  users:               Accounts; points is the derived balance (students)
  points_transactions: Immutable ledger of every balance change
  store_items:         Reward catalog with stock
  item_requests:       Redemption requests and their decisions

CHECK CONSTRAINTS:
  The database backs the engine's invariants as a last line of defense:
  - users.points >= 0
  - store_items.available_quantity >= 0
  - points_transactions.points > 0
  A violation means a service bug and surfaces as points.ConsistencyError.

CONCURRENCY:
  Transactions open with BEGIN IMMEDIATE (_txlock=immediate), taking the
  database write lock up front, so a Lock* read followed by a write can
  never interleave with another writer. A process-level RWMutex also
  serializes WithTx against readers, which keeps ":memory:" databases
  (pinned to a single connection) from deadlocking on the pool.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := points.NewLedger(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - points/store.go: Interface definitions
  - points/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/tutortrack/points-engine/points"
)

// Store implements points.Store using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.RWMutex
}

var _ points.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory") {
		// Every new connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('admin', 'tutor', 'student')),
		points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
		tutor_id TEXT REFERENCES users(id),
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);
	CREATE INDEX IF NOT EXISTS idx_users_tutor ON users(tutor_id) WHERE tutor_id IS NOT NULL;

	-- Append-only ledger
	CREATE TABLE IF NOT EXISTS points_transactions (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES users(id),
		type TEXT NOT NULL CHECK (type IN ('award', 'deduct')),
		points INTEGER NOT NULL CHECK (points > 0),
		reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_points_transactions_student
		ON points_transactions(student_id);

	CREATE TABLE IF NOT EXISTS store_items (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		points_required INTEGER NOT NULL CHECK (points_required > 0),
		available_quantity INTEGER NOT NULL CHECK (available_quantity >= 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS item_requests (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES users(id),
		item_id TEXT NOT NULL REFERENCES store_items(id),
		status TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'rejected')),
		points_spent INTEGER NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		decided_at TEXT,
		decided_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_item_requests_student ON item_requests(student_id);
	CREATE INDEX IF NOT EXISTS idx_item_requests_status ON item_requests(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// READER (locked wrappers)
// =============================================================================

func (s *Store) GetUser(ctx context.Context, id points.UserID) (points.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.GetUser(ctx, id)
}

func (s *Store) ListUsers(ctx context.Context, f points.UserFilter) ([]points.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.ListUsers(ctx, f)
}

func (s *Store) GetItem(ctx context.Context, id points.ItemID) (points.StoreItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.GetItem(ctx, id)
}

func (s *Store) ListItems(ctx context.Context) ([]points.StoreItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.ListItems(ctx)
}

func (s *Store) GetRequest(ctx context.Context, id points.RequestID) (points.ItemRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.GetRequest(ctx, id)
}

func (s *Store) ListRequests(ctx context.Context, f points.RequestFilter) ([]points.ItemRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.ListRequests(ctx, f)
}

func (s *Store) ListTransactions(ctx context.Context, studentID points.UserID) ([]points.PointsTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.ListTransactions(ctx, studentID)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx points.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{q: sqlTx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore runs every statement on the open *sql.Tx. It must never touch
// Store.db: with a single-connection pool that would deadlock.
type txStore struct {
	queries
}

// SQLite has no row locks; BEGIN IMMEDIATE already holds the write lock.

func (ts *txStore) LockUser(ctx context.Context, id points.UserID) (points.User, error) {
	return ts.GetUser(ctx, id)
}

func (ts *txStore) LockItem(ctx context.Context, id points.ItemID) (points.StoreItem, error) {
	return ts.GetItem(ctx, id)
}

func (ts *txStore) LockRequest(ctx context.Context, id points.RequestID) (points.ItemRequest, error) {
	return ts.GetRequest(ctx, id)
}

func (ts *txStore) InsertUser(ctx context.Context, u points.User) error {
	var tutorID sql.NullString
	if u.TutorID != nil {
		tutorID = nullString(string(*u.TutorID))
	}
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO users (id, name, role, points, tutor_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Role, u.Points, tutorID, formatTime(u.CreatedAt),
	)
	return mapError("insert_user", err)
}

func (ts *txStore) SetUserPoints(ctx context.Context, id points.UserID, balance int64) error {
	res, err := ts.q.ExecContext(ctx, "UPDATE users SET points = ? WHERE id = ?", balance, id)
	return affected(res, mapError("set_user_points", err), "user", string(id))
}

func (ts *txStore) AppendTransaction(ctx context.Context, t points.PointsTransaction) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO points_transactions (id, student_id, type, points, reason, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.StudentID, t.Type, t.Points, t.Reason, formatTime(t.CreatedAt), t.CreatedBy,
	)
	return mapError("append_transaction", err)
}

func (ts *txStore) InsertItem(ctx context.Context, item points.StoreItem) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO store_items (id, name, description, points_required, available_quantity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Name, item.Description, item.PointsRequired, item.AvailableQuantity,
		formatTime(item.CreatedAt), formatTime(item.UpdatedAt),
	)
	return mapError("insert_item", err)
}

func (ts *txStore) UpdateItemDetails(ctx context.Context, item points.StoreItem) error {
	res, err := ts.q.ExecContext(ctx, `
		UPDATE store_items SET name = ?, description = ?, points_required = ?, updated_at = ?
		WHERE id = ?`,
		item.Name, item.Description, item.PointsRequired, formatTime(item.UpdatedAt), item.ID,
	)
	return affected(res, mapError("update_item", err), "item", string(item.ID))
}

func (ts *txStore) SetItemQuantity(ctx context.Context, id points.ItemID, quantity int64) error {
	res, err := ts.q.ExecContext(ctx, "UPDATE store_items SET available_quantity = ? WHERE id = ?", quantity, id)
	return affected(res, mapError("set_item_quantity", err), "item", string(id))
}

func (ts *txStore) InsertRequest(ctx context.Context, r points.ItemRequest) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO item_requests (id, student_id, item_id, status, points_spent, note, created_at, decided_at, decided_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StudentID, r.ItemID, r.Status, r.PointsSpent, r.Note, formatTime(r.CreatedAt),
		nullTime(r.DecidedAt), nullUserID(r.DecidedBy),
	)
	return mapError("insert_request", err)
}

func (ts *txStore) UpdateRequest(ctx context.Context, r points.ItemRequest) error {
	res, err := ts.q.ExecContext(ctx, `
		UPDATE item_requests SET status = ?, note = ?, decided_at = ?, decided_by = ?
		WHERE id = ?`,
		r.Status, r.Note, nullTime(r.DecidedAt), nullUserID(r.DecidedBy), r.ID,
	)
	return affected(res, mapError("update_request", err), "request", string(r.ID))
}

// =============================================================================
// QUERIES - Shared by Store (on *sql.DB) and txStore (on *sql.Tx)
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

const (
	userColumns    = "id, name, role, points, tutor_id, created_at"
	itemColumns    = "id, name, description, points_required, available_quantity, created_at, updated_at"
	requestColumns = "id, student_id, item_id, status, points_spent, note, created_at, decided_at, decided_by"
	txColumns      = "id, student_id, type, points, reason, created_at, created_by"
)

type scanner interface {
	Scan(dest ...any) error
}

func (qs queries) GetUser(ctx context.Context, id points.UserID) (points.User, error) {
	row := qs.q.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return points.User{}, &points.NotFoundError{Kind: "user", ID: string(id)}
	}
	return u, err
}

func (qs queries) ListUsers(ctx context.Context, f points.UserFilter) ([]points.User, error) {
	query := "SELECT " + userColumns + " FROM users WHERE 1=1"
	var args []any
	if f.Role != "" {
		query += " AND role = ?"
		args = append(args, f.Role)
	}
	if f.TutorID != nil {
		query += " AND tutor_id = ?"
		args = append(args, *f.TutorID)
	}
	query += " ORDER BY rowid"

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []points.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (qs queries) GetItem(ctx context.Context, id points.ItemID) (points.StoreItem, error) {
	row := qs.q.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM store_items WHERE id = ?", id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return points.StoreItem{}, &points.NotFoundError{Kind: "item", ID: string(id)}
	}
	return item, err
}

func (qs queries) ListItems(ctx context.Context) ([]points.StoreItem, error) {
	rows, err := qs.q.QueryContext(ctx, "SELECT "+itemColumns+" FROM store_items ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []points.StoreItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (qs queries) GetRequest(ctx context.Context, id points.RequestID) (points.ItemRequest, error) {
	row := qs.q.QueryRowContext(ctx, "SELECT "+requestColumns+" FROM item_requests WHERE id = ?", id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return points.ItemRequest{}, &points.NotFoundError{Kind: "request", ID: string(id)}
	}
	return r, err
}

func (qs queries) ListRequests(ctx context.Context, f points.RequestFilter) ([]points.ItemRequest, error) {
	query := "SELECT " + requestColumns + " FROM item_requests WHERE 1=1"
	var args []any
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.StudentID != nil {
		query += " AND student_id = ?"
		args = append(args, *f.StudentID)
	}
	if f.ItemID != nil {
		query += " AND item_id = ?"
		args = append(args, *f.ItemID)
	}
	query += " ORDER BY rowid"

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer rows.Close()

	var requests []points.ItemRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

func (qs queries) ListTransactions(ctx context.Context, studentID points.UserID) ([]points.PointsTransaction, error) {
	rows, err := qs.q.QueryContext(ctx,
		"SELECT "+txColumns+" FROM points_transactions WHERE student_id = ? ORDER BY rowid",
		studentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []points.PointsTransaction
	for rows.Next() {
		var (
			t         points.PointsTransaction
			createdAt string
		)
		if err := rows.Scan(&t.ID, &t.StudentID, &t.Type, &t.Points, &t.Reason, &createdAt, &t.CreatedBy); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.CreatedAt = parseTime(createdAt)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func scanUser(row scanner) (points.User, error) {
	var (
		u         points.User
		tutorID   sql.NullString
		createdAt string
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Role, &u.Points, &tutorID, &createdAt); err != nil {
		return u, err
	}
	if tutorID.Valid {
		id := points.UserID(tutorID.String)
		u.TutorID = &id
	}
	u.CreatedAt = parseTime(createdAt)
	return u, nil
}

func scanItem(row scanner) (points.StoreItem, error) {
	var (
		item                 points.StoreItem
		createdAt, updatedAt string
	)
	err := row.Scan(&item.ID, &item.Name, &item.Description, &item.PointsRequired,
		&item.AvailableQuantity, &createdAt, &updatedAt)
	if err != nil {
		return item, err
	}
	item.CreatedAt = parseTime(createdAt)
	item.UpdatedAt = parseTime(updatedAt)
	return item, nil
}

func scanRequest(row scanner) (points.ItemRequest, error) {
	var (
		r         points.ItemRequest
		createdAt string
		decidedAt sql.NullString
		decidedBy sql.NullString
	)
	err := row.Scan(&r.ID, &r.StudentID, &r.ItemID, &r.Status, &r.PointsSpent, &r.Note,
		&createdAt, &decidedAt, &decidedBy)
	if err != nil {
		return r, err
	}
	r.CreatedAt = parseTime(createdAt)
	if decidedAt.Valid {
		t := parseTime(decidedAt.String)
		r.DecidedAt = &t
	}
	if decidedBy.Valid {
		id := points.UserID(decidedBy.String)
		r.DecidedBy = &id
	}
	return r, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"item_requests", "points_transactions", "store_items", "users"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullUserID(id *points.UserID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return nullString(string(*id))
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// mapError turns constraint failures into engine errors.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique:
			return points.ErrAlreadyExists
		case sqlite3.ErrConstraintCheck:
			return &points.ConsistencyError{Op: op, Step: "check", Err: err}
		case sqlite3.ErrConstraintForeignKey:
			return &points.NotFoundError{Kind: "reference", ID: op}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// affected reports a NotFoundError when an UPDATE matched no row.
func affected(res sql.Result, err error, kind, id string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &points.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}
