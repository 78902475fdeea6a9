/*
Package postgres provides a PostgreSQL-backed implementation of points.Store.

PURPOSE:
  Same schema and semantics as store/sqlite, for multi-process
  deployments where several API servers share one database.

CONCURRENCY:
  Transactions run at READ COMMITTED. Every Lock* read is a
  SELECT ... FOR UPDATE, so the read-check-write sequences in the
  services hold the row until commit. The services lock in the order
  request -> item -> user, which keeps concurrent redemptions and
  ledger writes free of lock-order deadlocks.

ERROR MAPPING:
  23505 unique_violation      -> points.ErrAlreadyExists
  23514 check_violation       -> *points.ConsistencyError
  23503 foreign_key_violation -> *points.NotFoundError

USAGE:
  pool, err := postgres.Open(ctx, url, 10)
  store := postgres.New(pool)
  if err := store.Migrate(ctx); err != nil { ... }
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tutortrack/points-engine/points"
)

// Open builds a pgxpool and validates connectivity.
func Open(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return pool, nil
}

// Store implements points.Store on a pgx pool.
type Store struct {
	queries
	pool *pgxpool.Pool
}

var _ points.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{q: pool}, pool: pool}
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	seq BIGINT GENERATED ALWAYS AS IDENTITY,
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	role TEXT NOT NULL CHECK (role IN ('admin', 'tutor', 'student')),
	points BIGINT NOT NULL DEFAULT 0 CHECK (points >= 0),
	tutor_id TEXT REFERENCES users(id),
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);
CREATE INDEX IF NOT EXISTS idx_users_tutor ON users(tutor_id) WHERE tutor_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS points_transactions (
	seq BIGINT GENERATED ALWAYS AS IDENTITY,
	id TEXT PRIMARY KEY,
	student_id TEXT NOT NULL REFERENCES users(id),
	type TEXT NOT NULL CHECK (type IN ('award', 'deduct')),
	points BIGINT NOT NULL CHECK (points > 0),
	reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	created_by TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_points_transactions_student ON points_transactions(student_id, seq);

CREATE TABLE IF NOT EXISTS store_items (
	seq BIGINT GENERATED ALWAYS AS IDENTITY,
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	points_required BIGINT NOT NULL CHECK (points_required > 0),
	available_quantity BIGINT NOT NULL CHECK (available_quantity >= 0),
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS item_requests (
	seq BIGINT GENERATED ALWAYS AS IDENTITY,
	id TEXT PRIMARY KEY,
	student_id TEXT NOT NULL REFERENCES users(id),
	item_id TEXT NOT NULL REFERENCES store_items(id),
	status TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'rejected')),
	points_spent BIGINT NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	decided_at TIMESTAMPTZ,
	decided_by TEXT
);

CREATE INDEX IF NOT EXISTS idx_item_requests_student ON item_requests(student_id);
CREATE INDEX IF NOT EXISTS idx_item_requests_status ON item_requests(status);
`

// Migrate applies the schema. Safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE item_requests, points_transactions, store_items, users")
	return err
}

// WithTx executes fn in a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx points.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&txStore{queries: queries{q: tx}})
	})
}

// =============================================================================
// TRANSACTION
// =============================================================================

type txStore struct {
	queries
}

func (ts *txStore) LockUser(ctx context.Context, id points.UserID) (points.User, error) {
	return ts.getUser(ctx, id, " FOR UPDATE")
}

func (ts *txStore) LockItem(ctx context.Context, id points.ItemID) (points.StoreItem, error) {
	return ts.getItem(ctx, id, " FOR UPDATE")
}

func (ts *txStore) LockRequest(ctx context.Context, id points.RequestID) (points.ItemRequest, error) {
	return ts.getRequest(ctx, id, " FOR UPDATE")
}

func (ts *txStore) InsertUser(ctx context.Context, u points.User) error {
	_, err := ts.q.Exec(ctx, `
		INSERT INTO users (id, name, role, points, tutor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(u.ID), u.Name, string(u.Role), u.Points, userIDPtr(u.TutorID), u.CreatedAt,
	)
	return mapError("insert_user", err)
}

func (ts *txStore) SetUserPoints(ctx context.Context, id points.UserID, balance int64) error {
	tag, err := ts.q.Exec(ctx, "UPDATE users SET points = $1 WHERE id = $2", balance, string(id))
	return affected(tag, mapError("set_user_points", err), "user", string(id))
}

func (ts *txStore) AppendTransaction(ctx context.Context, t points.PointsTransaction) error {
	_, err := ts.q.Exec(ctx, `
		INSERT INTO points_transactions (id, student_id, type, points, reason, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(t.ID), string(t.StudentID), string(t.Type), t.Points, t.Reason, t.CreatedAt, string(t.CreatedBy),
	)
	return mapError("append_transaction", err)
}

func (ts *txStore) InsertItem(ctx context.Context, item points.StoreItem) error {
	_, err := ts.q.Exec(ctx, `
		INSERT INTO store_items (id, name, description, points_required, available_quantity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(item.ID), item.Name, item.Description, item.PointsRequired, item.AvailableQuantity,
		item.CreatedAt, item.UpdatedAt,
	)
	return mapError("insert_item", err)
}

func (ts *txStore) UpdateItemDetails(ctx context.Context, item points.StoreItem) error {
	tag, err := ts.q.Exec(ctx, `
		UPDATE store_items SET name = $1, description = $2, points_required = $3, updated_at = $4
		WHERE id = $5`,
		item.Name, item.Description, item.PointsRequired, item.UpdatedAt, string(item.ID),
	)
	return affected(tag, mapError("update_item", err), "item", string(item.ID))
}

func (ts *txStore) SetItemQuantity(ctx context.Context, id points.ItemID, quantity int64) error {
	tag, err := ts.q.Exec(ctx, "UPDATE store_items SET available_quantity = $1 WHERE id = $2", quantity, string(id))
	return affected(tag, mapError("set_item_quantity", err), "item", string(id))
}

func (ts *txStore) InsertRequest(ctx context.Context, r points.ItemRequest) error {
	_, err := ts.q.Exec(ctx, `
		INSERT INTO item_requests (id, student_id, item_id, status, points_spent, note, created_at, decided_at, decided_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(r.ID), string(r.StudentID), string(r.ItemID), string(r.Status), r.PointsSpent, r.Note,
		r.CreatedAt, r.DecidedAt, userIDPtr(r.DecidedBy),
	)
	return mapError("insert_request", err)
}

func (ts *txStore) UpdateRequest(ctx context.Context, r points.ItemRequest) error {
	tag, err := ts.q.Exec(ctx, `
		UPDATE item_requests SET status = $1, note = $2, decided_at = $3, decided_by = $4
		WHERE id = $5`,
		string(r.Status), r.Note, r.DecidedAt, userIDPtr(r.DecidedBy), string(r.ID),
	)
	return affected(tag, mapError("update_request", err), "request", string(r.ID))
}

// =============================================================================
// QUERIES - Shared by Store (on the pool) and txStore (on pgx.Tx)
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
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

func (qs queries) GetUser(ctx context.Context, id points.UserID) (points.User, error) {
	return qs.getUser(ctx, id, "")
}

func (qs queries) getUser(ctx context.Context, id points.UserID, suffix string) (points.User, error) {
	row := qs.q.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1"+suffix, string(id))
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return points.User{}, &points.NotFoundError{Kind: "user", ID: string(id)}
	}
	return u, err
}

func (qs queries) ListUsers(ctx context.Context, f points.UserFilter) ([]points.User, error) {
	query := "SELECT " + userColumns + " FROM users WHERE ($1::text = '' OR role = $1) AND ($2::text IS NULL OR tutor_id = $2) ORDER BY seq"
	rows, err := qs.q.Query(ctx, query, string(f.Role), userIDPtr(f.TutorID))
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	return collect(rows, scanUser)
}

func (qs queries) GetItem(ctx context.Context, id points.ItemID) (points.StoreItem, error) {
	return qs.getItem(ctx, id, "")
}

func (qs queries) getItem(ctx context.Context, id points.ItemID, suffix string) (points.StoreItem, error) {
	row := qs.q.QueryRow(ctx, "SELECT "+itemColumns+" FROM store_items WHERE id = $1"+suffix, string(id))
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return points.StoreItem{}, &points.NotFoundError{Kind: "item", ID: string(id)}
	}
	return item, err
}

func (qs queries) ListItems(ctx context.Context) ([]points.StoreItem, error) {
	rows, err := qs.q.Query(ctx, "SELECT "+itemColumns+" FROM store_items ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	return collect(rows, scanItem)
}

func (qs queries) GetRequest(ctx context.Context, id points.RequestID) (points.ItemRequest, error) {
	return qs.getRequest(ctx, id, "")
}

func (qs queries) getRequest(ctx context.Context, id points.RequestID, suffix string) (points.ItemRequest, error) {
	row := qs.q.QueryRow(ctx, "SELECT "+requestColumns+" FROM item_requests WHERE id = $1"+suffix, string(id))
	r, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return points.ItemRequest{}, &points.NotFoundError{Kind: "request", ID: string(id)}
	}
	return r, err
}

func (qs queries) ListRequests(ctx context.Context, f points.RequestFilter) ([]points.ItemRequest, error) {
	var itemID *string
	if f.ItemID != nil {
		s := string(*f.ItemID)
		itemID = &s
	}
	query := "SELECT " + requestColumns + ` FROM item_requests
		WHERE ($1::text = '' OR status = $1)
		  AND ($2::text IS NULL OR student_id = $2)
		  AND ($3::text IS NULL OR item_id = $3)
		ORDER BY seq`
	rows, err := qs.q.Query(ctx, query, string(f.Status), userIDPtr(f.StudentID), itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	return collect(rows, scanRequest)
}

func (qs queries) ListTransactions(ctx context.Context, studentID points.UserID) ([]points.PointsTransaction, error) {
	rows, err := qs.q.Query(ctx,
		"SELECT "+txColumns+" FROM points_transactions WHERE student_id = $1 ORDER BY seq",
		string(studentID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	return collect(rows, func(row pgx.Row) (points.PointsTransaction, error) {
		var (
			t                       points.PointsTransaction
			id, student, typ, actor string
		)
		err := row.Scan(&id, &student, &typ, &t.Points, &t.Reason, &t.CreatedAt, &actor)
		t.ID = points.TransactionID(id)
		t.StudentID = points.UserID(student)
		t.Type = points.TransactionType(typ)
		t.CreatedBy = points.UserID(actor)
		return t, err
	})
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanUser(row pgx.Row) (points.User, error) {
	var (
		u        points.User
		id, role string
		tutorID  *string
	)
	if err := row.Scan(&id, &u.Name, &role, &u.Points, &tutorID, &u.CreatedAt); err != nil {
		return u, err
	}
	u.ID = points.UserID(id)
	u.Role = points.Role(role)
	if tutorID != nil {
		t := points.UserID(*tutorID)
		u.TutorID = &t
	}
	return u, nil
}

func scanItem(row pgx.Row) (points.StoreItem, error) {
	var (
		item points.StoreItem
		id   string
	)
	err := row.Scan(&id, &item.Name, &item.Description, &item.PointsRequired,
		&item.AvailableQuantity, &item.CreatedAt, &item.UpdatedAt)
	item.ID = points.ItemID(id)
	return item, err
}

func scanRequest(row pgx.Row) (points.ItemRequest, error) {
	var (
		r                         points.ItemRequest
		id, student, item, status string
		decidedBy                 *string
	)
	err := row.Scan(&id, &student, &item, &status, &r.PointsSpent, &r.Note,
		&r.CreatedAt, &r.DecidedAt, &decidedBy)
	if err != nil {
		return r, err
	}
	r.ID = points.RequestID(id)
	r.StudentID = points.UserID(student)
	r.ItemID = points.ItemID(item)
	r.Status = points.RequestStatus(status)
	if decidedBy != nil {
		by := points.UserID(*decidedBy)
		r.DecidedBy = &by
	}
	return r, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func userIDPtr(id *points.UserID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return points.ErrAlreadyExists
		case "23514": // check_violation
			return &points.ConsistencyError{Op: op, Step: "check", Err: err}
		case "23503": // foreign_key_violation
			return &points.NotFoundError{Kind: "reference", ID: pgErr.ConstraintName}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func affected(tag pgconn.CommandTag, err error, kind, id string) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &points.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}
