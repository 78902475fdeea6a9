/*
store.go - Persistence contract for the points engine

PURPOSE:
  Defines the interface between the services and the database. The
  services never issue SQL; they read and write through a Tx handed to
  them by Store.WithTx, which commits when the function returns nil and
  rolls back otherwise.

KEY INTERFACES:
  Reader: Plain reads, usable inside and outside a transaction
  Tx:     Reader + row-locking reads + writes (only valid inside WithTx)
  Store:  Reader + WithTx + lifecycle

LOCKING:
  LockUser / LockItem / LockRequest must hold the row until the
  transaction ends, so a read-check-write sequence on the same row is
  linearizable across concurrent callers. Backends implement this as:
  - memory:   one write lock for the whole transaction
  - sqlite:   BEGIN IMMEDIATE plus a process mutex
  - postgres: SELECT ... FOR UPDATE

  Services always lock in the order request -> item -> user.

NOT FOUND:
  Get* and Lock* return *NotFoundError (Kind "user", "item", "request")
  when the row does not exist.

IMPLEMENTATIONS:
  - points/store/memory.go: In-memory, for tests and dev
  - store/sqlite:           SQLite
  - store/postgres:         PostgreSQL (pgx)

SEE ALSO:
  - points/storetest: Conformance suite every implementation runs
*/
package points

import "context"

// =============================================================================
// READER
// =============================================================================

type Reader interface {
	GetUser(ctx context.Context, id UserID) (User, error)
	ListUsers(ctx context.Context, filter UserFilter) ([]User, error)

	GetItem(ctx context.Context, id ItemID) (StoreItem, error)
	ListItems(ctx context.Context) ([]StoreItem, error)

	GetRequest(ctx context.Context, id RequestID) (ItemRequest, error)
	// ListRequests returns matching requests oldest first.
	ListRequests(ctx context.Context, filter RequestFilter) ([]ItemRequest, error)

	// ListTransactions returns a student's ledger oldest first.
	ListTransactions(ctx context.Context, studentID UserID) ([]PointsTransaction, error)
}

// =============================================================================
// TRANSACTION
// =============================================================================

// Tx is a unit of work. It is only valid for the duration of the WithTx
// callback that received it.
type Tx interface {
	Reader

	LockUser(ctx context.Context, id UserID) (User, error)
	LockItem(ctx context.Context, id ItemID) (StoreItem, error)
	LockRequest(ctx context.Context, id RequestID) (ItemRequest, error)

	// InsertUser returns ErrAlreadyExists for a duplicate ID.
	InsertUser(ctx context.Context, u User) error
	SetUserPoints(ctx context.Context, id UserID, points int64) error
	// AppendTransaction is the only write on the ledger table. No update, no delete.
	AppendTransaction(ctx context.Context, tx PointsTransaction) error

	InsertItem(ctx context.Context, item StoreItem) error
	// UpdateItemDetails writes name, description, price and UpdatedAt. Never stock.
	UpdateItemDetails(ctx context.Context, item StoreItem) error
	SetItemQuantity(ctx context.Context, id ItemID, quantity int64) error

	InsertRequest(ctx context.Context, r ItemRequest) error
	// UpdateRequest writes status, note and decision fields.
	UpdateRequest(ctx context.Context, r ItemRequest) error
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back and the error returned.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Reset deletes all data. Development scenarios only.
	Reset(ctx context.Context) error

	Close() error
}
