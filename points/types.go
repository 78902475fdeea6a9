/*
Package points provides the points-and-redemption engine.

PURPOSE:
  This package owns every mutation of a student's point balance and of
  a store item's stock, plus the lifecycle of redemption requests that
  ties the two together. Presentation code never touches balances or
  stock directly; it calls the services in this package.

KEY CONCEPTS IN THIS FILE (types.go):
  - User: admin, tutor or student. Only students carry a balance.
  - PointsTransaction: an immutable ledger entry (award or deduct)
  - StoreItem: a reward with a price in points and a stock count
  - ItemRequest: a student's redemption claim (pending -> approved | rejected)
  - Principal: the caller identity handed in by the identity provider

OWNERSHIP:
  Ledger    -> User.Points, PointsTransaction rows
  Inventory -> StoreItem.AvailableQuantity
  Redemptions -> ItemRequest rows (orchestrates the other two)

SEE ALSO:
  - errors.go: Error taxonomy
  - store.go: Persistence contract
  - ledger.go, inventory.go, redemption.go: The three services
*/
package points

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type ItemID string
type RequestID string
type TransactionID string

// =============================================================================
// USERS
// =============================================================================

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTutor   Role = "tutor"
	RoleStudent Role = "student"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleTutor, RoleStudent:
		return true
	}
	return false
}

// User is any account in the system. Points is meaningful for students only
// and is never negative.
type User struct {
	ID        UserID
	Name      string
	Role      Role
	Points    int64
	TutorID   *UserID // students only
	CreatedAt time.Time
}

func (u User) IsStudent() bool { return u.Role == RoleStudent }

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

type TransactionType string

const (
	TxAward  TransactionType = "award"
	TxDeduct TransactionType = "deduct"
)

// PointsTransaction is an append-only ledger row. Points is always the
// positive magnitude; Delta gives the signed change applied to the balance.
type PointsTransaction struct {
	ID        TransactionID
	StudentID UserID
	Type      TransactionType
	Points    int64
	Reason    string
	CreatedAt time.Time
	CreatedBy UserID
}

func (t PointsTransaction) Delta() int64 {
	if t.Type == TxDeduct {
		return -t.Points
	}
	return t.Points
}

// =============================================================================
// STORE ITEMS
// =============================================================================

type StoreItem struct {
	ID                ItemID
	Name              string
	Description       string
	PointsRequired    int64
	AvailableQuantity int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (i StoreItem) InStock() bool { return i.AvailableQuantity > 0 }

// =============================================================================
// REDEMPTION REQUESTS
// =============================================================================

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestApproved, RequestRejected:
		return true
	}
	return false
}

// ItemRequest is a student's claim against the reward store.
//
// PointsSpent is the item price captured at creation time. It is what gets
// refunded on rejection, even if the item has been repriced since.
type ItemRequest struct {
	ID          RequestID
	StudentID   UserID
	ItemID      ItemID
	Status      RequestStatus
	PointsSpent int64
	Note        string // rejection reason
	CreatedAt   time.Time
	DecidedAt   *time.Time
	DecidedBy   *UserID
}

// IsTerminal reports whether the request can no longer transition.
func (r ItemRequest) IsTerminal() bool {
	return r.Status == RequestApproved || r.Status == RequestRejected
}

// =============================================================================
// FILTERS
// =============================================================================

// UserFilter narrows ListUsers. Zero values mean "any".
type UserFilter struct {
	Role    Role
	TutorID *UserID
}

// RequestFilter narrows ListRequests. Zero values mean "any".
type RequestFilter struct {
	Status    RequestStatus
	StudentID *UserID
	ItemID    *ItemID
}
