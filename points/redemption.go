/*
redemption.go - Redemption workflow for reward-store requests

PURPOSE:
  Handles the lifecycle of a student's store-item request:
  1. Creation: reserve one unit, spend the points, record the request
  2. Approval: confirm fulfillment (nothing else moves)
  3. Rejection: release the unit, refund the points, record the reason

REQUEST FLOW:
  ┌──────────────────────────────────────────────────────────────────┐
  │                                                                  │
  │  Student         Reserve 1 unit     Deduct price     Insert      │
  │  requests  ──▶   (Inventory)   ──▶  (Ledger)    ──▶  pending     │
  │                        ▲                 │                       │
  │                        └── release ◀─────┘ on deduct failure     │
  │                                                                  │
  │                     ┌──────────┐                                 │
  │        pending ──▶  │ Approved │  (terminal, no side effects)    │
  │           │         └──────────┘                                 │
  │           │         ┌──────────┐                                 │
  │           └──────▶  │ Rejected │  release 1 unit + refund price  │
  │                     └──────────┘  (terminal)                     │
  └──────────────────────────────────────────────────────────────────┘

HOLD SEMANTICS:
  Points are deducted and stock reserved when the request is created.
  That is the "hold": two students cannot both be approved for the last
  unit, and no separate points reservation ledger is needed. Rejection
  gives back exactly PointsSpent (the price at creation time).

ATOMICITY:
  Each operation runs in a single Store transaction. Any failure rolls
  back everything the operation did.
  - CreateRequest: if the deduct fails after the reservation succeeded,
    the reservation is released before the error is returned. If that
    release fails, the caller gets a ConsistencyError.
  - Reject: release, refund and transition are one bundle. A failure at
    any step is a ConsistencyError and rolls back the whole bundle.

LOCK ORDER:
  request -> item -> user, in every operation.

SEE ALSO:
  - ledger.go: deduct / award
  - inventory.go: reserve / release
*/
package points

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	reasonStoreRequest    = "store request"
	reasonRequestRejected = "request rejected"
)

type Redemptions struct {
	store     Store
	ledger    *Ledger
	inventory *Inventory
	opts      options
}

// NewRedemptions composes the workflow from a ledger and an inventory that
// share store.
func NewRedemptions(store Store, ledger *Ledger, inventory *Inventory, opts ...Option) *Redemptions {
	return &Redemptions{
		store:     store,
		ledger:    ledger,
		inventory: inventory,
		opts:      buildOptions(opts),
	}
}

// =============================================================================
// CREATE
// =============================================================================

// CreateRequest spends the item's price from the calling student's balance
// and reserves one unit of stock.
func (rs *Redemptions) CreateRequest(ctx context.Context, actor Principal, itemID ItemID) (ItemRequest, error) {
	if err := Authorize(actor, "request store items", RoleStudent); err != nil {
		return ItemRequest{}, err
	}
	studentID := actor.UserID

	var (
		request ItemRequest
		balance int64
	)
	err := rs.store.WithTx(ctx, func(tx Tx) error {
		// 1. Reserve stock (also gives us the current price)
		item, err := rs.inventory.reserve(ctx, tx, itemID, 1)
		if err != nil {
			return err
		}

		// 2. Spend points, compensating the reservation on failure
		entry, err := rs.ledger.deduct(ctx, tx, studentID, item.PointsRequired, reasonStoreRequest, studentID)
		if err != nil {
			if _, relErr := rs.inventory.release(ctx, tx, itemID, 1); relErr != nil {
				return &ConsistencyError{Op: "create_request", Step: "release", Err: relErr}
			}
			return err
		}
		balance = entry.Balance

		// 3. Record the request
		request = ItemRequest{
			ID:          RequestID(uuid.NewString()),
			StudentID:   studentID,
			ItemID:      itemID,
			Status:      RequestPending,
			PointsSpent: item.PointsRequired,
			CreatedAt:   rs.opts.now(),
		}
		if err := tx.InsertRequest(ctx, request); err != nil {
			return fmt.Errorf("failed to record request: %w", err)
		}
		return nil
	})
	if err != nil {
		rs.logFatal(err, "create_request", "")
		return ItemRequest{}, err
	}

	rs.opts.emitter().emit(ctx, Event{
		Type:       EventRequestCreated,
		StudentID:  studentID,
		ItemID:     itemID,
		RequestID:  request.ID,
		Points:     request.PointsSpent,
		Balance:    balance,
		ActorID:    actor.UserID,
		OccurredAt: request.CreatedAt,
	})
	return request, nil
}

// =============================================================================
// DECIDE
// =============================================================================

// Approve confirms a pending request. Points and stock were already taken
// at creation, so nothing else changes.
func (rs *Redemptions) Approve(ctx context.Context, actor Principal, requestID RequestID) (ItemRequest, error) {
	if err := Authorize(actor, "approve requests", RoleTutor, RoleAdmin); err != nil {
		return ItemRequest{}, err
	}

	var request ItemRequest
	err := rs.store.WithTx(ctx, func(tx Tx) error {
		var err error
		request, err = rs.lockPending(ctx, tx, requestID, RequestApproved)
		if err != nil {
			return err
		}
		rs.decide(&request, RequestApproved, actor.UserID, "")
		return tx.UpdateRequest(ctx, request)
	})
	if err != nil {
		return ItemRequest{}, err
	}

	rs.opts.emitter().emit(ctx, Event{
		Type:       EventRequestApproved,
		StudentID:  request.StudentID,
		ItemID:     request.ItemID,
		RequestID:  request.ID,
		Points:     request.PointsSpent,
		ActorID:    actor.UserID,
		OccurredAt: *request.DecidedAt,
	})
	return request, nil
}

// Reject refunds PointsSpent, releases the reserved unit and closes the
// request with note. A missing note is a validation error.
func (rs *Redemptions) Reject(ctx context.Context, actor Principal, requestID RequestID, note string) (ItemRequest, error) {
	if err := Authorize(actor, "reject requests", RoleTutor, RoleAdmin); err != nil {
		return ItemRequest{}, err
	}
	if strings.TrimSpace(note) == "" {
		return ItemRequest{}, invalid("note", "a rejection reason is required")
	}

	var (
		request ItemRequest
		balance int64
	)
	err := rs.store.WithTx(ctx, func(tx Tx) error {
		var err error
		request, err = rs.lockPending(ctx, tx, requestID, RequestRejected)
		if err != nil {
			return err
		}

		if _, err := rs.inventory.release(ctx, tx, request.ItemID, 1); err != nil {
			return &ConsistencyError{Op: "reject", Step: "release", Err: err}
		}
		entry, err := rs.ledger.award(ctx, tx, request.StudentID, request.PointsSpent, reasonRequestRejected, actor.UserID)
		if err != nil {
			return &ConsistencyError{Op: "reject", Step: "refund", Err: err}
		}
		balance = entry.Balance

		rs.decide(&request, RequestRejected, actor.UserID, note)
		if err := tx.UpdateRequest(ctx, request); err != nil {
			return &ConsistencyError{Op: "reject", Step: "transition", Err: err}
		}
		return nil
	})
	if err != nil {
		rs.logFatal(err, "reject", requestID)
		return ItemRequest{}, err
	}

	rs.opts.emitter().emit(ctx, Event{
		Type:       EventRequestRejected,
		StudentID:  request.StudentID,
		ItemID:     request.ItemID,
		RequestID:  request.ID,
		Points:     request.PointsSpent,
		Balance:    balance,
		Note:       request.Note,
		ActorID:    actor.UserID,
		OccurredAt: *request.DecidedAt,
	})
	return request, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Get returns a request. Students may only read their own.
func (rs *Redemptions) Get(ctx context.Context, actor Principal, requestID RequestID) (ItemRequest, error) {
	if err := Authorize(actor, "view requests"); err != nil {
		return ItemRequest{}, err
	}
	request, err := rs.store.GetRequest(ctx, requestID)
	if err != nil {
		return ItemRequest{}, err
	}
	if actor.Role == RoleStudent && !actor.Is(request.StudentID) {
		// Hide other students' requests entirely.
		return ItemRequest{}, notFound("request", string(requestID))
	}
	return request, nil
}

// List returns matching requests, oldest first. A student always gets only
// their own requests regardless of filter.StudentID.
func (rs *Redemptions) List(ctx context.Context, actor Principal, filter RequestFilter) ([]ItemRequest, error) {
	if err := Authorize(actor, "view requests"); err != nil {
		return nil, err
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalid("status", fmt.Sprintf("unknown status %q", filter.Status))
	}
	if actor.Role == RoleStudent {
		self := actor.UserID
		filter.StudentID = &self
	}
	return rs.store.ListRequests(ctx, filter)
}

// =============================================================================
// HELPERS
// =============================================================================

func (rs *Redemptions) lockPending(ctx context.Context, tx Tx, id RequestID, to RequestStatus) (ItemRequest, error) {
	request, err := tx.LockRequest(ctx, id)
	if err != nil {
		return ItemRequest{}, err
	}
	if request.Status != RequestPending {
		return ItemRequest{}, &InvalidStateTransitionError{RequestID: id, From: request.Status, To: to}
	}
	return request, nil
}

func (rs *Redemptions) decide(r *ItemRequest, status RequestStatus, actorID UserID, note string) {
	now := rs.opts.now()
	r.Status = status
	r.Note = note
	r.DecidedAt = &now
	r.DecidedBy = &actorID
}

func (rs *Redemptions) logFatal(err error, op string, requestID RequestID) {
	if !IsFatal(err) {
		return
	}
	rs.opts.logger.Error().Err(err).
		Str("op", op).
		Str("request_id", string(requestID)).
		Msg("redemption rolled back after consistency violation")
}
