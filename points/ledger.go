/*
ledger.go - Ledger Service: the only writer of student balances

PURPOSE:
  Applies signed point deltas to a student's balance. Every change is
  recorded as an append-only PointsTransaction written in the same
  database transaction as the balance update: both land or neither does.

CRITICAL INVARIANTS:
  1. NON-NEGATIVE: A student's balance is never below zero. A deduct that
     would go negative fails with InsufficientBalanceError and writes
     nothing.
  2. ATOMIC: Balance update and ledger row are one unit.
  3. LINEARIZABLE: The balance check runs against a locked row, so two
     concurrent deducts that each fit individually cannot both apply if
     their sum does not.
  4. APPEND-ONLY: Ledger rows are never updated or deleted.

BALANCE == SUM OF DELTAS:
  Because the balance is only touched here, and always together with a
  ledger row, User.Points always equals the sum of Delta() over the
  student's transactions.

COMPOSITION:
  Award/Deduct open their own transaction. The Redemption workflow calls
  the unexported award/deduct variants with its own Tx so the deduction
  joins the reservation and the request insert in one unit.

EXAMPLE:
  ledger := points.NewLedger(store)
  entry, err := ledger.Deduct(ctx, tutor, "stu-1", 30, "late homework")
  if errors.Is(err, points.ErrInsufficientBalance) {
      // prompt the tutor
  }

SEE ALSO:
  - redemption.go: Spends points through deduct, refunds through award
  - store.go: LockUser semantics
*/
package points

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Entry is the result of a balance mutation.
type Entry struct {
	Transaction PointsTransaction
	Balance     int64
}

type Ledger struct {
	store Store
	opts  options
}

func NewLedger(store Store, opts ...Option) *Ledger {
	return &Ledger{store: store, opts: buildOptions(opts)}
}

// =============================================================================
// PUBLIC OPERATIONS
// =============================================================================

// Award increases a student's balance by amount. Tutors and admins only.
func (l *Ledger) Award(ctx context.Context, actor Principal, studentID UserID, amount int64, reason string) (Entry, error) {
	return l.mutate(ctx, actor, "award points", TxAward, studentID, amount, reason)
}

// Deduct decreases a student's balance by amount, failing with
// *InsufficientBalanceError if that would take it below zero.
func (l *Ledger) Deduct(ctx context.Context, actor Principal, studentID UserID, amount int64, reason string) (Entry, error) {
	return l.mutate(ctx, actor, "deduct points", TxDeduct, studentID, amount, reason)
}

// Balance returns a student's current points. Any authenticated caller.
func (l *Ledger) Balance(ctx context.Context, actor Principal, studentID UserID) (int64, error) {
	if err := Authorize(actor, "view balance"); err != nil {
		return 0, err
	}
	student, err := l.student(ctx, l.store, studentID)
	if err != nil {
		return 0, err
	}
	return student.Points, nil
}

// History returns a student's ledger, newest first. Students may only read
// their own.
func (l *Ledger) History(ctx context.Context, actor Principal, studentID UserID) ([]PointsTransaction, error) {
	if err := authorizeSelfOrStaff(actor, "view transactions", studentID); err != nil {
		return nil, err
	}
	if _, err := l.student(ctx, l.store, studentID); err != nil {
		return nil, err
	}
	txs, err := l.store.ListTransactions(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	slices.Reverse(txs)
	return txs, nil
}

func (l *Ledger) mutate(
	ctx context.Context,
	actor Principal,
	action string,
	typ TransactionType,
	studentID UserID,
	amount int64,
	reason string,
) (Entry, error) {
	if err := Authorize(actor, action, RoleTutor, RoleAdmin); err != nil {
		return Entry{}, err
	}

	var entry Entry
	err := l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		entry, err = l.apply(ctx, tx, typ, studentID, amount, reason, actor.UserID)
		return err
	})
	if err != nil {
		return Entry{}, err
	}

	evType := EventPointsAwarded
	if typ == TxDeduct {
		evType = EventPointsDeducted
	}
	l.opts.emitter().emit(ctx, Event{
		Type:       evType,
		StudentID:  studentID,
		Points:     amount,
		Balance:    entry.Balance,
		Note:       entry.Transaction.Reason,
		ActorID:    actor.UserID,
		OccurredAt: entry.Transaction.CreatedAt,
	})
	return entry, nil
}

// =============================================================================
// IN-TRANSACTION OPERATIONS - Used by Redemptions
// =============================================================================

func (l *Ledger) award(ctx context.Context, tx Tx, studentID UserID, amount int64, reason string, actorID UserID) (Entry, error) {
	return l.apply(ctx, tx, TxAward, studentID, amount, reason, actorID)
}

func (l *Ledger) deduct(ctx context.Context, tx Tx, studentID UserID, amount int64, reason string, actorID UserID) (Entry, error) {
	return l.apply(ctx, tx, TxDeduct, studentID, amount, reason, actorID)
}

// apply locks the student row, checks the resulting balance and writes the
// new balance plus its ledger row.
func (l *Ledger) apply(
	ctx context.Context,
	tx Tx,
	typ TransactionType,
	studentID UserID,
	amount int64,
	reason string,
	actorID UserID,
) (Entry, error) {
	if amount <= 0 {
		return Entry{}, invalid("amount", "must be a positive number of points")
	}

	student, err := tx.LockUser(ctx, studentID)
	if err != nil {
		return Entry{}, asStudentNotFound(err, studentID)
	}
	if !student.IsStudent() {
		return Entry{}, notFound("student", string(studentID))
	}

	var balance int64
	switch typ {
	case TxAward:
		if student.Points > math.MaxInt64-amount {
			return Entry{}, invalid("amount", "balance would overflow")
		}
		balance = student.Points + amount
	case TxDeduct:
		if student.Points < amount {
			return Entry{}, &InsufficientBalanceError{
				StudentID: studentID,
				Balance:   student.Points,
				Requested: amount,
			}
		}
		balance = student.Points - amount
	default:
		return Entry{}, invalid("type", fmt.Sprintf("unknown transaction type %q", typ))
	}

	t := PointsTransaction{
		ID:        TransactionID(uuid.NewString()),
		StudentID: studentID,
		Type:      typ,
		Points:    amount,
		Reason:    strings.TrimSpace(reason),
		CreatedAt: l.opts.now(),
		CreatedBy: actorID,
	}

	if err := tx.SetUserPoints(ctx, studentID, balance); err != nil {
		return Entry{}, fmt.Errorf("failed to update balance: %w", err)
	}
	if err := tx.AppendTransaction(ctx, t); err != nil {
		return Entry{}, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	return Entry{Transaction: t, Balance: balance}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (l *Ledger) student(ctx context.Context, r Reader, id UserID) (User, error) {
	u, err := r.GetUser(ctx, id)
	if err != nil {
		return User{}, asStudentNotFound(err, id)
	}
	if !u.IsStudent() {
		return User{}, notFound("student", string(id))
	}
	return u, nil
}

func asStudentNotFound(err error, id UserID) error {
	if IsNotFound(err) {
		return notFound("student", string(id))
	}
	return err
}
