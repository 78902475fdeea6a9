/*
Package storetest is the conformance suite for points.Store implementations.

Every backend runs the same behavioral checks, from raw store semantics
(rollback, not-found, duplicates, ordering) up to the engine's laws run
through the real services on top of the store:

  - balance equals the sum of applied deltas and never goes negative
  - stock equals initial + releases - reservations and never goes negative
  - approve/reject on a terminal request fails and changes nothing
  - a failed spend leaves stock untouched (compensation)
  - reject refunds points and stock exactly
  - N concurrent deducts of A against balance B succeed floor(B/A) times

USAGE:

	func TestConformance(t *testing.T) {
	    storetest.Run(t, func(t *testing.T) points.Store {
	        s, err := sqlite.New(":memory:")
	        require.NoError(t, err)
	        t.Cleanup(func() { s.Close() })
	        return s
	    })
	}
*/
package storetest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tutortrack/points-engine/points"
)

// Factory returns a fresh, empty store. It should register its own cleanup.
type Factory func(t *testing.T) points.Store

// Run executes the whole suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Store", func(t *testing.T) { runStore(t, newStore) })
	t.Run("Ledger", func(t *testing.T) { runLedger(t, newStore) })
	t.Run("Inventory", func(t *testing.T) { runInventory(t, newStore) })
	t.Run("Redemption", func(t *testing.T) { runRedemption(t, newStore) })
	t.Run("Concurrency", func(t *testing.T) { runConcurrency(t, newStore) })
}

// =============================================================================
// FIXTURE
// =============================================================================

var (
	Admin = points.Principal{UserID: "admin-1", Role: points.RoleAdmin}
	Tutor = points.Principal{UserID: "tutor-1", Role: points.RoleTutor}
)

// Env wires the services over one store with a tutor and admin in place.
type Env struct {
	Store       points.Store
	Directory   *points.Directory
	Ledger      *points.Ledger
	Inventory   *points.Inventory
	Redemptions *points.Redemptions
}

func NewEnv(t *testing.T, s points.Store) *Env {
	t.Helper()
	ledger := points.NewLedger(s)
	inventory := points.NewInventory(s)
	env := &Env{
		Store:       s,
		Directory:   points.NewDirectory(s),
		Ledger:      ledger,
		Inventory:   inventory,
		Redemptions: points.NewRedemptions(s, ledger, inventory),
	}
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx points.Tx) error {
		if err := tx.InsertUser(ctx, points.User{ID: Admin.UserID, Name: "Admin", Role: points.RoleAdmin}); err != nil {
			return err
		}
		return tx.InsertUser(ctx, points.User{ID: Tutor.UserID, Name: "Tutor", Role: points.RoleTutor})
	}))
	return env
}

// Student creates a student under Tutor with the given starting balance
// and returns the principal acting as them.
func (e *Env) Student(t *testing.T, id points.UserID, balance int64) points.Principal {
	t.Helper()
	ctx := context.Background()
	tutorID := Tutor.UserID
	_, err := e.Directory.CreateUser(ctx, Admin, points.NewUser{
		ID: id, Name: string(id), Role: points.RoleStudent, TutorID: &tutorID,
	})
	require.NoError(t, err)
	if balance > 0 {
		_, err = e.Ledger.Award(ctx, Tutor, id, balance, "opening balance")
		require.NoError(t, err)
	}
	return points.Principal{UserID: id, Role: points.RoleStudent}
}

func (e *Env) Item(t *testing.T, name string, price, quantity int64) points.StoreItem {
	t.Helper()
	item, err := e.Inventory.CreateItem(context.Background(), Admin, points.NewItem{
		Name: name, PointsRequired: price, Quantity: quantity,
	})
	require.NoError(t, err)
	return item
}

func (e *Env) Balance(t *testing.T, id points.UserID) int64 {
	t.Helper()
	b, err := e.Ledger.Balance(context.Background(), Tutor, id)
	require.NoError(t, err)
	return b
}

func (e *Env) Stock(t *testing.T, id points.ItemID) int64 {
	t.Helper()
	item, err := e.Inventory.Item(context.Background(), id)
	require.NoError(t, err)
	return item.AvailableQuantity
}

// =============================================================================
// RAW STORE SEMANTICS
// =============================================================================

func runStore(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("NotFound", func(t *testing.T) {
		s := newStore(t)

		_, err := s.GetUser(ctx, "nobody")
		var nf *points.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "user", nf.Kind)

		_, err = s.GetItem(ctx, "nothing")
		assert.ErrorIs(t, err, points.ErrNotFound)

		_, err = s.GetRequest(ctx, "none")
		assert.ErrorIs(t, err, points.ErrNotFound)

		err = s.WithTx(ctx, func(tx points.Tx) error {
			_, err := tx.LockItem(ctx, "nothing")
			return err
		})
		assert.ErrorIs(t, err, points.ErrNotFound)
	})

	t.Run("RollbackOnError", func(t *testing.T) {
		s := newStore(t)
		boom := errors.New("boom")

		err := s.WithTx(ctx, func(tx points.Tx) error {
			require.NoError(t, tx.InsertUser(ctx, points.User{ID: "u1", Name: "U", Role: points.RoleStudent}))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = s.GetUser(ctx, "u1")
		assert.ErrorIs(t, err, points.ErrNotFound)
	})

	t.Run("DuplicateInsert", func(t *testing.T) {
		s := newStore(t)
		u := points.User{ID: "u1", Name: "U", Role: points.RoleStudent}
		require.NoError(t, s.WithTx(ctx, func(tx points.Tx) error { return tx.InsertUser(ctx, u) }))

		err := s.WithTx(ctx, func(tx points.Tx) error { return tx.InsertUser(ctx, u) })
		assert.ErrorIs(t, err, points.ErrAlreadyExists)
	})

	t.Run("WritesVisibleInsideTx", func(t *testing.T) {
		s := newStore(t)
		err := s.WithTx(ctx, func(tx points.Tx) error {
			if err := tx.InsertUser(ctx, points.User{ID: "u1", Name: "U", Role: points.RoleStudent}); err != nil {
				return err
			}
			if err := tx.SetUserPoints(ctx, "u1", 42); err != nil {
				return err
			}
			u, err := tx.LockUser(ctx, "u1")
			if err != nil {
				return err
			}
			assert.Equal(t, int64(42), u.Points)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("UserFilters", func(t *testing.T) {
		env := NewEnv(t, newStore(t))
		env.Student(t, "s1", 0)
		env.Student(t, "s2", 0)
		_, err := env.Directory.CreateUser(ctx, Admin, points.NewUser{ID: "s3", Name: "Loner", Role: points.RoleStudent})
		require.NoError(t, err)

		all, err := env.Store.ListUsers(ctx, points.UserFilter{Role: points.RoleStudent})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		tutorID := Tutor.UserID
		mine, err := env.Store.ListUsers(ctx, points.UserFilter{TutorID: &tutorID})
		require.NoError(t, err)
		require.Len(t, mine, 2)
		assert.Equal(t, points.UserID("s1"), mine[0].ID)
		assert.Equal(t, points.UserID("s2"), mine[1].ID)
		require.NotNil(t, mine[0].TutorID)
		assert.Equal(t, tutorID, *mine[0].TutorID)
	})
}

// =============================================================================
// LEDGER
// =============================================================================

func runLedger(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("BalanceEqualsSumOfDeltas", func(t *testing.T) {
		env := NewEnv(t, newStore(t))
		env.Student(t, "s1", 0)

		ops := []struct {
			award  bool
			amount int64
		}{
			{true, 50}, {false, 20}, {false, 40}, {true, 5}, {false, 35}, {false, 1}, {true, 10},
		}
		for _, op := range ops {
			if op.award {
				_, _ = env.Ledger.Award(ctx, Tutor, "s1", op.amount, "op")
			} else {
				_, _ = env.Ledger.Deduct(ctx, Tutor, "s1", op.amount, "op")
			}
			assert.GreaterOrEqual(t, env.Balance(t, "s1"), int64(0))
		}

		history, err := env.Ledger.History(ctx, Tutor, "s1")
		require.NoError(t, err)
		var sum int64
		for _, tx := range history {
			sum += tx.Delta()
		}
		// 50-20 = 30, 40 rejected, +5 = 35, -35 = 0, 1 rejected, +10 = 10
		assert.Equal(t, int64(10), env.Balance(t, "s1"))
		assert.Equal(t, env.Balance(t, "s1"), sum)
		assert.Len(t, history, 5)
	})

	t.Run("DeductBeyondBalanceWritesNothing", func(t *testing.T) {
		env := NewEnv(t, newStore(t))
		env.Student(t, "s1", 30)

		_, err := env.Ledger.Deduct(ctx, Tutor, "s1", 31, "too much")
		var ib *points.InsufficientBalanceError
		require.ErrorAs(t, err, &ib)
		assert.Equal(t, int64(30), ib.Balance)
		assert.Equal(t, int64(31), ib.Requested)

		assert.Equal(t, int64(30), env.Balance(t, "s1"))
		txs, err := env.Store.ListTransactions(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, txs, 1)
	})

	t.Run("HistoryNewestFirst", func(t *testing.T) {
		env := NewEnv(t, newStore(t))
		env.Student(t, "s1", 10)
		_, err := env.Ledger.Deduct(ctx, Tutor, "s1", 4, "second")
		require.NoError(t, err)

		history, err := env.Ledger.History(ctx, Tutor, "s1")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "second", history[0].Reason)
		assert.Equal(t, points.TxDeduct, history[0].Type)
		assert.Equal(t, Tutor.UserID, history[0].CreatedBy)
		assert.Equal(t, "opening balance", history[1].Reason)
	})

	t.Run("UnknownStudent", func(t *testing.T) {
		env := NewEnv(t, newStore(t))
		_, err := env.Ledger.Award(ctx, Tutor, "ghost", 10, "x")
		var nf *points.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "student", nf.Kind)

		// Tutors have no balance.
		_, err = env.Ledger.Award(ctx, Admin, Tutor.UserID, 10, "x")
		assert.ErrorIs(t, err, points.ErrNotFound)
	})
}

// =============================================================================
// INVENTORY
// =============================================================================

func runInventory(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("StockEqualsInitialPlusReleasesMinusReserves", func(t *testing.T) {
		env := NewEnv(t, newStore(t))
		item := env.Item(t, "Pencil", 5, 3)

		var reserved, released int64
		steps := []struct {
			reserve bool
			qty     int64
		}{
			{true, 2}, {true, 2}, {false, 1}, {true, 2}, {true, 1}, {false, 4},
		}
		for _, s := range steps {
			if s.reserve {
				if _, err := env.Inventory.Reserve(ctx, item.ID, s.qty); err == nil {
					reserved += s.qty
				} else {
					assert.ErrorIs(t, err, points.ErrOutOfStock)
				}
			} else {
				_, err := env.Inventory.Release(ctx, item.ID, s.qty)
				require.NoError(t, err)
				released += s.qty
			}
			assert.GreaterOrEqual(t, env.Stock(t, item.ID), int64(0))
		}
		assert.Equal(t, 3+released-reserved, env.Stock(t, item.ID))
	})

	t.Run("OutOfStockDetails", func(t *testing.T) {
		env := NewEnv(t, newStore(t))
		item := env.Item(t, "Sticker", 1, 1)

		_, err := env.Inventory.Reserve(ctx, item.ID, 2)
		var oos *points.OutOfStockError
		require.ErrorAs(t, err, &oos)
		assert.Equal(t, int64(1), oos.Available)
		assert.Equal(t, int64(1), env.Stock(t, item.ID))
	})

	t.Run("UpdateItemKeepsStock", func(t *testing.T) {
		env := NewEnv(t, newStore(t))
		item := env.Item(t, "Book", 50, 4)

		updated, err := env.Inventory.UpdateItem(ctx, Admin, item.ID, points.ItemDetails{
			Name: "Hardcover Book", Description: "signed", PointsRequired: 70,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(4), updated.AvailableQuantity)

		got, err := env.Inventory.Item(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, "Hardcover Book", got.Name)
		assert.Equal(t, "signed", got.Description)
		assert.Equal(t, int64(70), got.PointsRequired)
		assert.Equal(t, int64(4), got.AvailableQuantity)
	})
}

// =============================================================================
// REDEMPTION
// =============================================================================

func runRedemption(t *testing.T, newStore Factory) {
	ctx := context.Background()

	// Student with 100 requests an item priced 60 with stock 1.
	setup := func(t *testing.T) (*Env, points.Principal, points.StoreItem, points.ItemRequest) {
		env := NewEnv(t, newStore(t))
		student := env.Student(t, "s1", 100)
		item := env.Item(t, "Headphones", 60, 1)
		req, err := env.Redemptions.CreateRequest(ctx, student, item.ID)
		require.NoError(t, err)
		return env, student, item, req
	}

	t.Run("CreateHoldsPointsAndStock", func(t *testing.T) {
		env, student, item, req := setup(t)

		assert.Equal(t, points.RequestPending, req.Status)
		assert.Equal(t, int64(60), req.PointsSpent)
		assert.Equal(t, student.UserID, req.StudentID)
		assert.Equal(t, int64(40), env.Balance(t, "s1"))
		assert.Equal(t, int64(0), env.Stock(t, item.ID))

		other := env.Student(t, "s2", 100)
		_, err := env.Redemptions.CreateRequest(ctx, other, item.ID)
		assert.ErrorIs(t, err, points.ErrOutOfStock)
		assert.Equal(t, int64(0), env.Stock(t, item.ID))
		assert.Equal(t, int64(100), env.Balance(t, "s2"))
	})

	t.Run("RejectRefundsExactly", func(t *testing.T) {
		env, _, item, req := setup(t)

		rejected, err := env.Redemptions.Reject(ctx, Tutor, req.ID, "damaged")
		require.NoError(t, err)
		assert.Equal(t, points.RequestRejected, rejected.Status)

		stored, err := env.Store.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, points.RequestRejected, stored.Status)
		assert.Equal(t, "damaged", stored.Note)
		require.NotNil(t, stored.DecidedBy)
		assert.Equal(t, Tutor.UserID, *stored.DecidedBy)
		assert.NotNil(t, stored.DecidedAt)

		assert.Equal(t, int64(100), env.Balance(t, "s1"))
		assert.Equal(t, int64(1), env.Stock(t, item.ID))

		history, err := env.Ledger.History(ctx, Tutor, "s1")
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, points.TxAward, history[0].Type)
		assert.Equal(t, "request rejected", history[0].Reason)
	})

	t.Run("RejectRefundsPriceAtCreation", func(t *testing.T) {
		env, _, item, req := setup(t)
		_, err := env.Inventory.UpdateItem(ctx, Admin, item.ID, points.ItemDetails{Name: "Headphones", PointsRequired: 90})
		require.NoError(t, err)

		_, err = env.Redemptions.Reject(ctx, Tutor, req.ID, "repriced")
		require.NoError(t, err)
		assert.Equal(t, int64(100), env.Balance(t, "s1"))
	})

	t.Run("ApproveChangesNothingElse", func(t *testing.T) {
		env, _, item, req := setup(t)

		approved, err := env.Redemptions.Approve(ctx, Tutor, req.ID)
		require.NoError(t, err)
		assert.Equal(t, points.RequestApproved, approved.Status)
		assert.Equal(t, int64(40), env.Balance(t, "s1"))
		assert.Equal(t, int64(0), env.Stock(t, item.ID))
	})

	t.Run("TerminalStatesAreFinal", func(t *testing.T) {
		for _, first := range []points.RequestStatus{points.RequestApproved, points.RequestRejected} {
			t.Run(string(first), func(t *testing.T) {
				env, _, item, req := setup(t)
				var err error
				if first == points.RequestApproved {
					_, err = env.Redemptions.Approve(ctx, Tutor, req.ID)
				} else {
					_, err = env.Redemptions.Reject(ctx, Tutor, req.ID, "no")
				}
				require.NoError(t, err)

				balance, stock := env.Balance(t, "s1"), env.Stock(t, item.ID)
				before, err := env.Store.GetRequest(ctx, req.ID)
				require.NoError(t, err)

				_, err = env.Redemptions.Approve(ctx, Admin, req.ID)
				var ist *points.InvalidStateTransitionError
				require.ErrorAs(t, err, &ist)
				assert.Equal(t, first, ist.From)

				_, err = env.Redemptions.Reject(ctx, Admin, req.ID, "again")
				assert.ErrorIs(t, err, points.ErrInvalidStateTransition)

				after, err := env.Store.GetRequest(ctx, req.ID)
				require.NoError(t, err)
				assert.Equal(t, before.Status, after.Status)
				assert.Equal(t, before.Note, after.Note)
				assert.Equal(t, balance, env.Balance(t, "s1"))
				assert.Equal(t, stock, env.Stock(t, item.ID))
			})
		}
	})

	t.Run("FailedSpendReleasesReservation", func(t *testing.T) {
		env := NewEnv(t, newStore(t))
		student := env.Student(t, "s1", 10)
		item := env.Item(t, "Bike", 60, 2)

		_, err := env.Redemptions.CreateRequest(ctx, student, item.ID)
		assert.ErrorIs(t, err, points.ErrInsufficientBalance)
		assert.False(t, points.IsFatal(err))

		assert.Equal(t, int64(2), env.Stock(t, item.ID))
		assert.Equal(t, int64(10), env.Balance(t, "s1"))
		reqs, err := env.Store.ListRequests(ctx, points.RequestFilter{})
		require.NoError(t, err)
		assert.Empty(t, reqs)
	})

	t.Run("RejectWithoutNote", func(t *testing.T) {
		env, _, item, req := setup(t)

		_, err := env.Redemptions.Reject(ctx, Tutor, req.ID, "   ")
		assert.ErrorIs(t, err, points.ErrValidation)

		stored, err := env.Store.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, points.RequestPending, stored.Status)
		assert.Equal(t, int64(0), env.Stock(t, item.ID))
	})

	t.Run("StudentsSeeOnlyTheirOwn", func(t *testing.T) {
		env, student, _, req := setup(t)
		other := env.Student(t, "s2", 10)
		item := env.Item(t, "Eraser", 5, 5)
		_, err := env.Redemptions.CreateRequest(ctx, other, item.ID)
		require.NoError(t, err)

		mine, err := env.Redemptions.List(ctx, student, points.RequestFilter{})
		require.NoError(t, err)
		require.Len(t, mine, 1)
		assert.Equal(t, req.ID, mine[0].ID)

		_, err = env.Redemptions.Get(ctx, other, req.ID)
		assert.ErrorIs(t, err, points.ErrNotFound)

		all, err := env.Redemptions.List(ctx, Tutor, points.RequestFilter{Status: points.RequestPending})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, req.ID, all[0].ID)
	})
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func runConcurrency(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("ConcurrentDeducts", func(t *testing.T) {
		const (
			n       = 10
			amount  = 30
			balance = 100
		)
		env := NewEnv(t, newStore(t))
		env.Student(t, "s1", balance)

		var ok, short atomic.Int64
		var g errgroup.Group
		for range n {
			g.Go(func() error {
				_, err := env.Ledger.Deduct(ctx, Tutor, "s1", amount, "race")
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, points.ErrInsufficientBalance):
					short.Add(1)
				default:
					return err
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		want := int64(balance / amount)
		assert.Equal(t, want, ok.Load())
		assert.Equal(t, n-want, short.Load())
		assert.Equal(t, int64(balance)-want*amount, env.Balance(t, "s1"))
	})

	t.Run("LastUnitGoesToOneStudent", func(t *testing.T) {
		const n = 8
		env := NewEnv(t, newStore(t))
		item := env.Item(t, "Trophy", 10, 1)
		students := make([]points.Principal, n)
		for i := range students {
			students[i] = env.Student(t, points.UserID("s"+string(rune('a'+i))), 50)
		}

		var ok, oos atomic.Int64
		var g errgroup.Group
		for _, s := range students {
			g.Go(func() error {
				_, err := env.Redemptions.CreateRequest(ctx, s, item.ID)
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, points.ErrOutOfStock):
					oos.Add(1)
				default:
					return err
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		assert.Equal(t, int64(1), ok.Load())
		assert.Equal(t, int64(n-1), oos.Load())
		assert.Equal(t, int64(0), env.Stock(t, item.ID))

		var total int64
		for _, s := range students {
			total += env.Balance(t, s.UserID)
		}
		assert.Equal(t, int64(n*50-10), total)
	})
}
