package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutortrack/points-engine/points"
	"github.com/tutortrack/points-engine/points/store"
	"github.com/tutortrack/points-engine/points/storetest"
)

func TestMemory_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) points.Store {
		return store.NewMemory()
	})
}

func TestMemory_RollbackRestoresOrder(t *testing.T) {
	// GIVEN: One committed item
	// WHEN: A failed transaction inserts a second one
	// THEN: Listing shows only the first
	ctx := context.Background()
	m := store.NewMemory()

	require.NoError(t, m.WithTx(ctx, func(tx points.Tx) error {
		return tx.InsertItem(ctx, points.StoreItem{ID: "i1", Name: "A", PointsRequired: 1})
	}))
	err := m.WithTx(ctx, func(tx points.Tx) error {
		require.NoError(t, tx.InsertItem(ctx, points.StoreItem{ID: "i2", Name: "B", PointsRequired: 1}))
		return points.ErrValidation
	})
	require.ErrorIs(t, err, points.ErrValidation)

	items, err := m.ListItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, points.ItemID("i1"), items[0].ID)
}

func TestMemory_RejectsNegativeWrites(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	err := m.WithTx(ctx, func(tx points.Tx) error {
		if err := tx.InsertItem(ctx, points.StoreItem{ID: "i1", Name: "A", PointsRequired: 1}); err != nil {
			return err
		}
		return tx.SetItemQuantity(ctx, "i1", -1)
	})
	assert.True(t, points.IsFatal(err))

	_, err = m.GetItem(ctx, "i1")
	assert.ErrorIs(t, err, points.ErrNotFound)
}

func TestMemory_Reset(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.WithTx(ctx, func(tx points.Tx) error {
		return tx.InsertUser(ctx, points.User{ID: "u1", Name: "U", Role: points.RoleTutor})
	}))

	require.NoError(t, m.Reset(ctx))

	users, err := m.ListUsers(ctx, points.UserFilter{})
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestMemory_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.NewMemory().WithTx(ctx, func(points.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestMemory_PanicRollsBack(t *testing.T) {
	// GIVEN: A student with 10 points
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.WithTx(ctx, func(tx points.Tx) error {
		return tx.InsertUser(ctx, points.User{ID: "s1", Name: "S", Role: points.RoleStudent})
	}))
	require.NoError(t, m.WithTx(ctx, func(tx points.Tx) error {
		return tx.SetUserPoints(ctx, "s1", 10)
	}))

	// WHEN: A transaction panics after moving the balance
	assert.PanicsWithValue(t, "boom", func() {
		_ = m.WithTx(ctx, func(tx points.Tx) error {
			require.NoError(t, tx.SetUserPoints(ctx, "s1", 25))
			panic("boom")
		})
	})

	// THEN: The write is undone and the store is still usable
	u, err := m.GetUser(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), u.Points)
	require.NoError(t, m.WithTx(ctx, func(tx points.Tx) error {
		return tx.SetUserPoints(ctx, "s1", 11)
	}))
}
