package points_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutortrack/points-engine/points"
	"github.com/tutortrack/points-engine/points/store"
	"github.com/tutortrack/points-engine/points/storetest"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var errInjected = errors.New("injected failure")

// faultyStore fails selected Tx writes so the consistency paths can be
// driven without a real database fault.
type faultyStore struct {
	points.Store
	failRelease bool // SetItemQuantity that increases stock
	failAward   bool // AppendTransaction of an award
	failUpdate  bool // UpdateRequest
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(points.Tx) error) error {
	return f.Store.WithTx(ctx, func(tx points.Tx) error {
		return fn(&faultyTx{Tx: tx, f: f})
	})
}

type faultyTx struct {
	points.Tx
	f *faultyStore
}

func (t *faultyTx) SetItemQuantity(ctx context.Context, id points.ItemID, quantity int64) error {
	if t.f.failRelease {
		cur, err := t.Tx.LockItem(ctx, id)
		if err == nil && quantity > cur.AvailableQuantity {
			return errInjected
		}
	}
	return t.Tx.SetItemQuantity(ctx, id, quantity)
}

func (t *faultyTx) AppendTransaction(ctx context.Context, pt points.PointsTransaction) error {
	if t.f.failAward && pt.Type == points.TxAward {
		return errInjected
	}
	return t.Tx.AppendTransaction(ctx, pt)
}

func (t *faultyTx) UpdateRequest(ctx context.Context, r points.ItemRequest) error {
	if t.f.failUpdate {
		return errInjected
	}
	return t.Tx.UpdateRequest(ctx, r)
}

type fixture struct {
	*storetest.Env
	faults *faultyStore
	events *points.RecordingPublisher
}

func newFixture(t *testing.T, opts ...points.Option) *fixture {
	faults := &faultyStore{Store: store.NewMemory()}
	rec := &points.RecordingPublisher{}
	opts = append([]points.Option{points.WithPublisher(rec)}, opts...)

	env := storetest.NewEnv(t, faults)
	env.Ledger = points.NewLedger(faults, opts...)
	env.Inventory = points.NewInventory(faults, opts...)
	env.Directory = points.NewDirectory(faults, opts...)
	env.Redemptions = points.NewRedemptions(faults, env.Ledger, env.Inventory, opts...)
	return &fixture{Env: env, faults: faults, events: rec}
}

// =============================================================================
// CONSISTENCY PATHS
// =============================================================================

func TestCreateRequest_CompensationFailure_IsFatal(t *testing.T) {
	// GIVEN: A student who cannot afford the item
	// WHEN: The deduct fails and releasing the reservation also fails
	// THEN: ConsistencyError, and nothing changed
	ctx := context.Background()
	fx := newFixture(t)
	student := fx.Student(t, "s1", 10)
	item := fx.Item(t, "Bike", 60, 2)
	fx.faults.failRelease = true

	_, err := fx.Redemptions.CreateRequest(ctx, student, item.ID)

	var ce *points.ConsistencyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "create_request", ce.Op)
	assert.Equal(t, "release", ce.Step)
	assert.ErrorIs(t, err, errInjected)
	assert.True(t, points.IsFatal(err))
	assert.False(t, points.IsClientError(err))

	assert.Equal(t, int64(2), fx.Stock(t, item.ID))
	assert.Equal(t, int64(10), fx.Balance(t, "s1"))
}

func TestReject_BundleFailure_RollsBackEverything(t *testing.T) {
	cases := []struct {
		name   string
		inject func(*faultyStore)
		step   string
	}{
		{"release", func(f *faultyStore) { f.failRelease = true }, "release"},
		{"refund", func(f *faultyStore) { f.failAward = true }, "refund"},
		{"transition", func(f *faultyStore) { f.failUpdate = true }, "transition"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			fx := newFixture(t)
			student := fx.Student(t, "s1", 100)
			item := fx.Item(t, "Headphones", 60, 1)
			req, err := fx.Redemptions.CreateRequest(ctx, student, item.ID)
			require.NoError(t, err)
			tc.inject(fx.faults)

			_, err = fx.Redemptions.Reject(ctx, storetest.Tutor, req.ID, "damaged")

			var ce *points.ConsistencyError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, "reject", ce.Op)
			assert.Equal(t, tc.step, ce.Step)

			stored, err := fx.Store.GetRequest(ctx, req.ID)
			require.NoError(t, err)
			assert.Equal(t, points.RequestPending, stored.Status)
			assert.Equal(t, int64(40), fx.Balance(t, "s1"))
			assert.Equal(t, int64(0), fx.Stock(t, item.ID))
			assert.NotContains(t, fx.events.Types(), points.EventRequestRejected)
		})
	}
}

// =============================================================================
// AUTHORIZATION
// =============================================================================

func TestRedemption_RoleChecks(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	student := fx.Student(t, "s1", 100)
	item := fx.Item(t, "Pen", 10, 5)

	_, err := fx.Redemptions.CreateRequest(ctx, storetest.Tutor, item.ID)
	assert.ErrorIs(t, err, points.ErrForbidden, "only students request items")

	req, err := fx.Redemptions.CreateRequest(ctx, student, item.ID)
	require.NoError(t, err)

	_, err = fx.Redemptions.Approve(ctx, student, req.ID)
	assert.ErrorIs(t, err, points.ErrForbidden)

	_, err = fx.Redemptions.Reject(ctx, student, req.ID, "mine")
	assert.ErrorIs(t, err, points.ErrForbidden)

	_, err = fx.Redemptions.List(ctx, points.Principal{}, points.RequestFilter{})
	assert.ErrorIs(t, err, points.ErrForbidden)
}

func TestRedemption_UnknownItemAndRequest(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	student := fx.Student(t, "s1", 100)

	_, err := fx.Redemptions.CreateRequest(ctx, student, "nope")
	var nf *points.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "item", nf.Kind)

	_, err = fx.Redemptions.Approve(ctx, storetest.Tutor, "nope")
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "request", nf.Kind)
}

func TestRedemption_ListRejectsUnknownStatus(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.Redemptions.List(context.Background(), storetest.Tutor, points.RequestFilter{Status: "lost"})
	assert.ErrorIs(t, err, points.ErrValidation)
}

// =============================================================================
// EVENTS
// =============================================================================

func TestRedemption_EventsAfterCommit(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)
	fx := newFixture(t, points.WithClock(func() time.Time { return fixed }))
	student := fx.Student(t, "s1", 100)
	item := fx.Item(t, "Headphones", 60, 1)

	req, err := fx.Redemptions.CreateRequest(ctx, student, item.ID)
	require.NoError(t, err)
	_, err = fx.Redemptions.Reject(ctx, storetest.Tutor, req.ID, "damaged")
	require.NoError(t, err)

	// Failed attempts publish nothing.
	_, err = fx.Redemptions.Approve(ctx, storetest.Tutor, req.ID)
	require.Error(t, err)

	assert.Equal(t, []points.EventType{
		points.EventPointsAwarded,
		points.EventRequestCreated,
		points.EventRequestRejected,
	}, fx.events.Types())

	events := fx.events.Events()
	created := events[1]
	assert.Equal(t, req.ID, created.RequestID)
	assert.Equal(t, int64(60), created.Points)
	assert.Equal(t, int64(40), created.Balance)
	assert.Equal(t, fixed, created.OccurredAt)
	assert.NotEmpty(t, created.ID)

	rejected := events[2]
	assert.Equal(t, "damaged", rejected.Note)
	assert.Equal(t, int64(100), rejected.Balance)
	assert.Equal(t, storetest.Tutor.UserID, rejected.ActorID)
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(context.Context, points.Event) error {
	p.calls++
	return errors.New("broker down")
}

func TestLedger_PublishFailureDoesNotFailOperation(t *testing.T) {
	ctx := context.Background()
	pub := &failingPublisher{}
	s := store.NewMemory()
	env := storetest.NewEnv(t, s)
	env.Student(t, "s1", 0)

	ledger := points.NewLedger(s, points.WithPublisher(pub))
	entry, err := ledger.Award(ctx, storetest.Tutor, "s1", 25, "quiz")

	require.NoError(t, err)
	assert.Equal(t, int64(25), entry.Balance)
	assert.Equal(t, 1, pub.calls)
	assert.Equal(t, int64(25), env.Balance(t, "s1"))
}
