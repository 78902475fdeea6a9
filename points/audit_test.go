package points_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutortrack/points-engine/points"
	"github.com/tutortrack/points-engine/points/store"
	"github.com/tutortrack/points-engine/points/storetest"
)

func TestAuditLedger_CleanAfterEngineWrites(t *testing.T) {
	// GIVEN: Balances moved only through the engine
	ctx := context.Background()
	fx := newFixture(t)
	stu := fx.Student(t, "s1", 100)
	item := fx.Item(t, "Pen", 40, 2)

	_, err := fx.Ledger.Deduct(ctx, storetest.Tutor, "s1", 10, "late")
	require.NoError(t, err)
	req, err := fx.Redemptions.CreateRequest(ctx, stu, item.ID)
	require.NoError(t, err)
	_, err = fx.Redemptions.Reject(ctx, storetest.Tutor, req.ID, "no")
	require.NoError(t, err)

	// WHEN: The ledger is audited
	report, err := points.AuditLedger(ctx, fx.Store)

	// THEN: Every balance matches its ledger
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 1, report.StudentsChecked)
}

func TestAuditLedger_ReportsDrift(t *testing.T) {
	// GIVEN: A balance written behind the ledger's back
	s := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx points.Tx) error {
		if err := tx.InsertUser(ctx, points.User{ID: "s1", Name: "S", Role: points.RoleStudent, CreatedAt: time.Now()}); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, points.PointsTransaction{
			ID: "t1", StudentID: "s1", Type: points.TxAward, Points: 50, CreatedAt: time.Now(), CreatedBy: "tutor-1",
		}); err != nil {
			return err
		}
		return tx.SetUserPoints(ctx, "s1", 80)
	}))

	// WHEN
	report, err := points.AuditLedger(ctx, s)

	// THEN
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	d := report.Discrepancies[0]
	assert.Equal(t, points.UserID("s1"), d.StudentID)
	assert.Equal(t, int64(50), d.LedgerSum)
	assert.Equal(t, int64(30), d.Drift())
}
