/*
handlers_test.go - HTTP tests for the API

Every test drives the real router (auth, validation, error mapping) over
an in-memory store seeded through the engine.
*/
package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutortrack/points-engine/api"
	"github.com/tutortrack/points-engine/metrics"
	"github.com/tutortrack/points-engine/points"
	"github.com/tutortrack/points-engine/points/store"
	"github.com/tutortrack/points-engine/points/storetest"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const testSecret = "test-secret"

type testServer struct {
	*storetest.Env
	auth    *api.Authenticator
	metrics *metrics.Metrics
	router  http.Handler
}

func newServer(t *testing.T) *testServer {
	t.Helper()
	s := store.NewMemory()
	auth := api.NewAuthenticator(testSecret, "tutortrack")
	m := metrics.New()
	h := api.NewHandler(api.Config{Store: s, Auth: auth, Metrics: m, Logger: zerolog.Nop()})
	return &testServer{
		Env:     storetest.NewEnv(t, s),
		auth:    auth,
		metrics: m,
		router:  api.NewRouter(h, api.RouterOptions{Scenarios: true}),
	}
}

func (ts *testServer) token(t *testing.T, p points.Principal) string {
	t.Helper()
	token, err := ts.auth.IssueToken(p, time.Hour)
	require.NoError(t, err)
	return token
}

// do sends a request as p. A zero principal sends no token.
func (ts *testServer) do(t *testing.T, p points.Principal, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			r = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			r = bytes.NewReader(data)
		}
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if !p.IsZero() {
		req.Header.Set("Authorization", "Bearer "+ts.token(t, p))
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func requireError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) api.ErrorResponse {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	resp := decode[api.ErrorResponse](t, rec)
	assert.Equal(t, code, resp.Code)
	assert.NotEmpty(t, resp.Error)
	return resp
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func TestAuth_MissingToken(t *testing.T) {
	ts := newServer(t)

	rec := ts.do(t, points.Principal{}, http.MethodGet, "/api/store/items", nil)

	requireError(t, rec, http.StatusUnauthorized, "unauthorized")
}

func TestAuth_WrongSecret(t *testing.T) {
	ts := newServer(t)
	other := api.NewAuthenticator("another-secret", "tutortrack")
	token, err := other.IssueToken(storetest.Admin, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/store/items", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	requireError(t, rec, http.StatusUnauthorized, "unauthorized")
}

func TestAuth_WrongIssuer(t *testing.T) {
	ts := newServer(t)
	other := api.NewAuthenticator(testSecret, "someone-else")
	token, err := other.IssueToken(storetest.Admin, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/store/items", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	requireError(t, rec, http.StatusUnauthorized, "unauthorized")
}

func TestAuth_ExpiredToken(t *testing.T) {
	ts := newServer(t)
	token, err := ts.auth.IssueToken(storetest.Admin, -time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/store/items", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	requireError(t, rec, http.StatusUnauthorized, "unauthorized")
}

func TestAuth_CookieToken(t *testing.T) {
	ts := newServer(t)
	ts.Student(t, "s1", 40)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(&http.Cookie{Name: "access_token", Value: ts.token(t, points.Principal{UserID: "s1", Role: points.RoleStudent})})
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	me := decode[api.UserDTO](t, rec)
	assert.Equal(t, "s1", me.ID)
	assert.Equal(t, int64(40), me.Points)
	require.NotNil(t, me.TutorID)
	assert.Equal(t, "tutor-1", *me.TutorID)
}

func TestAuth_OpenEndpoints(t *testing.T) {
	ts := newServer(t)

	rec := ts.do(t, points.Principal{}, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, points.Principal{}, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// POINTS
// =============================================================================

func TestAwardPoints(t *testing.T) {
	// GIVEN: A student with 10 points
	ts := newServer(t)
	ts.Student(t, "s1", 10)

	// WHEN: The tutor awards 25
	rec := ts.do(t, storetest.Tutor, http.MethodPost, "/api/points/award", api.PointsRequest{
		StudentID: "s1", Amount: 25, Reason: "great essay",
	})

	// THEN: The new balance and the ledger row come back
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[api.PointsResponse](t, rec)
	assert.Equal(t, int64(35), resp.NewBalance)
	assert.Equal(t, "award", resp.Transaction.Type)
	assert.Equal(t, int64(25), resp.Transaction.Delta)
	assert.Equal(t, "great essay", resp.Transaction.Reason)
	assert.Equal(t, "tutor-1", resp.Transaction.CreatedBy)
}

func TestAwardPoints_StudentForbidden(t *testing.T) {
	ts := newServer(t)
	student := ts.Student(t, "s1", 10)

	rec := ts.do(t, student, http.MethodPost, "/api/points/award", api.PointsRequest{StudentID: "s1", Amount: 100})

	requireError(t, rec, http.StatusForbidden, "forbidden")
	assert.Equal(t, int64(10), ts.Balance(t, "s1"))
}

func TestAwardPoints_Validation(t *testing.T) {
	ts := newServer(t)
	ts.Student(t, "s1", 10)

	cases := []struct {
		name string
		body any
	}{
		{"zero amount", api.PointsRequest{StudentID: "s1", Amount: 0}},
		{"negative amount", api.PointsRequest{StudentID: "s1", Amount: -5}},
		{"missing student", api.PointsRequest{Amount: 5}},
		{"malformed json", `{"studentId": "s1", "amount": `},
		{"unknown field", `{"studentId": "s1", "amount": 5, "bonus": true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, storetest.Tutor, http.MethodPost, "/api/points/award", tc.body)
			requireError(t, rec, http.StatusBadRequest, "validation_failed")
		})
	}
	assert.Equal(t, int64(10), ts.Balance(t, "s1"))
}

func TestAwardPoints_ValidationNamesJSONField(t *testing.T) {
	ts := newServer(t)

	rec := ts.do(t, storetest.Tutor, http.MethodPost, "/api/points/award", api.PointsRequest{StudentID: "s1"})

	resp := requireError(t, rec, http.StatusBadRequest, "validation_failed")
	assert.Contains(t, rec.Body.String(), `"field":"amount"`)
	assert.NotNil(t, resp.Details)
}

func TestAwardPoints_UnknownStudent(t *testing.T) {
	ts := newServer(t)

	rec := ts.do(t, storetest.Tutor, http.MethodPost, "/api/points/award", api.PointsRequest{StudentID: "ghost", Amount: 5})

	requireError(t, rec, http.StatusNotFound, "not_found")
}

func TestDeductPoints_Insufficient(t *testing.T) {
	// GIVEN: A student with 20 points
	ts := newServer(t)
	ts.Student(t, "s1", 20)

	// WHEN: The tutor deducts 50
	rec := ts.do(t, storetest.Tutor, http.MethodPost, "/api/points/deduct", api.PointsRequest{StudentID: "s1", Amount: 50})

	// THEN: 409 with the shortfall, balance untouched
	requireError(t, rec, http.StatusConflict, "insufficient_balance")
	assert.Contains(t, rec.Body.String(), `"shortfall":30`)
	assert.Equal(t, int64(20), ts.Balance(t, "s1"))
}

func TestDeductPoints(t *testing.T) {
	ts := newServer(t)
	ts.Student(t, "s1", 20)

	rec := ts.do(t, storetest.Admin, http.MethodPost, "/api/points/deduct", api.PointsRequest{StudentID: "s1", Amount: 20, Reason: "late"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[api.PointsResponse](t, rec)
	assert.Equal(t, int64(0), resp.NewBalance)
	assert.Equal(t, int64(-20), resp.Transaction.Delta)
}

func TestBalanceAndTransactions(t *testing.T) {
	ts := newServer(t)
	student := ts.Student(t, "s1", 50)
	_, err := ts.Ledger.Deduct(t.Context(), storetest.Tutor, "s1", 15, "late")
	require.NoError(t, err)

	rec := ts.do(t, student, http.MethodGet, "/api/students/s1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, api.BalanceResponse{StudentID: "s1", Points: 35}, decode[api.BalanceResponse](t, rec))

	rec = ts.do(t, student, http.MethodGet, "/api/students/s1/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decode[[]api.TransactionDTO](t, rec)
	require.Len(t, txs, 2)
	assert.Equal(t, "deduct", txs[0].Type, "newest first")
	assert.Equal(t, "award", txs[1].Type)
}

func TestTransactions_OtherStudentForbidden(t *testing.T) {
	ts := newServer(t)
	ts.Student(t, "s1", 50)
	other := ts.Student(t, "s2", 0)

	rec := ts.do(t, other, http.MethodGet, "/api/students/s1/transactions", nil)

	requireError(t, rec, http.StatusForbidden, "forbidden")
}

func TestListStudents(t *testing.T) {
	ts := newServer(t)
	ts.Student(t, "s1", 0)
	student := ts.Student(t, "s2", 0)

	rec := ts.do(t, storetest.Tutor, http.MethodGet, "/api/students?tutorId=tutor-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.UserDTO](t, rec), 2)

	rec = ts.do(t, storetest.Tutor, http.MethodGet, "/api/students?tutorId=nobody", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = ts.do(t, student, http.MethodGet, "/api/students", nil)
	requireError(t, rec, http.StatusForbidden, "forbidden")
}

// =============================================================================
// STORE
// =============================================================================

func TestStoreItems_AdminLifecycle(t *testing.T) {
	ts := newServer(t)

	// Create
	rec := ts.do(t, storetest.Admin, http.MethodPost, "/api/store/items", api.CreateItemRequest{
		Name: "Pen", Description: "Blue", PointsRequired: 30, Quantity: 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	item := decode[api.ItemDTO](t, rec)
	assert.True(t, item.InStock)

	// Update details
	rec = ts.do(t, storetest.Admin, http.MethodPut, "/api/store/items/"+item.ID, api.UpdateItemRequest{
		Name: "Gel Pen", Description: "Black", PointsRequired: 35,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[api.ItemDTO](t, rec)
	assert.Equal(t, "Gel Pen", updated.Name)
	assert.Equal(t, int64(35), updated.PointsRequired)
	assert.Equal(t, int64(2), updated.AvailableQuantity, "details edit leaves stock alone")

	// Restock
	rec = ts.do(t, storetest.Admin, http.MethodPost, "/api/store/items/"+item.ID+"/restock", api.RestockRequest{Quantity: 3})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(5), decode[api.ItemDTO](t, rec).AvailableQuantity)

	// List
	rec = ts.do(t, storetest.Tutor, http.MethodGet, "/api/store/items", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.ItemDTO](t, rec), 1)
}

func TestStoreItems_TutorCannotCreate(t *testing.T) {
	ts := newServer(t)

	rec := ts.do(t, storetest.Tutor, http.MethodPost, "/api/store/items", api.CreateItemRequest{Name: "Pen", PointsRequired: 30})

	requireError(t, rec, http.StatusForbidden, "forbidden")
}

func TestStoreItems_RestockUnknown(t *testing.T) {
	ts := newServer(t)

	rec := ts.do(t, storetest.Admin, http.MethodPost, "/api/store/items/nope/restock", api.RestockRequest{Quantity: 1})

	requireError(t, rec, http.StatusNotFound, "not_found")
}

// =============================================================================
// REDEMPTION WORKFLOW
// =============================================================================

func TestRedemption_CreateThenReject(t *testing.T) {
	// GIVEN: A student with 100 points and an item costing 60
	ts := newServer(t)
	student := ts.Student(t, "s1", 100)
	item := ts.Item(t, "Headphones", 60, 1)

	// WHEN: The student redeems it
	rec := ts.do(t, student, http.MethodPost, "/api/requests", api.CreateItemRequestRequest{ItemID: string(item.ID)})

	// THEN: A pending request, points spent, stock reserved
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[api.RequestDTO](t, rec)
	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, int64(60), created.PointsSpent)
	assert.NotEmpty(t, created.RequestID)
	assert.Equal(t, int64(40), ts.Balance(t, "s1"))
	assert.Equal(t, int64(0), ts.Stock(t, item.ID))

	// WHEN: The tutor rejects it
	rec = ts.do(t, storetest.Tutor, http.MethodPost, "/api/requests/"+created.RequestID+"/reject", api.RejectRequest{Note: "out of budget"})

	// THEN: Refund and stock returned
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rejected := decode[api.RequestDTO](t, rec)
	assert.Equal(t, "rejected", rejected.Status)
	assert.Equal(t, "out of budget", rejected.Note)
	require.NotNil(t, rejected.DecidedBy)
	assert.Equal(t, "tutor-1", *rejected.DecidedBy)
	assert.NotNil(t, rejected.DecidedAt)
	assert.Equal(t, int64(100), ts.Balance(t, "s1"))
	assert.Equal(t, int64(1), ts.Stock(t, item.ID))

	// AND: A second decision is refused
	rec = ts.do(t, storetest.Tutor, http.MethodPost, "/api/requests/"+created.RequestID+"/approve", nil)
	resp := requireError(t, rec, http.StatusConflict, "invalid_state_transition")
	assert.NotNil(t, resp.Details)
}

func TestRedemption_Approve(t *testing.T) {
	ts := newServer(t)
	student := ts.Student(t, "s1", 100)
	item := ts.Item(t, "Pen", 30, 5)
	req, err := ts.Redemptions.CreateRequest(t.Context(), student, item.ID)
	require.NoError(t, err)

	rec := ts.do(t, storetest.Admin, http.MethodPost, "/api/requests/"+string(req.ID)+"/approve", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "approved", decode[api.RequestDTO](t, rec).Status)
	assert.Equal(t, int64(70), ts.Balance(t, "s1"))
	assert.Equal(t, int64(4), ts.Stock(t, item.ID))
}

func TestRedemption_RejectNeedsNote(t *testing.T) {
	ts := newServer(t)
	student := ts.Student(t, "s1", 100)
	item := ts.Item(t, "Pen", 30, 5)
	req, err := ts.Redemptions.CreateRequest(t.Context(), student, item.ID)
	require.NoError(t, err)

	rec := ts.do(t, storetest.Tutor, http.MethodPost, "/api/requests/"+string(req.ID)+"/reject", api.RejectRequest{})

	requireError(t, rec, http.StatusBadRequest, "validation_failed")
	assert.Equal(t, int64(70), ts.Balance(t, "s1"), "nothing refunded")
}

func TestRedemption_Failures(t *testing.T) {
	ts := newServer(t)
	poor := ts.Student(t, "poor", 10)
	rich := ts.Student(t, "rich", 500)
	pricey := ts.Item(t, "Bike", 200, 3)
	gone := ts.Item(t, "Sold Out", 5, 0)

	t.Run("insufficient balance", func(t *testing.T) {
		rec := ts.do(t, poor, http.MethodPost, "/api/requests", api.CreateItemRequestRequest{ItemID: string(pricey.ID)})
		requireError(t, rec, http.StatusConflict, "insufficient_balance")
		assert.Equal(t, int64(3), ts.Stock(t, pricey.ID), "reservation compensated")
	})

	t.Run("out of stock", func(t *testing.T) {
		rec := ts.do(t, rich, http.MethodPost, "/api/requests", api.CreateItemRequestRequest{ItemID: string(gone.ID)})
		requireError(t, rec, http.StatusConflict, "out_of_stock")
		assert.Equal(t, int64(500), ts.Balance(t, "rich"))
	})

	t.Run("unknown item", func(t *testing.T) {
		rec := ts.do(t, rich, http.MethodPost, "/api/requests", api.CreateItemRequestRequest{ItemID: "nope"})
		requireError(t, rec, http.StatusNotFound, "not_found")
	})

	t.Run("tutor cannot redeem", func(t *testing.T) {
		rec := ts.do(t, storetest.Tutor, http.MethodPost, "/api/requests", api.CreateItemRequestRequest{ItemID: string(pricey.ID)})
		requireError(t, rec, http.StatusForbidden, "forbidden")
	})

	t.Run("student cannot approve", func(t *testing.T) {
		req, err := ts.Redemptions.CreateRequest(t.Context(), rich, pricey.ID)
		require.NoError(t, err)
		rec := ts.do(t, rich, http.MethodPost, "/api/requests/"+string(req.ID)+"/approve", nil)
		requireError(t, rec, http.StatusForbidden, "forbidden")
	})
}

func TestRedemption_StudentVisibility(t *testing.T) {
	ts := newServer(t)
	s1 := ts.Student(t, "s1", 100)
	s2 := ts.Student(t, "s2", 100)
	item := ts.Item(t, "Pen", 10, 10)
	mine, err := ts.Redemptions.CreateRequest(t.Context(), s1, item.ID)
	require.NoError(t, err)
	_, err = ts.Redemptions.CreateRequest(t.Context(), s2, item.ID)
	require.NoError(t, err)

	// Another student's request is invisible
	rec := ts.do(t, s2, http.MethodGet, "/api/requests/"+string(mine.ID), nil)
	requireError(t, rec, http.StatusNotFound, "not_found")

	// A studentId filter cannot widen a student's view
	rec = ts.do(t, s2, http.MethodGet, "/api/requests?studentId=s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]api.RequestDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "s2", list[0].StudentID)

	// Tutors see everything
	rec = ts.do(t, storetest.Tutor, http.MethodGet, "/api/requests?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.RequestDTO](t, rec), 2)

	rec = ts.do(t, storetest.Tutor, http.MethodGet, "/api/requests?status=lost", nil)
	requireError(t, rec, http.StatusBadRequest, "validation_failed")
}

// =============================================================================
// LEADERBOARD & ADMIN
// =============================================================================

func TestLeaderboard(t *testing.T) {
	ts := newServer(t)
	student := ts.Student(t, "s1", 60)
	ts.Student(t, "s2", 30)
	ts.Student(t, "s3", 10)

	rec := ts.do(t, student, http.MethodGet, "/api/leaderboard?limit=2", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	board := decode[[]api.StandingDTO](t, rec)
	require.Len(t, board, 2)
	assert.Equal(t, api.StandingDTO{Rank: 1, StudentID: "s1", Name: "s1", Points: 60, Share: "60.00"}, board[0])
	assert.Equal(t, "30.00", board[1].Share)

	rec = ts.do(t, student, http.MethodGet, "/api/leaderboard?limit=many", nil)
	requireError(t, rec, http.StatusBadRequest, "validation_failed")

	rec = ts.do(t, student, http.MethodGet, "/api/leaderboard?limit=-1", nil)
	requireError(t, rec, http.StatusBadRequest, "validation_failed")
}

func TestCreateUser(t *testing.T) {
	ts := newServer(t)
	tutorID := "tutor-1"

	rec := ts.do(t, storetest.Admin, http.MethodPost, "/api/admin/users", api.CreateUserRequest{
		ID: "s9", Name: "Nine", Role: "student", TutorID: &tutorID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	user := decode[api.UserDTO](t, rec)
	assert.Equal(t, int64(0), user.Points)

	rec = ts.do(t, storetest.Admin, http.MethodPost, "/api/admin/users", api.CreateUserRequest{ID: "s9", Name: "Dup", Role: "student"})
	requireError(t, rec, http.StatusConflict, "conflict")

	rec = ts.do(t, storetest.Admin, http.MethodPost, "/api/admin/users", api.CreateUserRequest{Name: "X", Role: "janitor"})
	requireError(t, rec, http.StatusBadRequest, "validation_failed")

	missing := "ghost"
	rec = ts.do(t, storetest.Admin, http.MethodPost, "/api/admin/users", api.CreateUserRequest{Name: "X", Role: "student", TutorID: &missing})
	requireError(t, rec, http.StatusNotFound, "not_found")

	rec = ts.do(t, storetest.Tutor, http.MethodPost, "/api/admin/users", api.CreateUserRequest{Name: "X", Role: "student"})
	requireError(t, rec, http.StatusForbidden, "forbidden")
}

func TestAudit(t *testing.T) {
	ts := newServer(t)
	ts.Student(t, "s1", 40)

	rec := ts.do(t, storetest.Admin, http.MethodGet, "/api/admin/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[api.AuditResponse](t, rec)
	assert.True(t, resp.OK)
	assert.Equal(t, 1, resp.StudentsChecked)
	assert.Empty(t, resp.Discrepancies)

	rec = ts.do(t, storetest.Tutor, http.MethodGet, "/api/admin/audit", nil)
	requireError(t, rec, http.StatusForbidden, "forbidden")
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenarios_LoadClassroom(t *testing.T) {
	// GIVEN: Existing data that the scenario will replace
	ts := newServer(t)
	ts.Student(t, "old", 999)

	// WHEN: An admin loads the classroom scenario
	rec := ts.do(t, storetest.Admin, http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "classroom"})

	// THEN: Fresh users and items, with a working token per user
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[api.LoadScenarioResponse](t, rec)
	assert.Len(t, resp.Users, 8)
	assert.Len(t, resp.Items, 4)
	require.Contains(t, resp.Tokens, "stu-maya")

	req := httptest.NewRequest(http.MethodGet, "/api/students/stu-maya/balance", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Tokens["stu-maya"])
	got := httptest.NewRecorder()
	ts.router.ServeHTTP(got, req)
	require.Equal(t, http.StatusOK, got.Code)
	assert.Equal(t, int64(180), decode[api.BalanceResponse](t, got).Points)

	_, err := ts.Store.GetUser(t.Context(), "old")
	assert.True(t, points.IsNotFound(err), "reset cleared old data")
}

func TestScenarios_PendingReviewIsConsistent(t *testing.T) {
	ts := newServer(t)

	rec := ts.do(t, storetest.Admin, http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "pending-review"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	requests, err := ts.Store.ListRequests(t.Context(), points.RequestFilter{Status: points.RequestPending})
	require.NoError(t, err)
	assert.Len(t, requests, 2)

	report, err := points.AuditLedger(t.Context(), ts.Store)
	require.NoError(t, err)
	assert.True(t, report.OK())
}

func TestScenarios_Guards(t *testing.T) {
	ts := newServer(t)

	rec := ts.do(t, storetest.Tutor, http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "classroom"})
	requireError(t, rec, http.StatusForbidden, "forbidden")

	rec = ts.do(t, storetest.Admin, http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "nope"})
	requireError(t, rec, http.StatusBadRequest, "validation_failed")

	rec = ts.do(t, storetest.Admin, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.ScenarioDTO](t, rec), 3)
}

func TestScenarios_NotMountedByDefault(t *testing.T) {
	s := store.NewMemory()
	auth := api.NewAuthenticator(testSecret, "")
	router := api.NewRouter(api.NewHandler(api.Config{Store: s, Auth: auth, Logger: zerolog.Nop()}), api.RouterOptions{})
	token, err := auth.IssueToken(storetest.Admin, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/scenarios", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// METRICS
// =============================================================================

func TestMetrics_RecordedPerRoute(t *testing.T) {
	ts := newServer(t)
	ts.Student(t, "s1", 0)

	rec := ts.do(t, storetest.Tutor, http.MethodPost, "/api/points/award", api.PointsRequest{StudentID: "s1", Amount: 25})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, storetest.Tutor, http.MethodPost, "/api/points/deduct", api.PointsRequest{StudentID: "s1", Amount: 99})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, points.Principal{}, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "points_awarded_total 25")
	assert.Contains(t, body, `core_errors_total{kind="insufficient_balance"} 1`)
	assert.Contains(t, body, `route="/api/points/award"`)
}
