/*
handlers.go - HTTP API handlers for the points engine

PURPOSE:
  Exposes the ledger, the store inventory and the redemption workflow
  over REST. Handlers decode and validate input, call exactly one engine
  operation with the caller's Principal, and serialize the result.
  Authorization decisions live in the engine, not here.

ENDPOINTS:
  Points:
    POST   /api/points/award                 Award points (tutor, admin)
    POST   /api/points/deduct                Deduct points (tutor, admin)
    GET    /api/students                     List students (tutor, admin)
    GET    /api/students/{id}/balance        Current balance
    GET    /api/students/{id}/transactions   Ledger, newest first

  Store:
    GET    /api/store/items                  List items
    POST   /api/store/items                  Create item (admin)
    PUT    /api/store/items/{id}             Edit name, description, price (admin)
    POST   /api/store/items/{id}/restock     Add stock (admin)

  Requests:
    POST   /api/requests                     Redeem an item (student)
    GET    /api/requests                     List (students see their own)
    GET    /api/requests/{id}                Get one
    POST   /api/requests/{id}/approve        Approve (tutor, admin)
    POST   /api/requests/{id}/reject         Reject and refund (tutor, admin)

  Other:
    GET    /api/leaderboard                  Student standings
    GET    /api/me                           The caller's account
    POST   /api/admin/users                  Create an account (admin)
    GET    /api/admin/audit                  Balance vs ledger check (admin)

REQUEST FLOW:
  1. Principal from context (set by the auth middleware)
  2. Decode + validate body (validator/v10 tags on the DTO)
  3. Call the engine
  4. Record metrics, serialize response
  5. Errors go through respondError (errors.go)

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error to status mapping
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/tutortrack/points-engine/metrics"
	"github.com/tutortrack/points-engine/points"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Config holds the handler's dependencies. Options are passed to every
// engine service (publisher, logger, clock).
type Config struct {
	Store   points.Store
	Auth    *Authenticator
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	Options []points.Option
}

// Handler holds the engine services behind the HTTP API.
type Handler struct {
	store       points.Store
	ledger      *points.Ledger
	inventory   *points.Inventory
	redemptions *points.Redemptions
	directory   *points.Directory
	leaderboard *points.Leaderboard

	auth     *Authenticator
	metrics  *metrics.Metrics
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewHandler(cfg Config) *Handler {
	opts := append([]points.Option{points.WithLogger(cfg.Logger)}, cfg.Options...)
	ledger := points.NewLedger(cfg.Store, opts...)
	inventory := points.NewInventory(cfg.Store, opts...)

	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}

	return &Handler{
		store:       cfg.Store,
		ledger:      ledger,
		inventory:   inventory,
		redemptions: points.NewRedemptions(cfg.Store, ledger, inventory, opts...),
		directory:   points.NewDirectory(cfg.Store, opts...),
		leaderboard: points.NewLeaderboard(cfg.Store),
		auth:        cfg.Auth,
		metrics:     m,
		validate:    newValidator(),
		logger:      cfg.Logger,
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// POINTS HANDLERS
// =============================================================================

// AwardPoints adds points to a student's balance.
// POST /api/points/award
func (h *Handler) AwardPoints(w http.ResponseWriter, r *http.Request) {
	var req PointsRequest
	if !h.decode(w, r, &req) {
		return
	}

	entry, err := h.ledger.Award(r.Context(), PrincipalFrom(r.Context()),
		points.UserID(req.StudentID), req.Amount, req.Reason)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.metrics.PointsAwarded(entry.Transaction.Points)

	writeJSON(w, http.StatusOK, PointsResponse{
		Transaction: toTransactionDTO(entry.Transaction),
		NewBalance:  entry.Balance,
	})
}

// DeductPoints removes points from a student's balance.
// POST /api/points/deduct
func (h *Handler) DeductPoints(w http.ResponseWriter, r *http.Request) {
	var req PointsRequest
	if !h.decode(w, r, &req) {
		return
	}

	entry, err := h.ledger.Deduct(r.Context(), PrincipalFrom(r.Context()),
		points.UserID(req.StudentID), req.Amount, req.Reason)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.metrics.PointsDeducted(entry.Transaction.Points)

	writeJSON(w, http.StatusOK, PointsResponse{
		Transaction: toTransactionDTO(entry.Transaction),
		NewBalance:  entry.Balance,
	})
}

// GetBalance returns a student's current points.
// GET /api/students/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := points.UserID(chi.URLParam(r, "id"))
	balance, err := h.ledger.Balance(r.Context(), PrincipalFrom(r.Context()), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{StudentID: string(id), Points: balance})
}

// GetTransactions returns a student's ledger, newest first.
// GET /api/students/{id}/transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id := points.UserID(chi.URLParam(r, "id"))
	txs, err := h.ledger.History(r.Context(), PrincipalFrom(r.Context()), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(txs, toTransactionDTO))
}

// ListStudents returns students, optionally only one tutor's.
// GET /api/students?tutorId=
func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	students, err := h.directory.Students(r.Context(), PrincipalFrom(r.Context()), queryUserID(r, "tutorId"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(students, toUserDTO))
}

// =============================================================================
// STORE HANDLERS
// =============================================================================

// ListItems returns the store catalog.
// GET /api/store/items
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.inventory.Items(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(items, toItemDTO))
}

// CreateItem adds a store item.
// POST /api/store/items
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req CreateItemRequest
	if !h.decode(w, r, &req) {
		return
	}

	item, err := h.inventory.CreateItem(r.Context(), PrincipalFrom(r.Context()), points.NewItem{
		Name:           req.Name,
		Description:    req.Description,
		PointsRequired: req.PointsRequired,
		Quantity:       req.Quantity,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toItemDTO(item))
}

// UpdateItem edits an item's details. Stock is only changed by restock
// and redemptions.
// PUT /api/store/items/{id}
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var req UpdateItemRequest
	if !h.decode(w, r, &req) {
		return
	}

	id := points.ItemID(chi.URLParam(r, "id"))
	item, err := h.inventory.UpdateItem(r.Context(), PrincipalFrom(r.Context()), id, points.ItemDetails{
		Name:           req.Name,
		Description:    req.Description,
		PointsRequired: req.PointsRequired,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(item))
}

// RestockItem adds units to an item's stock.
// POST /api/store/items/{id}/restock
func (h *Handler) RestockItem(w http.ResponseWriter, r *http.Request) {
	var req RestockRequest
	if !h.decode(w, r, &req) {
		return
	}

	id := points.ItemID(chi.URLParam(r, "id"))
	item, err := h.inventory.Restock(r.Context(), PrincipalFrom(r.Context()), id, req.Quantity)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(item))
}

// =============================================================================
// REQUEST HANDLERS
// =============================================================================

// CreateRequest redeems one unit of an item for the calling student.
// POST /api/requests
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var req CreateItemRequestRequest
	if !h.decode(w, r, &req) {
		return
	}

	request, err := h.redemptions.CreateRequest(r.Context(), PrincipalFrom(r.Context()), points.ItemID(req.ItemID))
	h.metrics.RequestCreated(err)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(request))
}

// ListRequests returns requests oldest first. Students only ever see
// their own, whatever studentId says.
// GET /api/requests?status=&studentId=&itemId=
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	filter := points.RequestFilter{
		Status:    points.RequestStatus(r.URL.Query().Get("status")),
		StudentID: queryUserID(r, "studentId"),
	}
	if itemID := r.URL.Query().Get("itemId"); itemID != "" {
		id := points.ItemID(itemID)
		filter.ItemID = &id
	}

	requests, err := h.redemptions.List(r.Context(), PrincipalFrom(r.Context()), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(requests, toRequestDTO))
}

// GetRequest returns a single request.
// GET /api/requests/{id}
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := points.RequestID(chi.URLParam(r, "id"))
	request, err := h.redemptions.Get(r.Context(), PrincipalFrom(r.Context()), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(request))
}

// ApproveRequest approves a pending request.
// POST /api/requests/{id}/approve
func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	id := points.RequestID(chi.URLParam(r, "id"))
	request, err := h.redemptions.Approve(r.Context(), PrincipalFrom(r.Context()), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.metrics.Decision(request.Status)
	writeJSON(w, http.StatusOK, toRequestDTO(request))
}

// RejectRequest rejects a pending request, returning the stock and
// refunding the points.
// POST /api/requests/{id}/reject
func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if !h.decode(w, r, &req) {
		return
	}

	id := points.RequestID(chi.URLParam(r, "id"))
	request, err := h.redemptions.Reject(r.Context(), PrincipalFrom(r.Context()), id, req.Note)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.metrics.Decision(request.Status)
	writeJSON(w, http.StatusOK, toRequestDTO(request))
}

// =============================================================================
// LEADERBOARD & ADMIN HANDLERS
// =============================================================================

// GetLeaderboard ranks students by points.
// GET /api/leaderboard?tutorId=&limit=
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	q := points.LeaderboardQuery{TutorID: queryUserID(r, "tutorId")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeValidation, "limit must be an integer", map[string]string{"field": "limit"})
			return
		}
		q.Limit = limit
	}

	standings, err := h.leaderboard.Standings(r.Context(), PrincipalFrom(r.Context()), q)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(standings, toStandingDTO))
}

// GetMe returns the caller's own account.
// GET /api/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	user, err := h.directory.User(r.Context(), p, p.UserID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(user))
}

// CreateUser adds an account.
// POST /api/admin/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := points.NewUser{
		ID:   points.UserID(req.ID),
		Name: req.Name,
		Role: points.Role(req.Role),
	}
	if req.TutorID != nil {
		tutorID := points.UserID(*req.TutorID)
		in.TutorID = &tutorID
	}

	user, err := h.directory.CreateUser(r.Context(), PrincipalFrom(r.Context()), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(user))
}

// RunAudit checks every balance against its ledger.
// GET /api/admin/audit
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	if err := points.Authorize(PrincipalFrom(r.Context()), "audit the ledger", points.RoleAdmin); err != nil {
		h.respondError(w, r, err)
		return
	}
	report, err := points.AuditLedger(r.Context(), h.store)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.metrics.LedgerAudit(len(report.Discrepancies))
	writeJSON(w, http.StatusOK, toAuditResponse(report))
}

// =============================================================================
// HELPERS
// =============================================================================

func queryUserID(r *http.Request, key string) *points.UserID {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	id := points.UserID(v)
	return &id
}
