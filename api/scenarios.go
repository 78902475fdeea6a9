/*
scenarios.go - Demo scenario loaders for development and demonstrations

PURPOSE:

	Populates the store with a small classroom so the API can be explored
	without hand-crafting users, items and requests. Every write goes
	through the engine services, so the data obeys the same rules as
	production traffic (balances match ledgers, stock matches requests).

AVAILABLE SCENARIOS:

	classroom:       Two tutors, five students with balances, a stocked store
	last-unit:       One item with a single unit left and students who can afford it
	pending-review:  Requests waiting for a decision, plus one approved and one rejected

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Create admin, tutors and students through the Directory
 3. Award opening balances through the Ledger
 4. Create items through the Inventory
 5. Optionally create and decide requests through Redemptions

USAGE VIA API:

	POST /api/scenarios/load
	{"scenarioId": "classroom"}

	The response carries a token per user, keyed by user ID.

NOTE:

	Scenarios reset the store. The routes are only mounted when
	scenarios are enabled and the environment is a development one.

SEE ALSO:
  - server.go: Mounts the routes
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tutortrack/points-engine/points"
)

const scenarioTokenTTL = 24 * time.Hour

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, s *seeder) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "classroom",
			Name:        "Classroom",
			Description: "Two tutors, five students with opening balances and a stocked store",
		},
		load: loadClassroom,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "last-unit",
			Name:        "Last Unit",
			Description: "A popular item with one unit left and three students who can all afford it",
		},
		load: loadLastUnit,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "pending-review",
			Name:        "Pending Review",
			Description: "Redemption requests waiting for a tutor, plus one approved and one rejected",
		},
		load: loadPendingReview,
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	if err := points.Authorize(PrincipalFrom(r.Context()), "list scenarios", points.RoleAdmin); err != nil {
		h.respondError(w, r, err)
		return
	}
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadScenario resets the store and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if err := points.Authorize(PrincipalFrom(r.Context()), "load scenarios", points.RoleAdmin); err != nil {
		h.respondError(w, r, err)
		return
	}

	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	sc, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, codeValidation,
			fmt.Sprintf("unknown scenario %q", req.ScenarioID), map[string]string{"field": "scenarioId"})
		return
	}

	ctx := r.Context()
	if err := h.store.Reset(ctx); err != nil {
		h.respondError(w, r, fmt.Errorf("failed to reset store: %w", err))
		return
	}

	s := &seeder{h: h}
	if err := sc.load(ctx, s); err != nil {
		h.respondError(w, r, fmt.Errorf("failed to load scenario %s: %w", sc.ID, err))
		return
	}

	resp, err := h.scenarioResponse(ctx, sc.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	logger(r).Info().Str("scenario", sc.ID).Int("users", len(resp.Users)).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) scenarioResponse(ctx context.Context, id string) (LoadScenarioResponse, error) {
	users, err := h.store.ListUsers(ctx, points.UserFilter{})
	if err != nil {
		return LoadScenarioResponse{}, fmt.Errorf("failed to list users: %w", err)
	}
	items, err := h.store.ListItems(ctx)
	if err != nil {
		return LoadScenarioResponse{}, fmt.Errorf("failed to list items: %w", err)
	}

	tokens := make(map[string]string, len(users))
	if h.auth != nil {
		for _, u := range users {
			token, err := h.auth.IssueToken(points.Principal{UserID: u.ID, Role: u.Role}, scenarioTokenTTL)
			if err != nil {
				return LoadScenarioResponse{}, err
			}
			tokens[string(u.ID)] = token
		}
	}

	return LoadScenarioResponse{
		ScenarioID: id,
		Users:      mapSlice(users, toUserDTO),
		Items:      mapSlice(items, toItemDTO),
		Tokens:     tokens,
	}, nil
}

// =============================================================================
// SEEDER - Engine calls with fixed principals
// =============================================================================

var scenarioAdmin = points.Principal{UserID: "admin", Role: points.RoleAdmin}

type seeder struct {
	h *Handler
}

func (s *seeder) admin(ctx context.Context) error {
	return s.h.store.WithTx(ctx, func(tx points.Tx) error {
		return tx.InsertUser(ctx, points.User{
			ID:        scenarioAdmin.UserID,
			Name:      "Admin",
			Role:      points.RoleAdmin,
			CreatedAt: time.Now().UTC(),
		})
	})
}

func (s *seeder) tutor(ctx context.Context, id, name string) (points.Principal, error) {
	_, err := s.h.directory.CreateUser(ctx, scenarioAdmin, points.NewUser{
		ID:   points.UserID(id),
		Name: name,
		Role: points.RoleTutor,
	})
	return points.Principal{UserID: points.UserID(id), Role: points.RoleTutor}, err
}

// student creates a student under tutor and awards the opening balance.
func (s *seeder) student(ctx context.Context, tutor points.Principal, id, name string, balance int64) (points.Principal, error) {
	p := points.Principal{UserID: points.UserID(id), Role: points.RoleStudent}
	_, err := s.h.directory.CreateUser(ctx, scenarioAdmin, points.NewUser{
		ID:      p.UserID,
		Name:    name,
		Role:    points.RoleStudent,
		TutorID: &tutor.UserID,
	})
	if err != nil {
		return p, err
	}
	if balance > 0 {
		_, err = s.h.ledger.Award(ctx, tutor, p.UserID, balance, "opening balance")
	}
	return p, err
}

func (s *seeder) item(ctx context.Context, name, description string, price, quantity int64) (points.ItemID, error) {
	item, err := s.h.inventory.CreateItem(ctx, scenarioAdmin, points.NewItem{
		Name:           name,
		Description:    description,
		PointsRequired: price,
		Quantity:       quantity,
	})
	return item.ID, err
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadClassroom(ctx context.Context, s *seeder) error {
	if err := s.admin(ctx); err != nil {
		return err
	}
	ana, err := s.tutor(ctx, "tutor-ana", "Ana Silva")
	if err != nil {
		return err
	}
	ben, err := s.tutor(ctx, "tutor-ben", "Ben Okafor")
	if err != nil {
		return err
	}

	students := []struct {
		tutor   points.Principal
		id      string
		name    string
		balance int64
	}{
		{ana, "stu-maya", "Maya", 180},
		{ana, "stu-leo", "Leo", 95},
		{ana, "stu-iris", "Iris", 95},
		{ben, "stu-omar", "Omar", 240},
		{ben, "stu-zoe", "Zoe", 0},
	}
	for _, st := range students {
		if _, err := s.student(ctx, st.tutor, st.id, st.name, st.balance); err != nil {
			return err
		}
	}

	items := []struct {
		name, description string
		price, quantity   int64
	}{
		{"Sticker Pack", "Five holographic stickers", 20, 50},
		{"Homework Pass", "Skip one homework assignment", 100, 10},
		{"Extra Session", "A 30 minute one-to-one session", 150, 4},
		{"Gift Card", "A small bookshop gift card", 300, 0},
	}
	for _, it := range items {
		if _, err := s.item(ctx, it.name, it.description, it.price, it.quantity); err != nil {
			return err
		}
	}
	return nil
}

func loadLastUnit(ctx context.Context, s *seeder) error {
	if err := s.admin(ctx); err != nil {
		return err
	}
	tutor, err := s.tutor(ctx, "tutor-ana", "Ana Silva")
	if err != nil {
		return err
	}
	for _, name := range []string{"Maya", "Leo", "Iris"} {
		id := "stu-" + name
		if _, err := s.student(ctx, tutor, id, name, 120); err != nil {
			return err
		}
	}
	if _, err := s.item(ctx, "Headphones", "Wireless headphones, last pair", 100, 1); err != nil {
		return err
	}
	_, err = s.item(ctx, "Sticker Pack", "Five holographic stickers", 20, 50)
	return err
}

func loadPendingReview(ctx context.Context, s *seeder) error {
	if err := s.admin(ctx); err != nil {
		return err
	}
	tutor, err := s.tutor(ctx, "tutor-ana", "Ana Silva")
	if err != nil {
		return err
	}
	maya, err := s.student(ctx, tutor, "stu-maya", "Maya", 300)
	if err != nil {
		return err
	}
	leo, err := s.student(ctx, tutor, "stu-leo", "Leo", 200)
	if err != nil {
		return err
	}

	pass, err := s.item(ctx, "Homework Pass", "Skip one homework assignment", 100, 10)
	if err != nil {
		return err
	}
	stickers, err := s.item(ctx, "Sticker Pack", "Five holographic stickers", 20, 50)
	if err != nil {
		return err
	}

	rs := s.h.redemptions
	if _, err := rs.CreateRequest(ctx, maya, pass); err != nil {
		return err
	}
	if _, err := rs.CreateRequest(ctx, leo, stickers); err != nil {
		return err
	}

	approved, err := rs.CreateRequest(ctx, maya, stickers)
	if err != nil {
		return err
	}
	if _, err := rs.Approve(ctx, tutor, approved.ID); err != nil {
		return err
	}

	rejected, err := rs.CreateRequest(ctx, leo, pass)
	if err != nil {
		return err
	}
	_, err = rs.Reject(ctx, tutor, rejected.ID, "already used a pass this term")
	return err
}
