/*
dto.go - Data Transfer Objects for the HTTP API

PURPOSE:
  Defines the JSON request and response shapes. The engine's types carry
  no JSON tags; every conversion happens here.

NAMING CONVENTION:
  - XxxRequest:  Incoming request body (validated with validate tags)
  - XxxDTO:      Outgoing representation of an engine type
  - XxxResponse: Outgoing envelope

  JSON fields are camelCase. Times are RFC 3339 in UTC.

SEE ALSO:
  - handlers.go: Uses these DTOs
  - points/types.go: Engine types
*/
package api

import (
	"time"

	"github.com/tutortrack/points-engine/points"
)

// =============================================================================
// POINTS
// =============================================================================

type PointsRequest struct {
	StudentID string `json:"studentId" validate:"required"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	Reason    string `json:"reason" validate:"max=500"`
}

type TransactionDTO struct {
	ID        string `json:"id"`
	StudentID string `json:"studentId"`
	Type      string `json:"type"`
	Points    int64  `json:"points"`
	Delta     int64  `json:"delta"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"createdAt"`
	CreatedBy string `json:"createdBy"`
}

type PointsResponse struct {
	Transaction TransactionDTO `json:"transaction"`
	NewBalance  int64          `json:"newBalance"`
}

type BalanceResponse struct {
	StudentID string `json:"studentId"`
	Points    int64  `json:"points"`
}

// =============================================================================
// USERS
// =============================================================================

type CreateUserRequest struct {
	ID      string  `json:"id" validate:"omitempty,max=64"`
	Name    string  `json:"name" validate:"required,max=200"`
	Role    string  `json:"role" validate:"required,oneof=admin tutor student"`
	TutorID *string `json:"tutorId" validate:"omitempty,min=1"`
}

type UserDTO struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Role      string  `json:"role"`
	Points    int64   `json:"points"`
	TutorID   *string `json:"tutorId,omitempty"`
	CreatedAt string  `json:"createdAt"`
}

// =============================================================================
// STORE ITEMS
// =============================================================================

type CreateItemRequest struct {
	Name           string `json:"name" validate:"required,max=200"`
	Description    string `json:"description" validate:"max=2000"`
	PointsRequired int64  `json:"pointsRequired" validate:"required,gt=0"`
	Quantity       int64  `json:"quantity" validate:"gte=0"`
}

type UpdateItemRequest struct {
	Name           string `json:"name" validate:"required,max=200"`
	Description    string `json:"description" validate:"max=2000"`
	PointsRequired int64  `json:"pointsRequired" validate:"required,gt=0"`
}

type RestockRequest struct {
	Quantity int64 `json:"quantity" validate:"required,gt=0"`
}

type ItemDTO struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Description       string `json:"description"`
	PointsRequired    int64  `json:"pointsRequired"`
	AvailableQuantity int64  `json:"availableQuantity"`
	InStock           bool   `json:"inStock"`
	CreatedAt         string `json:"createdAt"`
	UpdatedAt         string `json:"updatedAt"`
}

// =============================================================================
// REDEMPTION REQUESTS
// =============================================================================

type CreateItemRequestRequest struct {
	ItemID string `json:"itemId" validate:"required"`
}

type RejectRequest struct {
	Note string `json:"note" validate:"required,max=1000"`
}

type RequestDTO struct {
	RequestID   string  `json:"requestId"`
	StudentID   string  `json:"studentId"`
	ItemID      string  `json:"itemId"`
	Status      string  `json:"status"`
	PointsSpent int64   `json:"pointsSpent"`
	Note        string  `json:"note,omitempty"`
	CreatedAt   string  `json:"createdAt"`
	DecidedAt   *string `json:"decidedAt,omitempty"`
	DecidedBy   *string `json:"decidedBy,omitempty"`
}

// =============================================================================
// LEADERBOARD
// =============================================================================

type StandingDTO struct {
	Rank      int    `json:"rank"`
	StudentID string `json:"studentId"`
	Name      string `json:"name"`
	Points    int64  `json:"points"`
	Share     string `json:"share"` // percent, two decimals
}

// =============================================================================
// AUDIT
// =============================================================================

type DiscrepancyDTO struct {
	StudentID string `json:"studentId"`
	Balance   int64  `json:"balance"`
	LedgerSum int64  `json:"ledgerSum"`
}

type AuditResponse struct {
	OK              bool             `json:"ok"`
	StudentsChecked int              `json:"studentsChecked"`
	Discrepancies   []DiscrepancyDTO `json:"discrepancies"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId" validate:"required"`
}

// LoadScenarioResponse hands back a token per demo user so the data can
// be explored right away.
type LoadScenarioResponse struct {
	ScenarioID string            `json:"scenarioId"`
	Users      []UserDTO         `json:"users"`
	Items      []ItemDTO         `json:"items"`
	Tokens     map[string]string `json:"tokens"`
}

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func toTransactionDTO(t points.PointsTransaction) TransactionDTO {
	return TransactionDTO{
		ID:        string(t.ID),
		StudentID: string(t.StudentID),
		Type:      string(t.Type),
		Points:    t.Points,
		Delta:     t.Delta(),
		Reason:    t.Reason,
		CreatedAt: formatTime(t.CreatedAt),
		CreatedBy: string(t.CreatedBy),
	}
}

func toUserDTO(u points.User) UserDTO {
	dto := UserDTO{
		ID:        string(u.ID),
		Name:      u.Name,
		Role:      string(u.Role),
		Points:    u.Points,
		CreatedAt: formatTime(u.CreatedAt),
	}
	if u.TutorID != nil {
		id := string(*u.TutorID)
		dto.TutorID = &id
	}
	return dto
}

func toItemDTO(i points.StoreItem) ItemDTO {
	return ItemDTO{
		ID:                string(i.ID),
		Name:              i.Name,
		Description:       i.Description,
		PointsRequired:    i.PointsRequired,
		AvailableQuantity: i.AvailableQuantity,
		InStock:           i.InStock(),
		CreatedAt:         formatTime(i.CreatedAt),
		UpdatedAt:         formatTime(i.UpdatedAt),
	}
}

func toRequestDTO(r points.ItemRequest) RequestDTO {
	dto := RequestDTO{
		RequestID:   string(r.ID),
		StudentID:   string(r.StudentID),
		ItemID:      string(r.ItemID),
		Status:      string(r.Status),
		PointsSpent: r.PointsSpent,
		Note:        r.Note,
		CreatedAt:   formatTime(r.CreatedAt),
	}
	if r.DecidedAt != nil {
		at := formatTime(*r.DecidedAt)
		dto.DecidedAt = &at
	}
	if r.DecidedBy != nil {
		by := string(*r.DecidedBy)
		dto.DecidedBy = &by
	}
	return dto
}

func toStandingDTO(s points.Standing) StandingDTO {
	return StandingDTO{
		Rank:      s.Rank,
		StudentID: string(s.StudentID),
		Name:      s.Name,
		Points:    s.Points,
		Share:     s.Share.StringFixed(2),
	}
}

func toAuditResponse(r points.AuditReport) AuditResponse {
	return AuditResponse{
		OK:              r.OK(),
		StudentsChecked: r.StudentsChecked,
		Discrepancies: mapSlice(r.Discrepancies, func(d points.Discrepancy) DiscrepancyDTO {
			return DiscrepancyDTO{StudentID: string(d.StudentID), Balance: d.Balance, LedgerSum: d.LedgerSum}
		}),
	}
}

// mapSlice converts a slice with fn, never returning nil so lists encode as [].
func mapSlice[T, D any](in []T, fn func(T) D) []D {
	out := make([]D, len(in))
	for i, v := range in {
		out[i] = fn(v)
	}
	return out
}
