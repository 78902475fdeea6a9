package points

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// DOMAIN EVENTS - Published after commit, never inside a transaction
// =============================================================================

type EventType string

const (
	EventPointsAwarded   EventType = "points.awarded"
	EventPointsDeducted  EventType = "points.deducted"
	EventRequestCreated  EventType = "request.created"
	EventRequestApproved EventType = "request.approved"
	EventRequestRejected EventType = "request.rejected"
	EventItemRestocked   EventType = "item.restocked"
)

// Event describes a committed state change. Fields not relevant to the
// event type are left empty.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	StudentID  UserID    `json:"studentId,omitempty"`
	ItemID     ItemID    `json:"itemId,omitempty"`
	RequestID  RequestID `json:"requestId,omitempty"`
	Points     int64     `json:"points,omitempty"`
	Balance    int64     `json:"balance,omitempty"`
	Quantity   int64     `json:"quantity,omitempty"`
	Note       string    `json:"note,omitempty"`
	ActorID    UserID    `json:"actorId"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher delivers events to interested parties (notifications, audit).
// Delivery is best effort: a failed publish never undoes a committed change.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// RecordingPublisher keeps every event in memory. Useful in tests.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (r *RecordingPublisher) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *RecordingPublisher) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *RecordingPublisher) Types() []EventType {
	events := r.Events()
	types := make([]EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

// emitter stamps and sends events on behalf of the services.
type emitter struct {
	pub Publisher
	log zerolog.Logger
}

func (e emitter) emit(ctx context.Context, ev Event) {
	if e.pub == nil {
		return
	}
	ev.ID = uuid.NewString()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if err := e.pub.Publish(ctx, ev); err != nil {
		e.log.Warn().Err(err).
			Str("event", string(ev.Type)).
			Str("student_id", string(ev.StudentID)).
			Msg("event publish failed")
	}
}
