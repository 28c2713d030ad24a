package domain

import "time"

// EventType names the transition recorded by a RequestEvent.
type EventType string

const (
	EventSubmitted     EventType = "submitted"
	EventApproved      EventType = "approved"
	EventRejected      EventType = "rejected"
	EventInfoRequested EventType = "info_requested"
	EventPaid          EventType = "paid"
)

// RequestEvent is one append-only audit entry for a request transition.
type RequestEvent struct {
	ID         int64
	RequestID  int64
	EventType  EventType
	ActorID    int64
	FromStatus RequestStatus
	ToStatus   RequestStatus
	Data       map[string]any
	CreatedAt  time.Time
}
