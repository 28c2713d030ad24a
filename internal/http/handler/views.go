package handler

import (
	"time"

	"github.com/ebrett/jupiter-sub001/internal/domain"
	domainoauth "github.com/ebrett/jupiter-sub001/internal/domain/oauth"
)

type userResponse struct {
	ID              int64         `json:"id"`
	Email           string        `json:"email"`
	Name            string        `json:"name"`
	NationBuilderID *int64        `json:"nationbuilder_id,omitempty"`
	Roles           []domain.Role `json:"roles"`
}

func userView(u domain.User) userResponse {
	return userResponse{
		ID:              u.ID,
		Email:           u.Email,
		Name:            u.FullName(),
		NationBuilderID: u.NationBuilderID,
		Roles:           u.Roles,
	}
}

type requestResponse struct {
	ID                  int64                `json:"id,string"`
	UserID              int64                `json:"user_id,string"`
	RequestNumber       string               `json:"request_number"`
	RequestType         domain.RequestType   `json:"request_type"`
	Title               string               `json:"title"`
	Description         string               `json:"description,omitempty"`
	AmountCents         int64                `json:"amount_cents"`
	Currency            string               `json:"currency"`
	ExpenseDate         string               `json:"expense_date"`
	Category            domain.Category      `json:"category"`
	Priority            domain.Priority      `json:"priority"`
	Status              domain.RequestStatus `json:"status"`
	SubmittedAt         *time.Time           `json:"submitted_at,omitempty"`
	ReviewedAt          *time.Time           `json:"reviewed_at,omitempty"`
	ApprovedAt          *time.Time           `json:"approved_at,omitempty"`
	RejectedAt          *time.Time           `json:"rejected_at,omitempty"`
	PaidAt              *time.Time           `json:"paid_at,omitempty"`
	ApproverID          *int64               `json:"approver_id,omitempty"`
	ApprovedAmountCents *int64               `json:"approved_amount_cents,omitempty"`
	ApprovalNotes       *string              `json:"approval_notes,omitempty"`
	RejectionReason     *string              `json:"rejection_reason,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

func requestView(r domain.ReimbursementRequest) requestResponse {
	return requestResponse{
		ID:                  r.ID,
		UserID:              r.UserID,
		RequestNumber:       r.RequestNumber,
		RequestType:         r.RequestType,
		Title:               r.Title,
		Description:         r.Description,
		AmountCents:         r.AmountCents,
		Currency:            r.Currency,
		ExpenseDate:         r.ExpenseDate.Format(dateLayout),
		Category:            r.Category,
		Priority:            r.Priority,
		Status:              r.Status,
		SubmittedAt:         r.SubmittedAt,
		ReviewedAt:          r.ReviewedAt,
		ApprovedAt:          r.ApprovedAt,
		RejectedAt:          r.RejectedAt,
		PaidAt:              r.PaidAt,
		ApproverID:          r.ApproverID,
		ApprovedAmountCents: r.ApprovedAmountCents,
		ApprovalNotes:       r.ApprovalNotes,
		RejectionReason:     r.RejectionReason,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

func requestViews(in []domain.ReimbursementRequest) []requestResponse {
	out := make([]requestResponse, 0, len(in))
	for _, r := range in {
		out = append(out, requestView(r))
	}
	return out
}

type eventResponse struct {
	ID         int64                `json:"id,string"`
	EventType  domain.EventType     `json:"event_type"`
	ActorID    int64                `json:"actor_id,string"`
	FromStatus domain.RequestStatus `json:"from_status"`
	ToStatus   domain.RequestStatus `json:"to_status"`
	Data       map[string]any       `json:"data,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
}

func eventViews(in []domain.RequestEvent) []eventResponse {
	out := make([]eventResponse, 0, len(in))
	for _, e := range in {
		out = append(out, eventResponse{
			ID:         e.ID,
			EventType:  e.EventType,
			ActorID:    e.ActorID,
			FromStatus: e.FromStatus,
			ToStatus:   e.ToStatus,
			Data:       e.Data,
			CreatedAt:  e.CreatedAt,
		})
	}
	return out
}

type challengeResponse struct {
	ID        string                    `json:"id"`
	Type      domainoauth.ChallengeType `json:"type"`
	SiteKey   string                    `json:"site_key,omitempty"`
	Data      map[string]any            `json:"data,omitempty"`
	ExpiresAt time.Time                 `json:"expires_at"`
}

func challengeView(ch domainoauth.CloudflareChallenge) challengeResponse {
	return challengeResponse{
		ID:        ch.ID,
		Type:      ch.Type,
		SiteKey:   ch.SiteKey,
		Data:      ch.Data,
		ExpiresAt: ch.ExpiresAt,
	}
}

type tokenResponse struct {
	ID        int64      `json:"id,string"`
	UserID    int64      `json:"user_id,string"`
	Version   int        `json:"version"`
	ExpiresAt time.Time  `json:"expires_at"`
	RotatedAt *time.Time `json:"rotated_at,omitempty"`
	Scope     string     `json:"scope,omitempty"`
}

func tokenView(t domain.OAuthToken) tokenResponse {
	return tokenResponse{
		ID:        t.ID,
		UserID:    t.UserID,
		Version:   t.Version,
		ExpiresAt: t.ExpiresAt,
		RotatedAt: t.RotatedAt,
		Scope:     t.Scope,
	}
}
