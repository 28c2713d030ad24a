package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// RequestType distinguishes reimbursement, vendor payment and in-kind claims.
type RequestType string

const (
	RequestTypeReimbursement RequestType = "reimbursement"
	RequestTypeVendorPayment RequestType = "vendor_payment"
	RequestTypeInKind        RequestType = "in_kind"
)

// Prefix returns the request number prefix for the type.
func (t RequestType) Prefix() string {
	switch t {
	case RequestTypeVendorPayment:
		return "VP"
	case RequestTypeInKind:
		return "IK"
	default:
		return "RB"
	}
}

// Valid reports whether t is a known request type.
func (t RequestType) Valid() bool {
	switch t {
	case RequestTypeReimbursement, RequestTypeVendorPayment, RequestTypeInKind:
		return true
	}
	return false
}

// RequestStatus is persisted as its string tag.
type RequestStatus string

const (
	StatusDraft       RequestStatus = "draft"
	StatusSubmitted   RequestStatus = "submitted"
	StatusUnderReview RequestStatus = "under_review"
	StatusApproved    RequestStatus = "approved"
	StatusRejected    RequestStatus = "rejected"
	StatusPaid        RequestStatus = "paid"
)

// Valid reports whether s is a known status.
func (s RequestStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusUnderReview, StatusApproved, StatusRejected, StatusPaid:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s RequestStatus) Terminal() bool {
	return s == StatusRejected || s == StatusPaid
}

// Category classifies the expense.
type Category string

const (
	CategoryTravel         Category = "travel"
	CategoryAccommodation  Category = "accommodation"
	CategoryMeals          Category = "meals"
	CategorySupplies       Category = "supplies"
	CategoryCommunications Category = "communications"
	CategoryEvents         Category = "events"
	CategoryOther          Category = "other"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryTravel, CategoryAccommodation, CategoryMeals, CategorySupplies,
		CategoryCommunications, CategoryEvents, CategoryOther:
		return true
	}
	return false
}

// Priority orders requests in the review queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ReimbursementRequest is an expense claim moving through the approval lifecycle.
type ReimbursementRequest struct {
	ID                  int64
	UserID              int64
	RequestType         RequestType
	RequestNumber       string
	Title               string
	Description         string
	AmountCents         int64
	Currency            string
	ExpenseDate         time.Time
	Category            Category
	Priority            Priority
	Status              RequestStatus
	SubmittedAt         *time.Time
	ReviewedAt          *time.Time
	ApprovedAt          *time.Time
	RejectedAt          *time.Time
	PaidAt              *time.Time
	ApproverID          *int64
	ApprovedAmountCents *int64
	ApprovalNotes       *string
	RejectionReason     *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// CanSubmit reports whether the request may be submitted.
func (r ReimbursementRequest) CanSubmit() bool {
	return r.Status == StatusDraft
}

// CanApprove reports whether the request may be approved.
func (r ReimbursementRequest) CanApprove() bool {
	return r.Status == StatusSubmitted || r.Status == StatusUnderReview
}

// CanReject reports whether the request may be rejected.
func (r ReimbursementRequest) CanReject() bool {
	return r.Status == StatusSubmitted || r.Status == StatusUnderReview
}

// CanRequestInfo reports whether more information may be requested.
func (r ReimbursementRequest) CanRequestInfo() bool {
	return r.Status == StatusSubmitted
}

// CanMarkPaid reports whether the request may be marked as paid.
func (r ReimbursementRequest) CanMarkPaid() bool {
	return r.Status == StatusApproved
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// ErrInconsistentState is returned when status and timestamps disagree.
var ErrInconsistentState = errors.New("domain: request state inconsistent")

// ValidateAmount checks the monetary invariants.
func ValidateAmount(amountCents int64, currency string) error {
	if amountCents <= 0 {
		return fmt.Errorf("amount must be greater than zero")
	}
	if !currencyPattern.MatchString(currency) {
		return fmt.Errorf("currency must be a 3-letter ISO code")
	}
	return nil
}

// ValidateExpenseDate rejects dates after the current UTC day.
func ValidateExpenseDate(date, now time.Time) error {
	if date.IsZero() {
		return fmt.Errorf("expense date is required")
	}
	today := now.UTC().Truncate(24 * time.Hour)
	if date.UTC().Truncate(24 * time.Hour).After(today) {
		return fmt.Errorf("expense date cannot be in the future")
	}
	return nil
}

// CheckConsistency verifies that transition timestamps match the status.
func (r ReimbursementRequest) CheckConsistency() error {
	fail := func(msg string) error {
		return fmt.Errorf("%w: %s %s", ErrInconsistentState, r.Status, msg)
	}
	if !r.Status.Valid() {
		return fail("unknown status")
	}
	if r.Status != StatusDraft && r.SubmittedAt == nil {
		return fail("missing submitted_at")
	}
	switch r.Status {
	case StatusUnderReview:
		if r.ReviewedAt == nil {
			return fail("missing reviewed_at")
		}
	case StatusApproved, StatusPaid:
		if r.ApprovedAt == nil || r.ApproverID == nil || r.ApprovedAmountCents == nil {
			return fail("missing approval")
		}
		if r.Status == StatusPaid && r.PaidAt == nil {
			return fail("missing paid_at")
		}
	case StatusRejected:
		if r.RejectedAt == nil || r.RejectionReason == nil || strings.TrimSpace(*r.RejectionReason) == "" {
			return fail("missing rejection")
		}
	}
	return nil
}

// FormatRequestNumber renders numbers like RB-2025-001.
func FormatRequestNumber(t RequestType, year, seq int) string {
	return fmt.Sprintf("%s-%d-%03d", t.Prefix(), year, seq)
}
