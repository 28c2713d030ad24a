package workflow

import (
	"strings"
	"time"

	"github.com/ebrett/jupiter-sub001/internal/domain"
	"github.com/ebrett/jupiter-sub001/internal/policy"
)

// transition describes one state machine edge.
type transition struct {
	action policy.Action
	event  domain.EventType
	guard  func(domain.ReimbursementRequest) bool
	// apply mutates the request and returns the event data.
	apply func(req *domain.ReimbursementRequest, actor domain.User, now time.Time) (map[string]any, error)
}

func submitTransition() transition {
	return transition{
		action: policy.ActionSubmit,
		event:  domain.EventSubmitted,
		guard:  domain.ReimbursementRequest.CanSubmit,
		apply: func(req *domain.ReimbursementRequest, _ domain.User, now time.Time) (map[string]any, error) {
			req.Status = domain.StatusSubmitted
			req.SubmittedAt = &now
			return nil, nil
		},
	}
}

// ApproveInput carries the optional approved amount and notes.
type ApproveInput struct {
	AmountCents *int64
	Notes       string
}

func approveTransition(in ApproveInput) transition {
	return transition{
		action: policy.ActionApprove,
		event:  domain.EventApproved,
		guard:  domain.ReimbursementRequest.CanApprove,
		apply: func(req *domain.ReimbursementRequest, actor domain.User, now time.Time) (map[string]any, error) {
			amount := req.AmountCents
			if in.AmountCents != nil {
				amount = *in.AmountCents
			}
			approver := actor.ID
			req.Status = domain.StatusApproved
			req.ApprovedAt = &now
			req.ApproverID = &approver
			req.ApprovedAmountCents = &amount
			data := map[string]any{"approved_amount_cents": amount}
			if notes := strings.TrimSpace(in.Notes); notes != "" {
				req.ApprovalNotes = &notes
				data["notes"] = notes
			}
			return data, nil
		},
	}
}

func rejectTransition(reason string) transition {
	return transition{
		action: policy.ActionReject,
		event:  domain.EventRejected,
		guard:  domain.ReimbursementRequest.CanReject,
		apply: func(req *domain.ReimbursementRequest, _ domain.User, now time.Time) (map[string]any, error) {
			req.Status = domain.StatusRejected
			req.RejectedAt = &now
			req.RejectionReason = &reason
			return map[string]any{"reason": reason}, nil
		},
	}
}

func requestInfoTransition(notes string) transition {
	return transition{
		action: policy.ActionRequestInfo,
		event:  domain.EventInfoRequested,
		guard:  domain.ReimbursementRequest.CanRequestInfo,
		apply: func(req *domain.ReimbursementRequest, _ domain.User, now time.Time) (map[string]any, error) {
			req.Status = domain.StatusUnderReview
			req.ReviewedAt = &now
			if notes = strings.TrimSpace(notes); notes != "" {
				return map[string]any{"notes": notes}, nil
			}
			return nil, nil
		},
	}
}

func markPaidTransition() transition {
	return transition{
		action: policy.ActionMarkPaid,
		event:  domain.EventPaid,
		guard:  domain.ReimbursementRequest.CanMarkPaid,
		apply: func(req *domain.ReimbursementRequest, _ domain.User, now time.Time) (map[string]any, error) {
			req.Status = domain.StatusPaid
			req.PaidAt = &now
			return nil, nil
		},
	}
}
