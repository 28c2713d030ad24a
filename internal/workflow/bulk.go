package workflow

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ebrett/jupiter-sub001/internal/domain"
)

// BulkFailure records why one request in a batch was not approved.
type BulkFailure struct {
	RequestID int64
	Err       error
}

// BulkResult is the outcome of BulkApprove. Approvals that succeeded stay
// committed regardless of later failures.
type BulkResult struct {
	Approved []domain.ReimbursementRequest
	Failures []BulkFailure
}

// Message summarizes the batch for display.
func (r BulkResult) Message() string {
	return fmt.Sprintf("%d approved, %d failed", len(r.Approved), len(r.Failures))
}

// BulkApprove approves each id in order with the requested amount.
// Duplicate ids are processed once.
func (s *Service) BulkApprove(ctx context.Context, actor domain.User, ids []int64, notes string) (BulkResult, error) {
	ctx, span := s.startSpan(ctx, "Workflow.BulkApprove")
	defer span.End()

	if len(ids) == 0 {
		return BulkResult{}, invalid("request_ids", "at least one id is required")
	}

	var (
		result BulkResult
		seen   = make(map[int64]struct{}, len(ids))
	)
	in := ApproveInput{Notes: strings.TrimSpace(notes)}
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if err := ctx.Err(); err != nil {
			result.Failures = append(result.Failures, BulkFailure{RequestID: id, Err: err})
			continue
		}
		approved, err := s.Approve(ctx, actor, id, in)
		if err != nil {
			result.Failures = append(result.Failures, BulkFailure{RequestID: id, Err: err})
			continue
		}
		result.Approved = append(result.Approved, approved)
	}

	span.SetAttributes(
		attribute.Int("bulk.approved", len(result.Approved)),
		attribute.Int("bulk.failed", len(result.Failures)),
	)
	s.audit("request.bulk_approve", "actor_id", actor.ID, "approved", len(result.Approved), "failed", len(result.Failures))
	return result, nil
}
