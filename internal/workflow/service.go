// Package workflow drives reimbursement requests through their approval
// lifecycle. Every transition updates the request and appends exactly one
// event in the same database transaction.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ebrett/jupiter-sub001/internal/domain"
	"github.com/ebrett/jupiter-sub001/internal/notify"
	"github.com/ebrett/jupiter-sub001/internal/policy"
	"github.com/ebrett/jupiter-sub001/internal/repository"
)

const maxTitleLength = 200

// Service exposes the workflow operations.
type Service struct {
	requests repository.RequestRepository
	flags    repository.FeatureFlagRepository
	notifier notify.Notifier
	node     *snowflake.Node
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewService wires dependencies. A nil notifier disables notifications.
func NewService(requests repository.RequestRepository, flags repository.FeatureFlagRepository, notifier notify.Notifier, node *snowflake.Node, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		requests: requests,
		flags:    flags,
		notifier: notifier,
		node:     node,
		logger:   logger,
		tracer:   otel.Tracer("github.com/ebrett/jupiter-sub001/internal/workflow"),
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// CreateInput holds the caller supplied fields of a new request.
type CreateInput struct {
	RequestType domain.RequestType
	Title       string
	Description string
	AmountCents int64
	Currency    string
	ExpenseDate time.Time
	Category    domain.Category
	Priority    domain.Priority
}

func (in *CreateInput) normalize(now time.Time) error {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if in.RequestType == "" {
		in.RequestType = domain.RequestTypeReimbursement
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityNormal
	}

	switch {
	case in.Title == "":
		return invalid("title", "is required")
	case len(in.Title) > maxTitleLength:
		return invalid("title", "must be at most %d characters", maxTitleLength)
	case !in.RequestType.Valid():
		return invalid("request_type", "unknown type %q", in.RequestType)
	case !in.Category.Valid():
		return invalid("category", "unknown category %q", in.Category)
	case !in.Priority.Valid():
		return invalid("priority", "unknown priority %q", in.Priority)
	}
	if err := domain.ValidateAmount(in.AmountCents, in.Currency); err != nil {
		field := "amount_cents"
		if in.AmountCents > 0 {
			field = "currency"
		}
		return &ValidationError{Field: field, Message: err.Error()}
	}
	if err := domain.ValidateExpenseDate(in.ExpenseDate, now); err != nil {
		return &ValidationError{Field: "expense_date", Message: err.Error()}
	}
	return nil
}

// Create stores a new draft owned by actor and assigns its request number.
func (s *Service) Create(ctx context.Context, actor domain.User, in CreateInput) (domain.ReimbursementRequest, error) {
	ctx, span := s.startSpan(ctx, "Workflow.Create")
	defer span.End()

	now := s.now().UTC()
	if err := in.normalize(now); err != nil {
		return domain.ReimbursementRequest{}, err
	}
	if !policy.CanCreate(actor) {
		return domain.ReimbursementRequest{}, ErrForbidden
	}
	enabled, err := s.featureEnabled(ctx, actor)
	if err != nil {
		span.RecordError(err)
		return domain.ReimbursementRequest{}, err
	}
	if !enabled {
		return domain.ReimbursementRequest{}, ErrFeatureDisabled
	}

	created, err := s.requests.Create(ctx, domain.ReimbursementRequest{
		ID:          s.node.Generate().Int64(),
		UserID:      actor.ID,
		RequestType: in.RequestType,
		Title:       in.Title,
		Description: in.Description,
		AmountCents: in.AmountCents,
		Currency:    in.Currency,
		ExpenseDate: in.ExpenseDate.UTC(),
		Category:    in.Category,
		Priority:    in.Priority,
		Status:      domain.StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		span.RecordError(err)
		return domain.ReimbursementRequest{}, fmt.Errorf("create request: %w", err)
	}
	span.SetAttributes(attribute.String("request.number", created.RequestNumber))
	s.audit("request.created", "request_id", created.ID, "request_number", created.RequestNumber, "user_id", actor.ID)
	return created, nil
}

// featureEnabled treats a missing flag as enabled.
func (s *Service) featureEnabled(ctx context.Context, actor domain.User) (bool, error) {
	if s.flags == nil {
		return true, nil
	}
	flag, err := s.flags.Get(ctx, domain.FlagReimbursementRequests)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("load feature flag: %w", err)
	}
	return flag.EnabledFor(actor), nil
}

// RequestDetail is a request with its event log.
type RequestDetail struct {
	Request domain.ReimbursementRequest
	Events  []domain.RequestEvent
}

// Get loads a request the actor may see.
func (s *Service) Get(ctx context.Context, actor domain.User, id int64) (RequestDetail, error) {
	ctx, span := s.startSpan(ctx, "Workflow.Get")
	defer span.End()

	req, err := s.requests.Get(ctx, id)
	if err != nil {
		return RequestDetail{}, mapNotFound(err)
	}
	if !policy.ForRequest(actor, req).Show() {
		return RequestDetail{}, ErrForbidden
	}
	events, err := s.requests.Events(ctx, id)
	if err != nil {
		span.RecordError(err)
		return RequestDetail{}, fmt.Errorf("load events: %w", err)
	}
	return RequestDetail{Request: req, Events: events}, nil
}

// ListFilter narrows a listing within the actor's scope.
type ListFilter struct {
	Status      domain.RequestStatus
	RequestType domain.RequestType
	Limit       int
	Offset      int
}

// List returns requests visible to actor.
func (s *Service) List(ctx context.Context, actor domain.User, in ListFilter) ([]domain.ReimbursementRequest, error) {
	ctx, span := s.startSpan(ctx, "Workflow.List")
	defer span.End()

	if in.Status != "" && !in.Status.Valid() {
		return nil, invalid("status", "unknown status %q", in.Status)
	}
	if in.RequestType != "" && !in.RequestType.Valid() {
		return nil, invalid("request_type", "unknown type %q", in.RequestType)
	}
	filter := repository.RequestFilter{
		Status:      in.Status,
		RequestType: in.RequestType,
		Limit:       in.Limit,
		Offset:      in.Offset,
	}
	if scope := policy.ScopeFor(actor); !scope.All {
		owner := scope.OwnerID
		filter.OwnerID = &owner
	}
	out, err := s.requests.List(ctx, filter)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return out, nil
}

// Submit moves a draft to submitted.
func (s *Service) Submit(ctx context.Context, actor domain.User, id int64) (domain.ReimbursementRequest, error) {
	return s.run(ctx, "Workflow.Submit", actor, id, submitTransition())
}

// Approve approves a submitted or under-review request. Without an explicit
// amount the requested amount is approved.
func (s *Service) Approve(ctx context.Context, actor domain.User, id int64, in ApproveInput) (domain.ReimbursementRequest, error) {
	if in.AmountCents != nil && *in.AmountCents <= 0 {
		return domain.ReimbursementRequest{}, invalid("approved_amount_cents", "must be greater than zero")
	}
	return s.run(ctx, "Workflow.Approve", actor, id, approveTransition(in))
}

// Reject rejects a submitted or under-review request. The reason is required.
func (s *Service) Reject(ctx context.Context, actor domain.User, id int64, reason string) (domain.ReimbursementRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.ReimbursementRequest{}, invalid("reason", "is required")
	}
	return s.run(ctx, "Workflow.Reject", actor, id, rejectTransition(reason))
}

// RequestMoreInfo moves a submitted request to under_review.
func (s *Service) RequestMoreInfo(ctx context.Context, actor domain.User, id int64, notes string) (domain.ReimbursementRequest, error) {
	return s.run(ctx, "Workflow.RequestMoreInfo", actor, id, requestInfoTransition(notes))
}

// MarkPaid records payment of an approved request.
func (s *Service) MarkPaid(ctx context.Context, actor domain.User, id int64) (domain.ReimbursementRequest, error) {
	return s.run(ctx, "Workflow.MarkPaid", actor, id, markPaidTransition())
}

func (s *Service) run(ctx context.Context, spanName string, actor domain.User, id int64, t transition) (domain.ReimbursementRequest, error) {
	ctx, span := s.startSpan(ctx, spanName)
	defer span.End()
	span.SetAttributes(attribute.Int64("request.id", id), attribute.String("workflow.action", string(t.action)))

	now := s.now().UTC()
	updated, event, err := s.requests.Transition(ctx, id, func(req *domain.ReimbursementRequest) (domain.RequestEvent, error) {
		// Permission first so a forbidden caller learns nothing about status.
		if !policy.ForRequest(actor, *req).Permits(t.action) {
			return domain.RequestEvent{}, ErrForbidden
		}
		if !t.guard(*req) {
			return domain.RequestEvent{}, &InvalidTransitionError{RequestID: req.ID, Status: req.Status, Action: t.action}
		}
		from := req.Status
		data, err := t.apply(req, actor, now)
		if err != nil {
			return domain.RequestEvent{}, err
		}
		req.UpdatedAt = now
		if err := req.CheckConsistency(); err != nil {
			return domain.RequestEvent{}, err
		}
		return domain.RequestEvent{
			ID:         s.node.Generate().Int64(),
			RequestID:  req.ID,
			EventType:  t.event,
			ActorID:    actor.ID,
			FromStatus: from,
			ToStatus:   req.Status,
			Data:       data,
			CreatedAt:  now,
		}, nil
	})
	if err != nil {
		err = mapNotFound(err)
		if !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrForbidden) && !errors.Is(err, ErrValidation) && !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
		}
		return domain.ReimbursementRequest{}, err
	}

	s.audit("request."+string(event.EventType),
		"request_id", updated.ID,
		"request_number", updated.RequestNumber,
		"actor_id", actor.ID,
		"from_status", event.FromStatus,
		"to_status", event.ToStatus,
	)
	s.notify(ctx, updated, event)
	return updated, nil
}

// notify is best effort; the transition has already committed.
func (s *Service) notify(ctx context.Context, req domain.ReimbursementRequest, event domain.RequestEvent) {
	err := s.notifier.Notify(ctx, notify.Notification{
		RequestID:     req.ID,
		RequestNumber: req.RequestNumber,
		OwnerID:       req.UserID,
		ActorID:       event.ActorID,
		Event:         event.EventType,
		FromStatus:    event.FromStatus,
		ToStatus:      event.ToStatus,
		CreatedAt:     event.CreatedAt,
	})
	if err != nil {
		s.log().Warn("enqueue notification failed", zap.Int64("request_id", req.ID), zap.Error(err))
	}
}

func mapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *Service) audit(event string, attrs ...any) {
	fields := make([]zap.Field, 0, len(attrs)/2+2)
	fields = append(fields, zap.String("event", event), zap.Time("timestamp", time.Now().UTC()))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	s.log().Info("audit", fields...)
}

func (s *Service) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
