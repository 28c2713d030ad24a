package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ebrett/jupiter-sub001/internal/domain"
)

// ErrRequestNumberExhausted means every numbering attempt collided.
var ErrRequestNumberExhausted = errors.New("repository: could not allocate a unique request number")

const maxNumberAttempts = 5

// PostgresRequestRepo implements RequestRepository.
type PostgresRequestRepo struct {
	db *pgxpool.Pool
}

func NewPostgresRequestRepo(pool *pgxpool.Pool) *PostgresRequestRepo {
	return &PostgresRequestRepo{db: pool}
}

const requestColumns = `id, user_id, request_type, request_number, title, description, amount_cents, currency,
expense_date, category, priority, status, submitted_at, reviewed_at, approved_at, rejected_at, paid_at,
approver_id, approved_amount_cents, approval_notes, rejection_reason, created_at, updated_at`

func scanRequest(row pgx.Row) (domain.ReimbursementRequest, error) {
	var req domain.ReimbursementRequest
	err := row.Scan(
		&req.ID,
		&req.UserID,
		&req.RequestType,
		&req.RequestNumber,
		&req.Title,
		&req.Description,
		&req.AmountCents,
		&req.Currency,
		&req.ExpenseDate,
		&req.Category,
		&req.Priority,
		&req.Status,
		&req.SubmittedAt,
		&req.ReviewedAt,
		&req.ApprovedAt,
		&req.RejectedAt,
		&req.PaidAt,
		&req.ApproverID,
		&req.ApprovedAmountCents,
		&req.ApprovalNotes,
		&req.RejectionReason,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	return req, err
}

// nextSequenceSQL bumps the per prefix/year counter. A fresh counter is
// seeded from the highest number already present so imported rows do not
// collide.
const nextSequenceSQL = `INSERT INTO request_number_sequences (prefix, year, last_value)
VALUES ($1, $2, COALESCE((
    SELECT MAX(split_part(request_number, '-', 3)::INT)
    FROM reimbursement_requests
    WHERE request_number LIKE $3
), 0) + 1)
ON CONFLICT (prefix, year) DO UPDATE SET last_value = request_number_sequences.last_value + 1
RETURNING last_value`

const insertRequestSQL = `INSERT INTO reimbursement_requests (
    id, user_id, request_type, request_number, title, description, amount_cents, currency,
    expense_date, category, priority, status, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
RETURNING ` + requestColumns

// Create inserts the draft. Each insert attempt runs in a savepoint so a
// request_number collision only discards that attempt while the counter
// bump survives, and the next attempt takes the following value.
func (r *PostgresRequestRepo) Create(ctx context.Context, req domain.ReimbursementRequest) (domain.ReimbursementRequest, error) {
	year := req.CreatedAt.UTC().Year()
	prefix := req.RequestType.Prefix()
	pattern := fmt.Sprintf("%s-%d-%%", prefix, year)

	var created domain.ReimbursementRequest
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		for attempt := 1; attempt <= maxNumberAttempts; attempt++ {
			var seq int
			if err := tx.QueryRow(ctx, nextSequenceSQL, prefix, year, pattern).Scan(&seq); err != nil {
				return fmt.Errorf("next request sequence: %w", err)
			}
			number := domain.FormatRequestNumber(req.RequestType, year, seq)

			row, err := insertRequestSavepoint(ctx, tx, req, number)
			if err == nil {
				created = row
				return nil
			}
			if !isUniqueViolation(err) {
				return err
			}
		}
		return ErrRequestNumberExhausted
	})
	if err != nil {
		return domain.ReimbursementRequest{}, fmt.Errorf("create request: %w", err)
	}
	return created, nil
}

func insertRequestSavepoint(ctx context.Context, tx pgx.Tx, req domain.ReimbursementRequest, number string) (domain.ReimbursementRequest, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return domain.ReimbursementRequest{}, fmt.Errorf("savepoint: %w", err)
	}
	created, err := scanRequest(sp.QueryRow(ctx, insertRequestSQL,
		req.ID,
		req.UserID,
		req.RequestType,
		number,
		req.Title,
		req.Description,
		req.AmountCents,
		req.Currency,
		req.ExpenseDate,
		req.Category,
		req.Priority,
		req.Status,
		req.CreatedAt,
	))
	if err != nil {
		_ = sp.Rollback(ctx)
		return domain.ReimbursementRequest{}, err
	}
	if err := sp.Commit(ctx); err != nil {
		return domain.ReimbursementRequest{}, fmt.Errorf("release savepoint: %w", err)
	}
	return created, nil
}

func (r *PostgresRequestRepo) Get(ctx context.Context, id int64) (domain.ReimbursementRequest, error) {
	req, err := scanRequest(r.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM reimbursement_requests WHERE id = $1`, id))
	if err != nil {
		return domain.ReimbursementRequest{}, fmt.Errorf("get request: %w", err)
	}
	return req, nil
}

func (r *PostgresRequestRepo) List(ctx context.Context, filter RequestFilter) ([]domain.ReimbursementRequest, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.OwnerID != nil {
		add("user_id = $%d", *filter.OwnerID)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.RequestType != "" {
		add("request_type = $%d", filter.RequestType)
	}

	query := `SELECT ` + requestColumns + ` FROM reimbursement_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit, max(filter.Offset, 0))
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []domain.ReimbursementRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return out, nil
}

func (r *PostgresRequestRepo) Events(ctx context.Context, requestID int64) ([]domain.RequestEvent, error) {
	rows, err := r.db.Query(ctx, `SELECT id, request_id, event_type, actor_id, from_status, to_status, event_data, created_at
FROM request_events WHERE request_id = $1 ORDER BY created_at, id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.RequestEvent
	for rows.Next() {
		var ev domain.RequestEvent
		if err := rows.Scan(&ev.ID, &ev.RequestID, &ev.EventType, &ev.ActorID, &ev.FromStatus, &ev.ToStatus, &ev.Data, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

const updateRequestStateSQL = `UPDATE reimbursement_requests SET
    status = $2, submitted_at = $3, reviewed_at = $4, approved_at = $5, rejected_at = $6, paid_at = $7,
    approver_id = $8, approved_amount_cents = $9, approval_notes = $10, rejection_reason = $11, updated_at = $12
WHERE id = $1
RETURNING ` + requestColumns

const insertEventSQL = `INSERT INTO request_events (id, request_id, event_type, actor_id, from_status, to_status, event_data, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// Transition holds a row lock for the whole read-modify-write so concurrent
// transitions on one request apply one after the other.
func (r *PostgresRequestRepo) Transition(ctx context.Context, id int64, fn TransitionFunc) (domain.ReimbursementRequest, domain.RequestEvent, error) {
	var (
		updated domain.ReimbursementRequest
		event   domain.RequestEvent
	)
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		current, err := scanRequest(tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM reimbursement_requests WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return fmt.Errorf("lock request: %w", err)
		}

		event, err = fn(&current)
		if err != nil {
			return err
		}

		updated, err = scanRequest(tx.QueryRow(ctx, updateRequestStateSQL,
			current.ID,
			current.Status,
			current.SubmittedAt,
			current.ReviewedAt,
			current.ApprovedAt,
			current.RejectedAt,
			current.PaidAt,
			current.ApproverID,
			current.ApprovedAmountCents,
			current.ApprovalNotes,
			current.RejectionReason,
			current.UpdatedAt,
		))
		if err != nil {
			return fmt.Errorf("update request: %w", err)
		}

		data, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("encode event data: %w", err)
		}
		if event.Data == nil {
			data = []byte("{}")
		}
		event.RequestID = current.ID
		if _, err := tx.Exec(ctx, insertEventSQL,
			event.ID,
			event.RequestID,
			event.EventType,
			event.ActorID,
			event.FromStatus,
			event.ToStatus,
			data,
			event.CreatedAt,
		); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.ReimbursementRequest{}, domain.RequestEvent{}, err
	}
	return updated, event, nil
}
