package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ebrett/jupiter-sub001/internal/domain"
	"github.com/ebrett/jupiter-sub001/internal/http/middleware"
	"github.com/ebrett/jupiter-sub001/internal/workflow"
)

const dateLayout = "2006-01-02"

// Workflow is the request workflow the handlers drive.
type Workflow interface {
	Create(ctx context.Context, actor domain.User, in workflow.CreateInput) (domain.ReimbursementRequest, error)
	Get(ctx context.Context, actor domain.User, id int64) (workflow.RequestDetail, error)
	List(ctx context.Context, actor domain.User, in workflow.ListFilter) ([]domain.ReimbursementRequest, error)
	Submit(ctx context.Context, actor domain.User, id int64) (domain.ReimbursementRequest, error)
	Approve(ctx context.Context, actor domain.User, id int64, in workflow.ApproveInput) (domain.ReimbursementRequest, error)
	Reject(ctx context.Context, actor domain.User, id int64, reason string) (domain.ReimbursementRequest, error)
	RequestMoreInfo(ctx context.Context, actor domain.User, id int64, notes string) (domain.ReimbursementRequest, error)
	MarkPaid(ctx context.Context, actor domain.User, id int64) (domain.ReimbursementRequest, error)
	BulkApprove(ctx context.Context, actor domain.User, ids []int64, notes string) (workflow.BulkResult, error)
}

// RequestHandler serves /api/requests.
type RequestHandler struct {
	Workflow Workflow
}

// NewRequestHandler creates the handler set.
func NewRequestHandler(wf Workflow) *RequestHandler {
	return &RequestHandler{Workflow: wf}
}

type createRequestBody struct {
	RequestType string `json:"request_type"`
	Title       string `json:"title"`
	Description string `json:"description"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	ExpenseDate string `json:"expense_date"`
	Category    string `json:"category"`
	Priority    string `json:"priority"`
}

// Create stores a new draft.
func (h *RequestHandler) Create(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var body createRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		invalidRequest(c, "Invalid request body.")
		return
	}
	in := workflow.CreateInput{
		RequestType: domain.RequestType(strings.TrimSpace(body.RequestType)),
		Title:       body.Title,
		Description: body.Description,
		AmountCents: body.AmountCents,
		Currency:    body.Currency,
		Category:    domain.Category(strings.TrimSpace(body.Category)),
		Priority:    domain.Priority(strings.TrimSpace(body.Priority)),
	}
	if raw := strings.TrimSpace(body.ExpenseDate); raw != "" {
		date, err := time.Parse(dateLayout, raw)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation_failed", "error_description": "expense_date must be YYYY-MM-DD", "field": "expense_date"})
			return
		}
		in.ExpenseDate = date
	}

	req, err := h.Workflow.Create(c.Request.Context(), actor, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, requestView(req))
}

// List returns the requests visible to the session user.
func (h *RequestHandler) List(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	filter := workflow.ListFilter{
		Status:      domain.RequestStatus(c.Query("status")),
		RequestType: domain.RequestType(c.Query("request_type")),
		Limit:       queryInt(c, "limit", 50),
		Offset:      queryInt(c, "offset", 0),
	}
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	out, err := h.Workflow.List(c.Request.Context(), actor, filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": requestViews(out)})
}

// Show returns one request with its event log.
func (h *RequestHandler) Show(c *gin.Context) {
	actor, id, ok := actorAndID(c)
	if !ok {
		return
	}
	detail, err := h.Workflow.Get(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request": requestView(detail.Request),
		"events":  eventViews(detail.Events),
	})
}

// Submit moves a draft into review.
func (h *RequestHandler) Submit(c *gin.Context) {
	actor, id, ok := actorAndID(c)
	if !ok {
		return
	}
	h.respond(c)(h.Workflow.Submit(c.Request.Context(), actor, id))
}

// Approve approves with an optional amount and notes.
func (h *RequestHandler) Approve(c *gin.Context) {
	actor, id, ok := actorAndID(c)
	if !ok {
		return
	}
	var body struct {
		ApprovedAmountCents *int64 `json:"approved_amount_cents"`
		Notes               string `json:"notes"`
	}
	if !bindOptionalJSON(c, &body) {
		return
	}
	h.respond(c)(h.Workflow.Approve(c.Request.Context(), actor, id, workflow.ApproveInput{
		AmountCents: body.ApprovedAmountCents,
		Notes:       body.Notes,
	}))
}

// Reject rejects with a mandatory reason.
func (h *RequestHandler) Reject(c *gin.Context) {
	actor, id, ok := actorAndID(c)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if !bindOptionalJSON(c, &body) {
		return
	}
	h.respond(c)(h.Workflow.Reject(c.Request.Context(), actor, id, body.Reason))
}

// RequestInfo asks the submitter for more information.
func (h *RequestHandler) RequestInfo(c *gin.Context) {
	actor, id, ok := actorAndID(c)
	if !ok {
		return
	}
	var body struct {
		Notes string `json:"notes"`
	}
	if !bindOptionalJSON(c, &body) {
		return
	}
	h.respond(c)(h.Workflow.RequestMoreInfo(c.Request.Context(), actor, id, body.Notes))
}

// MarkPaid records the payout.
func (h *RequestHandler) MarkPaid(c *gin.Context) {
	actor, id, ok := actorAndID(c)
	if !ok {
		return
	}
	h.respond(c)(h.Workflow.MarkPaid(c.Request.Context(), actor, id))
}

// BulkApprove approves many requests, reporting per-request failures.
func (h *RequestHandler) BulkApprove(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var body struct {
		RequestIDs []string `json:"request_ids"`
		Notes      string   `json:"notes"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		invalidRequest(c, "Invalid request body.")
		return
	}
	ids := make([]int64, 0, len(body.RequestIDs))
	for _, raw := range body.RequestIDs {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			invalidRequest(c, "request_ids must be numeric.")
			return
		}
		ids = append(ids, id)
	}

	result, err := h.Workflow.BulkApprove(c.Request.Context(), actor, ids, body.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	failures := make([]gin.H, 0, len(result.Failures))
	for _, f := range result.Failures {
		failures = append(failures, gin.H{"request_id": strconv.FormatInt(f.RequestID, 10), "error": f.Err.Error()})
	}
	c.JSON(http.StatusOK, gin.H{
		"message":  result.Message(),
		"approved": requestViews(result.Approved),
		"failures": failures,
	})
}

func (h *RequestHandler) respond(c *gin.Context) func(domain.ReimbursementRequest, error) {
	return func(req domain.ReimbursementRequest, err error) {
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, requestView(req))
	}
}

func actorFrom(c *gin.Context) (domain.User, bool) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Session required."})
		return domain.User{}, false
	}
	return user, true
}

func actorAndID(c *gin.Context) (domain.User, int64, bool) {
	actor, ok := actorFrom(c)
	if !ok {
		return domain.User{}, 0, false
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "error_description": "Request not found."})
		return domain.User{}, 0, false
	}
	return actor, id, true
}

// bindOptionalJSON accepts an empty body.
func bindOptionalJSON(c *gin.Context, out any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(out); err != nil {
		invalidRequest(c, "Invalid request body.")
		return false
	}
	return true
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
