package repository

import (
	"context"
	"time"

	"github.com/ebrett/jupiter-sub001/internal/domain"
	"github.com/ebrett/jupiter-sub001/internal/domain/oauth"
)

// UserRepository exposes persistence for portal members. Lookups that find
// nothing return an error wrapping pgx.ErrNoRows.
type UserRepository interface {
	GetByID(ctx context.Context, userID int64) (domain.User, error)
	GetByEmail(ctx context.Context, email string) (domain.User, error)
	GetByNationBuilderID(ctx context.Context, nbID int64) (domain.User, error)
	Create(ctx context.Context, user domain.User) (domain.User, error)
	UpdateProfile(ctx context.Context, user domain.User) (domain.User, error)
	AddRole(ctx context.Context, userID int64, role domain.Role) error
}

// TransitionFunc mutates a locked request in place and returns the event to
// append. Returning an error aborts the transaction with nothing written.
type TransitionFunc func(req *domain.ReimbursementRequest) (domain.RequestEvent, error)

// RequestFilter narrows request listings.
type RequestFilter struct {
	OwnerID     *int64
	Status      domain.RequestStatus
	RequestType domain.RequestType
	Limit       int
	Offset      int
}

// RequestRepository persists requests and their append-only event log.
type RequestRepository interface {
	// Create stores a draft and assigns its request number in the same transaction.
	Create(ctx context.Context, req domain.ReimbursementRequest) (domain.ReimbursementRequest, error)
	Get(ctx context.Context, id int64) (domain.ReimbursementRequest, error)
	List(ctx context.Context, filter RequestFilter) ([]domain.ReimbursementRequest, error)
	Events(ctx context.Context, requestID int64) ([]domain.RequestEvent, error)
	// Transition locks the row, applies fn, writes the row and the event, and commits.
	Transition(ctx context.Context, id int64, fn TransitionFunc) (domain.ReimbursementRequest, domain.RequestEvent, error)
}

// TokenRepository handles provider token persistence.
type TokenRepository interface {
	GetActive(ctx context.Context, userID int64, provider string) (domain.OAuthToken, error)
	Create(ctx context.Context, token domain.OAuthToken) (domain.OAuthToken, error)
	// UpdateCredentials overwrites secrets and expiry on an active row in one statement.
	UpdateCredentials(ctx context.Context, token domain.OAuthToken) (domain.OAuthToken, error)
	// Rotate marks the active row rotated and inserts next as the new active row atomically.
	Rotate(ctx context.Context, currentID int64, next domain.OAuthToken, rotatedAt time.Time) (domain.OAuthToken, error)
	ListByUser(ctx context.Context, userID int64, provider string) ([]domain.OAuthToken, error)
	DeleteRotatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// FeatureFlagRepository loads flags with their assignees.
type FeatureFlagRepository interface {
	Get(ctx context.Context, name string) (domain.FeatureFlag, error)
}

// OAuthStateStore persists pending authorizations keyed by their state
// value. GetState returns nil, nil for unknown or expired states.
type OAuthStateStore interface {
	SaveState(ctx context.Context, data oauth.OAuthState, ttl time.Duration) error
	GetState(ctx context.Context, state string) (*oauth.OAuthState, error)
	DeleteState(ctx context.Context, state string) error
}

// ChallengeStore persists Cloudflare challenge records until they expire.
type ChallengeStore interface {
	Save(ctx context.Context, challenge oauth.CloudflareChallenge) error
	// Get returns nil, nil when the challenge is unknown or expired.
	Get(ctx context.Context, id string) (*oauth.CloudflareChallenge, error)
	// Consume atomically loads and deletes the challenge; nil, nil when absent.
	Consume(ctx context.Context, id string) (*oauth.CloudflareChallenge, error)
}
