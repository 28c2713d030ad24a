// Package testutil holds stateful in-memory implementations of the
// repository interfaces, shared by tests across packages.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ebrett/jupiter-sub001/internal/domain"
	"github.com/ebrett/jupiter-sub001/internal/domain/oauth"
	"github.com/ebrett/jupiter-sub001/internal/repository"
)

var (
	_ repository.UserRepository        = (*MemoryUsers)(nil)
	_ repository.RequestRepository     = (*MemoryRequests)(nil)
	_ repository.TokenRepository       = (*MemoryTokens)(nil)
	_ repository.FeatureFlagRepository = (*MemoryFlags)(nil)
	_ repository.OAuthStateStore       = (*MemoryStateStore)(nil)
	_ repository.ChallengeStore        = (*MemoryChallengeStore)(nil)
)

func notFound(what string) error {
	return fmt.Errorf("%s: %w", what, pgx.ErrNoRows)
}

// MemoryUsers implements repository.UserRepository.
type MemoryUsers struct {
	CreateErr error

	mu     sync.Mutex
	nextID int64
	users  map[int64]domain.User
}

// NewMemoryUsers seeds the store with users.
func NewMemoryUsers(users ...domain.User) *MemoryUsers {
	m := &MemoryUsers{users: make(map[int64]domain.User), nextID: 1000}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *MemoryUsers) GetByID(_ context.Context, userID int64) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return domain.User{}, notFound("get user by id")
	}
	return u, nil
}

func (m *MemoryUsers) GetByEmail(_ context.Context, email string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return domain.User{}, notFound("get user")
}

func (m *MemoryUsers) GetByNationBuilderID(_ context.Context, nbID int64) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.NationBuilderID != nil && *u.NationBuilderID == nbID {
			return u, nil
		}
	}
	return domain.User{}, notFound("get user by nationbuilder id")
}

func (m *MemoryUsers) Create(_ context.Context, user domain.User) (domain.User, error) {
	if m.CreateErr != nil {
		return domain.User{}, m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if user.ID == 0 {
		m.nextID++
		user.ID = m.nextID
	}
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	for _, u := range m.users {
		if u.Email == user.Email {
			return domain.User{}, fmt.Errorf("create user: duplicate email %s", user.Email)
		}
	}
	if len(user.Roles) == 0 {
		user.Roles = []domain.Role{domain.RoleSubmitter}
	}
	now := time.Now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now
	m.users[user.ID] = user
	return user, nil
}

func (m *MemoryUsers) UpdateProfile(_ context.Context, user domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.users[user.ID]
	if !ok {
		return domain.User{}, notFound("update user")
	}
	existing.FirstName = user.FirstName
	existing.LastName = user.LastName
	if user.NationBuilderID != nil {
		existing.NationBuilderID = user.NationBuilderID
	}
	existing.UpdatedAt = time.Now().UTC()
	m.users[user.ID] = existing
	return existing, nil
}

func (m *MemoryUsers) AddRole(_ context.Context, userID int64, role domain.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return notFound("add role")
	}
	if !u.HasRole(role) {
		u.Roles = append(u.Roles, role)
		m.users[userID] = u
	}
	return nil
}

// MemoryRequests implements repository.RequestRepository. A single mutex
// stands in for the row lock and transaction of the Postgres version.
type MemoryRequests struct {
	CreateErr     error
	TransitionErr error

	mu        sync.Mutex
	requests  map[int64]domain.ReimbursementRequest
	events    map[int64][]domain.RequestEvent
	sequences map[string]int
	numbers   map[string]int64
}

// NewMemoryRequests returns an empty store.
func NewMemoryRequests() *MemoryRequests {
	return &MemoryRequests{
		requests:  make(map[int64]domain.ReimbursementRequest),
		events:    make(map[int64][]domain.RequestEvent),
		sequences: make(map[string]int),
		numbers:   make(map[string]int64),
	}
}

// SeedNumber reserves a request number as if it had been imported.
func (m *MemoryRequests) SeedNumber(number string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.numbers[number] = -1
}

func (m *MemoryRequests) Create(_ context.Context, req domain.ReimbursementRequest) (domain.ReimbursementRequest, error) {
	if m.CreateErr != nil {
		return domain.ReimbursementRequest{}, m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	year := req.CreatedAt.UTC().Year()
	key := fmt.Sprintf("%s-%d", req.RequestType.Prefix(), year)
	for {
		m.sequences[key]++
		number := domain.FormatRequestNumber(req.RequestType, year, m.sequences[key])
		if _, taken := m.numbers[number]; taken {
			continue
		}
		req.RequestNumber = number
		break
	}
	req.UpdatedAt = req.CreatedAt
	m.numbers[req.RequestNumber] = req.ID
	m.requests[req.ID] = req
	return req, nil
}

func (m *MemoryRequests) Get(_ context.Context, id int64) (domain.ReimbursementRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return domain.ReimbursementRequest{}, notFound("get request")
	}
	return req, nil
}

func (m *MemoryRequests) List(_ context.Context, filter repository.RequestFilter) ([]domain.ReimbursementRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ReimbursementRequest
	for _, req := range m.requests {
		if filter.OwnerID != nil && req.UserID != *filter.OwnerID {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		if filter.RequestType != "" && req.RequestType != filter.RequestType {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryRequests) Events(_ context.Context, requestID int64) ([]domain.RequestEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.RequestEvent(nil), m.events[requestID]...), nil
}

func (m *MemoryRequests) Transition(_ context.Context, id int64, fn repository.TransitionFunc) (domain.ReimbursementRequest, domain.RequestEvent, error) {
	if m.TransitionErr != nil {
		return domain.ReimbursementRequest{}, domain.RequestEvent{}, m.TransitionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.requests[id]
	if !ok {
		return domain.ReimbursementRequest{}, domain.RequestEvent{}, notFound("lock request")
	}
	working := current
	event, err := fn(&working)
	if err != nil {
		return domain.ReimbursementRequest{}, domain.RequestEvent{}, err
	}
	event.RequestID = id
	m.requests[id] = working
	m.events[id] = append(m.events[id], event)
	return working, event, nil
}

// MemoryTokens implements repository.TokenRepository.
type MemoryTokens struct {
	UpdateErr error

	mu     sync.Mutex
	nextID int64
	tokens map[int64]domain.OAuthToken
	// Updates counts successful UpdateCredentials calls.
	Updates int
}

// NewMemoryTokens seeds the store.
func NewMemoryTokens(tokens ...domain.OAuthToken) *MemoryTokens {
	m := &MemoryTokens{tokens: make(map[int64]domain.OAuthToken), nextID: 5000}
	for _, t := range tokens {
		m.tokens[t.ID] = t
	}
	return m
}

func (m *MemoryTokens) GetActive(_ context.Context, userID int64, provider string) (domain.OAuthToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.UserID == userID && t.Provider == provider && t.Active() {
			return t, nil
		}
	}
	return domain.OAuthToken{}, fmt.Errorf("get active token: %w", oauth.ErrTokenNotFound)
}

func (m *MemoryTokens) Create(_ context.Context, tok domain.OAuthToken) (domain.OAuthToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(tok)
}

func (m *MemoryTokens) insertLocked(tok domain.OAuthToken) (domain.OAuthToken, error) {
	for _, t := range m.tokens {
		if t.UserID == tok.UserID && t.Provider == tok.Provider && t.Active() {
			return domain.OAuthToken{}, fmt.Errorf("active token exists: %w", oauth.ErrTokenRotated)
		}
	}
	if tok.ID == 0 {
		m.nextID++
		tok.ID = m.nextID
	}
	if tok.Version == 0 {
		tok.Version = 1
	}
	tok.UpdatedAt = tok.CreatedAt
	m.tokens[tok.ID] = tok
	return tok, nil
}

func (m *MemoryTokens) UpdateCredentials(_ context.Context, tok domain.OAuthToken) (domain.OAuthToken, error) {
	if m.UpdateErr != nil {
		return domain.OAuthToken{}, m.UpdateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.tokens[tok.ID]
	if !ok || !existing.Active() {
		return domain.OAuthToken{}, fmt.Errorf("update token %d: %w", tok.ID, oauth.ErrTokenRotated)
	}
	existing.AccessToken = tok.AccessToken
	existing.RefreshToken = tok.RefreshToken
	existing.ExpiresAt = tok.ExpiresAt
	existing.Scope = tok.Scope
	existing.UpdatedAt = tok.UpdatedAt
	m.tokens[tok.ID] = existing
	m.Updates++
	return existing, nil
}

func (m *MemoryTokens) Rotate(_ context.Context, currentID int64, next domain.OAuthToken, rotatedAt time.Time) (domain.OAuthToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.tokens[currentID]
	if !ok || !current.Active() {
		return domain.OAuthToken{}, fmt.Errorf("rotate token: %w", oauth.ErrTokenRotated)
	}
	current.RotatedAt = &rotatedAt
	current.UpdatedAt = rotatedAt
	m.tokens[currentID] = current
	created, err := m.insertLocked(next)
	if err != nil {
		current.RotatedAt = nil
		m.tokens[currentID] = current
		return domain.OAuthToken{}, fmt.Errorf("rotate token: %w", err)
	}
	return created, nil
}

func (m *MemoryTokens) ListByUser(_ context.Context, userID int64, provider string) ([]domain.OAuthToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OAuthToken
	for _, t := range m.tokens {
		if t.UserID == userID && t.Provider == provider {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *MemoryTokens) DeleteRotatedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tokens {
		if t.RotatedAt != nil && t.RotatedAt.Before(cutoff) {
			delete(m.tokens, id)
			n++
		}
	}
	return n, nil
}

// MemoryFlags implements repository.FeatureFlagRepository.
type MemoryFlags struct {
	mu    sync.Mutex
	flags map[string]domain.FeatureFlag
}

// NewMemoryFlags seeds the store.
func NewMemoryFlags(flags ...domain.FeatureFlag) *MemoryFlags {
	m := &MemoryFlags{flags: make(map[string]domain.FeatureFlag)}
	for _, f := range flags {
		m.flags[f.Name] = f
	}
	return m
}

func (m *MemoryFlags) Get(_ context.Context, name string) (domain.FeatureFlag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flags[name]
	if !ok {
		return domain.FeatureFlag{}, notFound("get feature flag")
	}
	return f, nil
}

// MemoryStateStore implements repository.OAuthStateStore without TTLs.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]oauth.OAuthState
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]oauth.OAuthState)}
}

func (m *MemoryStateStore) SaveState(_ context.Context, data oauth.OAuthState, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[data.State] = data
	return nil
}

func (m *MemoryStateStore) GetState(_ context.Context, key string) (*oauth.OAuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[key]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (m *MemoryStateStore) DeleteState(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key)
	return nil
}

// MemoryChallengeStore implements repository.ChallengeStore, honoring
// ExpiresAt against Now the way Redis TTLs would.
type MemoryChallengeStore struct {
	Now func() time.Time

	mu         sync.Mutex
	challenges map[string]oauth.CloudflareChallenge
}

func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{challenges: make(map[string]oauth.CloudflareChallenge)}
}

func (m *MemoryChallengeStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MemoryChallengeStore) Save(_ context.Context, ch oauth.CloudflareChallenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.challenges[ch.ID] = ch
	return nil
}

func (m *MemoryChallengeStore) Get(_ context.Context, id string) (*oauth.CloudflareChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.challenges[id]
	if !ok || ch.Expired(m.now()) {
		return nil, nil
	}
	return &ch, nil
}

func (m *MemoryChallengeStore) Consume(_ context.Context, id string) (*oauth.CloudflareChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.challenges[id]
	delete(m.challenges, id)
	if !ok || ch.Expired(m.now()) {
		return nil, nil
	}
	return &ch, nil
}

// Len returns the number of stored challenges, expired ones included.
func (m *MemoryChallengeStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.challenges)
}
