package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/ebrett/jupiter-sub001/internal/adapter/captcha"
	"github.com/ebrett/jupiter-sub001/internal/domain"
	domainoauth "github.com/ebrett/jupiter-sub001/internal/domain/oauth"
	"github.com/ebrett/jupiter-sub001/internal/jwt"
	"github.com/ebrett/jupiter-sub001/internal/repository"
)

const (
	stateTTL = 10 * time.Minute

	// DefaultChallengeTTL bounds how long a blocked callback can be resumed.
	DefaultChallengeTTL = 15 * time.Minute
)

// TokenExchanger is the part of the token manager the sign-in flow needs.
type TokenExchanger interface {
	ExchangeCode(ctx context.Context, code string) (*domainoauth.TokenResponse, error)
	StoreExchanged(ctx context.Context, userID int64, resp *domainoauth.TokenResponse) (domain.OAuthToken, error)
}

// ProfileFetcher loads the NationBuilder profile of an access token's owner.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, accessToken string) (*domainoauth.Profile, error)
}

// Options carries the tunables of the sign-in flow.
type Options struct {
	ChallengeTTL     time.Duration
	TurnstileSiteKey string
}

// Service drives NationBuilder sign-in and Cloudflare challenge recovery.
type Service struct {
	oauth      *oauth2.Config
	states     repository.OAuthStateStore
	challenges repository.ChallengeStore
	tokens     TokenExchanger
	profiles   ProfileFetcher
	users      repository.UserRepository
	sessions   *jwt.Generator
	verifier   captcha.Verifier
	node       *snowflake.Node
	opts       Options
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// Deps groups the collaborators of NewService.
type Deps struct {
	Provider   domainoauth.ProviderConfig
	States     repository.OAuthStateStore
	Challenges repository.ChallengeStore
	Tokens     TokenExchanger
	Profiles   ProfileFetcher
	Users      repository.UserRepository
	Sessions   *jwt.Generator
	Verifier   captcha.Verifier
	Node       *snowflake.Node
	Logger     *zap.Logger
}

// NewService wires the sign-in service.
func NewService(deps Deps, opts Options) *Service {
	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = DefaultChallengeTTL
	}
	return &Service{
		oauth: &oauth2.Config{
			ClientID:     deps.Provider.ClientID,
			ClientSecret: deps.Provider.ClientSecret,
			RedirectURL:  deps.Provider.RedirectURI,
			Scopes:       deps.Provider.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   deps.Provider.AuthURL(),
				TokenURL:  deps.Provider.TokenURL(),
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		states:     deps.States,
		challenges: deps.Challenges,
		tokens:     deps.Tokens,
		profiles:   deps.Profiles,
		users:      deps.Users,
		sessions:   deps.Sessions,
		verifier:   deps.Verifier,
		node:       deps.Node,
		opts:       opts,
		logger:     deps.Logger,
		tracer:     otel.Tracer("github.com/ebrett/jupiter-sub001/internal/service/auth"),
		now:        time.Now,
	}
}

// StartAuthorizationOutput returns the provider URL the browser is sent to.
type StartAuthorizationOutput struct {
	AuthorizationURL string
	State            string
}

// CallbackInput captures the provider redirect.
type CallbackInput struct {
	Code      string
	State     string
	SessionID string
	// Extra holds any other query parameters; they are kept on a challenge
	// so the callback can be replayed unchanged.
	Extra map[string]string
}

// ResumeInput completes a challenge.
type ResumeInput struct {
	ChallengeID    string
	SessionID      string
	TurnstileToken string
	RemoteIP       string
}

// SignInResult is returned after a successful exchange.
type SignInResult struct {
	User         domain.User
	Token        domain.OAuthToken
	SessionToken string
	ExpiresAt    time.Time
}

// ChallengeRequiredError reports that the exchange was blocked and a
// challenge record was persisted for the session to resolve.
type ChallengeRequiredError struct {
	Challenge domainoauth.CloudflareChallenge
}

func (e *ChallengeRequiredError) Error() string {
	return fmt.Sprintf("cloudflare challenge %s required (%s)", e.Challenge.ID, e.Challenge.Type)
}

// StartAuthorization stores a state bound to sessionID and builds the
// authorization URL.
func (s *Service) StartAuthorization(ctx context.Context, sessionID string) (*StartAuthorizationOutput, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, domainoauth.ErrInvalidRequest
	}
	state, err := secureRandomString(32)
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	payload := domainoauth.OAuthState{
		State:       state,
		SessionID:   sessionID,
		RedirectURI: s.oauth.RedirectURL,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.states.SaveState(ctx, payload, stateTTL); err != nil {
		return nil, fmt.Errorf("persist state: %w", err)
	}
	return &StartAuthorizationOutput{
		AuthorizationURL: s.oauth.AuthCodeURL(state),
		State:            state,
	}, nil
}

// HandleCallback validates the state and exchanges the code. When Cloudflare
// blocks the exchange the returned error is a *ChallengeRequiredError.
func (s *Service) HandleCallback(ctx context.Context, in CallbackInput) (*SignInResult, error) {
	ctx, span := s.tracer.Start(ctx, "AuthService.HandleCallback")
	defer span.End()

	if strings.TrimSpace(in.Code) == "" || strings.TrimSpace(in.State) == "" || strings.TrimSpace(in.SessionID) == "" {
		return nil, domainoauth.ErrInvalidRequest
	}
	if err := s.consumeState(ctx, in.State, in.SessionID); err != nil {
		span.RecordError(err)
		return nil, err
	}

	resp, err := s.tokens.ExchangeCode(ctx, in.Code)
	if err != nil {
		var exchangeErr *domainoauth.TokenExchangeError
		if errors.As(err, &exchangeErr) && exchangeErr.IsChallenge() {
			record, saveErr := s.saveChallenge(ctx, in, exchangeErr.Challenge)
			if saveErr != nil {
				span.RecordError(saveErr)
				return nil, saveErr
			}
			return nil, &ChallengeRequiredError{Challenge: record}
		}
		span.RecordError(err)
		return nil, err
	}
	return s.completeSignIn(ctx, resp, in.SessionID)
}

func (s *Service) consumeState(ctx context.Context, state, sessionID string) error {
	stored, err := s.states.GetState(ctx, state)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if stored == nil {
		return domainoauth.ErrInvalidState
	}
	// A foreign session must not burn the owner's pending state.
	if stored.SessionID != sessionID {
		s.audit("oauth.state.session_mismatch")
		return domainoauth.ErrInvalidState
	}
	if err := s.states.DeleteState(ctx, state); err != nil {
		s.log().Warn("failed to delete oauth state", zap.Error(err))
	}
	return nil
}

func (s *Service) saveChallenge(ctx context.Context, in CallbackInput, challenge *domainoauth.Challenge) (domainoauth.CloudflareChallenge, error) {
	params := make(map[string]string, len(in.Extra)+2)
	for k, v := range in.Extra {
		params[k] = v
	}
	params["code"] = in.Code
	params["state"] = in.State

	siteKey := challenge.SiteKey
	if siteKey == "" && challenge.Type == domainoauth.ChallengeTurnstile {
		siteKey = s.opts.TurnstileSiteKey
	}
	now := s.now().UTC()
	record := domainoauth.CloudflareChallenge{
		ID:             uuid.NewString(),
		Type:           challenge.Type,
		SiteKey:        siteKey,
		Data:           challenge.Data,
		OAuthState:     in.State,
		OriginalParams: params,
		SessionID:      in.SessionID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.opts.ChallengeTTL),
	}
	if err := s.challenges.Save(ctx, record); err != nil {
		return domainoauth.CloudflareChallenge{}, fmt.Errorf("persist challenge: %w", err)
	}
	s.audit("challenge.created", "challenge_id", record.ID, "type", string(record.Type))
	return record, nil
}

// GetChallenge returns a pending challenge to the session that created it.
func (s *Service) GetChallenge(ctx context.Context, id, sessionID string) (*domainoauth.CloudflareChallenge, error) {
	ch, err := s.challenges.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, fmt.Errorf("load challenge: %w", err)
	}
	if ch == nil || ch.Expired(s.now()) {
		return nil, domainoauth.ErrChallengeExpired
	}
	if !ch.OwnedBy(sessionID) {
		return nil, domainoauth.ErrChallengeSessionMismatch
	}
	return ch, nil
}

// ResumeAfterChallenge verifies the resolved challenge and retries the
// exchange exactly once with the stored authorization code. A failed
// Turnstile check leaves the challenge in place so the human can try again.
func (s *Service) ResumeAfterChallenge(ctx context.Context, in ResumeInput) (*SignInResult, error) {
	ctx, span := s.tracer.Start(ctx, "AuthService.ResumeAfterChallenge")
	defer span.End()

	ch, err := s.GetChallenge(ctx, in.ChallengeID, in.SessionID)
	if err != nil {
		if errors.Is(err, domainoauth.ErrChallengeSessionMismatch) {
			s.audit("challenge.session_mismatch", "challenge_id", in.ChallengeID)
		}
		span.RecordError(err)
		return nil, err
	}

	if ch.Type == domainoauth.ChallengeTurnstile {
		if err := s.verifyTurnstile(ctx, in); err != nil {
			s.audit("challenge.verification_failed", "challenge_id", ch.ID)
			span.RecordError(err)
			return nil, err
		}
	}

	consumed, err := s.challenges.Consume(ctx, ch.ID)
	if err != nil {
		return nil, fmt.Errorf("consume challenge: %w", err)
	}
	if consumed == nil {
		return nil, domainoauth.ErrChallengeExpired
	}
	s.audit("challenge.completed", "challenge_id", consumed.ID, "type", string(consumed.Type))

	resp, err := s.tokens.ExchangeCode(ctx, consumed.OriginalParams["code"])
	if err != nil {
		var exchangeErr *domainoauth.TokenExchangeError
		if errors.As(err, &exchangeErr) && exchangeErr.IsChallenge() {
			s.audit("challenge.repeated", "challenge_id", consumed.ID)
		}
		span.RecordError(err)
		return nil, err
	}
	return s.completeSignIn(ctx, resp, consumed.SessionID)
}

func (s *Service) verifyTurnstile(ctx context.Context, in ResumeInput) error {
	if s.verifier == nil {
		return fmt.Errorf("%w: turnstile verification unavailable", domainoauth.ErrChallengeVerification)
	}
	if err := s.verifier.Verify(ctx, in.TurnstileToken, in.RemoteIP); err != nil {
		return fmt.Errorf("%w: %v", domainoauth.ErrChallengeVerification, err)
	}
	return nil
}

func (s *Service) completeSignIn(ctx context.Context, resp *domainoauth.TokenResponse, sessionID string) (*SignInResult, error) {
	profile, err := s.profiles.FetchProfile(ctx, resp.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	user, err := s.ensureUser(ctx, profile)
	if err != nil {
		return nil, err
	}
	tok, err := s.tokens.StoreExchanged(ctx, user.ID, resp)
	if err != nil {
		return nil, err
	}
	sessionToken, expiresAt, err := s.sessions.Issue(user, sessionID)
	if err != nil {
		return nil, fmt.Errorf("issue session: %w", err)
	}
	s.audit("auth.sign_in", "user_id", user.ID)
	return &SignInResult{User: user, Token: tok, SessionToken: sessionToken, ExpiresAt: expiresAt}, nil
}

// ensureUser matches a profile by NationBuilder id, then by e-mail, and
// creates a submitter when neither matches.
func (s *Service) ensureUser(ctx context.Context, profile *domainoauth.Profile) (domain.User, error) {
	if profile.ID > 0 {
		user, err := s.users.GetByNationBuilderID(ctx, profile.ID)
		if err == nil {
			return s.refreshProfile(ctx, user, profile)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("get user: %w", err)
		}
	}

	email := strings.ToLower(strings.TrimSpace(profile.Email))
	if email == "" {
		return domain.User{}, fmt.Errorf("%w: no email", domainoauth.ErrProfileIncomplete)
	}
	user, err := s.users.GetByEmail(ctx, email)
	if err == nil {
		return s.refreshProfile(ctx, user, profile)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}

	newUser := domain.User{
		ID:        s.node.Generate().Int64(),
		Email:     email,
		FirstName: profile.FirstName,
		LastName:  profile.LastName,
		Roles:     []domain.Role{domain.RoleSubmitter},
	}
	if profile.ID > 0 {
		nbID := profile.ID
		newUser.NationBuilderID = &nbID
	}
	created, err := s.users.Create(ctx, newUser)
	if err != nil {
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	s.audit("user.created", "user_id", created.ID)
	return created, nil
}

func (s *Service) refreshProfile(ctx context.Context, user domain.User, profile *domainoauth.Profile) (domain.User, error) {
	update := user
	if profile.FirstName != "" {
		update.FirstName = profile.FirstName
	}
	if profile.LastName != "" {
		update.LastName = profile.LastName
	}
	if profile.ID > 0 {
		nbID := profile.ID
		update.NationBuilderID = &nbID
	}
	updated, err := s.users.UpdateProfile(ctx, update)
	if err != nil {
		return domain.User{}, fmt.Errorf("update user: %w", err)
	}
	return updated, nil
}

// Authenticate resolves a session bearer token to its user.
func (s *Service) Authenticate(ctx context.Context, bearer string) (*jwt.Session, domain.User, error) {
	session, err := s.sessions.Validate(bearer)
	if err != nil {
		return nil, domain.User{}, err
	}
	user, err := s.users.GetByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.User{}, jwt.ErrInvalidSession
		}
		return nil, domain.User{}, fmt.Errorf("load session user: %w", err)
	}
	return session, user, nil
}

func (s *Service) audit(event string, attrs ...any) {
	fields := []zap.Field{
		zap.String("event", event),
		zap.Time("timestamp", s.now().UTC()),
	}
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

func secureRandomString(size int) (string, error) {
	if size <= 0 {
		size = 32
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
