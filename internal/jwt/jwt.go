package jwt

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/ebrett/jupiter-sub001/internal/domain"
)

// ErrInvalidSession is returned for tokens that fail verification.
var ErrInvalidSession = errors.New("jwt: invalid session token")

const minSecretLength = 32

// Generator signs and validates HS256 session tokens.
type Generator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewGenerator constructs a session token generator.
func NewGenerator(secret, issuer string, ttl time.Duration) (*Generator, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("session secret must be at least %d bytes", minSecretLength)
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Generator{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// SessionClaims are the portal specific claims.
type SessionClaims struct {
	SessionID string        `json:"sid"`
	Email     string        `json:"email"`
	Roles     []domain.Role `json:"roles"`
}

// Session is a verified session token.
type Session struct {
	UserID    int64
	SessionID string
	Email     string
	Roles     []domain.Role
	ExpiresAt time.Time
}

// Issue signs a session token for user bound to the browser session sid.
func (g *Generator) Issue(user domain.User, sid string) (string, time.Time, error) {
	signer, err := gojose.NewSigner(gojose.SigningKey{Algorithm: gojose.HS256, Key: g.secret}, (&gojose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("new signer: %w", err)
	}

	now := g.now().UTC()
	expires := now.Add(g.ttl)
	std := gojwt.Claims{
		Subject:   strconv.FormatInt(user.ID, 10),
		Issuer:    g.issuer,
		IssuedAt:  gojwt.NewNumericDate(now),
		NotBefore: gojwt.NewNumericDate(now),
		Expiry:    gojwt.NewNumericDate(expires),
	}
	custom := SessionClaims{SessionID: sid, Email: user.Email, Roles: user.Roles}

	token, err := gojwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("serialize jwt: %w", err)
	}
	return token, expires, nil
}

// Validate verifies signature, issuer and lifetime.
func (g *Generator) Validate(token string) (*Session, error) {
	parsed, err := gojwt.ParseSigned(token, []gojose.SignatureAlgorithm{gojose.HS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	var (
		std    gojwt.Claims
		custom SessionClaims
	)
	if err := parsed.Claims(g.secret, &std, &custom); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if err := std.ValidateWithLeeway(gojwt.Expected{Issuer: g.issuer, Time: g.now()}, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	userID, err := strconv.ParseInt(std.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidSession)
	}

	session := &Session{UserID: userID, SessionID: custom.SessionID, Email: custom.Email, Roles: custom.Roles}
	if std.Expiry != nil {
		session.ExpiresAt = std.Expiry.Time()
	}
	return session, nil
}
