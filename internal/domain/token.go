package domain

import "time"

// ProviderNationBuilder is the only OAuth provider the portal talks to.
const ProviderNationBuilder = "nationbuilder"

// OAuthToken stores third-party credentials for a user. A nil RotatedAt marks
// the active row; rotated rows are kept for audit until the retention sweep.
type OAuthToken struct {
	ID           int64
	UserID       int64
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
	Version      int
	RotatedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Active reports whether the token has not been superseded.
func (t OAuthToken) Active() bool {
	return t.RotatedAt == nil
}

// NeedsRefresh is true iff the token expires at or before now+buffer.
func (t OAuthToken) NeedsRefresh(now time.Time, buffer time.Duration) bool {
	return !t.ExpiresAt.After(now.Add(buffer))
}
