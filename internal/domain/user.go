package domain

import (
	"strings"
	"time"
)

// Role is a coarse permission group assigned to users.
type Role string

const (
	RoleSubmitter           Role = "submitter"
	RoleViewer              Role = "viewer"
	RoleCountryChapterAdmin Role = "country_chapter_admin"
	RoleTreasuryTeamAdmin   Role = "treasury_team_admin"
	RoleSystemAdministrator Role = "system_administrator"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleSubmitter, RoleViewer, RoleCountryChapterAdmin, RoleTreasuryTeamAdmin, RoleSystemAdministrator:
		return true
	}
	return false
}

// User is a portal member. Members sign in through NationBuilder.
type User struct {
	ID              int64
	Email           string
	FirstName       string
	LastName        string
	NationBuilderID *int64
	Roles           []Role
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasRole reports whether the user holds any of the given roles.
func (u User) HasRole(roles ...Role) bool {
	for _, held := range u.Roles {
		for _, want := range roles {
			if held == want {
				return true
			}
		}
	}
	return false
}

// IsAdmin reports whether the user holds any administrative role.
func (u User) IsAdmin() bool {
	return u.HasRole(RoleTreasuryTeamAdmin, RoleCountryChapterAdmin, RoleSystemAdministrator)
}

// FullName joins first and last name, falling back to the email address.
func (u User) FullName() string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name == "" {
		return u.Email
	}
	return name
}
