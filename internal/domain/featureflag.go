package domain

// FlagReimbursementRequests gates creation of new requests.
const FlagReimbursementRequests = "reimbursement_requests"

// FeatureFlag toggles functionality globally or for specific assignees.
type FeatureFlag struct {
	Name        string
	Enabled     bool
	Description string
	Assignees   []Assignee
}

// Assignee is either a UserAssignee or a RoleAssignee.
type Assignee interface {
	Matches(user User) bool
	assignee()
}

// UserAssignee enables a flag for one user.
type UserAssignee struct {
	UserID int64
}

// RoleAssignee enables a flag for every holder of a role.
type RoleAssignee struct {
	Role Role
}

func (a UserAssignee) Matches(user User) bool { return user.ID == a.UserID }
func (a RoleAssignee) Matches(user User) bool { return user.HasRole(a.Role) }

func (UserAssignee) assignee() {}
func (RoleAssignee) assignee() {}

// EnabledFor reports whether the flag applies to user.
func (f FeatureFlag) EnabledFor(user User) bool {
	if f.Enabled {
		return true
	}
	for _, a := range f.Assignees {
		if a != nil && a.Matches(user) {
			return true
		}
	}
	return false
}
