// Package policy decides which users may see and act on requests.
package policy

import "github.com/ebrett/jupiter-sub001/internal/domain"

// Action is a permission-checked operation on a request.
type Action string

const (
	ActionShow        Action = "show"
	ActionSubmit      Action = "submit"
	ActionApprove     Action = "approve"
	ActionReject      Action = "reject"
	ActionRequestInfo Action = "request_info"
	ActionMarkPaid    Action = "mark_paid"
)

var (
	approverRoles = []domain.Role{domain.RoleTreasuryTeamAdmin, domain.RoleCountryChapterAdmin, domain.RoleSystemAdministrator}
	payerRoles    = []domain.Role{domain.RoleTreasuryTeamAdmin, domain.RoleSystemAdministrator}
)

// RequestPolicy answers permission questions for one user and one request.
type RequestPolicy struct {
	user    domain.User
	request domain.ReimbursementRequest
}

// ForRequest builds the policy for user acting on req.
func ForRequest(user domain.User, req domain.ReimbursementRequest) RequestPolicy {
	return RequestPolicy{user: user, request: req}
}

func (p RequestPolicy) owner() bool {
	return p.user.ID != 0 && p.user.ID == p.request.UserID
}

// Permits applies the role and ownership rule for action, ignoring status.
func (p RequestPolicy) Permits(action Action) bool {
	switch action {
	case ActionShow:
		return p.owner() || p.user.IsAdmin()
	case ActionSubmit:
		return p.owner()
	case ActionApprove, ActionReject, ActionRequestInfo:
		return p.user.HasRole(approverRoles...) && !p.owner()
	case ActionMarkPaid:
		return p.user.HasRole(payerRoles...)
	}
	return false
}

func (p RequestPolicy) Show() bool { return p.Permits(ActionShow) }

func (p RequestPolicy) Submit() bool {
	return p.Permits(ActionSubmit) && p.request.CanSubmit()
}

func (p RequestPolicy) Approve() bool {
	return p.Permits(ActionApprove) && p.request.CanApprove()
}

func (p RequestPolicy) Reject() bool {
	return p.Permits(ActionReject) && p.request.CanReject()
}

func (p RequestPolicy) RequestInfo() bool {
	return p.Permits(ActionRequestInfo) && p.request.CanRequestInfo()
}

func (p RequestPolicy) MarkPaid() bool {
	return p.Permits(ActionMarkPaid) && p.request.CanMarkPaid()
}

// CanCreate reports whether user may open new requests.
func CanCreate(user domain.User) bool {
	return user.HasRole(domain.RoleSubmitter) || user.IsAdmin()
}

// Scope describes which requests a user may list. When All is false only
// requests owned by OwnerID are visible.
type Scope struct {
	All     bool
	OwnerID int64
}

// ScopeFor returns the listing scope for user.
func ScopeFor(user domain.User) Scope {
	if user.IsAdmin() {
		return Scope{All: true}
	}
	return Scope{OwnerID: user.ID}
}
