package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ebrett/jupiter-sub001/internal/domain"
)

var (
	submitter = domain.User{ID: 1, Roles: []domain.Role{domain.RoleSubmitter}}
	other     = domain.User{ID: 2, Roles: []domain.Role{domain.RoleSubmitter}}
	viewer    = domain.User{ID: 3, Roles: []domain.Role{domain.RoleViewer}}
	chapter   = domain.User{ID: 4, Roles: []domain.Role{domain.RoleCountryChapterAdmin}}
	treasury  = domain.User{ID: 5, Roles: []domain.Role{domain.RoleTreasuryTeamAdmin}}
	sysadmin  = domain.User{ID: 6, Roles: []domain.Role{domain.RoleSystemAdministrator}}
)

func requestIn(status domain.RequestStatus, owner int64) domain.ReimbursementRequest {
	return domain.ReimbursementRequest{ID: 100, UserID: owner, Status: status}
}

func TestPermits(t *testing.T) {
	req := requestIn(domain.StatusSubmitted, submitter.ID)
	cases := []struct {
		user   domain.User
		action Action
		want   bool
	}{
		{submitter, ActionShow, true},
		{other, ActionShow, false},
		{viewer, ActionShow, false},
		{chapter, ActionShow, true},
		{submitter, ActionSubmit, true},
		{treasury, ActionSubmit, false},
		{submitter, ActionApprove, false},
		{chapter, ActionApprove, true},
		{treasury, ActionReject, true},
		{sysadmin, ActionRequestInfo, true},
		{chapter, ActionMarkPaid, false},
		{treasury, ActionMarkPaid, true},
		{sysadmin, ActionMarkPaid, true},
		{sysadmin, Action("delete"), false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ForRequest(tc.user, req).Permits(tc.action), "user=%d action=%s", tc.user.ID, tc.action)
	}
}

func TestApproversCannotActOnOwnRequests(t *testing.T) {
	own := requestIn(domain.StatusSubmitted, treasury.ID)
	p := ForRequest(treasury, own)
	require.False(t, p.Approve())
	require.False(t, p.Reject())
	require.False(t, p.RequestInfo())
	require.True(t, p.Show())
}

func TestBooleanMethodsCombineStatus(t *testing.T) {
	require.True(t, ForRequest(submitter, requestIn(domain.StatusDraft, submitter.ID)).Submit())
	require.False(t, ForRequest(submitter, requestIn(domain.StatusSubmitted, submitter.ID)).Submit())

	require.True(t, ForRequest(chapter, requestIn(domain.StatusUnderReview, submitter.ID)).Approve())
	require.False(t, ForRequest(chapter, requestIn(domain.StatusUnderReview, submitter.ID)).RequestInfo())
	require.False(t, ForRequest(chapter, requestIn(domain.StatusApproved, submitter.ID)).Reject())

	require.True(t, ForRequest(treasury, requestIn(domain.StatusApproved, submitter.ID)).MarkPaid())
	require.False(t, ForRequest(treasury, requestIn(domain.StatusPaid, submitter.ID)).MarkPaid())
}

func TestCanCreateAndScope(t *testing.T) {
	require.True(t, CanCreate(submitter))
	require.True(t, CanCreate(sysadmin))
	require.False(t, CanCreate(viewer))

	require.Equal(t, Scope{OwnerID: submitter.ID}, ScopeFor(submitter))
	require.Equal(t, Scope{All: true}, ScopeFor(chapter))
	require.Equal(t, Scope{All: true}, ScopeFor(treasury))
	require.Equal(t, Scope{OwnerID: other.ID}, ScopeFor(other))
}
