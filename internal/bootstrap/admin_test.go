package bootstrap

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ebrett/jupiter-sub001/internal/domain"
	"github.com/ebrett/jupiter-sub001/internal/testutil"
)

func newNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func TestEnsureAdminCreatesMissingUser(t *testing.T) {
	users := testutil.NewMemoryUsers()

	created, err := ensureAdmin(context.Background(), " Admin@Example.org ", users, newNode(t), zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, "admin@example.org", created.Email)
	require.True(t, created.HasRole(domain.RoleSystemAdministrator))

	again, err := ensureAdmin(context.Background(), "admin@example.org", users, newNode(t), zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, created.ID, again.ID)
}

func TestEnsureAdminPromotesExistingUser(t *testing.T) {
	users := testutil.NewMemoryUsers(domain.User{
		ID:    7,
		Email: "treasurer@example.org",
		Roles: []domain.Role{domain.RoleSubmitter},
	})

	_, err := ensureAdmin(context.Background(), "treasurer@example.org", users, newNode(t), nil)
	require.NoError(t, err)

	stored, err := users.GetByID(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, stored.HasRole(domain.RoleSystemAdministrator))
	require.True(t, stored.HasRole(domain.RoleSubmitter))
}

func TestEnsureAdminErrors(t *testing.T) {
	_, err := ensureAdmin(context.Background(), "  ", testutil.NewMemoryUsers(), newNode(t), nil)
	require.Error(t, err)

	users := testutil.NewMemoryUsers()
	users.CreateErr = errors.New("db down")
	_, err = ensureAdmin(context.Background(), "admin@example.org", users, newNode(t), nil)
	require.ErrorContains(t, err, "db down")
}
