package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ebrett/jupiter-sub001/internal/config"
	"github.com/ebrett/jupiter-sub001/internal/domain"
	"github.com/ebrett/jupiter-sub001/internal/repository"
)

// EnsureAdmin makes sure the configured admin e-mail belongs to a system administrator.
func EnsureAdmin(lc fx.Lifecycle, cfg config.Config, users repository.UserRepository, node *snowflake.Node, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			_, err := ensureAdmin(ctx, cfg.AdminEmail, users, node, logger)
			return err
		},
	})
}

func ensureAdmin(ctx context.Context, email string, users repository.UserRepository, node *snowflake.Node, logger *zap.Logger) (domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return domain.User{}, fmt.Errorf("admin bootstrap missing required config")
	}
	if logger == nil {
		logger = zap.L()
	}

	user, err := users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		if user.HasRole(domain.RoleSystemAdministrator) {
			return user, nil
		}
		if err := users.AddRole(ctx, user.ID, domain.RoleSystemAdministrator); err != nil {
			return domain.User{}, fmt.Errorf("bootstrap grant admin role: %w", err)
		}
		user.Roles = append(user.Roles, domain.RoleSystemAdministrator)
		logger.Info("bootstrap admin role granted",
			zap.String("email", email),
			zap.Int64("user_id", user.ID),
		)
		return user, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return domain.User{}, fmt.Errorf("bootstrap lookup user: %w", err)
	}

	created, err := users.Create(ctx, domain.User{
		ID:        node.Generate().Int64(),
		Email:     email,
		FirstName: "Admin",
		Roles:     []domain.Role{domain.RoleSystemAdministrator, domain.RoleSubmitter},
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("bootstrap create user: %w", err)
	}

	logger.Info("bootstrap admin user created",
		zap.String("email", created.Email),
		zap.Int64("user_id", created.ID),
	)
	return created, nil
}
