package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ebrett/jupiter-sub001/internal/domain"
)

// Compile-time interface assertions.
var (
	_ UserRepository        = (*PostgresUserRepo)(nil)
	_ FeatureFlagRepository = (*PostgresFeatureFlagRepo)(nil)
	_ RequestRepository     = (*PostgresRequestRepo)(nil)
	_ TokenRepository       = (*PostgresTokenRepo)(nil)
)

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// PostgresUserRepo implements UserRepository.
type PostgresUserRepo struct {
	db *pgxpool.Pool
}

func NewPostgresUserRepo(pool *pgxpool.Pool) *PostgresUserRepo {
	return &PostgresUserRepo{db: pool}
}

const userColumns = `id, email, first_name, last_name, nationbuilder_id, roles, created_at, updated_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var (
		user  domain.User
		roles []string
	)
	if err := row.Scan(
		&user.ID,
		&user.Email,
		&user.FirstName,
		&user.LastName,
		&user.NationBuilderID,
		&roles,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return domain.User{}, err
	}
	user.Roles = make([]domain.Role, 0, len(roles))
	for _, r := range roles {
		user.Roles = append(user.Roles, domain.Role(r))
	}
	return user, nil
}

func rolesToStrings(roles []domain.Role) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, string(r))
	}
	return out
}

func (r *PostgresUserRepo) GetByID(ctx context.Context, userID int64) (domain.User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if err != nil {
		return domain.User{}, fmt.Errorf("get user by id: %w", err)
	}
	return user, nil
}

func (r *PostgresUserRepo) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, strings.ToLower(strings.TrimSpace(email))))
	if err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (r *PostgresUserRepo) GetByNationBuilderID(ctx context.Context, nbID int64) (domain.User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE nationbuilder_id = $1`, nbID))
	if err != nil {
		return domain.User{}, fmt.Errorf("get user by nationbuilder id: %w", err)
	}
	return user, nil
}

const insertUserSQL = `INSERT INTO users (id, email, first_name, last_name, nationbuilder_id, roles)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING ` + userColumns

func (r *PostgresUserRepo) Create(ctx context.Context, user domain.User) (domain.User, error) {
	roles := user.Roles
	if len(roles) == 0 {
		roles = []domain.Role{domain.RoleSubmitter}
	}
	created, err := scanUser(r.db.QueryRow(ctx, insertUserSQL,
		user.ID,
		strings.ToLower(strings.TrimSpace(user.Email)),
		user.FirstName,
		user.LastName,
		user.NationBuilderID,
		rolesToStrings(roles),
	))
	if err != nil {
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	return created, nil
}

const updateUserProfileSQL = `UPDATE users
SET first_name = $2, last_name = $3, nationbuilder_id = COALESCE($4, nationbuilder_id), updated_at = now()
WHERE id = $1
RETURNING ` + userColumns

func (r *PostgresUserRepo) UpdateProfile(ctx context.Context, user domain.User) (domain.User, error) {
	updated, err := scanUser(r.db.QueryRow(ctx, updateUserProfileSQL, user.ID, user.FirstName, user.LastName, user.NationBuilderID))
	if err != nil {
		return domain.User{}, fmt.Errorf("update user: %w", err)
	}
	return updated, nil
}

func (r *PostgresUserRepo) AddRole(ctx context.Context, userID int64, role domain.Role) error {
	tag, err := r.db.Exec(ctx, `UPDATE users
SET roles = array_append(roles, $2), updated_at = now()
WHERE id = $1 AND NOT ($2 = ANY(roles))`, userID, string(role))
	if err != nil {
		return fmt.Errorf("add role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

// PostgresFeatureFlagRepo implements FeatureFlagRepository.
type PostgresFeatureFlagRepo struct {
	db *pgxpool.Pool
}

func NewPostgresFeatureFlagRepo(pool *pgxpool.Pool) *PostgresFeatureFlagRepo {
	return &PostgresFeatureFlagRepo{db: pool}
}

func (r *PostgresFeatureFlagRepo) Get(ctx context.Context, name string) (domain.FeatureFlag, error) {
	var flag domain.FeatureFlag
	err := r.db.QueryRow(ctx, `SELECT name, enabled, description FROM feature_flags WHERE name = $1`, name).
		Scan(&flag.Name, &flag.Enabled, &flag.Description)
	if err != nil {
		return domain.FeatureFlag{}, fmt.Errorf("get feature flag: %w", err)
	}

	rows, err := r.db.Query(ctx, `SELECT assignee_type, user_id, role FROM feature_flag_assignments WHERE flag_name = $1`, name)
	if err != nil {
		return domain.FeatureFlag{}, fmt.Errorf("list flag assignments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind   string
			userID *int64
			role   *string
		)
		if err := rows.Scan(&kind, &userID, &role); err != nil {
			return domain.FeatureFlag{}, fmt.Errorf("scan flag assignment: %w", err)
		}
		switch {
		case kind == "user" && userID != nil:
			flag.Assignees = append(flag.Assignees, domain.UserAssignee{UserID: *userID})
		case kind == "role" && role != nil:
			flag.Assignees = append(flag.Assignees, domain.RoleAssignee{Role: domain.Role(*role)})
		}
	}
	if err := rows.Err(); err != nil {
		return domain.FeatureFlag{}, fmt.Errorf("iterate flag assignments: %w", err)
	}
	return flag, nil
}
