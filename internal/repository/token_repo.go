package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ebrett/jupiter-sub001/internal/domain"
	"github.com/ebrett/jupiter-sub001/internal/domain/oauth"
	"github.com/ebrett/jupiter-sub001/internal/secretbox"
)

// PostgresTokenRepo implements TokenRepository. Access and refresh tokens
// are sealed before they are written and opened after they are read.
type PostgresTokenRepo struct {
	db  *pgxpool.Pool
	box secretbox.Sealer
}

func NewPostgresTokenRepo(pool *pgxpool.Pool, box secretbox.Sealer) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: pool, box: box}
}

const tokenColumns = `id, user_id, provider, access_token, refresh_token, expires_at, scope, version, rotated_at, created_at, updated_at`

func (r *PostgresTokenRepo) scanToken(row pgx.Row) (domain.OAuthToken, error) {
	var tok domain.OAuthToken
	if err := row.Scan(
		&tok.ID,
		&tok.UserID,
		&tok.Provider,
		&tok.AccessToken,
		&tok.RefreshToken,
		&tok.ExpiresAt,
		&tok.Scope,
		&tok.Version,
		&tok.RotatedAt,
		&tok.CreatedAt,
		&tok.UpdatedAt,
	); err != nil {
		return domain.OAuthToken{}, err
	}
	var err error
	if tok.AccessToken, err = r.box.Open(tok.AccessToken); err != nil {
		return domain.OAuthToken{}, fmt.Errorf("open access token: %w", err)
	}
	if tok.RefreshToken, err = r.box.Open(tok.RefreshToken); err != nil {
		return domain.OAuthToken{}, fmt.Errorf("open refresh token: %w", err)
	}
	return tok, nil
}

func (r *PostgresTokenRepo) seal(tok domain.OAuthToken) (access, refresh string, err error) {
	if access, err = r.box.Seal(tok.AccessToken); err != nil {
		return "", "", fmt.Errorf("seal access token: %w", err)
	}
	if refresh, err = r.box.Seal(tok.RefreshToken); err != nil {
		return "", "", fmt.Errorf("seal refresh token: %w", err)
	}
	return access, refresh, nil
}

func (r *PostgresTokenRepo) GetActive(ctx context.Context, userID int64, provider string) (domain.OAuthToken, error) {
	tok, err := r.scanToken(r.db.QueryRow(ctx, `SELECT `+tokenColumns+`
FROM oauth_tokens WHERE user_id = $1 AND provider = $2 AND rotated_at IS NULL`, userID, provider))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OAuthToken{}, fmt.Errorf("get active token: %w", oauth.ErrTokenNotFound)
		}
		return domain.OAuthToken{}, fmt.Errorf("get active token: %w", err)
	}
	return tok, nil
}

const insertTokenSQL = `INSERT INTO oauth_tokens (id, user_id, provider, access_token, refresh_token, expires_at, scope, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
RETURNING ` + tokenColumns

func (r *PostgresTokenRepo) Create(ctx context.Context, tok domain.OAuthToken) (domain.OAuthToken, error) {
	created, err := r.insert(ctx, r.db, tok)
	if err != nil {
		return domain.OAuthToken{}, fmt.Errorf("create token: %w", err)
	}
	return created, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *PostgresTokenRepo) insert(ctx context.Context, q queryRower, tok domain.OAuthToken) (domain.OAuthToken, error) {
	access, refresh, err := r.seal(tok)
	if err != nil {
		return domain.OAuthToken{}, err
	}
	if tok.Version == 0 {
		tok.Version = 1
	}
	created, err := r.scanToken(q.QueryRow(ctx, insertTokenSQL,
		tok.ID,
		tok.UserID,
		tok.Provider,
		access,
		refresh,
		tok.ExpiresAt,
		tok.Scope,
		tok.Version,
		tok.CreatedAt,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.OAuthToken{}, fmt.Errorf("active token exists: %w", oauth.ErrTokenRotated)
		}
		return domain.OAuthToken{}, err
	}
	return created, nil
}

const updateCredentialsSQL = `UPDATE oauth_tokens
SET access_token = $2, refresh_token = $3, expires_at = $4, scope = $5, updated_at = $6
WHERE id = $1 AND rotated_at IS NULL
RETURNING ` + tokenColumns

func (r *PostgresTokenRepo) UpdateCredentials(ctx context.Context, tok domain.OAuthToken) (domain.OAuthToken, error) {
	access, refresh, err := r.seal(tok)
	if err != nil {
		return domain.OAuthToken{}, err
	}
	updated, err := r.scanToken(r.db.QueryRow(ctx, updateCredentialsSQL,
		tok.ID, access, refresh, tok.ExpiresAt, tok.Scope, tok.UpdatedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OAuthToken{}, fmt.Errorf("update token %d: %w", tok.ID, oauth.ErrTokenRotated)
		}
		return domain.OAuthToken{}, fmt.Errorf("update token: %w", err)
	}
	return updated, nil
}

func (r *PostgresTokenRepo) Rotate(ctx context.Context, currentID int64, next domain.OAuthToken, rotatedAt time.Time) (domain.OAuthToken, error) {
	var created domain.OAuthToken
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE oauth_tokens SET rotated_at = $2, updated_at = $2
WHERE id = $1 AND rotated_at IS NULL`, currentID, rotatedAt)
		if err != nil {
			return fmt.Errorf("mark rotated: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return oauth.ErrTokenRotated
		}
		created, err = r.insert(ctx, tx, next)
		if err != nil {
			return fmt.Errorf("insert rotated token: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.OAuthToken{}, fmt.Errorf("rotate token: %w", err)
	}
	return created, nil
}

func (r *PostgresTokenRepo) ListByUser(ctx context.Context, userID int64, provider string) ([]domain.OAuthToken, error) {
	rows, err := r.db.Query(ctx, `SELECT `+tokenColumns+`
FROM oauth_tokens WHERE user_id = $1 AND provider = $2 ORDER BY version`, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var out []domain.OAuthToken
	for rows.Next() {
		tok, err := r.scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		out = append(out, tok)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return out, nil
}

func (r *PostgresTokenRepo) DeleteRotatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM oauth_tokens WHERE rotated_at IS NOT NULL AND rotated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete rotated tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
