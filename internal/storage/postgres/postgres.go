package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authservice/internal/domain/models"
	"authservice/internal/storage"
	"authservice/migrations"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

const uniqueViolation = "23505"

// Storage keeps users and refresh tokens in PostgreSQL.
type Storage struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool against the provided DSN.
func New(ctx context.Context, dsn string) (*Storage, error) {
	const op = "storage.postgres.New"

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	return &Storage{pool: pool}, nil
}

// Migrate applies the embedded schema migrations.
func (s *Storage) Migrate() error {
	const op = "storage.postgres.Migrate"

	src, err := iofs.New(migrations.Postgres, "postgres")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Close drains the connection pool.
func (s *Storage) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func (s *Storage) SaveUser(ctx context.Context, email string, username string, passHash []byte) (int64, error) {
	const op = "storage.postgres.SaveUser"
	const query = `
INSERT INTO users (email, username, pass_hash)
VALUES ($1, $2, $3)
RETURNING id
`
	var id int64
	if err := s.pool.QueryRow(ctx, query, email, username, passHash).Scan(&id); err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

func (s *Storage) User(ctx context.Context, email string) (models.User, error) {
	const op = "storage.postgres.User"
	const query = `SELECT id, email, username, pass_hash FROM users WHERE email = $1`

	user, err := scanUser(s.pool.QueryRow(ctx, query, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (s *Storage) UserByID(ctx context.Context, userID int64) (models.User, error) {
	const op = "storage.postgres.UserByID"
	const query = `SELECT id, email, username, pass_hash FROM users WHERE id = $1`

	user, err := scanUser(s.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (s *Storage) SaveRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.postgres.SaveRefreshToken"

	if err := insertRefreshToken(ctx, s.pool, token); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) RefreshToken(ctx context.Context, token string) (models.RefreshToken, error) {
	const op = "storage.postgres.RefreshToken"

	rt, err := selectRefreshToken(ctx, s.pool, token)
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}

	return rt, nil
}

// RotateRefreshToken marks usedToken as used and stores next in one transaction.
// The conditional update takes the row lock, so exactly one concurrent caller wins.
func (s *Storage) RotateRefreshToken(ctx context.Context, usedToken string, next models.RefreshToken) error {
	const op = "storage.postgres.RotateRefreshToken"

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE refresh_tokens
SET is_used = TRUE
WHERE token = $1 AND is_used = FALSE AND is_revoked = FALSE
`, usedToken)
		if err != nil {
			return fmt.Errorf("mark used: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return lostRotation(ctx, tx, usedToken)
		}

		if err := insertRefreshToken(ctx, tx, next); err != nil {
			return fmt.Errorf("insert next: %w", err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) RevokeRefreshToken(ctx context.Context, token string) error {
	const op = "storage.postgres.RevokeRefreshToken"

	tag, err := s.pool.Exec(ctx, `UPDATE refresh_tokens SET is_revoked = TRUE WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}

	return nil
}

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertRefreshToken(ctx context.Context, q querier, rt models.RefreshToken) error {
	const query = `
INSERT INTO refresh_tokens (token, jwt_id, user_id, is_used, is_revoked, issued_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	_, err := q.Exec(ctx, query,
		rt.Token,
		rt.JwtID,
		rt.UserID,
		rt.IsUsed,
		rt.IsRevoked,
		rt.IssuedAt,
		rt.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrTokenExists
		}
		return err
	}

	return nil
}

func selectRefreshToken(ctx context.Context, q querier, token string) (models.RefreshToken, error) {
	const query = `
SELECT token, jwt_id, user_id, is_used, is_revoked, issued_at, expires_at
FROM refresh_tokens WHERE token = $1
`
	var rt models.RefreshToken
	err := q.QueryRow(ctx, query, token).Scan(
		&rt.Token,
		&rt.JwtID,
		&rt.UserID,
		&rt.IsUsed,
		&rt.IsRevoked,
		&rt.IssuedAt,
		&rt.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.RefreshToken{}, storage.ErrTokenNotFound
		}
		return models.RefreshToken{}, err
	}

	return rt, nil
}

func lostRotation(ctx context.Context, q querier, token string) error {
	rt, err := selectRefreshToken(ctx, q, token)
	if err != nil {
		return err
	}
	if rt.IsRevoked && !rt.IsUsed {
		return storage.ErrTokenRevoked
	}

	return storage.ErrTokenAlreadyUsed
}

func scanUser(row pgx.Row) (models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PassHash); err != nil {
		return models.User{}, err
	}

	return u, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
