package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"authservice/internal/domain/models"
	"authservice/internal/storage"
	"authservice/migrations"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"
)

type Storage struct {
	db *sql.DB
}

// New returns a new instance of the Storage.
// Write transactions take the database lock up front so concurrent
// rotations queue on the busy timeout instead of failing on lock upgrade.
func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"

	db, err := sql.Open("sqlite3", storagePath+"?_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{db: db}, nil
}

// Migrate applies the embedded schema migrations.
func (s *Storage) Migrate() error {
	const op = "storage.sqlite.Migrate"

	src, err := iofs.New(migrations.SQLite, "sqlite")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) SaveUser(ctx context.Context, email string, username string, passHash []byte) (int64, error) {
	const op = "storage.sqlite.SaveUser"

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users (email, username, pass_hash) VALUES (?, ?, ?)",
		email, username, passHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

func (s *Storage) User(ctx context.Context, email string) (models.User, error) {
	const op = "storage.sqlite.User"

	row := s.db.QueryRowContext(ctx,
		"SELECT id, email, username, pass_hash FROM users WHERE email = ?", email)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (s *Storage) UserByID(ctx context.Context, userID int64) (models.User, error) {
	const op = "storage.sqlite.UserByID"

	row := s.db.QueryRowContext(ctx,
		"SELECT id, email, username, pass_hash FROM users WHERE id = ?", userID)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (s *Storage) SaveRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.sqlite.SaveRefreshToken"

	if err := insertRefreshToken(ctx, s.db, token); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) RefreshToken(ctx context.Context, token string) (models.RefreshToken, error) {
	const op = "storage.sqlite.RefreshToken"

	rt, err := selectRefreshToken(ctx, s.db, token)
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}

	return rt, nil
}

// RotateRefreshToken marks usedToken as used and stores next in one transaction.
// Only the caller that flips is_used wins; everyone else gets ErrTokenAlreadyUsed.
func (s *Storage) RotateRefreshToken(ctx context.Context, usedToken string, next models.RefreshToken) (err error) {
	const op = "storage.sqlite.RotateRefreshToken"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		"UPDATE refresh_tokens SET is_used = TRUE WHERE token = ? AND is_used = FALSE AND is_revoked = FALSE",
		usedToken,
	)
	if err != nil {
		return fmt.Errorf("%s: mark used: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: mark used: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, lostRotation(ctx, tx, usedToken))
	}

	if err = insertRefreshToken(ctx, tx, next); err != nil {
		return fmt.Errorf("%s: insert next: %w", op, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}

	return nil
}

func (s *Storage) RevokeRefreshToken(ctx context.Context, token string) error {
	const op = "storage.sqlite.RevokeRefreshToken"

	res, err := s.db.ExecContext(ctx, "UPDATE refresh_tokens SET is_revoked = TRUE WHERE token = ?", token)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}

	return nil
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertRefreshToken(ctx context.Context, q queryer, rt models.RefreshToken) error {
	_, err := q.ExecContext(ctx, `
INSERT INTO refresh_tokens (token, jwt_id, user_id, is_used, is_revoked, issued_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rt.Token, rt.JwtID, rt.UserID, rt.IsUsed, rt.IsRevoked, rt.IssuedAt.UTC(), rt.ExpiresAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrTokenExists
		}
		return err
	}

	return nil
}

func selectRefreshToken(ctx context.Context, q queryer, token string) (models.RefreshToken, error) {
	row := q.QueryRowContext(ctx, `
SELECT token, jwt_id, user_id, is_used, is_revoked, issued_at, expires_at
FROM refresh_tokens WHERE token = ?`, token)

	var rt models.RefreshToken
	err := row.Scan(&rt.Token, &rt.JwtID, &rt.UserID, &rt.IsUsed, &rt.IsRevoked, &rt.IssuedAt, &rt.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RefreshToken{}, storage.ErrTokenNotFound
		}
		return models.RefreshToken{}, err
	}

	return rt, nil
}

// lostRotation explains why the compare-and-swap matched no row.
func lostRotation(ctx context.Context, q queryer, token string) error {
	rt, err := selectRefreshToken(ctx, q, token)
	if err != nil {
		return err
	}
	if rt.IsRevoked && !rt.IsUsed {
		return storage.ErrTokenRevoked
	}

	return storage.ErrTokenAlreadyUsed
}

func scanUser(row *sql.Row) (models.User, error) {
	var user models.User
	if err := row.Scan(&user.ID, &user.Email, &user.Username, &user.PassHash); err != nil {
		return models.User{}, err
	}

	return user, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
