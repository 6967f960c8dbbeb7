package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const uniqueViolation = "23505"

// Open connects to Postgres, verifies the connection and ensures the schema.
func Open(ctx context.Context, dsn string, timeout time.Duration) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrate(ctx, db, timeout); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Msg("postgres store ready")
	return db, nil
}

func migrate(ctx context.Context, db *sqlx.DB, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			username      TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			role          TEXT NOT NULL DEFAULT 'user',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS token_revocations (
			token_id   TEXT PRIMARY KEY,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	return nil
}

// postgresUsers implements UserStore on Postgres.
type postgresUsers struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresUsers builds a UserStore over an open connection.
func NewPostgresUsers(db *sqlx.DB, timeout time.Duration) UserStore {
	return &postgresUsers{db: db, timeout: timeout}
}

func (r *postgresUsers) Create(ctx context.Context, u User) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO users (username, password_hash, role)
		VALUES ($1, $2, $3)`

	if _, err := r.db.ExecContext(ctx, query, u.Username, u.PasswordHash, u.Role); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %q", ErrUsernameTaken, u.Username)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *postgresUsers) Get(ctx context.Context, username string) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var u User
	query := `
		SELECT username, password_hash, role, created_at
		FROM users
		WHERE username = $1`

	if err := r.db.GetContext(ctx, &u, query, username); err != nil {
		if err == sql.ErrNoRows {
			return User{}, fmt.Errorf("%w: %q", ErrUserNotFound, username)
		}
		return User{}, fmt.Errorf("select user: %w", err)
	}
	return u, nil
}

func (r *postgresUsers) Delete(ctx context.Context, username string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE username = $1`, username)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %q", ErrUserNotFound, username)
	}
	return nil
}

func (r *postgresUsers) List(ctx context.Context) ([]User, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var users []User
	query := `
		SELECT username, password_hash, role, created_at
		FROM users
		ORDER BY created_at`

	if err := r.db.SelectContext(ctx, &users, query); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// postgresRevocations implements RevocationStore on Postgres. Expired rows are
// lazily pruned on each write.
type postgresRevocations struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresRevocations builds a RevocationStore over an open connection.
func NewPostgresRevocations(db *sqlx.DB, timeout time.Duration) RevocationStore {
	return &postgresRevocations{db: db, timeout: timeout}
}

func (r *postgresRevocations) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM token_revocations WHERE expires_at < now()`); err != nil {
		log.Warn().Err(err).Msg("revocation prune failed")
	}

	query := `
		INSERT INTO token_revocations (token_id, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (token_id) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query, tokenID, expiresAt); err != nil {
		return fmt.Errorf("insert revocation: %w", err)
	}
	return nil
}

func (r *postgresRevocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int
	query := `
		SELECT count(1)
		FROM token_revocations
		WHERE token_id = $1 AND expires_at >= now()`

	if err := r.db.GetContext(ctx, &n, query, tokenID); err != nil {
		return false, fmt.Errorf("select revocation: %w", err)
	}
	return n > 0, nil
}
