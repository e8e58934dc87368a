package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const userColumns = `id, name, email, avatar_url, password_hash, verified_at, created_at`

// PGStore is the Postgres-backed Store.
type PGStore struct {
	db *sql.DB
}

var _ Store = (*PGStore)(nil)

// Open connects to Postgres through the pgx stdlib driver.
func Open(dsn string, poolSize int) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if poolSize <= 0 {
		poolSize = 10
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize / 2)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PGStore{db: db}, nil
}

// NewPGStore wraps an existing handle.
func NewPGStore(db *sql.DB) *PGStore { return &PGStore{db: db} }

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) DB() *sql.DB { return s.db }

// Ping checks connectivity for readiness probes.
func (s *PGStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u        User
		verified sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.AvatarURL, &u.PasswordHash, &verified, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if verified.Valid {
		t := verified.Time
		u.VerifiedAt = &t
	}
	return &u, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertUser(ctx context.Context, db execer, u *User) error {
	u.Email = normalizeEmail(u.Email)
	var verified any
	if u.VerifiedAt != nil {
		verified = *u.VerifiedAt
	}
	_, err := db.ExecContext(ctx, `
		insert into users(`+userColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, u.ID, u.Name, u.Email, u.AvatarURL, u.PasswordHash, verified, u.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// Create implements Store.
func (s *PGStore) Create(ctx context.Context, u *User) error {
	return insertUser(ctx, s.db, u)
}

// FindByID implements Store.
func (s *PGStore) FindByID(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
}

// FindByEmail implements Store.
func (s *PGStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where lower(email) = $1`, normalizeEmail(email)))
}

// MarkVerified implements Store.
func (s *PGStore) MarkVerified(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `update users set verified_at = $2 where id = $1 and verified_at is null`, id, at)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from users where id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrAlreadyVerified
}

// ResolveFederated implements Store.
func (s *PGStore) ResolveFederated(ctx context.Context, id Identity, newUser *User) (*User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	u, err := scanUser(tx.QueryRowContext(ctx, `
		select u.id, u.name, u.email, u.avatar_url, u.password_hash, u.verified_at, u.created_at
		from federated_identities f
		join users u on u.id = f.user_id
		where f.provider = $1 and f.provider_user_id = $2
	`, id.Provider, id.ProviderUserID))
	switch {
	case err == nil:
		return u, tx.Commit()
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("lookup identity: %w", err)
	}

	u, err = scanUser(tx.QueryRowContext(ctx, `select `+userColumns+` from users where lower(email) = $1 for update`, normalizeEmail(id.Email)))
	switch {
	case err == nil:
		if u.VerifiedAt == nil {
			at := newUser.CreatedAt
			if _, err := tx.ExecContext(ctx, `update users set verified_at = $2, password_hash = '' where id = $1`, u.ID, at); err != nil {
				return nil, fmt.Errorf("verify linked user: %w", err)
			}
			u.VerifiedAt = &at
			u.PasswordHash = ""
		}
	case errors.Is(err, ErrNotFound):
		if err := insertUser(ctx, tx, newUser); err != nil {
			return nil, fmt.Errorf("create federated user: %w", err)
		}
		u = newUser
	default:
		return nil, fmt.Errorf("lookup email: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		insert into federated_identities(provider, provider_user_id, user_id, created_at)
		values ($1, $2, $3, $4)
	`, id.Provider, id.ProviderUserID, u.ID, newUser.CreatedAt); err != nil {
		return nil, fmt.Errorf("link identity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return u, nil
}

// SaveLoginToken implements Store.
func (s *PGStore) SaveLoginToken(ctx context.Context, userID, tokenID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		insert into login_tokens(user_id, token_id, expires_at)
		values ($1, $2, $3)
		on conflict (user_id) do update
		set token_id = excluded.token_id, expires_at = excluded.expires_at, updated_at = now()
	`, userID, tokenID, expiresAt)
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	return err
}

// SwapLoginToken implements Store. The guarded update makes concurrent
// refreshes with the same token race for a single winner.
func (s *PGStore) SwapLoginToken(ctx context.Context, userID, oldID, newID string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update login_tokens
		set token_id = $3, expires_at = $4, updated_at = now()
		where user_id = $1 and token_id = $2
	`, userID, oldID, newID, expiresAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTokenRevoked
	}
	return nil
}

// DeleteLoginToken implements Store.
func (s *PGStore) DeleteLoginToken(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `delete from login_tokens where user_id = $1`, userID)
	return err
}
