package account

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

var userCols = []string{"id", "name", "email", "avatar_url", "password_hash", "verified_at", "created_at"}

func newMock(t *testing.T) (*PGStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return NewPGStore(db), mock, func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
		db.Close()
	}
}

func TestPGCreateDuplicate(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("insert into users").
		WithArgs("u1", "Ada", "ada@example.com", "", "hash", nil, now).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := store.Create(context.Background(), &User{ID: "u1", Name: "Ada", Email: "Ada@example.com", PasswordHash: "hash", CreatedAt: now})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestPGFindByEmail(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("select .* from users where lower\\(email\\) = \\$1").
		WithArgs("ada@example.com").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("u1", "Ada", "ada@example.com", "", "hash", nil, created))
	mock.ExpectQuery("select .* from users where lower\\(email\\) = \\$1").
		WithArgs("nobody@example.com").
		WillReturnError(sql.ErrNoRows)

	u, err := store.FindByEmail(context.Background(), " ADA@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if u.ID != "u1" || u.Verified() || !u.CreatedAt.Equal(created) {
		t.Fatalf("unexpected user: %+v", u)
	}
	if _, err := store.FindByEmail(context.Background(), "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGMarkVerified(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("update users set verified_at").WithArgs("u1", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update users set verified_at").WithArgs("u1", at).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").WithArgs("u1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("update users set verified_at").WithArgs("missing", at).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").WithArgs("missing").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	ctx := context.Background()
	if err := store.MarkVerified(ctx, "u1", at); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}
	if err := store.MarkVerified(ctx, "u1", at); !errors.Is(err, ErrAlreadyVerified) {
		t.Fatalf("expected ErrAlreadyVerified, got %v", err)
	}
	if err := store.MarkVerified(ctx, "missing", at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGResolveFederatedExistingLink(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("from federated_identities f").
		WithArgs("github", "42").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("u1", "Ada", "ada@example.com", "", "", created, created))
	mock.ExpectCommit()

	u, err := store.ResolveFederated(context.Background(), Identity{Provider: "github", ProviderUserID: "42", Email: "ada@example.com"}, &User{ID: "new", CreatedAt: created})
	if err != nil {
		t.Fatalf("ResolveFederated: %v", err)
	}
	if u.ID != "u1" || !u.Verified() {
		t.Fatalf("unexpected user: %+v", u)
	}
}

func TestPGResolveFederatedCreates(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	newUser := &User{ID: "u2", Name: "Grace", Email: "grace@example.com", VerifiedAt: &now, CreatedAt: now}

	mock.ExpectBegin()
	mock.ExpectQuery("from federated_identities f").WithArgs("discord", "7").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("select .* from users where lower\\(email\\) = \\$1 for update").WithArgs("grace@example.com").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("insert into users").WithArgs("u2", "Grace", "grace@example.com", "", "", now, now).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into federated_identities").WithArgs("discord", "7", "u2", now).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	u, err := store.ResolveFederated(context.Background(), Identity{Provider: "discord", ProviderUserID: "7", Email: "grace@example.com"}, newUser)
	if err != nil {
		t.Fatalf("ResolveFederated: %v", err)
	}
	if u.ID != "u2" {
		t.Fatalf("unexpected user: %+v", u)
	}
}

func TestPGResolveFederatedLinkClearsUnverifiedPassword(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()
	created := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("from federated_identities f").WithArgs("github", "9").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("select .* from users where lower\\(email\\) = \\$1 for update").
		WithArgs("ada@example.com").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("u1", "Ada", "ada@example.com", "", "hash", nil, created))
	mock.ExpectExec("update users set verified_at = \\$2, password_hash = '' where id = \\$1").
		WithArgs("u1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into federated_identities").WithArgs("github", "9", "u1", now).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	u, err := store.ResolveFederated(context.Background(), Identity{Provider: "github", ProviderUserID: "9", Email: "ada@example.com"}, &User{ID: "new", CreatedAt: now})
	if err != nil {
		t.Fatalf("ResolveFederated: %v", err)
	}
	if u.ID != "u1" || !u.Verified() || u.PasswordHash != "" {
		t.Fatalf("unexpected linked user: %+v", u)
	}
}

func TestPGLoginTokens(t *testing.T) {
	store, mock, done := newMock(t)
	defer done()
	exp := time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	mock.ExpectExec("insert into login_tokens").WithArgs("u1", "jti-1", exp).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into login_tokens").WithArgs("ghost", "jti-1", exp).WillReturnError(&pgconn.PgError{Code: "23503"})
	mock.ExpectExec("update login_tokens").WithArgs("u1", "jti-1", "jti-2", exp).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update login_tokens").WithArgs("u1", "jti-1", "jti-3", exp).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from login_tokens").WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.SaveLoginToken(ctx, "u1", "jti-1", exp); err != nil {
		t.Fatalf("SaveLoginToken: %v", err)
	}
	if err := store.SaveLoginToken(ctx, "ghost", "jti-1", exp); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.SwapLoginToken(ctx, "u1", "jti-1", "jti-2", exp); err != nil {
		t.Fatalf("SwapLoginToken: %v", err)
	}
	if err := store.SwapLoginToken(ctx, "u1", "jti-1", "jti-3", exp); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
	if err := store.DeleteLoginToken(ctx, "u1"); err != nil {
		t.Fatalf("DeleteLoginToken: %v", err)
	}
}
