package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"gigflow/internal/db"
	"gigflow/internal/domain"
	"gigflow/internal/migrate"
	"gigflow/internal/repo"
)

func newTestService(t *testing.T) Service {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Service{Repo: repo.Repo{DB: conn}, Tokens: Tokens{Secret: "s", TTL: time.Hour}}
}

func TestTokensRoundTrip(t *testing.T) {
	tokens := Tokens{Secret: "secret", TTL: time.Hour}
	token, exp, err := tokens.Issue(domain.User{ID: "u1", Name: "Ada"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expiry in the past: %s", exp)
	}
	claims, err := tokens.Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "u1" || claims.Name != "Ada" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestTokensRejectExpiredAndForeign(t *testing.T) {
	issued := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tokens := Tokens{Secret: "secret", TTL: time.Hour, Now: func() time.Time { return issued }}
	token, _, err := tokens.Issue(domain.User{ID: "u1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	later := tokens
	later.Now = func() time.Time { return issued.Add(2 * time.Hour) }
	if _, err := later.Parse(token); err == nil {
		t.Fatalf("expected expired token to fail")
	}
	other := Tokens{Secret: "other", Now: tokens.Now}
	if _, err := other.Parse(token); err == nil {
		t.Fatalf("expected signature mismatch")
	}
	if _, _, err := (Tokens{}).Issue(domain.User{ID: "u1"}); err == nil {
		t.Fatalf("expected missing secret to fail")
	}
}

func TestRegisterAndLogin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, " Ada ", "Ada@Example.com", "secret123")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if u.Name != "Ada" || u.Email != "ada@example.com" || u.PasswordHash == "secret123" {
		t.Fatalf("unexpected user %+v", u)
	}
	if _, err := svc.Register(ctx, "Ada", "ada@example.com", "secret123"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate: expected conflict, got %v", err)
	}
	if _, err := svc.Register(ctx, "Bob", "not-an-email", "secret123"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("bad email: expected validation, got %v", err)
	}
	if _, err := svc.Register(ctx, "Bob", "bob@example.com", "123"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("short password: expected validation, got %v", err)
	}

	got, err := svc.Login(ctx, "ADA@example.com", "secret123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("expected %s, got %s", u.ID, got.ID)
	}
	if _, err := svc.Login(ctx, "ada@example.com", "wrong"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("wrong password: expected unauthorized, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "secret123"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("unknown email: expected unauthorized, got %v", err)
	}
}

func TestForbiddenErrorMatchesSentinel(t *testing.T) {
	err := error(ForbiddenError{Action: "hire for", Resource: "gig g1"})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden match")
	}
	if err.Error() != "not authorized to hire for gig g1" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
