package api

import (
	"context"
	"testing"
	"time"

	"botcore/pkg/apperr"
	"botcore/pkg/db"
)

func newTestAuth(t *testing.T) (*Auth, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return NewAuth(database, "test-secret", 30*time.Minute, 7*24*time.Hour), database
}

func TestRegisterLoginRefresh(t *testing.T) {
	auth, _ := newTestAuth(t)
	ctx := context.Background()

	user, pair, err := auth.Register(ctx, "trader@example.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" || pair.TokenType != "bearer" {
		t.Fatalf("pair = %+v", pair)
	}

	uid, err := auth.VerifyAccess(pair.AccessToken)
	if err != nil || uid != user.ID {
		t.Fatalf("VerifyAccess = %q, %v; want %q", uid, err, user.ID)
	}

	_, loginPair, err := auth.Login(ctx, "trader@example.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if loginPair.AccessToken == "" {
		t.Fatal("login returned empty access token")
	}

	rotated, err := auth.Refresh(ctx, loginPair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if uid, err := auth.VerifyAccess(rotated.AccessToken); err != nil || uid != user.ID {
		t.Errorf("rotated access = %q, %v", uid, err)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	auth, _ := newTestAuth(t)
	ctx := context.Background()
	if _, _, err := auth.Register(ctx, "dup@example.com", "s3cret-pass"); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	_, _, err := auth.Register(ctx, "dup@example.com", "other-pass1")
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("kind = %s, want CONFLICT", apperr.KindOf(err))
	}
}

func TestRegisterValidation(t *testing.T) {
	auth, _ := newTestAuth(t)
	cases := []struct {
		name, email, password string
	}{
		{"empty email", "", "s3cret-pass"},
		{"empty password", "a@b.c", ""},
		{"short password", "a@b.c", "short"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := auth.Register(context.Background(), tc.email, tc.password)
			if apperr.KindOf(err) != apperr.KindValidation {
				t.Errorf("kind = %s, want VALIDATION", apperr.KindOf(err))
			}
		})
	}
}

func TestLoginWrongPassword(t *testing.T) {
	auth, _ := newTestAuth(t)
	ctx := context.Background()
	if _, _, err := auth.Register(ctx, "u@example.com", "s3cret-pass"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, _, err := auth.Login(ctx, "u@example.com", "wrong-pass")
	if apperr.KindOf(err) != apperr.KindAuth {
		t.Errorf("wrong password kind = %s, want AUTH", apperr.KindOf(err))
	}
	_, _, err = auth.Login(ctx, "ghost@example.com", "s3cret-pass")
	if apperr.KindOf(err) != apperr.KindAuth {
		t.Errorf("unknown email kind = %s, want AUTH", apperr.KindOf(err))
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	auth, _ := newTestAuth(t)
	ctx := context.Background()
	_, pair, err := auth.Register(ctx, "u@example.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Tokens are not interchangeable across the typ claim.
	if _, err := auth.Refresh(ctx, pair.AccessToken); apperr.KindOf(err) != apperr.KindAuth {
		t.Errorf("refresh with access token kind = %s, want AUTH", apperr.KindOf(err))
	}
	if _, err := auth.VerifyAccess(pair.RefreshToken); err == nil {
		t.Error("access verify accepted a refresh token")
	}
}

func TestVerifyRejectsForgedToken(t *testing.T) {
	auth, _ := newTestAuth(t)
	other := NewAuth(nil, "different-secret", time.Minute, time.Hour)
	forged, err := other.sign("u1", tokenAccess, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.VerifyAccess(forged); err == nil {
		t.Error("token signed with another secret accepted")
	}
}
