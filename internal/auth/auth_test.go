package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"livechat/internal/db"
	"livechat/internal/models"

	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect("sqlite", filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func TestHashPassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"valid password", "password123", false},
		{"empty password", "", false},
		{"long password", "a" + string(make([]byte, 70)), false}, // bcrypt max is 72 bytes
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := HashPassword(tt.password)
			if (err != nil) != tt.wantErr {
				t.Errorf("HashPassword() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && hash == "" {
				t.Error("HashPassword() returned empty hash")
			}
		})
	}
}

func TestVerifyPassword(t *testing.T) {
	password := "testpassword123"
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}

	tests := []struct {
		name     string
		hash     string
		password string
		want     bool
	}{
		{"correct password", hash, password, true},
		{"wrong password", hash, "wrongpassword", false},
		{"empty password", hash, "", false},
		{"invalid hash", "invalidhash", password, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyPassword(tt.hash, tt.password); got != tt.want {
				t.Errorf("VerifyPassword() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGenerateToken(t *testing.T) {
	token1, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	token2, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if token1 == token2 {
		t.Error("GenerateToken() should generate unique tokens")
	}
	// hex encoded 32 bytes = 64 chars
	if len(token1) != 64 {
		t.Errorf("GenerateToken() token length = %d, want 64", len(token1))
	}
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name  string
		build func(r *http.Request)
		want  string
	}{
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: CookieName, Value: "c1"}) }, "c1"},
		{"bearer header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer h1") }, "h1"},
		{"lowercase bearer", func(r *http.Request) { r.Header.Set("Authorization", "bearer h2") }, "h2"},
		{"cookie wins over header", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: CookieName, Value: "c2"})
			r.Header.Set("Authorization", "Bearer h3")
		}, "c2"},
		{"nothing", func(r *http.Request) {}, ""},
		{"other cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "theme", Value: "dark"}) }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tt.build(r)
			if got := TokenFromRequest(r); got != tt.want {
				t.Errorf("TokenFromRequest() = %q, want %q", got, tt.want)
			}
		})
	}

	r := httptest.NewRequest(http.MethodGet, "/ws?token=q1", nil)
	if got := TokenFromRequest(r); got != "q1" {
		t.Errorf("TokenFromRequest() query = %q, want q1", got)
	}
}

func TestSessionStore_Lifecycle(t *testing.T) {
	gdb := newTestDB(t)
	store := NewSessionStore(gdb, 24*time.Hour)
	ctx := context.Background()

	sess, err := store.Create(ctx, 7)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if sess.Token == "" || sess.UserID != 7 {
		t.Fatalf("Create() = %+v", sess)
	}

	got, err := store.FindValid(ctx, sess.Token)
	if err != nil {
		t.Fatalf("FindValid() error = %v", err)
	}
	if got.UserID != 7 {
		t.Errorf("FindValid() UserID = %d, want 7", got.UserID)
	}

	if _, err := store.FindValid(ctx, ""); !errors.Is(err, ErrMissingToken) {
		t.Errorf("FindValid(\"\") error = %v, want ErrMissingToken", err)
	}
	if _, err := store.FindValid(ctx, "unknown"); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("FindValid(unknown) error = %v, want ErrSessionExpired", err)
	}

	if err := store.Delete(ctx, sess.Token); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.FindValid(ctx, sess.Token); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("FindValid() after Delete error = %v, want ErrSessionExpired", err)
	}
}

func TestSessionStore_ExpiresAfterTTL(t *testing.T) {
	gdb := newTestDB(t)
	store := NewSessionStore(gdb, time.Hour)
	ctx := context.Background()

	sess, err := store.Create(ctx, 1)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	store.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	if _, err := store.FindValid(ctx, sess.Token); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("FindValid() past TTL error = %v, want ErrSessionExpired", err)
	}
}

func TestAuthenticate(t *testing.T) {
	gdb := newTestDB(t)
	store := NewSessionStore(gdb, time.Hour)
	ctx := context.Background()

	user := models.User{Email: "a@example.com", Username: "alice", PasswordHash: "x"}
	if err := gdb.Create(&user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	sess, err := store.Create(ctx, user.ID)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: CookieName, Value: sess.Token})
	got, err := Authenticate(ctx, r, store, gdb)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if got.ID != user.ID || got.Username != "alice" {
		t.Errorf("Authenticate() = %+v", got)
	}

	orphan, err := store.Create(ctx, 999)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: CookieName, Value: orphan.Token})
	if _, err := Authenticate(ctx, r, store, gdb); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Authenticate(orphan) error = %v, want ErrSessionExpired", err)
	}
}
