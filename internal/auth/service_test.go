package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vovakirdan/breedchat-server/internal/core"
	"github.com/vovakirdan/breedchat-server/internal/store"
	"github.com/vovakirdan/breedchat-server/internal/store/memory"
)

func newTestAuthService(t *testing.T) *Service {
	t.Helper()

	st := memory.New()
	jwtConfig := &JWTConfig{
		Secret:   []byte("test-secret-change-me"),
		Issuer:   "test",
		Audience: "test",
		TTL:      24 * time.Hour,
	}
	return NewService(st, jwtConfig)
}

func TestRegister_RejectsInvalidNickname(t *testing.T) {
	svc := newTestAuthService(t)
	ctx := context.Background()

	if _, _, err := svc.Register(ctx, RegisterRequest{Nickname: "ab", Password: "password123"}); !errors.Is(err, ErrInvalidNickname) {
		t.Fatalf("expected ErrInvalidNickname, got %v", err)
	}

	// Should be validated after trimming whitespace.
	if _, _, err := svc.Register(ctx, RegisterRequest{Nickname: " ab ", Password: "password123"}); !errors.Is(err, ErrInvalidNickname) {
		t.Fatalf("expected ErrInvalidNickname, got %v", err)
	}
}

func TestRegister_RejectsInvalidPassword(t *testing.T) {
	svc := newTestAuthService(t)

	if _, _, err := svc.Register(context.Background(), RegisterRequest{Nickname: "abc", Password: "12345"}); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
}

func TestRegister_RejectsInvalidAvatar(t *testing.T) {
	svc := newTestAuthService(t)

	req := RegisterRequest{Nickname: "rex", Password: "password123", AvatarURL: "not a url"}
	if _, _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("expected ErrInvalidProfile, got %v", err)
	}
}

func TestRegister_TrimsNicknameAndCreatesUser(t *testing.T) {
	svc := newTestAuthService(t)
	ctx := context.Background()

	user, token, err := svc.Register(ctx, RegisterRequest{
		Nickname:  " alice ",
		Password:  "password123",
		Breed:     "collie",
		AvatarURL: "https://img.example/alice.png",
	})
	if err != nil {
		t.Fatalf("expected registration success, got %v", err)
	}
	if token == "" {
		t.Fatalf("expected non-empty token")
	}
	if user.Nickname != "alice" || user.Breed != "collie" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if user.PasswordHash == "password123" {
		t.Fatalf("password stored in clear")
	}

	// Should collide because the stored nickname is trimmed.
	if _, _, err := svc.Register(ctx, RegisterRequest{Nickname: "alice", Password: "password123"}); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestLogin(t *testing.T) {
	svc := newTestAuthService(t)
	ctx := context.Background()

	if _, _, err := svc.Register(ctx, RegisterRequest{Nickname: "rex", Password: "password123"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, _, err := svc.Login(ctx, "rex", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	user, token, err := svc.Login(ctx, "rex", "password123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if claims.UserID != user.ID || claims.Nickname != "rex" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestResolveIdentity(t *testing.T) {
	svc := newTestAuthService(t)
	ctx := context.Background()

	user, token, err := svc.Register(ctx, RegisterRequest{
		Nickname:  "rex",
		Password:  "password123",
		AvatarURL: "https://img.example/rex.png",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	id, err := svc.ResolveIdentity(ctx, token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := core.Identity{ID: user.ID, Nickname: "rex", AvatarURL: "https://img.example/rex.png"}
	if *id != want {
		t.Fatalf("expected %+v, got %+v", want, *id)
	}

	for _, cred := range []string{"", "garbage"} {
		if _, err := svc.ResolveIdentity(ctx, cred); !errors.Is(err, core.ErrAuthorization) {
			t.Fatalf("credential %q: expected authorization error, got %v", cred, err)
		}
	}

	// A token for a user the store does not know is not a valid session.
	orphan, err := GenerateToken(svc.jwtConfig, user.ID+100, "ghost")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := svc.ResolveIdentity(ctx, orphan); !errors.Is(err, core.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}

	if _, err := svc.LookupIdentity(ctx, user.ID+100); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
