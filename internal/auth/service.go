package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/vovakirdan/breedchat-server/internal/core"
	"github.com/vovakirdan/breedchat-server/internal/store"
)

var (
	// ErrInvalidCredentials is returned when nickname/password don't match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserExists is returned when trying to register with an existing nickname.
	ErrUserExists = errors.New("user already exists")
	// ErrInvalidNickname is returned when the nickname doesn't meet constraints.
	ErrInvalidNickname = errors.New("invalid nickname")
	// ErrInvalidPassword is returned when the password doesn't meet constraints.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrInvalidProfile is returned for a bad breed or avatar URL.
	ErrInvalidProfile = errors.New("invalid profile")
)

// Service provides authentication operations and resolves identities for the hub.
type Service struct {
	store     store.UserStore
	jwtConfig *JWTConfig
}

// NewService creates a new authentication service.
func NewService(userStore store.UserStore, jwtConfig *JWTConfig) *Service {
	return &Service{
		store:     userStore,
		jwtConfig: jwtConfig,
	}
}

// Register creates a new user with a hashed password and returns the user and a JWT token.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*store.User, string, error) {
	req.normalize()
	if err := validateRegister(req); err != nil {
		return nil, "", err
	}

	hashedPassword, err := HashPassword(req.Password)
	if err != nil {
		return nil, "", err
	}

	user, err := s.store.CreateUser(ctx, &store.User{
		Nickname:     req.Nickname,
		PasswordHash: hashedPassword,
		Breed:        req.Breed,
		AvatarURL:    req.AvatarURL,
	})
	if err != nil {
		if errors.Is(err, store.ErrUserExists) {
			return nil, "", ErrUserExists
		}
		return nil, "", fmt.Errorf("create user: %w", err)
	}

	token, err := GenerateToken(s.jwtConfig, user.ID, user.Nickname)
	if err != nil {
		return nil, "", fmt.Errorf("generate token: %w", err)
	}
	return user, token, nil
}

// Login validates credentials and returns the user and a JWT token.
func (s *Service) Login(ctx context.Context, nickname, password string) (*store.User, string, error) {
	user, err := s.store.GetUserByNickname(ctx, nickname)
	if err != nil {
		return nil, "", ErrInvalidCredentials
	}

	if errPwd := ComparePassword(user.PasswordHash, password); errPwd != nil {
		return nil, "", ErrInvalidCredentials
	}

	token, err := GenerateToken(s.jwtConfig, user.ID, user.Nickname)
	if err != nil {
		return nil, "", fmt.Errorf("generate token: %w", err)
	}
	return user, token, nil
}

// ValidateToken validates a JWT token and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	return ValidateToken(s.jwtConfig, tokenString)
}

// ResolveIdentity turns a session credential into the identity of a live user.
// Unknown, expired and orphaned credentials are all authorization errors.
func (s *Service) ResolveIdentity(ctx context.Context, credential string) (*core.Identity, error) {
	if credential == "" {
		return nil, core.NewError(core.ErrCodeUnauthorized, "missing credential")
	}
	claims, err := s.ValidateToken(credential)
	if err != nil {
		return nil, core.NewError(core.ErrCodeUnauthorized, "invalid credential")
	}

	id, err := s.LookupIdentity(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, core.NewError(core.ErrCodeUnauthorized, "unknown user")
		}
		return nil, err
	}
	return &id, nil
}

// LookupIdentity returns the current nickname and avatar of a user.
func (s *Service) LookupIdentity(ctx context.Context, userID int64) (core.Identity, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return core.Identity{}, fmt.Errorf("lookup user %d: %w", userID, err)
	}
	return IdentityOf(user), nil
}

// IdentityOf projects a stored user onto the core identity.
func IdentityOf(u *store.User) core.Identity {
	return core.Identity{ID: u.ID, Nickname: u.Nickname, AvatarURL: u.AvatarURL}
}
