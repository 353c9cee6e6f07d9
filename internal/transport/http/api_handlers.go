package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/breedchat-server/internal/auth"
	"github.com/vovakirdan/breedchat-server/internal/store"
)

// APIHandlers provides HTTP handlers for account endpoints.
type APIHandlers struct {
	authService *auth.Service
	users       store.UserStore
	sessionTTL  time.Duration
	log         *zerolog.Logger
}

// NewAPIHandlers creates a new API handlers instance.
// sessionTTL bounds the session cookie and should match the token TTL.
func NewAPIHandlers(authService *auth.Service, users store.UserStore, sessionTTL time.Duration, logger *zerolog.Logger) *APIHandlers {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &APIHandlers{
		authService: authService,
		users:       users,
		sessionTTL:  sessionTTL,
		log:         logger,
	}
}

// RegisterRequest represents the registration request body.
type RegisterRequest struct {
	Nickname  string `json:"nickname" binding:"required"`
	Password  string `json:"password" binding:"required"`
	Breed     string `json:"breed"`
	AvatarURL string `json:"avatar_url"`
}

// LoginRequest represents the login request body.
type LoginRequest struct {
	Nickname string `json:"nickname" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// UserResponse represents a user in API responses.
type UserResponse struct {
	ID        int64     `json:"id"`
	Nickname  string    `json:"nickname"`
	Breed     string    `json:"breed,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthResponse represents the authentication response body.
type AuthResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

func toUserResponse(u *store.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Nickname:  u.Nickname,
		Breed:     u.Breed,
		AvatarURL: u.AvatarURL,
		CreatedAt: u.CreatedAt,
	}
}

// Register handles user registration.
// POST /api/register
func (h *APIHandlers) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid register request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	user, token, err := h.authService.Register(c.Request.Context(), auth.RegisterRequest{
		Nickname:  req.Nickname,
		Password:  req.Password,
		Breed:     req.Breed,
		AvatarURL: req.AvatarURL,
	})
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUserExists):
			c.JSON(http.StatusConflict, ErrorResponse{Error: "user already exists"})
		case errors.Is(err, auth.ErrInvalidNickname), errors.Is(err, auth.ErrInvalidPassword), errors.Is(err, auth.ErrInvalidProfile):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		default:
			h.log.Error().Err(err).Str("nickname", req.Nickname).Msg("failed to register user")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		}
		return
	}

	h.setSession(c, token)
	h.log.Info().Str("nickname", user.Nickname).Msg("user registered successfully")
	c.JSON(http.StatusCreated, AuthResponse{Token: token, User: toUserResponse(user)})
}

// Login handles user login.
// POST /api/login
func (h *APIHandlers) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid login request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	user, token, err := h.authService.Login(c.Request.Context(), req.Nickname, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials"})
			return
		}
		h.log.Error().Err(err).Str("nickname", req.Nickname).Msg("failed to login user")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	h.setSession(c, token)
	h.log.Info().Str("nickname", user.Nickname).Msg("user logged in successfully")
	c.JSON(http.StatusOK, AuthResponse{Token: token, User: toUserResponse(user)})
}

// Me returns the authenticated user's profile.
// GET /api/me
func (h *APIHandlers) Me(c *gin.Context) {
	uid, ok := userIDFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	user, err := h.users.GetUserByID(c.Request.Context(), uid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unknown user"})
			return
		}
		h.log.Error().Err(err).Int64("user_id", uid).Msg("failed to load user")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}
	c.JSON(http.StatusOK, toUserResponse(user))
}

func (h *APIHandlers) setSession(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(
		SessionCookie,
		token,
		int(h.sessionTTL.Seconds()),
		"/",
		"",
		false, // secure (set to true in production with HTTPS)
		true,  // httpOnly
	)
}
