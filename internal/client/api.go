package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/vovakirdan/breedchat-server/internal/core"
	"github.com/vovakirdan/breedchat-server/internal/proto"
)

// API is a small client for the REST endpoints.
type API struct {
	base  *url.URL
	token string
	http  *http.Client
}

// User mirrors the profile returned by the server.
type User struct {
	ID        int64     `json:"id"`
	Nickname  string    `json:"nickname"`
	Breed     string    `json:"breed,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Room mirrors a room listing entry.
type Room struct {
	Name          string     `json:"name"`
	CreatedAt     time.Time  `json:"created_at"`
	MessageCount  int64      `json:"message_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	Online        int        `json:"online"`
}

type authResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type historyResponse struct {
	Room     string               `json:"room"`
	Messages []proto.EventMessage `json:"messages"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// NewAPI builds a client for the server at baseURL (http or https).
func NewAPI(baseURL, token string, hc *http.Client) (*API, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &API{base: u, token: token, http: hc}, nil
}

// WithToken returns a copy of the client authenticated with token.
func (a *API) WithToken(token string) *API {
	cp := *a
	cp.token = token
	return &cp
}

// Token returns the session credential.
func (a *API) Token() string {
	return a.token
}

// Register creates an account and returns its session token.
func (a *API) Register(ctx context.Context, nickname, password, breed, avatarURL string) (string, User, error) {
	var out authResponse
	err := a.do(ctx, http.MethodPost, "/api/register", nil, map[string]string{
		"nickname":   nickname,
		"password":   password,
		"breed":      breed,
		"avatar_url": avatarURL,
	}, &out)
	return out.Token, out.User, err
}

// Login exchanges credentials for a session token.
func (a *API) Login(ctx context.Context, nickname, password string) (string, User, error) {
	var out authResponse
	err := a.do(ctx, http.MethodPost, "/api/login", nil, map[string]string{
		"nickname": nickname,
		"password": password,
	}, &out)
	return out.Token, out.User, err
}

// Me returns the identity behind the token.
func (a *API) Me(ctx context.Context) (core.Identity, error) {
	var u User
	if err := a.do(ctx, http.MethodGet, "/api/me", nil, nil, &u); err != nil {
		return core.Identity{}, err
	}
	return core.Identity{ID: u.ID, Nickname: u.Nickname, AvatarURL: u.AvatarURL}, nil
}

// Rooms lists rooms, most recently active first.
func (a *API) Rooms(ctx context.Context) ([]Room, error) {
	var rooms []Room
	err := a.do(ctx, http.MethodGet, "/api/rooms", nil, nil, &rooms)
	return rooms, err
}

// CreateRoom registers a room and returns its normalized form.
func (a *API) CreateRoom(ctx context.Context, name string) (Room, error) {
	var room Room
	err := a.do(ctx, http.MethodPost, "/api/rooms", nil, map[string]string{"name": name}, &room)
	return room, err
}

// History fetches a room's persisted messages, oldest first.
// With since nil the newest page is returned. limit <= 0 uses the server default.
func (a *API) History(ctx context.Context, room string, since *time.Time, limit int) ([]proto.EventMessage, error) {
	q := url.Values{}
	if since != nil {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out historyResponse
	if err := a.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(room)+"/messages", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (a *API) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := a.base.JoinPath(path)
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", core.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// responseError converts an error response into a CoreError of the matching class.
func responseError(resp *http.Response) error {
	var body errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}

	code := body.Code
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		code = core.ErrCodeUnauthorized
	case code != "":
	case resp.StatusCode >= 500:
		code = core.ErrCodePersistenceFailed
	default:
		code = core.ErrCodeBadRequest
	}
	return core.NewError(code, msg)
}
