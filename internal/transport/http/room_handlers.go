package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/vovakirdan/breedchat-server/internal/core"
	"github.com/vovakirdan/breedchat-server/internal/proto"
	"github.com/vovakirdan/breedchat-server/internal/store"
)

// defaultHistoryLimit applies when the server is configured without one.
const defaultHistoryLimit = 50

// RoomHandlers provides HTTP handlers for rooms and their history.
type RoomHandlers struct {
	store        store.Store
	occupancy    OccupancyCounter
	historyLimit int
	log          *zerolog.Logger
}

// NewRoomHandlers creates a new room handlers instance.
func NewRoomHandlers(st store.Store, occupancy OccupancyCounter, historyLimit int, logger *zerolog.Logger) *RoomHandlers {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &RoomHandlers{
		store:        st,
		occupancy:    occupancy,
		historyLimit: historyLimit,
		log:          logger,
	}
}

// CreateRoomRequest represents the create room request body.
type CreateRoomRequest struct {
	Name string `json:"name" binding:"required,min=1,max=128"`
}

// RoomResponse represents a room in API responses.
type RoomResponse struct {
	Name          string     `json:"name"`
	CreatedAt     time.Time  `json:"created_at"`
	MessageCount  int64      `json:"message_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	Online        int        `json:"online"`
}

// HistoryResponse is one page of room history, oldest first.
type HistoryResponse struct {
	Room     string               `json:"room"`
	Messages []proto.EventMessage `json:"messages"`
}

// CreateRoom registers a breed room.
// POST /api/rooms
// Responds 201 when the room is new and 200 when it already existed.
func (h *RoomHandlers) CreateRoom(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid create room request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	name, err := core.NormalizeRoom(req.Name)
	if err != nil {
		abortWithCoreError(c, err)
		return
	}

	room, created, err := h.store.EnsureRoom(c.Request.Context(), name)
	if err != nil {
		h.log.Error().Err(err).Str("room", name).Msg("failed to create room")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.log.Info().Str("room", room.Name).Msg("room created")
	}
	c.JSON(status, h.toRoomResponse(c.Request.Context(), room))
}

// ListRooms lists rooms, most recently active first.
// GET /api/rooms
func (h *RoomHandlers) ListRooms(c *gin.Context) {
	rooms, err := h.store.ListRooms(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list rooms")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	response := lo.Map(rooms, func(room *store.Room, _ int) RoomResponse {
		return h.toRoomResponse(c.Request.Context(), room)
	})
	h.log.Debug().Int("room_count", len(rooms)).Msg("rooms listed successfully")
	c.JSON(http.StatusOK, response)
}

// History returns persisted messages of a room.
// GET /api/rooms/:room/messages?since=<RFC3339>&limit=<n>
// Without since it returns the newest messages; with since, the first ones after it.
func (h *RoomHandlers) History(c *gin.Context) {
	room, err := core.NormalizeRoom(c.Param("room"))
	if err != nil {
		abortWithCoreError(c, err)
		return
	}

	limit := h.historyLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			abortWithCoreError(c, core.NewError(core.ErrCodeBadRequest, "limit must be a positive integer"))
			return
		}
		limit = min(n, h.historyLimit)
	}

	var since *time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			abortWithCoreError(c, core.NewError(core.ErrCodeBadRequest, "since must be an RFC3339 timestamp"))
			return
		}
		since = &t
	}

	ctx := c.Request.Context()
	msgs, err := h.store.ListSince(ctx, room, since, limit)
	if err != nil {
		h.log.Error().Err(err).Str("room", room).Msg("failed to load history")
		abortWithCoreError(c, core.NewError(core.ErrCodePersistenceFailed, "failed to load history"))
		return
	}

	authors, err := h.authors(ctx, msgs)
	if err != nil {
		h.log.Error().Err(err).Str("room", room).Msg("failed to resolve authors")
		abortWithCoreError(c, core.NewError(core.ErrCodePersistenceFailed, "failed to load history"))
		return
	}

	c.JSON(http.StatusOK, HistoryResponse{
		Room: room,
		Messages: lo.Map(msgs, func(m *store.Message, _ int) proto.EventMessage {
			author := authors[m.AuthorID]
			return proto.EventMessage{
				ID:        m.ID,
				Room:      m.Room,
				AuthorID:  m.AuthorID,
				Nickname:  author.Nickname,
				AvatarURL: author.AvatarURL,
				Content:   m.Content,
				CreatedAt: m.CreatedAt,
			}
		}),
	})
}

// authors resolves nickname and avatar for every distinct author of msgs.
// Deleted users resolve to an empty profile.
func (h *RoomHandlers) authors(ctx context.Context, msgs []*store.Message) (map[int64]store.User, error) {
	ids := lo.Uniq(lo.Map(msgs, func(m *store.Message, _ int) int64 { return m.AuthorID }))
	out := make(map[int64]store.User, len(ids))
	for _, id := range ids {
		u, err := h.store.GetUserByID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = *u
	}
	return out, nil
}

func (h *RoomHandlers) toRoomResponse(ctx context.Context, room *store.Room) RoomResponse {
	resp := RoomResponse{
		Name:          room.Name,
		CreatedAt:     room.CreatedAt,
		MessageCount:  room.MessageCount,
		LastMessageAt: room.LastMessageAt,
	}
	if h.occupancy != nil {
		online, err := h.occupancy.Occupancy(ctx, room.Name)
		if err != nil {
			h.log.Warn().Err(err).Str("room", room.Name).Msg("occupancy unavailable")
		}
		resp.Online = online
	}
	return resp
}
