package http

import (
	"context"
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/breedchat-server/internal/auth"
	"github.com/vovakirdan/breedchat-server/internal/config"
	"github.com/vovakirdan/breedchat-server/internal/core"
	"github.com/vovakirdan/breedchat-server/internal/store"
)

// OccupancyCounter reports how many connections are in a room right now.
// The hub counts local handles; the Redis presence mirror counts all instances.
type OccupancyCounter interface {
	Occupancy(ctx context.Context, room string) (int, error)
}

// Deps are the services the HTTP layer is built on.
type Deps struct {
	Hub       *core.Hub
	Auth      *auth.Service
	Store     store.Store
	Occupancy OccupancyCounter
	Config    config.Config
	Logger    *zerolog.Logger
}

// NewServer builds the HTTP server: REST API, history and the websocket endpoint.
func NewServer(deps Deps) *stdhttp.Server {
	if deps.Logger == nil {
		nop := zerolog.Nop()
		deps.Logger = &nop
	}
	if deps.Occupancy == nil && deps.Hub != nil {
		deps.Occupancy = deps.Hub
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(deps.Logger))

	router.GET("/health", healthHandler)
	router.GET("/ws", gin.WrapH(NewWSHandler(deps.Hub, deps.Auth, deps.Config, deps.Logger)))

	apiHandlers := NewAPIHandlers(deps.Auth, deps.Store, deps.Config.TokenTTL, deps.Logger)
	roomHandlers := NewRoomHandlers(deps.Store, deps.Occupancy, deps.Config.HistoryLimit, deps.Logger)

	api := router.Group("/api")
	api.POST("/register", apiHandlers.Register)
	api.POST("/login", apiHandlers.Login)

	authed := api.Group("", AuthMiddleware(deps.Auth, deps.Logger))
	authed.GET("/me", apiHandlers.Me)
	authed.GET("/rooms", roomHandlers.ListRooms)
	authed.POST("/rooms", roomHandlers.CreateRoom)
	authed.GET("/rooms/:room/messages", roomHandlers.History)

	return &stdhttp.Server{
		Addr:              deps.Config.Addr,
		Handler:           router,
		ReadHeaderTimeout: deps.Config.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
