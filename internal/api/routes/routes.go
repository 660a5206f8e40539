package routes

import (
	"time"

	"realtime-service/internal/api/handlers"
	"realtime-service/internal/api/middleware"
	"realtime-service/internal/realtime"
	"realtime-service/internal/services"
	"realtime-service/internal/store"

	"github.com/gin-gonic/gin"
)

type Router struct {
	engine         *gin.Engine
	socketPath     string
	wsHandler      *handlers.WSHandler
	messageHandler *handlers.MessageHandler
	userHandler    *handlers.UserHandler
	rateLimitMW    *middleware.RateLimitMiddleware
	jwtSecret      string
}

func NewRouter(
	hub *realtime.Hub,
	redisService *services.RedisService,
	messages store.MessageStore,
	users store.UserDirectory,
	socketPath string,
	jwtSecret string,
) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS())
	engine.Use(middleware.LogApi())

	return &Router{
		engine:         engine,
		socketPath:     socketPath,
		wsHandler:      handlers.NewWSHandler(hub),
		messageHandler: handlers.NewMessageHandler(messages),
		userHandler:    handlers.NewUserHandler(users, redisService),
		rateLimitMW:    middleware.NewRateLimitMiddleware(redisService),
		jwtSecret:      jwtSecret,
	}
}

func (r *Router) SetupRoutes() {
	// Liveness probe clients check before dialing the socket.
	r.engine.GET("/health", r.wsHandler.Health)

	// The socket mount is the path contract shared with every client; it is
	// mounted at the root, not under /api/v1, so the two sides agree on a
	// single short string.
	r.engine.GET(r.socketPath,
		middleware.WSAuth(r.jwtSecret),
		r.rateLimitMW.WebSocketRateLimit(10, time.Minute),
		r.wsHandler.HandleWebSocket,
	)

	api := r.engine.Group("/api/v1")
	api.Use(r.rateLimitMW.RateLimitIP(200, time.Minute))
	{
		conversations := api.Group("/conversations")
		{
			conversations.GET("/:id/messages", r.messageHandler.GetConversationMessages)
			conversations.GET("/:id/unread", r.messageHandler.GetUnreadMessages)
			conversations.PUT("/:id/read", r.messageHandler.MarkMessagesRead)
		}

		users := api.Group("/users")
		{
			users.GET("/search", r.userHandler.SearchUsers)
			users.GET("/:id/status", r.userHandler.GetUserStatus)
		}
	}
}

func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
