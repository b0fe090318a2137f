package api

import (
	"github.com/gin-gonic/gin"

	"coderoom/internal/auth"
	"coderoom/internal/gateway"
	"coderoom/internal/metrics"
	"coderoom/internal/middleware"
	"coderoom/internal/ratelimit"
)

// RouterDeps carries everything the router wires together.
type RouterDeps struct {
	Auth    *AuthHandler
	Rooms   *RoomHandler
	Execute *ExecuteHandler
	Health  *HealthHandler
	Gateway *gateway.Gateway
	JWT     *auth.JWTService
	Limiter *ratelimit.Limiter
}

// NewRouter assembles the gin engine: global middleware, the public auth and
// health routes, the authenticated API group and the websocket endpoint.
func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.CORS(),
		middleware.SecurityHeaders(),
		middleware.Metrics(),
	)

	r.GET("/health", d.Health.Live)
	r.GET("/health/ready", d.Health.Ready)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	authGroup := r.Group("/api/auth")
	{
		authGroup.POST("/register",
			d.Limiter.Middleware(ratelimit.Register, ratelimit.ByIP), d.Auth.Register)
		authGroup.POST("/login",
			d.Limiter.Middleware(ratelimit.Login, ratelimit.ByIP), d.Auth.Login)
	}

	api := r.Group("/api")
	api.Use(
		d.Limiter.Middleware(ratelimit.GeneralAPI, ratelimit.ByIP),
		middleware.Auth(d.JWT),
	)
	{
		api.GET("/rooms", d.Rooms.List)
		api.POST("/rooms",
			d.Limiter.Middleware(ratelimit.RoomCreate, ratelimit.ByUser), d.Rooms.Create)
		api.GET("/rooms/:id", d.Rooms.Get)
		api.PUT("/rooms/:id", d.Rooms.Update)
		api.PATCH("/rooms/:id", d.Rooms.Update)
		api.DELETE("/rooms/:id", d.Rooms.Delete)
		api.POST("/rooms/:id/join", d.Rooms.Join)
		api.POST("/rooms/:id/leave", d.Rooms.Leave)
		api.GET("/rooms/:id/messages", d.Rooms.Messages)
		api.GET("/rooms/:id/executions", d.Rooms.Executions)

		api.POST("/code/execute",
			d.Limiter.Middleware(ratelimit.Execute, ratelimit.ByUser), d.Execute.Execute)
		api.GET("/executions/:id", d.Execute.Status)

		api.GET("/users/activity", d.Rooms.Activity)
		api.GET("/users/me/activity", d.Rooms.Activity)
	}

	// Websocket auth happens inside the gateway (token query param or
	// bearer header), so the endpoint sits outside the Auth middleware.
	r.GET("/ws", d.Gateway.Handle)

	return r
}
