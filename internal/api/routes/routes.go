package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/ahump20/blaze-intelligence-sub001/internal/api/handlers"
	"github.com/ahump20/blaze-intelligence-sub001/internal/api/middleware"
	"github.com/ahump20/blaze-intelligence-sub001/internal/connector"
	"github.com/ahump20/blaze-intelligence-sub001/internal/websocket"
)

type Router struct {
	engine        *gin.Engine
	wsHandler     *handlers.WSHandler
	healthHandler *handlers.HealthHandler
}

func NewRouter(hub *websocket.Hub, conn *connector.Connector) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS())
	engine.Use(middleware.LogApi())

	return &Router{
		engine:        engine,
		wsHandler:     handlers.NewWSHandler(hub),
		healthHandler: handlers.NewHealthHandler(hub, conn),
	}
}

func (r *Router) SetupRoutes() {
	api := r.engine.Group("/api/v1")
	r.wsHandler.RegisterRoutes(api)
	r.healthHandler.RegisterRoutes(api)
}

func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
