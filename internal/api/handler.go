package api

import (
	"net/http"
	"time"

	"safety-core/internal/events"
	"safety-core/internal/monitor"
	"safety-core/internal/protect"
	"safety-core/internal/safety"
	"safety-core/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the safety engine.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	DB        *db.Database
	State     *safety.StateStore
	Validator *safety.Validator
	Orders    *protect.Manager
	Monitor   *protect.PriceMonitor
	Metrics   *monitor.SystemMetrics
	JWTSecret string
	Meta      SystemMeta
}

// SystemMeta describes runtime status exposed to the UI.
type SystemMeta struct {
	Paper       bool
	Symbols     []string
	UseMockFeed bool
	Version     string
}

func NewServer(bus *events.Bus, database *db.Database, state *safety.StateStore, validator *safety.Validator, orders *protect.Manager, pm *protect.PriceMonitor, metrics *monitor.SystemMetrics, meta SystemMeta, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                      // Panic recovery (first)
	r.Use(RequestIDMiddleware())               // Request ID tracking
	r.Use(RequestLogger(metrics))              // Request logging (after ID is set)
	r.Use(RateLimitMiddleware())               // Rate limiting
	r.Use(TimeoutMiddleware(30 * time.Second)) // Request timeout (30s)
	r.Use(CORSMiddleware())                    // CORS (last before routes)

	s := &Server{
		Router:    r,
		Bus:       bus,
		DB:        database,
		State:     state,
		Validator: validator,
		Orders:    orders,
		Monitor:   pm,
		Metrics:   metrics,
		JWTSecret: jwtSecret,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api/v1")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/safety/status", s.getSafetyStatus)
		api.GET("/monitor/status", s.getMonitorStatus)

		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/trades/validate", s.validateTrade)
			protected.POST("/trades/result", s.recordTradeResult)
			protected.GET("/trades", s.listTrades)

			protected.POST("/orders/stop-loss", s.createStopLoss)
			protected.POST("/orders/take-profit", s.createTakeProfit)
			protected.POST("/orders/trailing-stop", s.createTrailingStop)
			protected.GET("/orders", s.getActiveOrders)
			protected.DELETE("/orders/:id", s.cancelOrder)
			protected.POST("/orders/check-triggers", s.checkTriggers)

			protected.POST("/monitor/start", s.startMonitor)
			protected.POST("/monitor/stop", s.stopMonitor)

			// Admin-only safety controls
			admin := protected.Group("")
			admin.Use(AdminOnly())
			{
				admin.POST("/safety/reset", s.resetKillSwitch)
				admin.PUT("/safety/limits", s.updateLimits)
			}
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
