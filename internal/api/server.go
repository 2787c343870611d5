// Package api implements the admin control plane (spec §6): synchronous
// JSON request/response endpoints for starting/stopping monitoring,
// adjusting risk limits, and querying trade eligibility. Grounded on the
// teacher's internal/api/handler.go: same ordered middleware stack, same
// gin.New()-plus-explicit-Use() wiring, same NewServer(...)-builds-and-
// returns-a-ready-router shape.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"risk-core/internal/coordinator"
	"risk-core/internal/directory"
	"risk-core/internal/metrics"
	"risk-core/internal/notify"
	"risk-core/internal/store"
)

// Server wires the admin HTTP endpoints around the engine's core
// components.
type Server struct {
	Router *gin.Engine

	Store       *store.Store
	Bus         *notify.Bus
	Coordinator *coordinator.Coordinator
	Directory   *directory.Directory
	Metrics     *metrics.Metrics

	OperatorToken string
}

// NewServer builds a ready-to-serve router. Middleware order matters
// (teacher's comment: "order matters!"): panic recovery first, then
// request-id tagging, then logging (so it can see the id), then rate
// limiting, then request timeout, then CORS last before routes.
func NewServer(st *store.Store, bus *notify.Bus, coord *coordinator.Coordinator, dir *directory.Directory, m *metrics.Metrics, operatorToken string) *Server {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:        r,
		Store:         st,
		Bus:           bus,
		Coordinator:   coord,
		Directory:     dir,
		Metrics:       m,
		OperatorToken: operatorToken,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	protected := s.Router.Group("")
	protected.Use(AuthMiddleware(s.OperatorToken))
	{
		protected.POST("/monitoring/start", s.startMonitoring)
		protected.POST("/monitoring/stop/:clientId", s.stopMonitoring)
		protected.GET("/monitoring/status/:clientId", s.monitoringStatus)
		protected.GET("/monitoring/status", s.monitoringStatusList)

		protected.PUT("/risk/limits/:clientId", s.updateRiskLimits)
		protected.GET("/trade/can-trade/:clientId", s.canTrade)

		protected.GET("/admin/metrics", s.adminMetrics)
		protected.GET("/admin/queue/metrics", s.adminQueueMetrics)
		protected.GET("/admin/ws", s.notificationStream)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start runs the server, blocking until the listener fails or is closed.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}

// failJSON renders the §7 user-visible failure envelope
// {success:false, error:<code>, message}.
func failJSON(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"success": false, "error": code, "message": message})
}
