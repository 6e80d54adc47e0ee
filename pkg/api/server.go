package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/caravel-ai/caravel/pkg/auth"
	"github.com/caravel-ai/caravel/pkg/config"
	"github.com/caravel-ai/caravel/pkg/database"
	"github.com/caravel-ai/caravel/pkg/dispatch"
	"github.com/caravel-ai/caravel/pkg/observability"
	"github.com/caravel-ai/caravel/pkg/services"
)

// A sweeper that has not ticked inside this window is reported unhealthy.
const sweeperHealthWindow = 3 * time.Minute

// Deps carries everything the HTTP layer serves. All fields are required
// except MetricsHandler (mounts /metrics when set) and Sweeper (skipped in
// the health report when nil).
type Deps struct {
	DB           *database.DB
	Agents       *services.AgentService
	Projects     *services.ProjectService
	Tasks        *services.TaskService
	Deliverables *services.DeliverableService
	Users        *services.UserService
	Routes       *services.RouteService
	Keys         *auth.KeyService
	Sessions     *auth.SessionService
	Resolver     *auth.Resolver
	Dispatcher   *dispatch.Dispatcher
	Sweeper      *dispatch.Sweeper

	Metrics        observability.MetricsClient
	MetricsHandler http.Handler
	Logger         observability.Logger
}

// Server is the HTTP front for the orchestration backend.
type Server struct {
	router *gin.Engine
	server *http.Server
	deps   Deps
	logger observability.Logger
}

// NewServer builds the router and hangs every handler off it. Login,
// logout, health, and metrics stay outside the authentication gate;
// logout in particular must accept an expired cookie so the session row
// can still be revoked.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: deps.Logger.WithPrefix("api"),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(RequestLogger(deps.Logger))
	router.Use(Metrics(deps.Metrics))

	router.GET("/health", s.handleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}
	router.POST("/api/auth/login", s.handleLogin)
	router.POST("/api/auth/logout", s.handleLogout)

	g := router.Group("/api", auth.Middleware(deps.Resolver, deps.Logger))

	g.GET("/auth/me", s.handleMe)

	g.GET("/agents", s.listAgents)
	g.POST("/agents", s.createAgent)
	g.GET("/agents/:id", s.getAgent)
	g.PATCH("/agents/:id", s.updateAgent)
	g.DELETE("/agents/:id", s.deleteAgent)
	g.GET("/agents/:id/keys", s.listAgentKeys)
	g.POST("/agents/:id/keys", s.mintAgentKey)
	g.DELETE("/keys/:id", s.revokeKey)

	g.GET("/users", s.listUsers)
	g.POST("/users", s.createUser)
	g.POST("/users/:id/keys", s.mintUserKey)

	g.GET("/projects", s.listProjects)
	g.POST("/projects", s.createProject)
	g.GET("/projects/:id", s.getProject)
	g.PATCH("/projects/:id", s.updateProject)
	g.DELETE("/projects/:id", s.deleteProject)
	g.GET("/projects/:id/routing-rules", s.getRoutingRules)
	g.PUT("/projects/:id/routing-rules", s.putRoutingRules)
	g.POST("/projects/:id/routing-rules/test", s.testRoutingRules)

	g.GET("/tasks", s.listTasks)
	g.POST("/tasks", s.createTask)
	g.POST("/tasks/bulk", s.createTasksBulk)
	g.GET("/tasks/:id", s.getTask)
	g.PATCH("/tasks/:id", s.updateTask)
	g.DELETE("/tasks/:id", s.deleteTask)
	g.POST("/tasks/:id/claim", s.claimTask)
	g.PATCH("/tasks/:id/status", s.setTaskStatus)
	g.GET("/tasks/:id/progress", s.listTaskProgress)
	g.POST("/tasks/:id/progress", s.addTaskProgress)

	g.GET("/deliverables", s.listDeliverables)
	g.POST("/deliverables", s.submitDeliverable)
	g.GET("/deliverables/:id", s.getDeliverable)
	g.POST("/deliverables/:id/revision", s.submitRevision)
	g.PATCH("/deliverables/:id/review", s.reviewDeliverable)

	g.GET("/routes", s.listRoutes)
	g.POST("/routes", s.createRoute)
	g.GET("/routes/:id", s.getRoute)
	g.PATCH("/routes/:id", s.updateRoute)
	g.DELETE("/routes/:id", s.deleteRoute)
	g.GET("/routes/:id/deliveries", s.listDeliveries)
	g.POST("/routes/:id/deliveries/:logId/redeliver", s.redeliver)

	g.GET("/activity", s.listActivity)

	s.router = router
	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start blocks serving requests until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", map[string]interface{}{"addr": s.server.Addr})
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	components := gin.H{}
	healthy := true

	if err := s.deps.DB.Ping(c.Request.Context()); err != nil {
		components["database"] = "unreachable"
		healthy = false
	} else {
		components["database"] = "healthy"
	}
	if s.deps.Sweeper != nil {
		if s.deps.Sweeper.Healthy(sweeperHealthWindow) {
			components["sweeper"] = "healthy"
		} else {
			components["sweeper"] = "stalled"
			healthy = false
		}
	}

	status := http.StatusOK
	label := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		label = "unhealthy"
	}
	c.JSON(status, gin.H{"status": label, "components": components})
}

func (s *Server) listActivity(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	if !s.allow(c, id, auth.ActionRead, auth.Resource{}) {
		return
	}
	entityID, ok := queryInt64(c, "entityId")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	entries, err := services.ListActivity(c.Request.Context(), s.deps.DB, services.ActivityFilter{
		EntityType: c.Query("entityType"),
		EntityID:   entityID,
		Limit:      limit,
	})
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, entries)
}
