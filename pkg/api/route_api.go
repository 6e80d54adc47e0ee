package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/caravel-ai/caravel/pkg/auth"
	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/services"
)

func (s *Server) listRoutes(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	if !s.allow(c, id, auth.ActionRead, auth.Resource{Type: models.EntityRoute}) {
		return
	}
	projectID, ok := queryInt64(c, "projectId")
	if !ok {
		return
	}
	filter := services.RouteFilter{ProjectID: projectID}
	if raw := c.Query("enabled"); raw != "" {
		enabled := raw == "true" || raw == "1"
		filter.Enabled = &enabled
	}
	routes, err := s.deps.Routes.List(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, routes)
}

func (s *Server) createRoute(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	if !s.allow(c, id, auth.ActionWrite, auth.Resource{Type: models.EntityRoute}) {
		return
	}
	var in services.CreateRouteInput
	if !bindJSON(c, &in) {
		return
	}
	route, err := s.deps.Routes.Create(c.Request.Context(), id.Actor(), in)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, route)
}

func (s *Server) getRoute(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	routeID, ok := pathID(c, "id")
	if !ok {
		return
	}
	route, err := s.deps.Routes.Get(c.Request.Context(), routeID)
	if err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionRead, auth.Resource{Type: models.EntityRoute, ID: routeID}) {
		return
	}
	respond(c, http.StatusOK, route)
}

func (s *Server) updateRoute(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	routeID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if _, err := s.deps.Routes.Get(c.Request.Context(), routeID); err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionWrite, auth.Resource{Type: models.EntityRoute, ID: routeID}) {
		return
	}
	var in services.UpdateRouteInput
	if !bindJSON(c, &in) {
		return
	}
	route, err := s.deps.Routes.Update(c.Request.Context(), id.Actor(), routeID, in)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, route)
}

func (s *Server) deleteRoute(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	routeID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if _, err := s.deps.Routes.Get(c.Request.Context(), routeID); err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionWrite, auth.Resource{Type: models.EntityRoute, ID: routeID}) {
		return
	}
	if err := s.deps.Routes.Delete(c.Request.Context(), id.Actor(), routeID); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) listDeliveries(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	routeID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if !s.allow(c, id, auth.ActionRead, auth.Resource{Type: models.EntityRoute, ID: routeID}) {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	logs, err := s.deps.Routes.ListDeliveries(c.Request.Context(), routeID, limit)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, logs)
}

// redeliver replays a failed delivery as a fresh attempt row against the
// route's current destination.
func (s *Server) redeliver(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	routeID, ok := pathID(c, "id")
	if !ok {
		return
	}
	logID, ok := pathID(c, "logId")
	if !ok {
		return
	}
	if _, err := s.deps.Routes.Get(c.Request.Context(), routeID); err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionWrite, auth.Resource{Type: models.EntityRoute, ID: routeID}) {
		return
	}
	entry, err := s.deps.Dispatcher.Redeliver(c.Request.Context(), routeID, logID)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, entry)
}
