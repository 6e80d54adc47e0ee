// Template for a new API endpoint.
// Usage: copy into pkg/api/{resource}_api.go, fill the placeholders, and
// register the route in server.go under the authenticated group.

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/caravel-ai/caravel/pkg/auth"
	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/services"
)

// Handlers follow a fixed order: resolve the identity, load the entity
// (a missing row 404s before authorization runs), authorize against the
// loaded ownership facts, bind the body, call the service, respond.
// fail maps service errors onto status codes; never write error JSON
// with c.JSON directly.
func (s *Server) update{Resource}(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	{resource}ID, ok := pathID(c, "id")
	if !ok {
		return
	}
	{resource}, err := s.deps.{Resources}.Get(c.Request.Context(), {resource}ID)
	if err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionWrite, auth.Resource{
		Type: models.Entity{Resource},
		ID:   {resource}.ID,
	}) {
		return
	}

	var in services.Update{Resource}Input
	if !bindJSON(c, &in) {
		return
	}

	updated, err := s.deps.{Resources}.Update(c.Request.Context(), id.Actor(), {resource}ID, in)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, updated)
}
