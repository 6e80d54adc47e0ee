package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/caravel-ai/caravel/pkg/auth"
	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/services"
)

// Account management is an admin surface; the only exception is a user
// minting keys against their own account.

func (s *Server) listUsers(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	if !s.allow(c, id, auth.ActionAdmin, auth.Resource{Type: models.EntityUser}) {
		return
	}
	users, err := s.deps.Users.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, users)
}

func (s *Server) createUser(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	if !s.allow(c, id, auth.ActionAdmin, auth.Resource{Type: models.EntityUser}) {
		return
	}
	var in services.CreateUserInput
	if !bindJSON(c, &in) {
		return
	}
	user, err := s.deps.Users.Create(c.Request.Context(), id.Actor(), in)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, user)
}

// mintUserKey issues a cav_uk_ key. Self-service is allowed; minting for
// anyone else needs admin.
func (s *Server) mintUserKey(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	userID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if caller, isUser := callerUserID(id); !isUser || caller != userID {
		if !s.allow(c, id, auth.ActionAdmin, auth.Resource{Type: models.EntityUser, ID: userID}) {
			return
		}
	}
	var req mintKeyRequest
	if !bindJSON(c, &req) {
		return
	}
	minted, err := s.deps.Keys.MintUserKey(c.Request.Context(), id.Actor(), userID, req.Name)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, minted)
}
