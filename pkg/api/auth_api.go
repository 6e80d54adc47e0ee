package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/caravel-ai/caravel/pkg/auth"
	"github.com/caravel-ai/caravel/pkg/services"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleLogin mints a session and sets the cookie. Failures are uniform
// 401s; the body never says whether the email or the password was wrong.
func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		fail(c, services.Invalid("email", "email and password are required"))
		return
	}

	user, token, err := s.deps.Sessions.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		fail(c, err)
		return
	}

	s.setSessionCookie(c, token, int(s.deps.Sessions.TTL().Seconds()))
	respond(c, http.StatusOK, gin.H{"user": user})
}

// handleLogout revokes the session row and clears the cookie. It runs
// outside the auth gate so an expired cookie can still be revoked, and it
// is idempotent: no cookie, garbage cookie, and already-logged-out all
// answer 200.
func (s *Server) handleLogout(c *gin.Context) {
	if cookie, err := c.Cookie(auth.SessionCookie); err == nil && cookie != "" {
		if err := s.deps.Sessions.Logout(c.Request.Context(), cookie); err != nil {
			fail(c, err)
			return
		}
		s.deps.Resolver.Invalidate(c.Request.Context(), cookie)
	}
	s.setSessionCookie(c, "", -1)
	respond(c, http.StatusOK, gin.H{"loggedOut": true})
}

// handleMe describes the authenticated caller, whichever credential kind
// it presented.
func (s *Server) handleMe(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	switch caller := id.(type) {
	case auth.SessionUser:
		respond(c, http.StatusOK, gin.H{
			"kind": "session", "userId": caller.UserID, "email": caller.Email,
			"name": caller.Name, "role": caller.Role,
		})
	case auth.UserKey:
		respond(c, http.StatusOK, gin.H{
			"kind": "user_key", "keyId": caller.KeyID, "userId": caller.UserID,
			"email": caller.Email, "role": caller.Role,
		})
	case auth.AgentKey:
		respond(c, http.StatusOK, gin.H{
			"kind": "agent_key", "keyId": caller.KeyID, "agentId": caller.AgentID,
			"agentName": caller.AgentName,
		})
	default:
		fail(c, services.ErrUnauthorized)
	}
}

func (s *Server) setSessionCookie(c *gin.Context, token string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.SessionCookie, token, maxAge, "/", "", c.Request.TLS != nil, true)
}
