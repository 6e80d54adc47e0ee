// Package auth is the gate in front of the HTTP API: it resolves an
// Identity from an API key or session cookie and answers authorization
// questions about it. Identities come in three variants (a logged-in
// human is a SessionUser, a key minted for a human is a UserKey, a key
// minted for an agent is an AgentKey) and every /api request carries
// exactly one.
package auth

import (
	"fmt"

	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/services"
)

// Identity is the resolved caller of a request.
type Identity interface {
	// Actor converts the identity into the audit-trail actor recorded
	// alongside mutations.
	Actor() services.Actor
	identity()
}

// SessionUser is a human operator authenticated by session cookie.
type SessionUser struct {
	UserID int64       `json:"userId"`
	Email  string      `json:"email"`
	Name   string      `json:"name"`
	Role   models.Role `json:"role"`
}

func (u SessionUser) identity() {}

func (u SessionUser) Actor() services.Actor {
	name := u.Name
	if name == "" {
		name = u.Email
	}
	id := u.UserID
	return services.Actor{Name: name, UserID: &id}
}

// UserKey is a human operator authenticated by a cav_uk_ API key. It
// carries the same role as the account, plus write access to entities
// assigned to agents the account owns.
type UserKey struct {
	KeyID  int64       `json:"keyId"`
	UserID int64       `json:"userId"`
	Email  string      `json:"email"`
	Role   models.Role `json:"role"`
}

func (u UserKey) identity() {}

func (u UserKey) Actor() services.Actor {
	id := u.UserID
	return services.Actor{Name: u.Email, UserID: &id}
}

// AgentKey is an agent authenticated by a cav_ak_ API key.
type AgentKey struct {
	KeyID       int64  `json:"keyId"`
	AgentID     int64  `json:"agentId"`
	AgentName   string `json:"agentName"`
	OwnerUserID *int64 `json:"ownerUserId,omitempty"`
}

func (a AgentKey) identity() {}

func (a AgentKey) Actor() services.Actor {
	name := a.AgentName
	if name == "" {
		name = fmt.Sprintf("agent-%d", a.AgentID)
	}
	id := a.AgentID
	return services.Actor{Name: name, AgentID: &id}
}
