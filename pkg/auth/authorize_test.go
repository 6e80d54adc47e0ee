package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/services"
)

func TestAuthorizeMatrix(t *testing.T) {
	admin := SessionUser{UserID: 1, Role: models.RoleAdmin}
	reviewer := SessionUser{UserID: 2, Role: models.RoleReviewer}
	viewer := SessionUser{UserID: 3, Role: models.RoleViewer}
	ownerKey := UserKey{KeyID: 10, UserID: 4, Role: models.RoleViewer}
	agentKey := AgentKey{KeyID: 20, AgentID: 7}

	task := Resource{Type: models.EntityTask, ID: 100}
	ownTask := Resource{Type: models.EntityTask, ID: 101, AssignedAgentID: int64Ptr(7)}
	foreignTask := Resource{Type: models.EntityTask, ID: 102, AssignedAgentID: int64Ptr(8)}
	ownedAgentTask := Resource{Type: models.EntityTask, ID: 103, AssignedAgentID: int64Ptr(9), OwnerUserID: int64Ptr(4)}
	deliverable := Resource{Type: models.EntityDeliverable, ID: 200, AssignedAgentID: int64Ptr(7)}
	route := Resource{Type: models.EntityRoute, ID: 300}
	ownedAgent := Resource{Type: models.EntityAgent, ID: 9, OwnerUserID: int64Ptr(4)}
	userRes := Resource{Type: models.EntityUser, ID: 400}

	cases := []struct {
		name    string
		id      Identity
		action  Action
		res     Resource
		allowed bool
	}{
		{"admin writes routes", admin, ActionWrite, route, true},
		{"admin reviews", admin, ActionReview, deliverable, true},
		{"admin admin surface", admin, ActionAdmin, userRes, true},

		{"reviewer reads", reviewer, ActionRead, route, true},
		{"reviewer reviews", reviewer, ActionReview, deliverable, true},
		{"reviewer writes tasks", reviewer, ActionWrite, task, true},
		{"reviewer writes deliverables", reviewer, ActionWrite, deliverable, true},
		{"reviewer cannot write routes", reviewer, ActionWrite, route, false},
		{"reviewer cannot admin", reviewer, ActionAdmin, userRes, false},

		{"viewer reads", viewer, ActionRead, task, true},
		{"viewer cannot write", viewer, ActionWrite, task, false},
		{"viewer cannot review", viewer, ActionReview, deliverable, false},

		{"user key reads", ownerKey, ActionRead, route, true},
		{"user key writes owned-agent task", ownerKey, ActionWrite, ownedAgentTask, true},
		{"user key writes owned agent", ownerKey, ActionWrite, ownedAgent, true},
		{"user key cannot write foreign task", ownerKey, ActionWrite, foreignTask, false},
		{"user key cannot review via ownership", ownerKey, ActionReview, deliverable, false},
		{"user key cannot admin", ownerKey, ActionAdmin, userRes, false},

		{"agent key reads", agentKey, ActionRead, route, true},
		{"agent key claims", agentKey, ActionClaim, task, true},
		{"agent key cannot claim non-tasks", agentKey, ActionClaim, route, false},
		{"agent key writes own task", agentKey, ActionWrite, ownTask, true},
		{"agent key submits own deliverable", agentKey, ActionWrite, deliverable, true},
		{"agent key cannot write foreign task", agentKey, ActionWrite, foreignTask, false},
		{"agent key cannot write unassigned task", agentKey, ActionWrite, task, false},
		{"agent key cannot review", agentKey, ActionReview, deliverable, false},
		{"agent key cannot admin", agentKey, ActionAdmin, userRes, false},
		{"agent key cannot write routes", agentKey, ActionWrite, route, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Authorize(tc.id, tc.action, tc.res)
			if tc.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, services.ErrForbidden)
			}
		})
	}
}

func TestAuthorizeNilIdentity(t *testing.T) {
	err := Authorize(nil, ActionRead, Resource{Type: models.EntityTask})
	assert.ErrorIs(t, err, services.ErrUnauthorized)
}
