package api

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-ai/caravel/pkg/models"
)

func TestUserManagementIsAdminOnly(t *testing.T) {
	f := newFixture(t)
	viewerKey := f.mintUserKey(t, f.seedUser(t, "viewer@example.com", models.RoleViewer))

	rec := f.do(t, http.MethodGet, "/api/users", viewerKey, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/users", viewerKey, map[string]string{
		"email": "new@example.com", "password": "longenoughpw", "name": "New",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/users", f.adminKey, map[string]string{
		"email": "new@example.com", "password": "longenoughpw", "name": "New", "role": "reviewer",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var user models.User
	dataInto(t, rec, &user)
	assert.Equal(t, models.RoleReviewer, user.Role)
	assert.NotContains(t, rec.Body.String(), "password")

	rec = f.do(t, http.MethodGet, "/api/users", f.adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var users []models.User
	dataInto(t, rec, &users)
	assert.Len(t, users, 3)

	// Duplicate email reports a conflict.
	rec = f.do(t, http.MethodPost, "/api/users", f.adminKey, map[string]string{
		"email": "new@example.com", "password": "longenoughpw", "name": "Dup",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUserKeyMintingIsSelfServiceOrAdmin(t *testing.T) {
	f := newFixture(t)
	viewerID := f.seedUser(t, "viewer@example.com", models.RoleViewer)
	viewerKey := f.mintUserKey(t, viewerID)

	// Self-service mint.
	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/users/%d/keys", viewerID), viewerKey, map[string]string{
		"name": "laptop",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"key":"cav_uk_`)

	// Minting for someone else needs admin.
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/users/%d/keys", f.adminID), viewerKey, map[string]string{
		"name": "sneaky",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/users/%d/keys", viewerID), f.adminKey, map[string]string{
		"name": "issued by ops",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Minting against a missing account 404s.
	rec = f.do(t, http.MethodPost, "/api/users/4242/keys", f.adminKey, map[string]string{"name": "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
