package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/caravel-ai/caravel/pkg/database"
	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/observability"
	"github.com/caravel-ai/caravel/pkg/services"
)

// Key plaintext is prefix + 32 random bytes base64url-encoded without
// padding. The stored key_prefix is the first 12 characters, enough to
// find candidate rows without indexing the hash of every lookup.
const (
	AgentKeyPrefix  = "cav_ak_"
	UserKeyPrefix   = "cav_uk_"
	storedPrefixLen = 12
)

const apiKeyColumns = `id, kind, agent_id, user_id, key_prefix, key_hash, name, last_used_at, created_at`

// KeyService mints, revokes, and resolves API keys. Plaintext is
// returned exactly once at mint time; only the prefix and SHA-256 hash
// are stored, so a leaked database cannot reproduce a key.
type KeyService struct {
	db     *database.DB
	logger observability.Logger
}

func NewKeyService(db *database.DB, logger observability.Logger) *KeyService {
	return &KeyService{db: db, logger: logger.WithPrefix("auth")}
}

// MintedKey is returned from the mint operations. Plaintext is the only
// copy of the full key that will ever exist.
type MintedKey struct {
	models.APIKey
	Plaintext string `json:"key"`
}

// MintAgentKey issues a cav_ak_ key for the agent.
func (s *KeyService) MintAgentKey(ctx context.Context, actor services.Actor, agentID int64, name string) (*MintedKey, error) {
	return s.mint(ctx, actor, models.KeyKindAgent, &agentID, nil, name)
}

// MintUserKey issues a cav_uk_ key for the user.
func (s *KeyService) MintUserKey(ctx context.Context, actor services.Actor, userID int64, name string) (*MintedKey, error) {
	return s.mint(ctx, actor, models.KeyKindUser, nil, &userID, name)
}

func (s *KeyService) mint(ctx context.Context, actor services.Actor, kind models.KeyKind, agentID, userID *int64, name string) (*MintedKey, error) {
	plaintext, err := generatePlaintext(kind)
	if err != nil {
		return nil, err
	}
	prefix := plaintext[:storedPrefixLen]
	hash := hashKey(plaintext)

	minted := &MintedKey{Plaintext: plaintext}
	err = s.db.Tx(ctx, func(ctx context.Context, tx *database.Tx) error {
		entityType, entityID, err := checkKeyOwner(ctx, tx, kind, agentID, userID)
		if err != nil {
			return err
		}
		id, err := tx.Insert(ctx,
			`INSERT INTO api_keys (kind, agent_id, user_id, key_prefix, key_hash, name) VALUES (?, ?, ?, ?, ?, ?)`,
			string(kind), agentID, userID, prefix, hash, name)
		if err != nil {
			return errors.Wrap(err, "failed to insert api key")
		}
		minted.APIKey = models.APIKey{
			ID: id, Kind: kind, AgentID: agentID, UserID: userID,
			KeyPrefix: prefix, Name: name,
		}
		return services.RecordActivity(ctx, tx, entityType, entityID, entityType+".key_created", actor,
			models.JSONMap{"keyId": id, "keyPrefix": prefix, "name": name})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("API key minted", map[string]interface{}{
		"key_id": minted.ID, "kind": string(kind), "key_prefix": prefix,
	})
	return minted, nil
}

// Revoke deletes the key. Resolutions already cached stay valid until
// the identity cache TTL runs out.
func (s *KeyService) Revoke(ctx context.Context, actor services.Actor, keyID int64) error {
	return s.db.Tx(ctx, func(ctx context.Context, tx *database.Tx) error {
		var key models.APIKey
		found, err := tx.One(ctx, &key, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, keyID)
		if err != nil {
			return errors.Wrap(err, "failed to load api key")
		}
		if !found {
			return services.NotFound("api key", keyID)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM api_keys WHERE id = ?`, keyID); err != nil {
			return errors.Wrap(err, "failed to delete api key")
		}
		entityType, entityID := models.EntityUser, int64(0)
		if key.Kind == models.KeyKindAgent && key.AgentID != nil {
			entityType, entityID = models.EntityAgent, *key.AgentID
		} else if key.UserID != nil {
			entityID = *key.UserID
		}
		return services.RecordActivity(ctx, tx, entityType, entityID, entityType+".key_revoked", actor,
			models.JSONMap{"keyId": keyID, "keyPrefix": key.KeyPrefix})
	})
}

// Get loads one key row, for revocation authorization. The hash field
// never serializes; the model's JSON tags drop it.
func (s *KeyService) Get(ctx context.Context, keyID int64) (*models.APIKey, error) {
	var key models.APIKey
	found, err := s.db.One(ctx, &key, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, keyID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load api key")
	}
	if !found {
		return nil, services.NotFound("api key", keyID)
	}
	return &key, nil
}

// ListForAgent returns the agent's keys, hashes omitted by the model's
// JSON tags.
func (s *KeyService) ListForAgent(ctx context.Context, agentID int64) ([]models.APIKey, error) {
	keys := []models.APIKey{}
	err := s.db.Many(ctx, &keys,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE agent_id = ? ORDER BY id ASC`, agentID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list api keys")
	}
	return keys, nil
}

// ResolveKey authenticates a presented plaintext key. Every failure is
// a uniform ErrUnauthorized; callers never learn whether the prefix,
// the hash, or the owning row was the problem.
func (s *KeyService) ResolveKey(ctx context.Context, plaintext string) (Identity, error) {
	kind, ok := kindOf(plaintext)
	if !ok {
		return nil, services.ErrUnauthorized
	}

	var candidates []models.APIKey
	err := s.db.Many(ctx, &candidates,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = ?`, plaintext[:storedPrefixLen])
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up api key")
	}

	computed := hashKey(plaintext)
	for i := range candidates {
		key := &candidates[i]
		if subtle.ConstantTimeCompare([]byte(computed), []byte(key.KeyHash)) != 1 {
			continue
		}
		if key.Kind != kind {
			return nil, services.ErrUnauthorized
		}
		s.touch(ctx, key.ID)
		return s.identityFor(ctx, key)
	}
	return nil, services.ErrUnauthorized
}

func (s *KeyService) identityFor(ctx context.Context, key *models.APIKey) (Identity, error) {
	switch key.Kind {
	case models.KeyKindAgent:
		if key.AgentID == nil {
			return nil, services.ErrUnauthorized
		}
		var agent struct {
			Name        string             `db:"name"`
			Status      models.AgentStatus `db:"status"`
			OwnerUserID *int64             `db:"owner_user_id"`
		}
		found, err := s.db.One(ctx, &agent,
			`SELECT name, status, owner_user_id FROM agents WHERE id = ?`, *key.AgentID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load key agent")
		}
		if !found || agent.Status == models.AgentStatusDisabled {
			return nil, services.ErrUnauthorized
		}
		return AgentKey{KeyID: key.ID, AgentID: *key.AgentID, AgentName: agent.Name, OwnerUserID: agent.OwnerUserID}, nil
	case models.KeyKindUser:
		if key.UserID == nil {
			return nil, services.ErrUnauthorized
		}
		var user struct {
			Email string      `db:"email"`
			Role  models.Role `db:"role"`
		}
		found, err := s.db.One(ctx, &user, `SELECT email, role FROM users WHERE id = ?`, *key.UserID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load key user")
		}
		if !found {
			return nil, services.ErrUnauthorized
		}
		return UserKey{KeyID: key.ID, UserID: *key.UserID, Email: user.Email, Role: user.Role}, nil
	}
	return nil, services.ErrUnauthorized
}

// touch records key usage; failures are logged and swallowed, a stale
// last_used_at never blocks a request.
func (s *KeyService) touch(ctx context.Context, keyID int64) {
	_, err := s.db.Exec(ctx, `UPDATE api_keys SET last_used_at = datetime('now') WHERE id = ?`, keyID)
	if err != nil {
		s.logger.Warn("Failed to update key last_used_at", map[string]interface{}{
			"key_id": keyID, "error": err.Error(),
		})
	}
}

func checkKeyOwner(ctx context.Context, tx *database.Tx, kind models.KeyKind, agentID, userID *int64) (string, int64, error) {
	switch kind {
	case models.KeyKindAgent:
		var row struct {
			ID int64 `db:"id"`
		}
		found, err := tx.One(ctx, &row, `SELECT id FROM agents WHERE id = ?`, *agentID)
		if err != nil {
			return "", 0, errors.Wrap(err, "failed to check agent")
		}
		if !found {
			return "", 0, services.NotFound("agent", *agentID)
		}
		return models.EntityAgent, *agentID, nil
	default:
		var row struct {
			ID int64 `db:"id"`
		}
		found, err := tx.One(ctx, &row, `SELECT id FROM users WHERE id = ?`, *userID)
		if err != nil {
			return "", 0, errors.Wrap(err, "failed to check user")
		}
		if !found {
			return "", 0, services.NotFound("user", *userID)
		}
		return models.EntityUser, *userID, nil
	}
}

func generatePlaintext(kind models.KeyKind) (string, error) {
	prefix := UserKeyPrefix
	if kind == models.KeyKindAgent {
		prefix = AgentKeyPrefix
	}
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", errors.Wrap(err, "failed to generate key material")
	}
	return prefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

func kindOf(plaintext string) (models.KeyKind, bool) {
	switch {
	case len(plaintext) <= storedPrefixLen:
		return "", false
	case strings.HasPrefix(plaintext, AgentKeyPrefix):
		return models.KeyKindAgent, true
	case strings.HasPrefix(plaintext, UserKeyPrefix):
		return models.KeyKindUser, true
	}
	return "", false
}

func hashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
