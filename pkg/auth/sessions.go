package auth

import (
	"context"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/caravel-ai/caravel/pkg/config"
	"github.com/caravel-ai/caravel/pkg/database"
	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/observability"
	"github.com/caravel-ai/caravel/pkg/services"
)

// SessionCookie is the cookie holding the signed session token.
const SessionCookie = "caravel_session"

const sessionColumns = `id, token_hash, user_id, expires_at, created_at`

// sessionClaims is the JWT payload: sid is the sessions row, sub the
// user id. The signature proves the token came from us; the row proves
// it has not been revoked.
type sessionClaims struct {
	jwt.RegisteredClaims
	SessionID int64 `json:"sid"`
}

// SessionService mints and resolves cookie sessions.
type SessionService struct {
	db     *database.DB
	users  *services.UserService
	secret []byte
	ttl    time.Duration
	logger observability.Logger
	now    func() time.Time
}

func NewSessionService(db *database.DB, users *services.UserService, cfg config.AuthConfig, logger observability.Logger) *SessionService {
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 720 * time.Hour
	}
	return &SessionService{
		db:     db,
		users:  users,
		secret: []byte(cfg.SessionSecret),
		ttl:    ttl,
		logger: logger.WithPrefix("auth"),
		now:    time.Now,
	}
}

// TTL reports the session lifetime, for cookie max-age.
func (s *SessionService) TTL() time.Duration { return s.ttl }

// Login authenticates the email/password pair and mints a session. The
// returned token goes into the session cookie; its hash is stored on the
// row so a stolen database cannot forge cookies.
func (s *SessionService) Login(ctx context.Context, email, password string) (*models.User, string, error) {
	user, err := s.users.Authenticate(ctx, email, password)
	if err != nil {
		return nil, "", err
	}

	now := s.now()
	expiresAt := now.Add(s.ttl).UTC()
	var token string
	err = s.db.Tx(ctx, func(ctx context.Context, tx *database.Tx) error {
		// Opportunistic cleanup keeps the table from accreting dead rows.
		if _, err := tx.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= datetime('now')`); err != nil {
			return errors.Wrap(err, "failed to prune expired sessions")
		}

		placeholder := hashKey(uuid.NewString())
		sessionID, err := tx.Insert(ctx,
			`INSERT INTO sessions (token_hash, user_id, expires_at) VALUES (?, ?, ?)`,
			placeholder, user.ID, expiresAt)
		if err != nil {
			return errors.Wrap(err, "failed to insert session")
		}

		claims := &sessionClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   strconv.FormatInt(user.ID, 10),
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(expiresAt),
				ID:        uuid.NewString(),
			},
			SessionID: sessionID,
		}
		token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
		if err != nil {
			return errors.Wrap(err, "failed to sign session token")
		}

		_, err = tx.Exec(ctx, `UPDATE sessions SET token_hash = ? WHERE id = ?`, hashKey(token), sessionID)
		return errors.Wrap(err, "failed to bind session token")
	})
	if err != nil {
		return nil, "", err
	}
	s.logger.Info("Session opened", map[string]interface{}{"user_id": user.ID})
	return user, token, nil
}

// ResolveSession authenticates a presented session token. Any failure is
// a uniform ErrUnauthorized.
func (s *SessionService) ResolveSession(ctx context.Context, token string) (Identity, error) {
	claims, err := s.parse(token, true)
	if err != nil {
		return nil, services.ErrUnauthorized
	}

	var session models.Session
	found, err := s.db.One(ctx, &session, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, claims.SessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load session")
	}
	if !found || hashKey(token) != session.TokenHash || session.Expired(s.now()) {
		return nil, services.ErrUnauthorized
	}

	user, err := s.users.Get(ctx, session.UserID)
	if err != nil {
		if services.IsNotFound(err) {
			return nil, services.ErrUnauthorized
		}
		return nil, err
	}
	return SessionUser{UserID: user.ID, Email: user.Email, Name: user.Name, Role: user.Role}, nil
}

// Logout revokes the session behind the token. Unknown or mangled
// tokens are a no-op; logout is idempotent.
func (s *SessionService) Logout(ctx context.Context, token string) error {
	claims, err := s.parse(token, false)
	if err != nil {
		return nil
	}
	_, err = s.db.Exec(ctx, `DELETE FROM sessions WHERE id = ? AND token_hash = ?`, claims.SessionID, hashKey(token))
	return errors.Wrap(err, "failed to delete session")
}

// parse verifies the signature and, when validateClaims is set, the
// embedded expiry. Logout skips claim validation so an expired cookie
// can still revoke its row.
func (s *SessionService) parse(token string, validateClaims bool) (*sessionClaims, error) {
	parser := jwt.NewParser()
	if !validateClaims {
		parser = jwt.NewParser(jwt.WithoutClaimsValidation())
	}
	claims := &sessionClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, services.ErrUnauthorized
	}
	return claims, nil
}
