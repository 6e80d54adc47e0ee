package services

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/caravel-ai/caravel/pkg/database"
	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/observability"
)

const userColumns = `id, email, name, role, password_hash, created_at`

// UserService manages operator accounts. Passwords are bcrypt-hashed;
// plaintext never leaves the request handler.
type UserService struct {
	db     *database.DB
	logger observability.Logger
}

func NewUserService(db *database.DB, logger observability.Logger) *UserService {
	return &UserService{db: db, logger: logger.WithPrefix("users")}
}

// CreateUserInput is the admin-facing account creation payload.
type CreateUserInput struct {
	Email    string      `json:"email"`
	Name     string      `json:"name"`
	Password string      `json:"password"`
	Role     models.Role `json:"role"`
}

func (in *CreateUserInput) validate() error {
	verr := &ValidationError{}
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	if in.Email == "" || !strings.Contains(in.Email, "@") {
		verr.AddField("email", "a valid email address is required")
	}
	if len(in.Password) < 8 {
		verr.AddField("password", "must be at least 8 characters")
	}
	if in.Role == "" {
		in.Role = models.RoleViewer
	}
	if !in.Role.Valid() {
		verr.AddField("role", "must be admin, reviewer, or viewer")
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// Create registers a new account. A duplicate email reports a conflict.
func (s *UserService) Create(ctx context.Context, actor Actor, in CreateUserInput) (*models.User, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.Wrap(err, "failed to hash password")
	}

	var user *models.User
	err = s.db.Tx(ctx, func(ctx context.Context, tx *database.Tx) error {
		id, err := tx.Insert(ctx,
			`INSERT INTO users (email, name, role, password_hash) VALUES (?, ?, ?, ?)`,
			in.Email, in.Name, string(in.Role), string(hash))
		if err != nil {
			if database.IsUniqueViolation(errors.Cause(err)) {
				return Conflict("email %s is already registered", in.Email)
			}
			return errors.Wrap(err, "failed to insert user")
		}
		if err := RecordActivity(ctx, tx, models.EntityUser, id, "user.created", actor, models.JSONMap{"email": in.Email, "role": string(in.Role)}); err != nil {
			return err
		}
		user = &models.User{ID: id, Email: in.Email, Name: in.Name, Role: in.Role}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("User created", map[string]interface{}{"user_id": user.ID, "role": string(user.Role)})
	return s.Get(ctx, user.ID)
}

// Authenticate verifies an email and password pair. Failures are uniform:
// a missing account and a wrong password both return ErrUnauthorized.
func (s *UserService) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	var user models.User
	found, err := s.db.One(ctx, &user, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load user")
	}
	if !found {
		return nil, ErrUnauthorized
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrUnauthorized
	}
	return &user, nil
}

func (s *UserService) Get(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	found, err := s.db.One(ctx, &user, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load user")
	}
	if !found {
		return nil, NotFound("user", id)
	}
	return &user, nil
}

func (s *UserService) List(ctx context.Context) ([]models.User, error) {
	users := []models.User{}
	if err := s.db.Many(ctx, &users, `SELECT `+userColumns+` FROM users ORDER BY id ASC`); err != nil {
		return nil, errors.Wrap(err, "failed to list users")
	}
	return users, nil
}
