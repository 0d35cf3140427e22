package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// Service registers and authenticates users.
type Service struct {
	store          store.Store
	jwt            JWT
	initialBalance decimal.Decimal
	admins         map[string]struct{}
}

// NewService creates an auth service. New accounts start with
// initialBalance. Signups whose email is in adminEmails get the admin role;
// there is no other way to become an admin.
func NewService(st store.Store, j JWT, initialBalance decimal.Decimal, adminEmails []string) *Service {
	admins := make(map[string]struct{}, len(adminEmails))
	for _, e := range adminEmails {
		admins[normalizeEmail(e)] = struct{}{}
	}
	return &Service{store: st, jwt: j, initialBalance: initialBalance, admins: admins}
}

// SignupInput is the body of a signup request.
type SignupInput struct {
	Username string `json:"username" validate:"required,max=64"`
	Email    string `json:"email" validate:"required,email"`
	FullName string `json:"fullName" validate:"required"`
	Password string `json:"password" validate:"required,min=6"`
}

// LoginInput is the body of a login request.
type LoginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Session is a user together with a freshly issued token.
type Session struct {
	User      model.User `json:"user"`
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

// Signup creates an account and signs the caller in.
func (s *Service) Signup(ctx context.Context, in SignupInput) (*Session, error) {
	email := normalizeEmail(in.Email)
	role := model.RoleUser
	if _, ok := s.admins[email]; ok {
		role = model.RoleAdmin
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "invalid password", "password could not be hashed")
	}

	u := &model.User{
		ID:           uuid.New().String(),
		Username:     strings.TrimSpace(in.Username),
		Email:        email,
		FullName:     in.FullName,
		PasswordHash: string(hash),
		Role:         role,
		Balance:      s.initialBalance,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, apperr.New(apperr.AlreadyExists, "user already exists",
				"A user with this username or email is already registered.")
		}
		return nil, store.AppError(err, "signup")
	}

	slog.Info("user registered", "id", u.ID, "username", u.Username, "role", u.Role)
	return s.session(u)
}

// Login verifies credentials and issues a token.
func (s *Service) Login(ctx context.Context, in LoginInput) (*Session, error) {
	bad := apperr.New(apperr.Unauthorized, "invalid credentials", "Email or password is incorrect.")
	u, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(in.Email))
	if errors.Is(err, store.ErrNotFound) {
		return nil, bad
	}
	if err != nil {
		return nil, store.AppError(err, "login")
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(in.Password)) != nil {
		return nil, bad
	}
	return s.session(u)
}

// Me returns the caller's current user record.
func (s *Service) Me(ctx context.Context, id Identity) (*model.User, error) {
	u, err := s.store.GetUser(ctx, id.UserID)
	if err != nil {
		return nil, store.AppError(store.NotFound(err, "user", id.UserID), "get user")
	}
	return u, nil
}

func normalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

func (s *Service) session(u *model.User) (*Session, error) {
	tok, exp, err := s.jwt.Sign(u.ID, u.Role)
	if err != nil {
		return nil, apperr.Store(err, "sign token")
	}
	return &Session{User: *u, Token: tok, ExpiresAt: exp}, nil
}
