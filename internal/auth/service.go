package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"

	"coderoom/internal/store"
	"coderoom/pkg/models"
)

var (
	// ErrInvalidCredentials is returned for unknown emails and wrong
	// passwords alike; callers must not distinguish the two.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrEmailTaken is returned when registering an existing email.
	ErrEmailTaken = errors.New("email already registered")
	// ErrValidation wraps rejected registration input.
	ErrValidation = errors.New("validation failed")
)

// Service implements registration and login on top of the store.
type Service struct {
	store store.Store
	jwt   *JWTService
}

func NewService(st store.Store, jwt *JWTService) *Service {
	return &Service{store: st, jwt: jwt}
}

// Register creates an account and returns the user plus a signed token.
func (s *Service) Register(ctx context.Context, email, displayName, password string) (*models.User, string, error) {
	email = models.NormalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, "", fmt.Errorf("%w: invalid email address", ErrValidation)
	}
	if len(displayName) < 1 || len(displayName) > 50 {
		return nil, "", fmt.Errorf("%w: display name must be 1-50 characters", ErrValidation)
	}
	if err := ValidatePasswordStrength(password); err != nil {
		return nil, "", fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, "", ErrEmailTaken
		}
		return nil, "", err
	}

	token, err := s.jwt.Generate(user.ID, user.Email, user.DisplayName)
	if err != nil {
		return nil, "", fmt.Errorf("sign token: %w", err)
	}
	return user, token, nil
}

// Login verifies credentials and returns the user plus a signed token.
func (s *Service) Login(ctx context.Context, email, password string) (*models.User, string, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.jwt.Generate(user.ID, user.Email, user.DisplayName)
	if err != nil {
		return nil, "", fmt.Errorf("sign token: %w", err)
	}
	return user, token, nil
}
