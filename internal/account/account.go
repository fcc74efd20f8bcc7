package account

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"ensaigpt/internal/apperr"
	"ensaigpt/internal/storage"
)

const MinPasswordLength = 6

var handleRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

// Session is what the menus keep for the logged-in user.
type Session struct {
	User      storage.User
	SessionID int64
}

type Service struct {
	store  *storage.Store
	cost   int
	logger zerolog.Logger
}

type Config struct {
	Store *storage.Store
	// Cost defaults to bcrypt.DefaultCost.
	Cost   int
	Logger zerolog.Logger
}

func New(cfg Config) *Service {
	if cfg.Cost < bcrypt.MinCost || cfg.Cost > bcrypt.MaxCost {
		cfg.Cost = bcrypt.DefaultCost
	}
	return &Service{store: cfg.Store, cost: cfg.Cost, logger: cfg.Logger}
}

func (s *Service) Register(ctx context.Context, handle, password string) (storage.User, error) {
	handle = strings.TrimSpace(handle)
	if !handleRegex.MatchString(handle) {
		return storage.User{}, apperr.Validation("handle must be 3 to 32 letters, digits, '_', '.' or '-'")
	}
	if len([]rune(password)) < MinPasswordLength {
		return storage.User{}, apperr.Validation("password must be at least %d characters", MinPasswordLength)
	}
	// bcrypt only reads the first 72 bytes.
	if len(password) > 72 {
		return storage.User{}, apperr.Validation("password must be at most 72 bytes")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return storage.User{}, fmt.Errorf("hash password: %w", err)
	}
	u, err := s.store.CreateUser(ctx, handle, string(hash))
	if err != nil {
		return storage.User{}, err
	}
	s.logger.Info().Int64("user_id", u.ID).Msg("user registered")
	return u, nil
}

// Login checks the credentials and opens a session row.
func (s *Service) Login(ctx context.Context, handle, password string) (Session, error) {
	u, err := s.store.GetUserByHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Session{}, apperr.Validation("invalid credentials")
		}
		return Session{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return Session{}, apperr.Validation("invalid credentials")
		}
		return Session{}, fmt.Errorf("compare password: %w", err)
	}

	sess, err := s.store.OpenSession(ctx, u.ID)
	if err != nil {
		return Session{}, err
	}
	s.logger.Info().Int64("user_id", u.ID).Int64("session_id", sess.ID).Msg("user logged in")
	return Session{User: u, SessionID: sess.ID}, nil
}

func (s *Service) Logout(ctx context.Context, sess Session) error {
	if sess.SessionID <= 0 {
		return apperr.Validation("no open session")
	}
	if err := s.store.CloseSession(ctx, sess.SessionID); err != nil {
		return err
	}
	s.logger.Info().Int64("user_id", sess.User.ID).Int64("session_id", sess.SessionID).Msg("user logged out")
	return nil
}
