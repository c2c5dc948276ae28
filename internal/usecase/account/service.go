package account

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
)

var (
	ErrMissingCredentials  = errors.New("email and password are required")
	ErrPasswordMismatch    = errors.New("passwords do not match")
	ErrInvalidUsername     = errors.New("username must be 3-15 characters: letters, numbers and underscores")
	ErrUsernameTaken       = errors.New("username is already taken")
	ErrUnsupportedProvider = errors.New("unsupported sign-in provider")
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,15}$`)

// Providers — поддерживаемые сторонние провайдеры входа.
var Providers = []string{"google", "github"}

// SignUpInput — данные формы регистрации.
type SignUpInput struct {
	Email           string
	Password        string
	ConfirmPassword string
	Username        string
}

// ValidateSignUp проверяет форму без обращения к бэкенду.
func ValidateSignUp(in SignUpInput) error {
	if strings.TrimSpace(in.Email) == "" || in.Password == "" {
		return ErrMissingCredentials
	}
	if in.Password != in.ConfirmPassword {
		return ErrPasswordMismatch
	}
	if !usernamePattern.MatchString(in.Username) {
		return ErrInvalidUsername
	}
	return nil
}

// SupportedProvider сообщает, поддерживается ли провайдер.
func SupportedProvider(name string) bool {
	for _, p := range Providers {
		if p == name {
			return true
		}
	}
	return false
}

// Service реализует регистрацию, вход и выход.
type Service struct {
	auth     domain.AuthProvider
	profiles domain.ProfileRepo
	log      zerolog.Logger
}

// NewService создаёт сервис аккаунтов.
func NewService(auth domain.AuthProvider, profiles domain.ProfileRepo, log zerolog.Logger) *Service {
	return &Service{auth: auth, profiles: profiles, log: log}
}

// SignUp регистрирует пользователя с именем в метаданных.
func (s *Service) SignUp(ctx context.Context, in SignUpInput) (*domain.Identity, error) {
	in.Email = strings.TrimSpace(in.Email)
	in.Username = strings.TrimSpace(in.Username)
	if err := ValidateSignUp(in); err != nil {
		return nil, err
	}
	taken, err := s.profiles.UsernameTaken(ctx, in.Username)
	if err != nil {
		return nil, fmt.Errorf("проверка имени: %w", err)
	}
	if taken {
		return nil, ErrUsernameTaken
	}
	id, err := s.auth.SignUp(ctx, in.Email, in.Password, map[string]any{"username": in.Username})
	if err != nil {
		return nil, fmt.Errorf("регистрация: %w", err)
	}
	s.log.Info().Str("user_id", id.ID).Str("username", in.Username).Msg("account: регистрация")
	return id, nil
}

// SignIn выполняет вход по email и паролю.
func (s *Service) SignIn(ctx context.Context, email, password string) (*domain.Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, ErrMissingCredentials
	}
	sess, err := s.auth.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("вход: %w", err)
	}
	return sess, nil
}

// StartOAuth возвращает адрес провайдера и verifier для обмена кода.
func (s *Service) StartOAuth(ctx context.Context, provider, redirectTo string) (domain.OAuthRedirect, error) {
	if !SupportedProvider(provider) {
		return domain.OAuthRedirect{}, ErrUnsupportedProvider
	}
	redirect, err := s.auth.SignInWithOAuth(ctx, provider, redirectTo)
	if err != nil {
		return domain.OAuthRedirect{}, fmt.Errorf("oauth %s: %w", provider, err)
	}
	return redirect, nil
}

// CompleteOAuth обменивает код провайдера на сессию.
func (s *Service) CompleteOAuth(ctx context.Context, code, verifier string) (*domain.Session, error) {
	if code == "" {
		return nil, ErrMissingCredentials
	}
	sess, err := s.auth.ExchangeCode(ctx, code, verifier)
	if err != nil {
		return nil, fmt.Errorf("обмен кода: %w", err)
	}
	return sess, nil
}

// SignOut завершает сессию.
func (s *Service) SignOut(ctx context.Context) error {
	if err := s.auth.SignOut(ctx); err != nil {
		return fmt.Errorf("выход: %w", err)
	}
	return nil
}
