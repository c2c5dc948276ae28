package account

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
)

type stubAuth struct {
	signUpMeta map[string]any
	signUpErr  error
	providers  []string
}

func (s *stubAuth) GetSession(context.Context) (*domain.Session, error) { return nil, nil }
func (s *stubAuth) OnAuthStateChange(domain.AuthListener) func()         { return func() {} }
func (s *stubAuth) SignInWithPassword(_ context.Context, email, _ string) (*domain.Session, error) {
	return &domain.Session{Identity: domain.Identity{ID: "u1", Email: email}}, nil
}
func (s *stubAuth) SignUp(_ context.Context, email, _ string, meta map[string]any) (*domain.Identity, error) {
	if s.signUpErr != nil {
		return nil, s.signUpErr
	}
	s.signUpMeta = meta
	return &domain.Identity{ID: "new", Email: email}, nil
}
func (s *stubAuth) SignInWithOAuth(_ context.Context, provider, _ string) (domain.OAuthRedirect, error) {
	s.providers = append(s.providers, provider)
	return domain.OAuthRedirect{URL: "https://auth/" + provider, Verifier: "v"}, nil
}
func (s *stubAuth) ExchangeCode(context.Context, string, string) (*domain.Session, error) {
	return &domain.Session{}, nil
}
func (s *stubAuth) SignOut(context.Context) error { return nil }

type stubProfiles struct {
	taken map[string]bool
}

func (s stubProfiles) GetProfile(context.Context, string) (domain.Profile, error) {
	return domain.Profile{}, domain.ErrNotFound
}
func (s stubProfiles) CreateProfile(context.Context, domain.Profile) error { return nil }
func (s stubProfiles) UsernameTaken(_ context.Context, name string) (bool, error) {
	return s.taken[name], nil
}

func TestValidateSignUp(t *testing.T) {
	valid := SignUpInput{Email: "a@b.c", Password: "secret", ConfirmPassword: "secret", Username: "chirp_1"}
	cases := []struct {
		name   string
		mutate func(*SignUpInput)
		want   error
	}{
		{"valid", func(*SignUpInput) {}, nil},
		{"no email", func(in *SignUpInput) { in.Email = "" }, ErrMissingCredentials},
		{"mismatch", func(in *SignUpInput) { in.ConfirmPassword = "other" }, ErrPasswordMismatch},
		{"short", func(in *SignUpInput) { in.Username = "ab" }, ErrInvalidUsername},
		{"long", func(in *SignUpInput) { in.Username = "abcdefghijklmnop" }, ErrInvalidUsername},
		{"symbols", func(in *SignUpInput) { in.Username = "bad-name" }, ErrInvalidUsername},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := valid
			tc.mutate(&in)
			if err := ValidateSignUp(in); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestSignUpChecksTakenUsername(t *testing.T) {
	auth := &stubAuth{}
	svc := NewService(auth, stubProfiles{taken: map[string]bool{"taken": true}}, zerolog.Nop())
	in := SignUpInput{Email: "a@b.c", Password: "pw", ConfirmPassword: "pw", Username: "taken"}
	if _, err := svc.SignUp(context.Background(), in); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("ожидали ErrUsernameTaken, получили %v", err)
	}
	if auth.signUpMeta != nil {
		t.Fatalf("провайдер не должен вызываться")
	}

	in.Username = "fresh"
	id, err := svc.SignUp(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.ID != "new" || auth.signUpMeta["username"] != "fresh" {
		t.Fatalf("метаданные не переданы: %+v %v", id, auth.signUpMeta)
	}
}

func TestStartOAuthProviders(t *testing.T) {
	auth := &stubAuth{}
	svc := NewService(auth, stubProfiles{}, zerolog.Nop())
	if _, err := svc.StartOAuth(context.Background(), "twitter", "/"); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("ожидали ErrUnsupportedProvider, получили %v", err)
	}
	for _, p := range Providers {
		r, err := svc.StartOAuth(context.Background(), p, "/")
		if err != nil || r.Verifier == "" {
			t.Fatalf("%s: %v %+v", p, err, r)
		}
	}
	if len(auth.providers) != 2 {
		t.Fatalf("ожидали два вызова провайдера, получили %v", auth.providers)
	}
}

func TestSignInRequiresCredentials(t *testing.T) {
	svc := NewService(&stubAuth{}, stubProfiles{}, zerolog.Nop())
	if _, err := svc.SignIn(context.Background(), " ", "pw"); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("ожидали ErrMissingCredentials, получили %v", err)
	}
	sess, err := svc.SignIn(context.Background(), " a@b.c ", "pw")
	if err != nil || sess.Identity.Email != "a@b.c" {
		t.Fatalf("неожиданный результат %+v %v", sess, err)
	}
}
