package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
	"github.com/iemedia/ChirpNestSSR/internal/infra/metrics"
)

var (
	// ErrInvalidCredentials — неверный email или пароль.
	ErrInvalidCredentials = errors.New("invalid login credentials")
	// ErrUserExists — email уже зарегистрирован.
	ErrUserExists = errors.New("user already registered")
	// ErrInvalidToken — токен не прошёл проверку.
	ErrInvalidToken = errors.New("invalid access token")
)

// API — HTTP-клиент эндпоинтов /auth/v1 без состояния.
type API struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
}

// Option настраивает API.
type Option func(*API)

// WithHTTPClient задаёт HTTP-клиент.
func WithHTTPClient(client *http.Client) Option {
	return func(a *API) {
		if client != nil {
			a.httpClient = client
		}
	}
}

// WithTimeout задаёт таймаут запросов.
func WithTimeout(timeout time.Duration) Option {
	return func(a *API) {
		if a.httpClient == nil {
			a.httpClient = &http.Client{}
		}
		a.httpClient.Timeout = timeout
	}
}

type apiError struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
	ErrorCode   string `json:"error_code"`
	Msg         string `json:"msg"`
}

func (e apiError) message() string {
	for _, s := range []string{e.Description, e.Msg, e.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}

type userPayload struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

func (u userPayload) identity() domain.Identity {
	return domain.Identity{ID: u.ID, Email: u.Email, Username: metadataUsername(u.UserMetadata)}
}

type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at"`
	User         *userPayload `json:"user"`
}

// signUpResponse покрывает оба варианта ответа: пользователь без сессии
// (нужно подтверждение email) и сессия при автоподтверждении.
type signUpResponse struct {
	tokenResponse
	userPayload
}

func metadataUsername(meta map[string]any) string {
	if v, ok := meta["username"].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// NewAPI создаёт клиент GoTrue. apiKey передаётся в заголовке apikey.
func NewAPI(baseURL, apiKey string, opts ...Option) (*API, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	a := &API{
		baseURL:    parsed,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// PasswordGrant выполняет вход по email и паролю.
func (a *API) PasswordGrant(ctx context.Context, email, password string) (*domain.Session, error) {
	var resp tokenResponse
	body := map[string]string{"email": email, "password": password}
	if err := a.post(ctx, "/auth/v1/token?grant_type=password", "", body, &resp); err != nil {
		return nil, err
	}
	return a.toSession(resp)
}

// RefreshGrant обновляет access token.
func (a *API) RefreshGrant(ctx context.Context, refreshToken string) (*domain.Session, error) {
	var resp tokenResponse
	body := map[string]string{"refresh_token": refreshToken}
	if err := a.post(ctx, "/auth/v1/token?grant_type=refresh_token", "", body, &resp); err != nil {
		return nil, err
	}
	return a.toSession(resp)
}

// PKCEGrant обменивает код авторизации на сессию.
func (a *API) PKCEGrant(ctx context.Context, code, verifier string) (*domain.Session, error) {
	var resp tokenResponse
	body := map[string]string{"auth_code": code, "code_verifier": verifier}
	if err := a.post(ctx, "/auth/v1/token?grant_type=pkce", "", body, &resp); err != nil {
		return nil, err
	}
	return a.toSession(resp)
}

// SignUp регистрирует пользователя. Сессия возвращается, только если
// сервер подтвердил email автоматически.
func (a *API) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*domain.Identity, *domain.Session, error) {
	var resp signUpResponse
	body := map[string]any{"email": email, "password": password, "data": metadata}
	if err := a.post(ctx, "/auth/v1/signup", "", body, &resp); err != nil {
		return nil, nil, err
	}
	if resp.AccessToken != "" && resp.tokenResponse.User != nil {
		sess, err := a.toSession(resp.tokenResponse)
		if err != nil {
			return nil, nil, err
		}
		id := sess.Identity
		return &id, sess, nil
	}
	if resp.userPayload.ID == "" {
		return nil, nil, fmt.Errorf("gotrue: пустой ответ регистрации")
	}
	id := resp.userPayload.identity()
	return &id, nil, nil
}

// Logout отзывает refresh-токены сессии.
func (a *API) Logout(ctx context.Context, accessToken string) error {
	return a.post(ctx, "/auth/v1/logout", accessToken, nil, nil)
}

// User возвращает пользователя по access token.
func (a *API) User(ctx context.Context, accessToken string) (domain.Identity, error) {
	var user userPayload
	if err := a.get(ctx, "/auth/v1/user", accessToken, &user); err != nil {
		return domain.Identity{}, err
	}
	return user.identity(), nil
}

// AuthorizeURL строит адрес входа через стороннего провайдера с PKCE.
func (a *API) AuthorizeURL(provider, redirectTo, challenge string) string {
	u := a.resolve("/auth/v1/authorize")
	q := url.Values{}
	q.Set("provider", provider)
	if redirectTo != "" {
		q.Set("redirect_to", redirectTo)
	}
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "s256")
	u.RawQuery = q.Encode()
	return u.String()
}

func (a *API) toSession(resp tokenResponse) (*domain.Session, error) {
	if resp.AccessToken == "" || resp.User == nil || resp.User.ID == "" {
		return nil, fmt.Errorf("gotrue: ответ без токена или пользователя")
	}
	sess := &domain.Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		Identity:     resp.User.identity(),
	}
	switch {
	case resp.ExpiresAt > 0:
		sess.ExpiresAt = time.Unix(resp.ExpiresAt, 0).UTC()
	case resp.ExpiresIn > 0:
		sess.ExpiresAt = a.now().Add(time.Duration(resp.ExpiresIn) * time.Second).UTC()
	}
	return sess, nil
}

func (a *API) resolve(endpoint string) url.URL {
	resolved := *a.baseURL
	rawPath, rawQuery, _ := strings.Cut(endpoint, "?")
	resolved.Path = path.Clean(strings.TrimSuffix(a.baseURL.Path, "/") + rawPath)
	resolved.RawQuery = rawQuery
	return resolved
}

func (a *API) get(ctx context.Context, endpoint, bearer string, out any) error {
	req, err := a.newRequest(ctx, http.MethodGet, endpoint, bearer, nil)
	if err != nil {
		return err
	}
	return a.do(req, endpoint, out)
}

func (a *API) post(ctx context.Context, endpoint, bearer string, body, out any) error {
	req, err := a.newRequest(ctx, http.MethodPost, endpoint, bearer, body)
	if err != nil {
		return err
	}
	return a.do(req, endpoint, out)
}

func (a *API) newRequest(ctx context.Context, method, endpoint, bearer string, body any) (*http.Request, error) {
	resolved := a.resolve(endpoint)
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, resolved.String(), buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.apiKey != "" {
		req.Header.Set("apikey", a.apiKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return req, nil
}

func (a *API) do(req *http.Request, endpoint string, out any) (err error) {
	start := time.Now()
	op, _, _ := strings.Cut(strings.TrimPrefix(endpoint, "/auth/v1/"), "?")
	defer func() { metrics.ObserveNetworkRequest("gotrue", op, a.baseURL.Host, start, err) }()

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gotrue request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr apiError
		data, readErr := io.ReadAll(resp.Body)
		if readErr == nil && len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.message() == "" {
			apiErr.Msg = strings.TrimSpace(string(data))
		}
		return mapAPIError(resp.StatusCode, apiErr)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func mapAPIError(status int, err apiError) error {
	switch {
	case err.Error == "invalid_grant" || err.ErrorCode == "invalid_credentials":
		return ErrInvalidCredentials
	case err.ErrorCode == "user_already_exists" || strings.Contains(strings.ToLower(err.message()), "already registered"):
		return ErrUserExists
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrInvalidToken, err.message())
	default:
		return fmt.Errorf("gotrue error: status=%d message=%s", status, err.message())
	}
}
