// Package web отдаёт ленту зрителя по HTTP и websocket.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/iemedia/ChirpNestSSR/internal/adapters/gotrue"
	"github.com/iemedia/ChirpNestSSR/internal/domain"
	"github.com/iemedia/ChirpNestSSR/internal/usecase/account"
	"github.com/iemedia/ChirpNestSSR/internal/usecase/compose"
	"github.com/iemedia/ChirpNestSSR/internal/usecase/feed"
	"github.com/iemedia/ChirpNestSSR/internal/usecase/viewer"
)

const (
	// CookieName — имя cookie веб-сессии.
	CookieName  = "chirpnest"
	keySession  = "sid"
	keyVerifier = "pkce"
	// GuestKey — ключ реестра для общего гостевого зрителя. Подписанная
	// cookie не может его содержать: ключи сессий — uuid.
	GuestKey    = "guest"
	maxBodySize = 16 << 10
)

type ctxKey struct{}

// Handler обслуживает API ленты и маршруты входа.
type Handler struct {
	viewers   *viewer.Registry
	cookies   sessions.Store
	profiles  domain.ProfileRepo
	publicURL string
	log       zerolog.Logger
	now       func() time.Time
	upgrader  websocket.Upgrader
}

// NewHandler создаёт обработчик. publicURL нужен для адреса возврата OAuth.
func NewHandler(viewers *viewer.Registry, cookies sessions.Store, profiles domain.ProfileRepo, publicURL string, log zerolog.Logger) *Handler {
	return &Handler{
		viewers:   viewers,
		cookies:   cookies,
		profiles:  profiles,
		publicURL: publicURL,
		log:       log,
		now:       time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// NewCookieStore создаёт хранилище cookie с подписью secret.
func NewCookieStore(secret []byte, maxAge time.Duration, secure bool) *sessions.CookieStore {
	store := sessions.NewCookieStore(secret)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

// Routes регистрирует маршруты. Чтение доступно и без cookie через общего
// гостевого зрителя; действия и вход требуют собственной сессии.
func (h *Handler) Routes(r chi.Router) {
	read := h.withViewer(true)
	own := h.withViewer(false)
	r.Route("/api/v1", func(r chi.Router) {
		r.With(read).Get("/session", h.session)
		r.With(read).Get("/feed", h.feed)
		r.With(read).Get("/profile", h.profile)
		r.With(read).Get("/notices", h.notices)
		r.With(read).Get("/stream", h.stream)
		r.With(own).Post("/feed/next", h.nextPage)
		r.With(own).Post("/posts", h.publish)
		r.With(own).Delete("/posts/{id}", h.deletePost)
		r.With(own).Post("/posts/{id}/like", h.toggle(domain.MembershipLike))
		r.With(own).Post("/posts/{id}/save", h.toggle(domain.MembershipSave))
	})
	r.Route("/auth", func(r chi.Router) {
		r.Use(own)
		r.Post("/signup", h.signUp)
		r.Post("/login", h.signIn)
		r.Post("/logout", h.signOut)
		r.Get("/oauth/{provider}", h.startOAuth)
		r.Get("/callback", h.callback)
	})
}

// withViewer находит ключ веб-сессии в cookie и монтирует зрителя для него.
// Запрос без cookie получает новый ключ, но собственного зрителя не
// монтирует: чтение обслуживает гостевой зритель, остальное отклоняется,
// пока клиент не вернётся с cookie.
func (h *Handler) withViewer(allowGuest bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := h.cookies.Get(r, CookieName)
			if err != nil {
				h.log.Debug().Err(err).Msg("web: cookie не разобрана, создаём новую сессию")
			}
			key, _ := sess.Values[keySession].(string)
			guest := false
			if key == "" {
				sess.Values[keySession] = uuid.NewString()
				if err := sess.Save(r, w); err != nil {
					h.log.Error().Err(err).Msg("web: cookie не сохранена")
					writeError(w, http.StatusInternalServerError, "session error")
					return
				}
				if !allowGuest {
					writeError(w, http.StatusUnauthorized, "session cookie required")
					return
				}
				key, guest = GuestKey, true
			}
			v, err := h.viewers.Get(key)
			if err != nil {
				h.log.Error().Err(err).Str("viewer", key).Msg("web: зритель не смонтирован")
				writeError(w, http.StatusServiceUnavailable, "viewer unavailable")
				return
			}
			v.Touch()
			ctx := context.WithValue(r.Context(), ctxKey{}, requestViewer{viewer: v, guest: guest})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type requestViewer struct {
	viewer *viewer.Viewer
	guest  bool
}

func viewerFrom(r *http.Request) *viewer.Viewer {
	rv, _ := r.Context().Value(ctxKey{}).(requestViewer)
	return rv.viewer
}

// isGuest сообщает, обслуживает ли запрос общий гостевой зритель.
func isGuest(r *http.Request) bool {
	rv, _ := r.Context().Value(ctxKey{}).(requestViewer)
	return rv.guest
}

func (h *Handler) accounts(v *viewer.Viewer) *account.Service {
	return account.NewService(v.Auth(), h.profiles, h.log.With().Str("component", "account").Logger())
}

// statusFor сопоставляет ошибку с HTTP статусом.
func statusFor(err error) int {
	switch {
	case errors.Is(err, feed.ErrAnonymous), errors.Is(err, gotrue.ErrInvalidCredentials), errors.Is(err, gotrue.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, feed.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, account.ErrUsernameTaken), errors.Is(err, gotrue.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, compose.ErrEmpty),
		errors.Is(err, account.ErrMissingCredentials),
		errors.Is(err, account.ErrPasswordMismatch),
		errors.Is(err, account.ErrInvalidUsername),
		errors.Is(err, account.ErrUnsupportedProvider),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, viewer.ErrUnmounted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

var errBadRequest = errors.New("bad request")

// fail пишет ошибку. Внутренние ошибки не раскрываются клиенту.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, public string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("web: ошибка обработки запроса")
		writeError(w, status, public)
		return
	}
	writeError(w, status, rootMessage(err))
}

// rootMessage возвращает текст сигнальной ошибки без обёрток.
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
