package web

import (
	"net/http"
	"strings"

	chi "github.com/go-chi/chi/v5"

	"github.com/iemedia/ChirpNestSSR/internal/usecase/account"
)

type signUpRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
	Username        string `json:"username"`
}

func (h *Handler) signUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err, "")
		return
	}
	v := viewerFrom(r)
	id, err := h.accounts(v).SignUp(r.Context(), account.SignUpInput{
		Email:           req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
		Username:        req.Username,
	})
	if err != nil {
		h.fail(w, r, err, "Sign up failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":    id,
		"message": "Check your email to confirm your account",
	})
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) signIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err, "")
		return
	}
	v := viewerFrom(r)
	sess, err := h.accounts(v).SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err, "Sign in failed")
		return
	}
	writeJSON(w, http.StatusOK, sessionView{Status: "authenticated", User: &sess.Identity})
}

func (h *Handler) signOut(w http.ResponseWriter, r *http.Request) {
	if err := h.accounts(viewerFrom(r)).SignOut(r.Context()); err != nil {
		h.fail(w, r, err, "Sign out failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// startOAuth перенаправляет к провайдеру; PKCE verifier хранится в cookie
// до возврата на /auth/callback.
func (h *Handler) startOAuth(w http.ResponseWriter, r *http.Request) {
	v := viewerFrom(r)
	redirectTo := strings.TrimSuffix(h.publicURL, "/") + "/auth/callback"
	redirect, err := h.accounts(v).StartOAuth(r.Context(), chi.URLParam(r, "provider"), redirectTo)
	if err != nil {
		h.fail(w, r, err, "Sign in failed")
		return
	}
	sess, _ := h.cookies.Get(r, CookieName)
	sess.Values[keyVerifier] = redirect.Verifier
	if err := sess.Save(r, w); err != nil {
		h.fail(w, r, err, "session error")
		return
	}
	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	if msg := r.URL.Query().Get("error_description"); msg != "" {
		writeError(w, http.StatusUnauthorized, msg)
		return
	}
	sess, _ := h.cookies.Get(r, CookieName)
	verifier, _ := sess.Values[keyVerifier].(string)
	v := viewerFrom(r)
	if _, err := h.accounts(v).CompleteOAuth(r.Context(), r.URL.Query().Get("code"), verifier); err != nil {
		h.fail(w, r, err, "Sign in failed")
		return
	}
	delete(sess.Values, keyVerifier)
	if err := sess.Save(r, w); err != nil {
		h.log.Warn().Err(err).Msg("web: verifier не удалён из cookie")
	}
	http.Redirect(w, r, "/", http.StatusFound)
}
