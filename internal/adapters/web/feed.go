package web

import (
	"net/http"
	"strconv"

	chi "github.com/go-chi/chi/v5"

	"github.com/iemedia/ChirpNestSSR/internal/adapters/view"
	"github.com/iemedia/ChirpNestSSR/internal/domain"
	"github.com/iemedia/ChirpNestSSR/internal/usecase/feed"
	"github.com/iemedia/ChirpNestSSR/internal/usecase/session"
)

type sessionView struct {
	Status session.Status   `json:"status"`
	User   *domain.Identity `json:"user,omitempty"`
}

func sessionOf(st session.State) sessionView {
	return sessionView{Status: st.Status, User: st.Identity}
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionOf(viewerFrom(r).Session()))
}

// feed возвращает текущую ленту. Параметр scope переключает фильтр.
func (h *Handler) feed(w http.ResponseWriter, r *http.Request) {
	v := viewerFrom(r)
	if raw := r.URL.Query().Get("scope"); raw != "" {
		kind, ok := domain.ParseScopeKind(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown scope")
			return
		}
		if kind != v.Store().Scope().Kind {
			// Гостевой зритель общий, его фильтр не меняется.
			if isGuest(r) {
				h.fail(w, r, feed.ErrAnonymous, "")
				return
			}
			if err := v.SetScope(r.Context(), kind); err != nil {
				h.fail(w, r, err, "Failed to load posts")
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, view.FromSnapshot(v.Store().Snapshot(), h.now()))
}

func (h *Handler) nextPage(w http.ResponseWriter, r *http.Request) {
	store := viewerFrom(r).Store()
	if err := store.LoadNextPage(r.Context()); err != nil {
		h.fail(w, r, err, "Failed to load posts")
		return
	}
	writeJSON(w, http.StatusOK, view.FromSnapshot(store.Snapshot(), h.now()))
}

type publishRequest struct {
	Content string `json:"content"`
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err, "")
		return
	}
	store := viewerFrom(r).Store()
	post, err := store.Publish(r.Context(), req.Content)
	if err != nil {
		h.fail(w, r, err, "Failed to chirp")
		return
	}
	writeJSON(w, http.StatusCreated, view.NewPostCard(post, store.Viewer(), false, false, h.now()))
}

func (h *Handler) deletePost(w http.ResponseWriter, r *http.Request) {
	if err := viewerFrom(r).Store().DeletePost(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err, "Failed to delete post")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) toggle(kind domain.MembershipKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store := viewerFrom(r).Store()
		id := chi.URLParam(r, "id")
		toggle := store.ToggleLike
		if kind == domain.MembershipSave {
			toggle = store.ToggleSave
		}
		on, err := toggle(r.Context(), id)
		if err != nil {
			h.fail(w, r, err, "Failed to update "+string(kind))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, string(kind) + "d": on})
	}
}

func (h *Handler) profile(w http.ResponseWriter, r *http.Request) {
	id := viewerFrom(r).Session().ViewerID()
	if id == "" {
		writeError(w, http.StatusUnauthorized, "sign in required")
		return
	}
	p, err := h.profiles.GetProfile(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, "Failed to load profile")
		return
	}
	writeJSON(w, http.StatusOK, view.NewProfileCard(p))
}

func (h *Handler) notices(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = n
	}
	writeJSON(w, http.StatusOK, viewerFrom(r).Notices().Since(since))
}
