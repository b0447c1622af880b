package handlers

import (
	"net/http"

	"github.com/pliu/relaychat/internal/auth"
	"github.com/pliu/relaychat/internal/logging"
	"github.com/pliu/relaychat/internal/middleware"
)

type UserHandler struct {
	Service *auth.Service
	Logger  logging.Logger
}

// ListUsers must run behind middleware.AuthMiddleware.
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "No token")
		return
	}

	users, err := h.Service.ListUsers(r.Context(), identity.UserID)
	if err != nil {
		h.Logger.Error(r.Context(), "list users failed", "err", err)
		writeMessage(w, http.StatusInternalServerError, "Server error")
		return
	}

	writeJSON(w, http.StatusOK, users)
}

func Index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("Chat backend with email login"))
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}
