package server

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/smartsentry/sentry"
	"github.com/smartsentry/sentry/internal/store"
)

// ProfileHandler serves the signed-in user's own account.
type ProfileHandler struct {
	Users  UserStore
	Logger *zap.Logger
}

type profileRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email" validate:"omitempty,email"`
	Mobile  string `json:"mobile"`
	Address string `json:"address"`
}

func (h *ProfileHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, err := h.Users.ByID(r.Context(), UserIDFromContext(r.Context()))
	if errors.Is(err, store.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		h.Logger.Error("get profile", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, msgServerError)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Update handles PUT /api/profile. Empty fields keep their value.
func (h *ProfileHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	userID := UserIDFromContext(ctx)

	upd := sentry.ProfileUpdate{
		Name:    strings.TrimSpace(req.Name),
		Email:   normalizeEmail(req.Email),
		Mobile:  strings.TrimSpace(req.Mobile),
		Address: strings.TrimSpace(req.Address),
	}
	if upd.Email != "" {
		taken, err := h.Users.EmailTaken(ctx, upd.Email, userID)
		if err != nil {
			h.Logger.Error("check email", zap.Error(err))
			writeMessage(w, http.StatusInternalServerError, msgServerError)
			return
		}
		if taken {
			writeMessage(w, http.StatusBadRequest, "Email already in use")
			return
		}
	}

	user, err := h.Users.Update(ctx, userID, upd)
	switch {
	case errors.Is(err, store.ErrEmailTaken):
		writeMessage(w, http.StatusBadRequest, "Email already in use")
	case errors.Is(err, store.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "User not found")
	case err != nil:
		h.Logger.Error("update profile", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, msgServerError)
	default:
		writeJSON(w, http.StatusOK, user)
	}
}
