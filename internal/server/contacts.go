package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/smartsentry/sentry"
	"github.com/smartsentry/sentry/internal/store"
)

// ContactStore persists trusted contacts.
type ContactStore interface {
	List(ctx context.Context, userID string) ([]sentry.Contact, error)
	Create(ctx context.Context, userID string, in sentry.ContactInput) (sentry.Contact, error)
	Update(ctx context.Context, userID, id string, in sentry.ContactInput) (sentry.Contact, error)
	Delete(ctx context.Context, userID, id string) error
}

// ContactHandler serves the trusted contact list.
type ContactHandler struct {
	Contacts ContactStore
	Logger   *zap.Logger
}

type contactRequest struct {
	Name     string `json:"name" validate:"required"`
	Relation string `json:"relation" validate:"required"`
	Phone    string `json:"phone" validate:"required"`
}

func (c contactRequest) input() sentry.ContactInput {
	return sentry.ContactInput{
		Name:     strings.TrimSpace(c.Name),
		Relation: strings.TrimSpace(c.Relation),
		Phone:    strings.TrimSpace(c.Phone),
	}
}

func (h *ContactHandler) List(w http.ResponseWriter, r *http.Request) {
	contacts, err := h.Contacts.List(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		h.Logger.Error("list contacts", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, msgServerError)
		return
	}
	writeJSON(w, http.StatusOK, contacts)
}

func (h *ContactHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if !decode(w, r, &req) {
		return
	}
	contact, err := h.Contacts.Create(r.Context(), UserIDFromContext(r.Context()), req.input())
	if err != nil {
		h.Logger.Error("create contact", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, msgServerError)
		return
	}
	writeJSON(w, http.StatusCreated, contact)
}

func (h *ContactHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if !decode(w, r, &req) {
		return
	}
	contact, err := h.Contacts.Update(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "id"), req.input())
	if errors.Is(err, store.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, "Contact not found")
		return
	}
	if err != nil {
		h.Logger.Error("update contact", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, msgServerError)
		return
	}
	writeJSON(w, http.StatusOK, contact)
}

func (h *ContactHandler) Delete(w http.ResponseWriter, r *http.Request) {
	err := h.Contacts.Delete(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, "Contact not found")
		return
	}
	if err != nil {
		h.Logger.Error("delete contact", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, msgServerError)
		return
	}
	writeMessage(w, http.StatusOK, "Contact deleted")
}
