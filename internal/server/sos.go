package server

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/smartsentry/sentry"
	"github.com/smartsentry/sentry/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100

	// (maxPage-1)*maxPageSize must fit a Postgres integer OFFSET.
	maxPage = math.MaxInt32 / maxPageSize
)

// SOSStore persists emergency events.
type SOSStore interface {
	Create(ctx context.Context, userID string, ev sentry.SOSEvent) (sentry.EmergencyRecord, bool, error)
	History(ctx context.Context, userID string, limit, offset int) ([]sentry.EmergencyRecord, int, error)
	UpdateStatus(ctx context.Context, userID, id string, upd sentry.StatusUpdate) (sentry.EmergencyRecord, error)
}

// Broadcaster pushes an event to every live connection of a user.
type Broadcaster interface {
	Broadcast(userID, eventType string, payload any)
}

// AlertNotifier tells external responders about an emergency.
type AlertNotifier interface {
	Notify(payload sentry.WebhookPayload)
}

// SOSHandler serves emergency logging and history.
type SOSHandler struct {
	Events SOSStore
	Users  UserStore
	Alerts Broadcaster
	// Responders is optional.
	Responders AlertNotifier
	Logger     *zap.Logger
}

type sosRequest struct {
	Type     sentry.EmergencyType `json:"type"`
	Location any                  `json:"location"`
	ClientID string               `json:"clientId" validate:"max=128"`
}

type statusRequest struct {
	Status   sentry.EmergencyStatus `json:"status" validate:"required"`
	Duration *int                   `json:"duration" validate:"omitempty,min=0"`
}

// Start handles POST /api/sos/start. Resending a clientId already logged
// returns the stored event without notifying anyone again.
func (h *SOSHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req sosRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Type == "" {
		req.Type = sentry.EmergencyManual
	}
	if !req.Type.Valid() {
		writeMessage(w, http.StatusBadRequest, "Invalid emergency type")
		return
	}

	ctx := r.Context()
	userID := UserIDFromContext(ctx)
	rec, created, err := h.Events.Create(ctx, userID, sentry.SOSEvent{
		Type:     req.Type,
		Location: req.Location,
		ClientID: req.ClientID,
	})
	if err != nil {
		h.Logger.Error("log sos", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, msgServerError)
		return
	}

	if created {
		h.Logger.Info("sos logged",
			zap.String("user_id", userID),
			zap.String("sos_id", rec.ID),
			zap.String("type", string(rec.Type)),
		)
		h.publish(ctx, userID, sentry.EventSOSStarted, rec)
	}
	writeJSON(w, http.StatusOK, sentry.SOSLogResult{Message: "SOS logged", ID: rec.ID})
}

// History handles GET /api/sos/history?limit=&page=.
func (h *SOSHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, page := pageParams(r)
	records, total, err := h.Events.History(r.Context(), UserIDFromContext(r.Context()), limit, (page-1)*limit)
	if err != nil {
		h.Logger.Error("sos history", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, msgServerError)
		return
	}
	writeJSON(w, http.StatusOK, sentry.HistoryPage{
		Success:    true,
		Data:       records,
		Pagination: pagination(page, limit, total),
	})
}

// UpdateStatus handles PUT /api/sos/{id}/status.
func (h *SOSHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Status.Valid() {
		writeMessage(w, http.StatusBadRequest, "Invalid status")
		return
	}

	ctx := r.Context()
	userID := UserIDFromContext(ctx)
	rec, err := h.Events.UpdateStatus(ctx, userID, chi.URLParam(r, "id"), sentry.StatusUpdate{
		Status:   req.Status,
		Duration: req.Duration,
	})
	if errors.Is(err, store.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, "SOS event not found")
		return
	}
	if err != nil {
		h.Logger.Error("update sos status", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, msgServerError)
		return
	}

	h.publish(ctx, userID, sentry.EventSOSUpdated, rec)
	writeJSON(w, http.StatusOK, rec)
}

func (h *SOSHandler) publish(ctx context.Context, userID, event string, rec sentry.EmergencyRecord) {
	h.Alerts.Broadcast(userID, event, rec)
	if h.Responders == nil {
		return
	}

	who := sentry.WebhookUser{ID: userID}
	if user, err := h.Users.ByID(ctx, userID); err == nil {
		who.Name = user.Name
		who.Mobile = user.Mobile
	} else {
		h.Logger.Warn("responder payload without user details", zap.String("user_id", userID), zap.Error(err))
	}
	h.Responders.Notify(sentry.WebhookPayload{
		Source:    sentry.WebhookSource,
		Event:     event,
		Timestamp: time.Now().UnixMilli(),
		Alert:     rec,
		User:      who,
	})
}

func pageParams(r *http.Request) (limit, page int) {
	q := r.URL.Query()
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit < 1 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)
	page, err = strconv.Atoi(q.Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	page = min(page, maxPage)
	return limit, page
}

func pagination(page, limit, total int) sentry.Pagination {
	return sentry.Pagination{
		Page:       page,
		TotalPages: (total + limit - 1) / limit,
		Total:      total,
	}
}
