package server

import (
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/smartsentry/sentry"
	"github.com/smartsentry/sentry/internal/store"
)

const (
	// EventEvidenceShared is pushed to the owner's alert stream after a share.
	EventEvidenceShared = "evidence.shared"

	maxUploadFiles     = 10
	defaultUploadBytes = 25 << 20
)

// EvidenceStore persists evidence metadata.
type EvidenceStore interface {
	Create(ctx context.Context, userID string, e sentry.Evidence, blobKey string) (sentry.Evidence, error)
	List(ctx context.Context, userID string, limit, offset int) ([]sentry.Evidence, int, error)
	BySOS(ctx context.Context, userID, sosID string) ([]sentry.Evidence, error)
	Share(ctx context.Context, userID, id string, recipients []string) (sentry.Evidence, error)
	BlobKey(ctx context.Context, userID, id string) (key, contentType string, err error)
}

// BlobStore holds evidence file contents.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// EvidenceHandler serves media captured during emergencies.
type EvidenceHandler struct {
	Evidence       EvidenceStore
	Blobs          BlobStore
	Alerts         Broadcaster
	MaxUploadBytes int64
	Logger         *zap.Logger
}

type shareRequest struct {
	Recipients []string `json:"recipients" validate:"required,min=1,dive,required"`
}

type dataResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

func (h *EvidenceHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, page := pageParams(r)
	items, total, err := h.Evidence.List(r.Context(), UserIDFromContext(r.Context()), limit, (page-1)*limit)
	if err != nil {
		h.Logger.Error("list evidence", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, msgServerError)
		return
	}
	writeJSON(w, http.StatusOK, sentry.Page[sentry.Evidence]{
		Success:    true,
		Data:       items,
		Pagination: pagination(page, limit, total),
	})
}

func (h *EvidenceHandler) BySOS(w http.ResponseWriter, r *http.Request) {
	items, err := h.Evidence.BySOS(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.Logger.Error("evidence by sos", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, msgServerError)
		return
	}
	writeJSON(w, http.StatusOK, dataResponse{Success: true, Data: items})
}

func (h *EvidenceHandler) Share(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	userID := UserIDFromContext(ctx)

	item, err := h.Evidence.Share(ctx, userID, chi.URLParam(r, "id"), req.Recipients)
	if errors.Is(err, store.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, "Evidence not found")
		return
	}
	if err != nil {
		h.Logger.Error("share evidence", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, msgServerError)
		return
	}
	h.Alerts.Broadcast(userID, EventEvidenceShared, item)
	writeJSON(w, http.StatusOK, dataResponse{Success: true, Data: item})
}

// Upload handles POST /api/evidence/upload: multipart fields sosId, type,
// location and one or more "files".
func (h *EvidenceHandler) Upload(w http.ResponseWriter, r *http.Request) {
	maxBytes := h.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = defaultUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeMessage(w, http.StatusRequestEntityTooLarge, "Upload too large")
			return
		}
		writeMessage(w, http.StatusBadRequest, "Invalid upload")
		return
	}
	defer r.MultipartForm.RemoveAll()

	sosID := strings.TrimSpace(r.FormValue("sosId"))
	if sosID == "" {
		writeMessage(w, http.StatusBadRequest, "sosId is required")
		return
	}
	kind := sentry.EvidenceType(r.FormValue("type"))
	if kind != "" && kind != sentry.EvidencePhoto && kind != sentry.EvidenceAudio && kind != sentry.EvidenceVideo {
		writeMessage(w, http.StatusBadRequest, "Invalid evidence type")
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeMessage(w, http.StatusBadRequest, "No files uploaded")
		return
	}
	if len(headers) > maxUploadFiles {
		writeMessage(w, http.StatusBadRequest, "Too many files")
		return
	}

	ctx := r.Context()
	userID := UserIDFromContext(ctx)
	location := strings.TrimSpace(r.FormValue("location"))

	saved := make([]sentry.Evidence, 0, len(headers))
	for _, fh := range headers {
		data, err := readPart(fh)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "Invalid upload")
			return
		}

		contentType := fh.Header.Get("Content-Type")
		if contentType == "" || contentType == "application/octet-stream" {
			if byExt := mime.TypeByExtension(filepath.Ext(fh.Filename)); byExt != "" {
				contentType = byExt
			}
		}
		itemKind := kind
		if itemKind == "" {
			itemKind = kindOf(contentType)
		}

		id := store.NewEvidenceID()
		key := userID + "/" + id
		if err := h.Blobs.Put(ctx, key, contentType, data); err != nil {
			h.Logger.Error("store evidence file", zap.String("key", key), zap.Error(err))
			writeMessage(w, http.StatusInternalServerError, msgServerError)
			return
		}

		item := sentry.Evidence{
			ID:          id,
			SOSID:       sosID,
			Type:        itemKind,
			FileName:    filepath.Base(fh.Filename),
			ContentType: contentType,
			Size:        int64(len(data)),
		}
		if location != "" {
			item.Location = location
		}
		item, err = h.Evidence.Create(ctx, userID, item, key)
		if err != nil {
			h.Logger.Error("record evidence", zap.Error(err))
			if delErr := h.Blobs.Delete(ctx, key); delErr != nil {
				h.Logger.Warn("orphaned evidence file", zap.String("key", key), zap.Error(delErr))
			}
			writeMessage(w, http.StatusInternalServerError, msgServerError)
			return
		}
		saved = append(saved, item)
	}

	h.Logger.Info("evidence uploaded", zap.String("sos_id", sosID), zap.Int("files", len(saved)))
	writeJSON(w, http.StatusCreated, dataResponse{Success: true, Data: saved})
}

// File handles GET /api/evidence/{id}/file.
func (h *EvidenceHandler) File(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key, contentType, err := h.Evidence.BlobKey(ctx, UserIDFromContext(ctx), chi.URLParam(r, "id"))
	if err == nil {
		var body io.ReadCloser
		body, err = h.Blobs.Open(ctx, key)
		if err == nil {
			defer body.Close()
			w.Header().Set("Content-Type", contentType)
			if _, err := io.Copy(w, body); err != nil {
				h.Logger.Warn("stream evidence", zap.String("key", key), zap.Error(err))
			}
			return
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, "Evidence not found")
		return
	}
	h.Logger.Error("open evidence", zap.Error(err))
	writeMessage(w, http.StatusInternalServerError, msgServerError)
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func kindOf(contentType string) sentry.EvidenceType {
	switch {
	case strings.HasPrefix(contentType, "audio/"):
		return sentry.EvidenceAudio
	case strings.HasPrefix(contentType, "video/"):
		return sentry.EvidenceVideo
	default:
		return sentry.EvidencePhoto
	}
}
