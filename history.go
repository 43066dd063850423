package sentry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// HistoryCacheKey is where emergency history is cached.
const HistoryCacheKey = "emergency_history"

const defaultHistoryLimit = 50

// HistoryReconciler serves emergency history from cache and the API:
// a fast cached answer first, then the authoritative one, falling back to
// any cached copy when the API cannot be reached.
type HistoryReconciler struct {
	sos    *SOSClient
	cache  *LocalCache[EmergencyRecord]
	logger *zap.Logger
	key    string
	now    func() time.Time
}

// NewHistoryReconciler creates a reconciler over client's SOS API. Share one
// cache between every component that writes history so writes serialize.
func NewHistoryReconciler(client *Client, cache *LocalCache[EmergencyRecord]) *HistoryReconciler {
	return &HistoryReconciler{
		sos:    client.SOS,
		cache:  cache,
		logger: client.logger.Named("history"),
		key:    HistoryCacheKey,
		now:    time.Now,
	}
}

// HistoryLoadOptions controls one Load.
type HistoryLoadOptions struct {
	// ForceRefresh skips the cached fast path.
	ForceRefresh bool
	Limit        int
	Page         int
	// OnCached receives the TTL-valid cached history before the network
	// call starts. It runs on the calling goroutine.
	OnCached func(*HistoryResult)
}

// HistoryResult is a view of emergency history.
type HistoryResult struct {
	Records    []EmergencyRecord
	Pagination Pagination
	// Offline is set when the API failed and Records came from a cache of any age.
	Offline bool
	// FromCache is set on both the fast path and the offline fallback.
	FromCache bool
	FetchedAt time.Time
}

// HistoryErrorCategory is the user-facing class of a failed Load.
type HistoryErrorCategory string

const (
	HistoryNotFound HistoryErrorCategory = "not_found"
	HistoryAuth     HistoryErrorCategory = "auth"
	HistoryNetwork  HistoryErrorCategory = "network"
	HistoryOther    HistoryErrorCategory = "other"
)

// HistoryError is returned when history could neither be fetched nor served from cache.
type HistoryError struct {
	Category HistoryErrorCategory
	Message  string
	Err      error
}

func (e *HistoryError) Error() string { return e.Message }
func (e *HistoryError) Unwrap() error { return e.Err }

// Load fetches history. On success the cache is overwritten and Offline is false.
// On failure a cached copy of any age is returned with Offline set; only when
// no copy exists is a *HistoryError returned.
func (h *HistoryReconciler) Load(ctx context.Context, opts HistoryLoadOptions) (*HistoryResult, error) {
	if !opts.ForceRefresh && opts.OnCached != nil {
		cached, err := h.cache.Read(ctx, h.key)
		if err != nil {
			h.logger.Warn("history cache read failed", zap.Error(err))
		} else if cached != nil {
			opts.OnCached(resultFromCache(cached, false))
		}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	page := opts.Page
	if page <= 0 {
		page = 1
	}

	fresh, err := h.sos.GetHistory(ctx, limit, page)
	if err == nil {
		records := fresh.Data
		if records == nil {
			records = []EmergencyRecord{}
		}
		pagination := fresh.Pagination
		if werr := h.cache.Write(ctx, h.key, CachedCollection[EmergencyRecord]{Items: records, Pagination: &pagination}); werr != nil {
			h.logger.Warn("history cache write failed", zap.Error(werr))
		}
		return &HistoryResult{Records: records, Pagination: pagination, FetchedAt: h.now()}, nil
	}

	h.logger.Warn("history fetch failed, trying cache", zap.String("kind", string(KindOf(err))), zap.Error(err))
	stale, rerr := h.cache.ReadStale(ctx, h.key)
	if rerr != nil {
		h.logger.Warn("history cache read failed", zap.Error(rerr))
	}
	if stale != nil {
		return resultFromCache(stale, true), nil
	}
	return nil, classifyHistoryError(err)
}

// Cached returns whatever history is cached, ignoring its age.
func (h *HistoryReconciler) Cached(ctx context.Context) (*HistoryResult, error) {
	coll, err := h.cache.ReadStale(ctx, h.key)
	if err != nil || coll == nil {
		return nil, err
	}
	return resultFromCache(coll, false), nil
}

// Record inserts rec at the top of the cached history before (or without)
// a server round trip. A record with the same ID is replaced.
func (h *HistoryReconciler) Record(ctx context.Context, rec EmergencyRecord) (EmergencyRecord, error) {
	if rec.ID == "" {
		rec.ID = "local-" + uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = h.now()
	}
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	_, err := h.cache.Update(ctx, h.key, func(coll *CachedCollection[EmergencyRecord]) error {
		items := make([]EmergencyRecord, 0, len(coll.Items)+1)
		items = append(items, rec)
		for _, existing := range coll.Items {
			if existing.ID == rec.ID {
				continue
			}
			if len(items) == DefaultCacheCap {
				break
			}
			items = append(items, existing)
		}
		coll.Items = items
		return nil
	})
	return rec, err
}

// Confirm replaces a locally generated record ID with the server's. A copy
// of the server record that arrived first (over the alert stream) is dropped.
func (h *HistoryReconciler) Confirm(ctx context.Context, localID, serverID string) error {
	_, err := h.cache.Update(ctx, h.key, func(coll *CachedCollection[EmergencyRecord]) error {
		found := false
		items := coll.Items[:0]
		for _, rec := range coll.Items {
			switch rec.ID {
			case serverID:
				continue
			case localID:
				rec.ID = serverID
				found = true
			}
			items = append(items, rec)
		}
		if !found {
			return errRecordNotCached
		}
		coll.Items = items
		return nil
	})
	if errors.Is(err, errRecordNotCached) {
		return nil
	}
	return err
}

// ApplyStatus updates the cached status (and duration) of one record.
func (h *HistoryReconciler) ApplyStatus(ctx context.Context, id string, update StatusUpdate) error {
	return h.modify(ctx, id, func(rec *EmergencyRecord) {
		rec.Status = update.Status
		if update.Duration != nil {
			rec.Duration = update.Duration
		}
	})
}

var errRecordNotCached = errors.New("record not cached")

func (h *HistoryReconciler) modify(ctx context.Context, id string, fn func(*EmergencyRecord)) error {
	_, err := h.cache.Update(ctx, h.key, func(coll *CachedCollection[EmergencyRecord]) error {
		for i := range coll.Items {
			if coll.Items[i].ID == id {
				fn(&coll.Items[i])
				return nil
			}
		}
		return errRecordNotCached
	})
	if errors.Is(err, errRecordNotCached) {
		return nil
	}
	return err
}

// HandleEvent folds a realtime alert into the cached history.
func (h *HistoryReconciler) HandleEvent(ctx context.Context, ev AlertEvent) error {
	switch ev.Type {
	case EventSOSStarted:
		_, err := h.Record(ctx, ev.Record)
		return err
	case EventSOSUpdated:
		return h.ApplyStatus(ctx, ev.Record.ID, StatusUpdate{Status: ev.Record.Status, Duration: ev.Record.Duration})
	}
	return nil
}

func resultFromCache(coll *CachedCollection[EmergencyRecord], offline bool) *HistoryResult {
	res := &HistoryResult{
		Records:   coll.Items,
		Offline:   offline,
		FromCache: true,
		FetchedAt: coll.FetchedAt,
	}
	if coll.Pagination != nil {
		res.Pagination = *coll.Pagination
	}
	return res
}

func classifyHistoryError(err error) *HistoryError {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return &HistoryError{Category: HistoryOther, Message: err.Error(), Err: err}
	}
	switch {
	case apiErr.Kind == KindRequestFailed && apiErr.Status == 404:
		return &HistoryError{Category: HistoryNotFound, Message: "Emergency history endpoint not found. The server may need to be updated.", Err: err}
	case apiErr.Kind == KindNoCredential, apiErr.Kind == KindAuthExpired, apiErr.Kind == KindAccessDenied:
		return &HistoryError{Category: HistoryAuth, Message: "Authentication failed. Please log in again.", Err: err}
	case apiErr.Kind.Retryable():
		return &HistoryError{Category: HistoryNetwork, Message: "Network error or timeout. Check your connection and try again.", Err: err}
	}
	return &HistoryError{Category: HistoryOther, Message: apiErr.Message, Err: err}
}
