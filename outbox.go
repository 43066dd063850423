package sentry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ============================================================================
// Outbox types
// ============================================================================

const outboxPrefix = "sos_outbox:"

// Outbox entry states.
const (
	OutboxPending = "pending"
	OutboxFailed  = "failed"
)

// OutboxEntry is an SOS that has not reached the server yet.
type OutboxEntry struct {
	ID         string    `json:"id"`
	Event      SOSEvent  `json:"event"`
	LocalID    string    `json:"localId"`
	Status     string    `json:"status"`
	Retries    int       `json:"retries"`
	MaxRetries int       `json:"maxRetries"`
	CreatedAt  time.Time `json:"createdAt"`
	Error      string    `json:"error,omitempty"`
}

// OutboxOptions configures an SOSDispatcher.
type OutboxOptions struct {
	RetryLimit    int
	FlushInterval time.Duration
}

// TriggerResult describes what happened to a triggered SOS.
type TriggerResult struct {
	Record EmergencyRecord
	// Queued is set when the SOS is waiting in the outbox for connectivity.
	Queued   bool
	ServerID string
}

// ============================================================================
// Event Emitter
// ============================================================================

// Dispatcher events.
const (
	EventSOSLocal        = "sos.local"
	EventOutboxSending   = "outbox.sending"
	EventOutboxConfirmed = "outbox.confirmed"
	EventOutboxFailed    = "outbox.failed"
)

// OutboxEventHandler handles dispatcher events.
type OutboxEventHandler func(event string, payload any)

type outboxEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]OutboxEventHandler
}

func (e *outboxEmitter) On(event string, handler OutboxEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *outboxEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *outboxEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]OutboxEventHandler)
}

// ============================================================================
// SOS Dispatcher
// ============================================================================

// SOSDispatcher delivers SOS events, recording each locally first and
// parking it in a persistent outbox while the API is unreachable.
type SOSDispatcher struct {
	outboxEmitter
	client  *Client
	history *HistoryReconciler
	storage Storage
	network *NetworkStatus
	logger  *zap.Logger

	retryLimit    int
	flushInterval time.Duration

	mu          sync.Mutex
	flushing    bool
	stopCh      chan struct{}
	stopped     bool
	unsubscribe func()
}

// NewSOSDispatcher creates a dispatcher. It flushes the outbox whenever
// network reports the API online again.
func NewSOSDispatcher(client *Client, history *HistoryReconciler, storage Storage, network *NetworkStatus, opts *OutboxOptions) *SOSDispatcher {
	d := &SOSDispatcher{
		outboxEmitter: outboxEmitter{listeners: make(map[string][]OutboxEventHandler)},
		client:        client,
		history:       history,
		storage:       storage,
		network:       network,
		logger:        client.logger.Named("outbox"),
		stopCh:        make(chan struct{}),
	}
	if opts != nil {
		d.retryLimit = opts.RetryLimit
		d.flushInterval = opts.FlushInterval
	}
	if d.retryLimit == 0 {
		d.retryLimit = 5
	}
	if d.flushInterval == 0 {
		d.flushInterval = 30 * time.Second
	}

	d.unsubscribe = network.OnChange(func(state NetworkState) {
		if state == NetworkOnline {
			go d.Flush(context.Background())
		}
	})
	return d
}

// Start runs the periodic flush until Close.
func (d *SOSDispatcher) Start() {
	go d.flushLoop()
}

// Close stops background work and drops listeners.
func (d *SOSDispatcher) Close() {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.stopCh)
	}
	d.mu.Unlock()
	d.unsubscribe()
	d.removeAll()
}

// Trigger records an SOS locally and sends it. A network or timeout failure
// parks it in the outbox and is not an error. Any other API error is returned
// and the local record is marked cancelled.
func (d *SOSDispatcher) Trigger(ctx context.Context, event SOSEvent) (*TriggerResult, error) {
	if event.ClientID == "" {
		event.ClientID = "sdk-" + uuid.NewString()
	}

	local, err := d.history.Record(ctx, EmergencyRecord{
		ID:       "local-" + event.ClientID,
		Type:     event.Type,
		Status:   StatusActive,
		Location: NormalizeLocationValue(event.Location),
	})
	if err != nil {
		d.logger.Warn("could not record SOS locally", zap.Error(err))
	}
	d.emit(EventSOSLocal, local)

	res := &TriggerResult{Record: local}
	if d.network.Offline() {
		return res, d.enqueue(ctx, event, local.ID, res)
	}

	logged, err := d.client.SOS.LogEmergency(ctx, event)
	if err != nil {
		if KindOf(err).Retryable() {
			return res, d.enqueue(ctx, event, local.ID, res)
		}
		if cerr := d.history.ApplyStatus(ctx, local.ID, StatusUpdate{Status: StatusCancelled}); cerr != nil {
			d.logger.Warn("could not cancel rejected SOS", zap.Error(cerr))
		}
		res.Record.Status = StatusCancelled
		return res, err
	}

	res.ServerID = logged.ID
	if logged.ID != "" {
		if err := d.history.Confirm(ctx, local.ID, logged.ID); err != nil {
			d.logger.Warn("could not confirm local SOS", zap.Error(err))
		}
		res.Record.ID = logged.ID
	}
	return res, nil
}

func (d *SOSDispatcher) enqueue(ctx context.Context, event SOSEvent, localID string, res *TriggerResult) error {
	entry := &OutboxEntry{
		ID:         event.ClientID,
		Event:      event,
		LocalID:    localID,
		Status:     OutboxPending,
		MaxRetries: d.retryLimit,
		CreatedAt:  time.Now(),
	}
	if err := d.put(ctx, entry); err != nil {
		return errors.Wrap(err, "queue SOS")
	}
	res.Queued = true
	d.logger.Info("SOS queued for delivery", zap.String("id", entry.ID))
	return nil
}

// Pending lists queued entries oldest first, including ones that exhausted their retries.
func (d *SOSDispatcher) Pending(ctx context.Context) ([]*OutboxEntry, error) {
	keys, err := d.storage.Keys(ctx, outboxPrefix)
	if err != nil {
		return nil, err
	}
	entries := make([]*OutboxEntry, 0, len(keys))
	for _, k := range keys {
		raw, ok, err := d.storage.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var e OutboxEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			d.logger.Warn("dropping unreadable outbox entry", zap.String("key", k), zap.Error(err))
			_ = d.storage.Delete(ctx, k)
			continue
		}
		entries = append(entries, &e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, nil
}

// ── Outbox flush ──────────────────────────────────────────

func (d *SOSDispatcher) flushLoop() {
	ticker := time.NewTicker(d.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.Flush(context.Background())
		}
	}
}

// Flush resends pending entries and returns how many reached the server.
// It does nothing while the network is offline or another flush is running.
func (d *SOSDispatcher) Flush(ctx context.Context) int {
	d.mu.Lock()
	if d.flushing || d.network.Offline() {
		d.mu.Unlock()
		return 0
	}
	d.flushing = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.flushing = false
		d.mu.Unlock()
	}()

	entries, err := d.Pending(ctx)
	if err != nil {
		d.logger.Warn("outbox unavailable", zap.Error(err))
		return 0
	}

	sent := 0
	for _, entry := range entries {
		if entry.Status != OutboxPending {
			continue
		}
		d.emit(EventOutboxSending, entry)

		logged, err := d.client.SOS.LogEmergency(ctx, entry.Event)
		if err != nil {
			entry.Retries++
			entry.Error = err.Error()
			if !KindOf(err).Retryable() || entry.Retries >= entry.MaxRetries {
				entry.Status = OutboxFailed
				d.emit(EventOutboxFailed, entry)
			}
			if perr := d.put(ctx, entry); perr != nil {
				d.logger.Warn("could not update outbox entry", zap.Error(perr))
			}
			if KindOf(err).Retryable() {
				// Still unreachable; leave the rest for the next flush.
				break
			}
			continue
		}

		if err := d.storage.Delete(ctx, outboxPrefix+entry.ID); err != nil {
			d.logger.Warn("could not remove delivered outbox entry", zap.Error(err))
		}
		if logged.ID != "" {
			if err := d.history.Confirm(ctx, entry.LocalID, logged.ID); err != nil {
				d.logger.Warn("could not confirm delivered SOS", zap.Error(err))
			}
		}
		sent++
		d.emit(EventOutboxConfirmed, map[string]string{"id": entry.ID, "serverId": logged.ID})
	}
	return sent
}

// Discard removes an entry, typically one that failed permanently.
func (d *SOSDispatcher) Discard(ctx context.Context, id string) error {
	return d.storage.Delete(ctx, outboxPrefix+id)
}

func (d *SOSDispatcher) put(ctx context.Context, entry *OutboxEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return d.storage.Set(ctx, outboxPrefix+entry.ID, raw)
}
