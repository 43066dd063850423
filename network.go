package sentry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// NetworkState is the reachability of the API.
type NetworkState string

const (
	NetworkUnknown NetworkState = "unknown"
	NetworkOnline  NetworkState = "online"
	NetworkOffline NetworkState = "offline"
)

// NetworkStatus tracks whether the API is reachable and tells subscribers
// when that changes. Create one and hand it to every component that cares.
type NetworkStatus struct {
	mu        sync.RWMutex
	current   NetworkState
	nextID    int
	listeners map[int]func(NetworkState)
	logger    *zap.Logger
}

// NewNetworkStatus starts in initial (NetworkUnknown when empty).
func NewNetworkStatus(initial NetworkState, logger *zap.Logger) *NetworkStatus {
	if initial == "" {
		initial = NetworkUnknown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NetworkStatus{
		current:   initial,
		listeners: make(map[int]func(NetworkState)),
		logger:    logger,
	}
}

// Current returns the last known state.
func (n *NetworkStatus) Current() NetworkState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.current
}

// Offline reports whether the API is known to be unreachable.
func (n *NetworkStatus) Offline() bool {
	return n.Current() == NetworkOffline
}

// OnChange registers cb for every future state change and returns a func
// that removes it. Calling the returned func more than once is harmless.
func (n *NetworkStatus) OnChange(cb func(NetworkState)) (unsubscribe func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = cb
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	}
}

// Set records a new state. Listeners run synchronously, only on change;
// a panicking listener does not affect the others.
func (n *NetworkStatus) Set(state NetworkState) {
	n.mu.Lock()
	if n.current == state {
		n.mu.Unlock()
		return
	}
	prev := n.current
	n.current = state
	handlers := make([]func(NetworkState), 0, len(n.listeners))
	for _, h := range n.listeners {
		handlers = append(handlers, h)
	}
	n.mu.Unlock()

	n.logger.Info("network state changed", zap.String("from", string(prev)), zap.String("to", string(state)))
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					n.logger.Error("network listener panicked", zap.Any("panic", r))
				}
			}()
			h(state)
		}()
	}
}

// Monitor probes reachability immediately and then every interval until ctx is done.
// A nil probe error means online.
func (n *NetworkStatus) Monitor(ctx context.Context, probe func(context.Context) error, interval time.Duration) {
	check := func() {
		if err := probe(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			n.Set(NetworkOffline)
			return
		}
		n.Set(NetworkOnline)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
