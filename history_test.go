package sentry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// switchableTransport serves canned history until it is taken offline.
type switchableTransport struct {
	offline atomic.Bool
	status  int
	body    string
	calls   atomic.Int32
}

func (s *switchableTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	s.calls.Add(1)
	if s.offline.Load() {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	status := s.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(s.body)),
		Request:    r,
	}, nil
}

const twoRecords = `{"success":true,"data":[
	{"id":"s2","type":"panic","status":"active","timestamp":"2026-03-01T10:00:00Z","location":{"coordinates":{"latitude":12.9716,"longitude":77.5946}}},
	{"id":"s1","type":"manual","status":"resolved","timestamp":"2026-02-20T08:30:00Z","location":"Current location","duration":120}
],"pagination":{"page":1,"totalPages":1,"total":2}}`

type historyEnv struct {
	transport  *switchableTransport
	client     *Client
	cache      *LocalCache[EmergencyRecord]
	clock      *testClock
	reconciler *HistoryReconciler
}

func newHistoryEnv(t *testing.T, loggedIn bool) *historyEnv {
	t.Helper()
	transport := &switchableTransport{body: twoRecords}
	storage := NewMemoryStorage()
	client := NewClient(
		WithBaseURL("http://sentry.test/api"),
		WithHTTPClient(&http.Client{Transport: transport}),
		WithTokenStore(NewTokenStore(storage)),
		WithRetryPolicy(testPolicy(2, newFakeTimer())),
	)
	if loggedIn {
		require.NoError(t, client.Tokens().Save(context.Background(), "tok"))
	}
	clock := newTestClock()
	cache := NewLocalCache[EmergencyRecord](storage, WithCacheClock(clock.Now))
	rec := NewHistoryReconciler(client, cache)
	rec.now = clock.Now
	return &historyEnv{transport: transport, client: client, cache: cache, clock: clock, reconciler: rec}
}

func TestHistoryLoadFresh(t *testing.T) {
	env := newHistoryEnv(t, true)
	ctx := context.Background()

	res, err := env.reconciler.Load(ctx, HistoryLoadOptions{})
	require.NoError(t, err)
	assert.False(t, res.Offline)
	assert.False(t, res.FromCache)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "s2", res.Records[0].ID)
	require.True(t, res.Records[0].Location.HasCoordinates())
	assert.Equal(t, "Current location", res.Records[1].Location.Address)
	require.NotNil(t, res.Records[1].Duration)
	assert.Equal(t, 120, *res.Records[1].Duration)

	cached, err := env.cache.Read(ctx, HistoryCacheKey)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, res.Records, cached.Items)
	assert.Equal(t, 2, cached.Pagination.Total)
}

func TestHistoryOfflineFallback(t *testing.T) {
	env := newHistoryEnv(t, true)
	ctx := context.Background()

	_, err := env.reconciler.Load(ctx, HistoryLoadOptions{})
	require.NoError(t, err)

	env.clock.Advance(time.Hour)
	env.transport.offline.Store(true)
	before := env.transport.calls.Load()

	res, err := env.reconciler.Load(ctx, HistoryLoadOptions{Limit: 50, Page: 1})
	require.NoError(t, err)
	assert.True(t, res.Offline)
	assert.True(t, res.FromCache)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "s2", res.Records[0].ID)
	assert.Equal(t, int32(2), env.transport.calls.Load()-before, "network failures are retried before falling back")
}

func TestHistoryOfflineFallbackIgnoresAge(t *testing.T) {
	env := newHistoryEnv(t, true)
	ctx := context.Background()

	_, err := env.reconciler.Load(ctx, HistoryLoadOptions{})
	require.NoError(t, err)

	env.clock.Advance(30 * 24 * time.Hour)
	env.transport.offline.Store(true)

	res, err := env.reconciler.Load(ctx, HistoryLoadOptions{})
	require.NoError(t, err)
	assert.True(t, res.Offline)
	assert.Len(t, res.Records, 2)
}

func TestHistoryNoCacheErrors(t *testing.T) {
	tests := []struct {
		name     string
		loggedIn bool
		offline  bool
		status   int
		body     string
		want     HistoryErrorCategory
		message  string
	}{
		{"network", true, true, 0, "", HistoryNetwork, "Network error or timeout. Check your connection and try again."},
		{"not found", true, false, 404, `{"message":"Not Found"}`, HistoryNotFound, "Emergency history endpoint not found. The server may need to be updated."},
		{"logged out", false, false, 0, "", HistoryAuth, "Authentication failed. Please log in again."},
		{"expired", true, false, 401, `{"message":"Token is not valid"}`, HistoryAuth, "Authentication failed. Please log in again."},
		{"server error", true, false, 500, `{"message":"Server error"}`, HistoryOther, "Server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newHistoryEnv(t, tt.loggedIn)
			env.transport.offline.Store(tt.offline)
			env.transport.status = tt.status
			env.transport.body = tt.body

			res, err := env.reconciler.Load(context.Background(), HistoryLoadOptions{})
			assert.Nil(t, res)
			var herr *HistoryError
			require.True(t, errors.As(err, &herr))
			assert.Equal(t, tt.want, herr.Category)
			assert.Equal(t, tt.message, herr.Error())
		})
	}
}

func TestHistoryFastPath(t *testing.T) {
	env := newHistoryEnv(t, true)
	ctx := context.Background()

	var cached *HistoryResult
	_, err := env.reconciler.Load(ctx, HistoryLoadOptions{OnCached: func(r *HistoryResult) { cached = r }})
	require.NoError(t, err)
	assert.Nil(t, cached, "nothing cached on first load")

	_, err = env.reconciler.Load(ctx, HistoryLoadOptions{OnCached: func(r *HistoryResult) { cached = r }})
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.True(t, cached.FromCache)
	assert.False(t, cached.Offline)
	assert.Len(t, cached.Records, 2)

	cached = nil
	_, err = env.reconciler.Load(ctx, HistoryLoadOptions{ForceRefresh: true, OnCached: func(r *HistoryResult) { cached = r }})
	require.NoError(t, err)
	assert.Nil(t, cached)

	env.clock.Advance(25 * time.Hour)
	env.transport.offline.Store(true)
	_, err = env.reconciler.Load(ctx, HistoryLoadOptions{OnCached: func(r *HistoryResult) { cached = r }})
	require.NoError(t, err)
	assert.Nil(t, cached, "expired cache is not offered on the fast path")
}

func TestHistoryRecordConfirm(t *testing.T) {
	env := newHistoryEnv(t, true)
	ctx := context.Background()
	_, err := env.reconciler.Load(ctx, HistoryLoadOptions{})
	require.NoError(t, err)

	local, err := env.reconciler.Record(ctx, EmergencyRecord{Type: EmergencyShake, Location: Location{Address: "Current location"}})
	require.NoError(t, err)
	assert.Contains(t, local.ID, "local-")
	assert.Equal(t, StatusActive, local.Status)
	assert.Equal(t, env.clock.Now(), local.Timestamp)

	// The alert stream may deliver the server copy before the POST returns.
	require.NoError(t, env.reconciler.HandleEvent(ctx, AlertEvent{Type: EventSOSStarted, Record: EmergencyRecord{ID: "s3", Type: EmergencyShake, Status: StatusActive}}))
	require.NoError(t, env.reconciler.Confirm(ctx, local.ID, "s3"))

	res, err := env.reconciler.Cached(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(res.Records))
	for _, r := range res.Records {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"s3", "s2", "s1"}, ids)

	duration := 300
	require.NoError(t, env.reconciler.HandleEvent(ctx, AlertEvent{Type: EventSOSUpdated, Record: EmergencyRecord{ID: "s3", Status: StatusResolved, Duration: &duration}}))
	res, err = env.reconciler.Cached(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, res.Records[0].Status)
	assert.Equal(t, 300, *res.Records[0].Duration)

	assert.NoError(t, env.reconciler.ApplyStatus(ctx, "unknown", StatusUpdate{Status: StatusCancelled}))
	assert.NoError(t, env.reconciler.Confirm(ctx, "local-missing", "s9"))
}

func TestHistoryRecordCap(t *testing.T) {
	env := newHistoryEnv(t, true)
	ctx := context.Background()
	for i := 0; i < 120; i++ {
		_, err := env.reconciler.Record(ctx, EmergencyRecord{Type: EmergencyManual})
		require.NoError(t, err)
	}
	res, err := env.reconciler.Cached(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Records, DefaultCacheCap)
}
