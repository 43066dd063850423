package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/smartsentry/sentry"
	"github.com/smartsentry/sentry/internal/store"
)

// fakeTokens issues "tok-<userID>".
type fakeTokens struct{}

func (fakeTokens) Issue(userID string) (string, error) { return "tok-" + userID, nil }

func (fakeTokens) Validate(token string) (string, error) {
	userID, ok := strings.CutPrefix(token, "tok-")
	if !ok || userID == "" {
		return "", errors.New("invalid token")
	}
	return userID, nil
}

type fakeHasher struct{}

func (fakeHasher) Hash(p string) (string, error) { return "hashed:" + p, nil }
func (fakeHasher) Check(p, hash string) bool     { return hash == "hashed:"+p }

type memUsers struct {
	mu     sync.Mutex
	seq    int
	users  map[string]sentry.User
	hashes map[string]string
	err    error
}

func newMemUsers() *memUsers {
	return &memUsers{users: map[string]sentry.User{}, hashes: map[string]string{}}
}

func (m *memUsers) add(u sentry.User, password string) sentry.User {
	u, _ = m.Create(context.Background(), u, "hashed:"+password)
	return u
}

func (m *memUsers) Create(_ context.Context, u sentry.User, hash string) (sentry.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return sentry.User{}, m.err
	}
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return sentry.User{}, store.ErrEmailTaken
		}
	}
	m.seq++
	u.ID = fmt.Sprintf("u%d", m.seq)
	u.CreatedAt = time.Now()
	m.users[u.ID] = u
	m.hashes[u.ID] = hash
	return u, nil
}

func (m *memUsers) ByEmail(_ context.Context, email string) (sentry.User, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, u := range m.users {
		if u.Email == email {
			return u, m.hashes[id], nil
		}
	}
	return sentry.User{}, "", store.ErrNotFound
}

func (m *memUsers) ByID(_ context.Context, id string) (sentry.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return sentry.User{}, store.ErrNotFound
	}
	return u, nil
}

func (m *memUsers) EmailTaken(_ context.Context, email, exceptID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, u := range m.users {
		if u.Email == email && id != exceptID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memUsers) Update(_ context.Context, id string, upd sentry.ProfileUpdate) (sentry.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return sentry.User{}, store.ErrNotFound
	}
	if upd.Name != "" {
		u.Name = upd.Name
	}
	if upd.Email != "" {
		u.Email = upd.Email
	}
	if upd.Mobile != "" {
		u.Mobile = upd.Mobile
	}
	if upd.Address != "" {
		u.Address = upd.Address
	}
	m.users[id] = u
	return u, nil
}

type memContacts struct {
	mu    sync.Mutex
	seq   int
	items map[string][]sentry.Contact
}

func newMemContacts() *memContacts {
	return &memContacts{items: map[string][]sentry.Contact{}}
}

func (m *memContacts) List(_ context.Context, userID string) ([]sentry.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentry.Contact{}, m.items[userID]...), nil
}

func (m *memContacts) Create(_ context.Context, userID string, in sentry.ContactInput) (sentry.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	c := sentry.Contact{ID: fmt.Sprintf("c%d", m.seq), Name: in.Name, Relation: in.Relation, Phone: in.Phone}
	m.items[userID] = append(m.items[userID], c)
	return c, nil
}

func (m *memContacts) Update(_ context.Context, userID, id string, in sentry.ContactInput) (sentry.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.items[userID] {
		if c.ID == id {
			c = sentry.Contact{ID: id, Name: in.Name, Relation: in.Relation, Phone: in.Phone}
			m.items[userID][i] = c
			return c, nil
		}
	}
	return sentry.Contact{}, store.ErrNotFound
}

func (m *memContacts) Delete(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.items[userID]
	for i, c := range list {
		if c.ID == id {
			m.items[userID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

type memSOS struct {
	mu       sync.Mutex
	seq      int
	records  map[string][]sentry.EmergencyRecord
	byClient map[string]sentry.EmergencyRecord
	err      error
}

func newMemSOS() *memSOS {
	return &memSOS{records: map[string][]sentry.EmergencyRecord{}, byClient: map[string]sentry.EmergencyRecord{}}
}

func (m *memSOS) Create(_ context.Context, userID string, ev sentry.SOSEvent) (sentry.EmergencyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return sentry.EmergencyRecord{}, false, m.err
	}
	key := userID + "/" + ev.ClientID
	if rec, ok := m.byClient[key]; ok && ev.ClientID != "" {
		return rec, false, nil
	}
	m.seq++
	notified := 0
	rec := sentry.EmergencyRecord{
		ID:               fmt.Sprintf("s%d", m.seq),
		Type:             ev.Type,
		Status:           sentry.StatusActive,
		Timestamp:        time.Now().UTC().Truncate(time.Second),
		Location:         sentry.NormalizeLocationValue(ev.Location),
		ContactsNotified: &notified,
	}
	m.records[userID] = append(m.records[userID], rec)
	if ev.ClientID != "" {
		m.byClient[key] = rec
	}
	return rec, true, nil
}

func (m *memSOS) History(_ context.Context, userID string, limit, offset int) ([]sentry.EmergencyRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.records[userID]
	newest := make([]sentry.EmergencyRecord, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		newest = append(newest, all[i])
	}
	if offset >= len(newest) {
		return []sentry.EmergencyRecord{}, len(all), nil
	}
	end := min(offset+limit, len(newest))
	return newest[offset:end], len(all), nil
}

func (m *memSOS) UpdateStatus(_ context.Context, userID, id string, upd sentry.StatusUpdate) (sentry.EmergencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, rec := range m.records[userID] {
		if rec.ID == id {
			rec.Status = upd.Status
			if upd.Duration != nil {
				rec.Duration = upd.Duration
			}
			m.records[userID][i] = rec
			return rec, nil
		}
	}
	return sentry.EmergencyRecord{}, store.ErrNotFound
}

type memEvidence struct {
	mu    sync.Mutex
	items map[string]sentry.Evidence
	keys  map[string]string
	owner map[string]string
	order []string
	err   error
}

func newMemEvidence() *memEvidence {
	return &memEvidence{items: map[string]sentry.Evidence{}, keys: map[string]string{}, owner: map[string]string{}}
}

func (m *memEvidence) Create(_ context.Context, userID string, e sentry.Evidence, blobKey string) (sentry.Evidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return sentry.Evidence{}, m.err
	}
	e.CreatedAt = time.Now()
	e.URL = "/api/evidence/" + e.ID + "/file"
	m.items[e.ID] = e
	m.keys[e.ID] = blobKey
	m.owner[e.ID] = userID
	m.order = append(m.order, e.ID)
	return e, nil
}

func (m *memEvidence) List(_ context.Context, userID string, limit, offset int) ([]sentry.Evidence, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var mine []sentry.Evidence
	for _, id := range m.order {
		if m.owner[id] == userID {
			mine = append(mine, m.items[id])
		}
	}
	if offset >= len(mine) {
		return []sentry.Evidence{}, len(mine), nil
	}
	return mine[offset:min(offset+limit, len(mine))], len(mine), nil
}

func (m *memEvidence) BySOS(_ context.Context, userID, sosID string) ([]sentry.Evidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []sentry.Evidence{}
	for _, id := range m.order {
		if m.owner[id] == userID && m.items[id].SOSID == sosID {
			out = append(out, m.items[id])
		}
	}
	return out, nil
}

func (m *memEvidence) Share(_ context.Context, userID, id string, recipients []string) (sentry.Evidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[id]
	if !ok || m.owner[id] != userID {
		return sentry.Evidence{}, store.ErrNotFound
	}
	seen := map[string]bool{}
	for _, r := range e.SharedWith {
		seen[r] = true
	}
	for _, r := range recipients {
		if !seen[r] {
			seen[r] = true
			e.SharedWith = append(e.SharedWith, r)
		}
	}
	m.items[id] = e
	return e, nil
}

func (m *memEvidence) BlobKey(_ context.Context, userID, id string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner[id] != userID {
		return "", "", store.ErrNotFound
	}
	return m.keys[id], m.items[id].ContentType, nil
}

type memBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{data: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, key, _ string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte{}, data...)
	return nil
}

func (m *memBlobs) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memBlobs) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memBlobs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

type broadcast struct {
	userID, eventType string
	payload           any
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []broadcast
}

func (r *recordingBroadcaster) Broadcast(userID, eventType string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, broadcast{userID, eventType, payload})
}

func (r *recordingBroadcaster) sent() []broadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broadcast{}, r.events...)
}

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []sentry.WebhookPayload
}

func (r *recordingNotifier) Notify(p sentry.WebhookPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
}

func (r *recordingNotifier) sent() []sentry.WebhookPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentry.WebhookPayload{}, r.payloads...)
}

type stubReplier struct {
	answer string
	err    error
}

func (s stubReplier) Reply(context.Context, string, *sentry.ChatContext) (string, error) {
	return s.answer, s.err
}

// testAPI runs the full router over in-memory stores.
type testAPI struct {
	users     *memUsers
	contacts  *memContacts
	events    *memSOS
	evidence  *memEvidence
	blobs     *memBlobs
	alerts    *recordingBroadcaster
	notifier  *recordingNotifier
	assistant *stubReplier
	hub       *Hub
	srv       *httptest.Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	api := &testAPI{
		users:     newMemUsers(),
		contacts:  newMemContacts(),
		events:    newMemSOS(),
		evidence:  newMemEvidence(),
		blobs:     newMemBlobs(),
		alerts:    &recordingBroadcaster{},
		notifier:  &recordingNotifier{},
		assistant: &stubReplier{answer: "Stay where it is well lit."},
	}
	logger := zap.NewNop()
	handlers := Handlers{
		Auth:     &AuthHandler{Users: api.users, Hasher: fakeHasher{}, Tokens: fakeTokens{}, Logger: logger},
		Profile:  &ProfileHandler{Users: api.users, Logger: logger},
		Contacts: &ContactHandler{Contacts: api.contacts, Logger: logger},
		SOS: &SOSHandler{
			Events: api.events, Users: api.users, Alerts: api.alerts,
			Responders: api.notifier, Logger: logger,
		},
		Chat: &ChatHandler{Assistant: api.assistant, Logger: logger},
		Evidence: &EvidenceHandler{
			Evidence: api.evidence, Blobs: api.blobs, Alerts: api.alerts,
			MaxUploadBytes: 1 << 20, Logger: logger,
		},
	}
	api.hub = NewHub(fakeTokens{}, logger)
	api.srv = httptest.NewServer(NewRouter(handlers, api.hub, fakeTokens{}, logger))
	t.Cleanup(func() {
		api.hub.Close()
		api.srv.Close()
	})
	return api
}

// client returns an SDK client for the API, signed in as token when non-empty.
func (a *testAPI) client(t *testing.T, token string) *sentry.Client {
	t.Helper()
	c := sentry.NewClient(
		sentry.WithBaseURL(a.srv.URL+"/api"),
		sentry.WithRetryPolicy(sentry.DefaultRetryPolicy().WithAttempts(1)),
	)
	if token != "" {
		if err := c.Tokens().Save(context.Background(), token); err != nil {
			t.Fatalf("save token: %v", err)
		}
	}
	return c
}
