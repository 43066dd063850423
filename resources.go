package sentry

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// ============================================================================
// Resource sub-clients
// ============================================================================

// AuthClient handles registration, login, and the stored credential.
type AuthClient struct{ c *Client }

// Register creates an account and stores the returned token.
func (a *AuthClient) Register(ctx context.Context, req RegisterRequest) (*AuthResult, error) {
	res, err := doJSON[AuthResult](ctx, a.c, http.MethodPost, "/auth/register", req, Public())
	if err != nil {
		return nil, err
	}
	return res, a.store(ctx, res.Token)
}

// Login authenticates and stores the returned token.
func (a *AuthClient) Login(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	res, err := doJSON[AuthResult](ctx, a.c, http.MethodPost, "/auth/login", req, Public())
	if err != nil {
		return nil, err
	}
	return res, a.store(ctx, res.Token)
}

func (a *AuthClient) store(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return a.c.tokens.Save(ctx, token)
}

// LoadToken returns the stored token, or "" when logged out.
func (a *AuthClient) LoadToken(ctx context.Context) (string, error) {
	return a.c.tokens.Load(ctx)
}

// Logout forgets the stored token.
func (a *AuthClient) Logout(ctx context.Context) error {
	return a.c.tokens.Clear(ctx)
}

// ProfileClient reads and edits the signed-in user.
type ProfileClient struct{ c *Client }

func (p *ProfileClient) Get(ctx context.Context) (*User, error) {
	return doJSON[User](ctx, p.c, http.MethodGet, "/profile", nil)
}

func (p *ProfileClient) Update(ctx context.Context, update ProfileUpdate) (*User, error) {
	return doJSON[User](ctx, p.c, http.MethodPut, "/profile", update)
}

// ContactsClient manages trusted contacts.
type ContactsClient struct{ c *Client }

func (cc *ContactsClient) List(ctx context.Context) ([]Contact, error) {
	res, err := doJSON[[]Contact](ctx, cc.c, http.MethodGet, "/contacts", nil)
	if err != nil {
		return nil, err
	}
	return *res, nil
}

func (cc *ContactsClient) Add(ctx context.Context, contact ContactInput) (*Contact, error) {
	return doJSON[Contact](ctx, cc.c, http.MethodPost, "/contacts", contact)
}

func (cc *ContactsClient) Update(ctx context.Context, id string, contact ContactInput) (*Contact, error) {
	return doJSON[Contact](ctx, cc.c, http.MethodPut, "/contacts/"+url.PathEscape(id), contact)
}

func (cc *ContactsClient) Delete(ctx context.Context, id string) error {
	_, err := cc.c.Do(ctx, http.MethodDelete, "/contacts/"+url.PathEscape(id), nil)
	return err
}

// SOSClient logs emergencies and reads their history.
type SOSClient struct{ c *Client }

// LogEmergency reports an SOS. Each attempt is bounded by SOSTimeout.
func (s *SOSClient) LogEmergency(ctx context.Context, event SOSEvent) (*SOSLogResult, error) {
	return doJSON[SOSLogResult](ctx, s.c, http.MethodPost, "/sos/start", event, Timeout(SOSTimeout))
}

// GetHistory fetches one page of emergency history. Zero limit or page uses the server default.
func (s *SOSClient) GetHistory(ctx context.Context, limit, page int) (*HistoryPage, error) {
	return doJSON[HistoryPage](ctx, s.c, http.MethodGet, "/sos/history", nil, Query(pageQuery(limit, page)))
}

// UpdateStatus resolves or cancels an SOS.
func (s *SOSClient) UpdateStatus(ctx context.Context, id string, update StatusUpdate) (*EmergencyRecord, error) {
	return doJSON[EmergencyRecord](ctx, s.c, http.MethodPut, "/sos/"+url.PathEscape(id)+"/status", update, Timeout(SOSTimeout))
}

// EvidenceClient stores and shares media captured during an SOS.
type EvidenceClient struct{ c *Client }

func (e *EvidenceClient) List(ctx context.Context, limit, page int) (*Page[Evidence], error) {
	return doJSON[Page[Evidence]](ctx, e.c, http.MethodGet, "/evidence", nil, Query(pageQuery(limit, page)))
}

func (e *EvidenceClient) BySOS(ctx context.Context, sosID string) ([]Evidence, error) {
	res, err := doJSON[dataEnvelope[[]Evidence]](ctx, e.c, http.MethodGet, "/evidence/sos/"+url.PathEscape(sosID), nil)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

func (e *EvidenceClient) Share(ctx context.Context, id string, recipients []string) (*Evidence, error) {
	body := map[string][]string{"recipients": recipients}
	res, err := doJSON[dataEnvelope[Evidence]](ctx, e.c, http.MethodPost, "/evidence/"+url.PathEscape(id)+"/share", body)
	if err != nil {
		return nil, err
	}
	return &res.Data, nil
}

// Upload sends evidence files as multipart/form-data.
func (e *EvidenceClient) Upload(ctx context.Context, upload EvidenceUpload) ([]Evidence, error) {
	body := NewMultipartBody().
		Field("sosId", upload.SOSID).
		Field("type", string(upload.Type))
	if upload.Location != "" {
		body.Field("location", upload.Location)
	}
	for _, f := range upload.Files {
		body.File("files", f.Name, f.ContentType, f.Data)
	}
	res, err := doJSON[dataEnvelope[[]Evidence]](ctx, e.c, http.MethodPost, "/evidence/upload", body)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

func pageQuery(limit, page int) url.Values {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	return q
}
