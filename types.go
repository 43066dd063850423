package sentry

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Accounts
// ============================================================================

// User is a registered account as returned by the API (never includes the password).
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Mobile       string    `json:"mobile"`
	Address      string    `json:"address,omitempty"`
	ProfileImage string    `json:"profileImage,omitempty"`
	CreatedAt    time.Time `json:"createdAt,omitempty"`
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Mobile   string `json:"mobile"`
	Address  string `json:"address,omitempty"`
	Password string `json:"password"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResult is returned by register and login.
type AuthResult struct {
	Message string `json:"message,omitempty"`
	Token   string `json:"token"`
	User    User   `json:"user"`
}

// ProfileUpdate is the body of PUT /profile. Empty fields are left unchanged.
type ProfileUpdate struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Mobile  string `json:"mobile,omitempty"`
	Address string `json:"address,omitempty"`
}

// ============================================================================
// Trusted contacts
// ============================================================================

// Contact is a trusted person notified during an emergency.
type Contact struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Relation string `json:"relation"`
	Phone    string `json:"phone"`
}

// ContactInput is the body of POST /contacts and PUT /contacts/{id}.
type ContactInput struct {
	Name     string `json:"name"`
	Relation string `json:"relation"`
	Phone    string `json:"phone"`
}

// MessageResponse is the generic {message} acknowledgement.
type MessageResponse struct {
	Message string `json:"message"`
}

// ============================================================================
// Emergencies
// ============================================================================

// EmergencyType names what triggered an SOS.
type EmergencyType string

const (
	EmergencyManual   EmergencyType = "manual"
	EmergencyAccident EmergencyType = "accident"
	EmergencyPanic    EmergencyType = "panic"
	EmergencyShake    EmergencyType = "shake"
	EmergencyPower    EmergencyType = "power"
	EmergencyVoice    EmergencyType = "voice"
	EmergencyCard     EmergencyType = "card"
	EmergencyMedical  EmergencyType = "medical"
)

// Valid reports whether t is one of the known trigger types.
func (t EmergencyType) Valid() bool {
	switch t {
	case EmergencyManual, EmergencyAccident, EmergencyPanic, EmergencyShake,
		EmergencyPower, EmergencyVoice, EmergencyCard, EmergencyMedical:
		return true
	}
	return false
}

// EmergencyStatus is the lifecycle state of an SOS.
type EmergencyStatus string

const (
	StatusActive    EmergencyStatus = "active"
	StatusResolved  EmergencyStatus = "resolved"
	StatusCancelled EmergencyStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s EmergencyStatus) Valid() bool {
	return s == StatusActive || s == StatusResolved || s == StatusCancelled
}

// Location is a normalized position. Latitude and Longitude are nil when
// no coordinates could be recovered; Address then holds the original text.
type Location struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Address   string   `json:"address"`
}

// HasCoordinates reports whether both coordinates are known.
func (l Location) HasCoordinates() bool {
	return l.Latitude != nil && l.Longitude != nil
}

// EmergencyRecord is one historical SOS event.
type EmergencyRecord struct {
	ID               string          `json:"id"`
	Type             EmergencyType   `json:"type"`
	Status           EmergencyStatus `json:"status"`
	Timestamp        time.Time       `json:"timestamp"`
	Location         Location        `json:"location"`
	Duration         *int            `json:"duration,omitempty"`
	ContactsNotified *int            `json:"contactsNotified,omitempty"`
}

// UnmarshalJSON accepts every location shape the API has produced
// and normalizes it with NormalizeLocation.
func (r *EmergencyRecord) UnmarshalJSON(data []byte) error {
	type plain EmergencyRecord
	var aux struct {
		plain
		Location json.RawMessage `json:"location"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = EmergencyRecord(aux.plain)
	r.Location = NormalizeLocation(raw)
	return nil
}

// SOSEvent is the body of POST /sos/start. Location may be a string
// or any of the object shapes NormalizeLocation understands.
type SOSEvent struct {
	Type     EmergencyType `json:"type"`
	Location any           `json:"location,omitempty"`
	// ClientID lets the server recognise a resent event.
	ClientID string `json:"clientId,omitempty"`
}

// SOSLogResult acknowledges a logged SOS.
type SOSLogResult struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

// StatusUpdate is the body of PUT /sos/{id}/status.
type StatusUpdate struct {
	Status   EmergencyStatus `json:"status"`
	Duration *int            `json:"duration,omitempty"`
}

// ============================================================================
// Paging
// ============================================================================

// Pagination describes where a page sits in a listing.
type Pagination struct {
	Page       int `json:"page"`
	TotalPages int `json:"totalPages"`
	Total      int `json:"total"`
}

// Page is the {success, data, pagination} envelope of listing endpoints.
type Page[T any] struct {
	Success    bool       `json:"success"`
	Data       []T        `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// HistoryPage is one page of GET /sos/history.
type HistoryPage = Page[EmergencyRecord]

type dataEnvelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
}

// ============================================================================
// Assistant chat
// ============================================================================

// ChatTurn is one earlier exchange in the conversation.
type ChatTurn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// ChatContext gives the assistant what it needs to tailor guidance.
type ChatContext struct {
	UserProfile         *User             `json:"userProfile,omitempty"`
	Contacts            []Contact         `json:"contacts,omitempty"`
	EmergencyHistory    []EmergencyRecord `json:"emergencyHistory,omitempty"`
	ConversationHistory []ChatTurn        `json:"conversationHistory,omitempty"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Message string       `json:"message"`
	Context *ChatContext `json:"context,omitempty"`
}

// ChatReply is the assistant's answer.
type ChatReply struct {
	Response string `json:"response"`
	Offline  bool   `json:"offline"`
	Model    string `json:"model"`
}

// ============================================================================
// Evidence
// ============================================================================

// EvidenceType is the media kind of an evidence item.
type EvidenceType string

const (
	EvidencePhoto EvidenceType = "photo"
	EvidenceAudio EvidenceType = "audio"
	EvidenceVideo EvidenceType = "video"
)

// Evidence is a media file captured during an SOS.
type Evidence struct {
	ID          string       `json:"id"`
	SOSID       string       `json:"sosId"`
	Type        EvidenceType `json:"type"`
	FileName    string       `json:"fileName"`
	ContentType string       `json:"contentType"`
	Size        int64        `json:"size"`
	URL         string       `json:"url,omitempty"`
	Location    any          `json:"location,omitempty"`
	SharedWith  []string     `json:"sharedWith,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// EvidenceFile is one file of an upload.
type EvidenceFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// EvidenceUpload is the multipart body of POST /evidence/upload.
type EvidenceUpload struct {
	SOSID    string
	Type     EvidenceType
	Location string
	Files    []EvidenceFile
}
