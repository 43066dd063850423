package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/smartsentry/sentry"
	"github.com/smartsentry/sentry/internal/store"
)

// UserStore persists accounts.
type UserStore interface {
	Create(ctx context.Context, u sentry.User, passwordHash string) (sentry.User, error)
	ByEmail(ctx context.Context, email string) (sentry.User, string, error)
	ByID(ctx context.Context, id string) (sentry.User, error)
	EmailTaken(ctx context.Context, email, exceptID string) (bool, error)
	Update(ctx context.Context, id string, upd sentry.ProfileUpdate) (sentry.User, error)
}

// TokenIssuer signs access tokens.
type TokenIssuer interface {
	Issue(userID string) (string, error)
}

// PasswordHasher hashes and checks passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Check(password, hash string) bool
}

// AuthHandler serves registration and login.
type AuthHandler struct {
	Users  UserStore
	Hasher PasswordHasher
	Tokens TokenIssuer
	Logger *zap.Logger
}

type registerRequest struct {
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Mobile   string `json:"mobile" validate:"required"`
	Address  string `json:"address"`
	Password string `json:"password" validate:"required"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Register handles POST /api/auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}

	hash, err := h.Hasher.Hash(req.Password)
	if err != nil {
		h.Logger.Error("hash password", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, msgServerError)
		return
	}

	user, err := h.Users.Create(r.Context(), sentry.User{
		Name:    strings.TrimSpace(req.Name),
		Email:   normalizeEmail(req.Email),
		Mobile:  strings.TrimSpace(req.Mobile),
		Address: strings.TrimSpace(req.Address),
	}, hash)
	if errors.Is(err, store.ErrEmailTaken) {
		writeMessage(w, http.StatusBadRequest, "User already exists")
		return
	}
	if err != nil {
		h.Logger.Error("create user", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, msgServerError)
		return
	}

	h.respondWithToken(w, http.StatusCreated, "User registered successfully", user)
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}

	user, hash, err := h.Users.ByEmail(r.Context(), normalizeEmail(req.Email))
	if errors.Is(err, store.ErrNotFound) || (err == nil && !h.Hasher.Check(req.Password, hash)) {
		writeMessage(w, http.StatusBadRequest, "Invalid credentials")
		return
	}
	if err != nil {
		h.Logger.Error("find user", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, msgServerError)
		return
	}

	h.respondWithToken(w, http.StatusOK, "Login successful", user)
}

func (h *AuthHandler) respondWithToken(w http.ResponseWriter, status int, msg string, user sentry.User) {
	token, err := h.Tokens.Issue(user.ID)
	if err != nil {
		h.Logger.Error("issue token", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, msgServerError)
		return
	}
	writeJSON(w, status, sentry.AuthResult{Message: msg, Token: token, User: user})
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
