package sentry

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenKey = "token"

// TokenStore persists the bearer credential. Load returns "" when no token is stored.
type TokenStore interface {
	Save(ctx context.Context, token string) error
	Load(ctx context.Context) (string, error)
	Clear(ctx context.Context) error
}

// StorageTokenStore keeps the token under a fixed key in a Storage.
type StorageTokenStore struct {
	storage Storage
}

// NewTokenStore creates a TokenStore backed by storage.
func NewTokenStore(storage Storage) *StorageTokenStore {
	return &StorageTokenStore{storage: storage}
}

func (s *StorageTokenStore) Save(ctx context.Context, token string) error {
	return s.storage.Set(ctx, tokenKey, []byte(token))
}

func (s *StorageTokenStore) Load(ctx context.Context) (string, error) {
	v, ok, err := s.storage.Get(ctx, tokenKey)
	if err != nil || !ok {
		return "", err
	}
	return string(v), nil
}

func (s *StorageTokenStore) Clear(ctx context.Context) error {
	return s.storage.Delete(ctx, tokenKey)
}

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// It reports false when token is not a JWT or carries no expiry.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
