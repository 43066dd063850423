package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smartsentry/sentry"
)

const probeTimeout = 3 * time.Second

// session is everything a command needs: config, the local cache, and an
// SDK client whose token lives in that cache.
type session struct {
	cfg     *Config
	storage *sentry.SQLiteStorage
	client  *sentry.Client
	network *sentry.NetworkStatus
	history *sentry.HistoryReconciler
	logger  *zap.Logger
}

func openSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	path, err := cachePath()
	if err != nil {
		return nil, err
	}
	storage, err := sentry.OpenSQLiteStorage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local cache: %w", err)
	}

	logger := zap.NewNop()
	if verbose {
		if dev, err := zap.NewDevelopment(); err == nil {
			logger = dev
		}
	}

	opts := []sentry.ClientOption{
		sentry.WithTokenStore(sentry.NewTokenStore(storage)),
		sentry.WithLogger(logger),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, sentry.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" {
		opts = append(opts, sentry.WithEnvironment(sentry.Environment(cfg.Default.Environment)))
	}
	client := sentry.NewClient(opts...)

	return &session{
		cfg:     cfg,
		storage: storage,
		client:  client,
		network: sentry.NewNetworkStatus(sentry.NetworkUnknown, logger),
		history: sentry.NewHistoryReconciler(client, sentry.NewLocalCache[sentry.EmergencyRecord](storage)),
		logger:  logger,
	}, nil
}

func (s *session) Close() {
	_ = s.logger.Sync()
	if err := s.storage.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close local cache: %v\n", err)
	}
}

// probe checks the API once and records the result on s.network.
func (s *session) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := s.client.Ping(ctx); err != nil {
		s.network.Set(sentry.NetworkOffline)
		return false
	}
	s.network.Set(sentry.NetworkOnline)
	return true
}

// requireLogin fails early when no token is stored.
func (s *session) requireLogin(ctx context.Context) error {
	token, err := s.client.Tokens().Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to read token: %w", err)
	}
	if token == "" {
		return fmt.Errorf("not logged in; run 'sentry login' first")
	}
	return nil
}

func withSession(fn func(ctx context.Context, s *session) error) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(context.Background(), s)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// parseLatLng accepts "lat,lng".
func parseLatLng(s string) (float64, float64, error) {
	lat, lng, ok := sentry.ParseCoordinates(s)
	if !ok {
		return 0, 0, fmt.Errorf("invalid coordinates %q (expected lat,lng)", s)
	}
	return lat, lng, nil
}

func formatLocation(loc sentry.Location) string {
	if loc.HasCoordinates() {
		coords := sentry.FormatCoordinates(*loc.Latitude, *loc.Longitude).Short
		if loc.Address != "" && loc.Address != sentry.UnknownLocation && loc.Address != coords {
			return loc.Address + " (" + coords + ")"
		}
		return coords
	}
	return valueOrDefault(loc.Address, sentry.UnknownLocation)
}

func formatDuration(seconds *int) string {
	if seconds == nil {
		return "-"
	}
	return (time.Duration(*seconds) * time.Second).String()
}

func parseDuration(s string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return &n, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return nil, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	n := int(d / time.Second)
	return &n, nil
}

func valueOrDefault(val, def string) string {
	if strings.TrimSpace(val) == "" {
		return def
	}
	return val
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}
