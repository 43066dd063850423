package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smartsentry/sentry/internal/assistant"
	"github.com/smartsentry/sentry/internal/auth"
	"github.com/smartsentry/sentry/internal/config"
	"github.com/smartsentry/sentry/internal/store"
)

const shutdownTimeout = 15 * time.Second

// HandlerParams holds what the API handlers need, injected by Fx.
type HandlerParams struct {
	fx.In

	Config     *config.Config
	Logger     *zap.Logger
	Users      *store.PostgresUserRepository
	Contacts   *store.PostgresContactRepository
	Events     *store.PostgresSOSRepository
	Evidence   *store.PostgresEvidenceRepository
	Bucket     *store.EvidenceBucket
	Tokens     *auth.TokenService
	Hasher     *auth.PasswordHasher
	Assistant  *assistant.Client
	Hub        *Hub
	Dispatcher *Dispatcher
}

func NewHandlers(p HandlerParams) Handlers {
	var maxUpload int64
	if p.Config.Evidence != nil {
		maxUpload = p.Config.Evidence.MaxUploadBytes
	}
	return Handlers{
		Auth:     &AuthHandler{Users: p.Users, Hasher: p.Hasher, Tokens: p.Tokens, Logger: p.Logger},
		Profile:  &ProfileHandler{Users: p.Users, Logger: p.Logger},
		Contacts: &ContactHandler{Contacts: p.Contacts, Logger: p.Logger},
		SOS: &SOSHandler{
			Events:     p.Events,
			Users:      p.Users,
			Alerts:     p.Hub,
			Responders: p.Dispatcher,
			Logger:     p.Logger,
		},
		Chat: &ChatHandler{Assistant: p.Assistant, Logger: p.Logger},
		Evidence: &EvidenceHandler{
			Evidence:       p.Evidence,
			Blobs:          p.Bucket,
			Alerts:         p.Hub,
			MaxUploadBytes: maxUpload,
			Logger:         p.Logger,
		},
	}
}

// ServerParams holds dependencies for the HTTP server, injected by Fx.
type ServerParams struct {
	fx.In

	Lc         fx.Lifecycle
	Cfg        *config.Config
	Logger     *zap.Logger
	Handlers   Handlers
	Hub        *Hub
	Tokens     *auth.TokenService
	Dispatcher *Dispatcher
}

// Server is the sentryd HTTP listener.
type Server struct {
	cfg        *config.Config
	logger     *zap.Logger
	server     *http.Server
	hub        *Hub
	dispatcher *Dispatcher
}

func NewServer(params ServerParams) *Server {
	timeouts := params.Cfg.HTTP.Timeouts
	srv := &Server{
		cfg:    params.Cfg,
		logger: params.Logger,
		server: &http.Server{
			Addr:              net.JoinHostPort("0.0.0.0", strconv.Itoa(params.Cfg.HTTP.Port)),
			Handler:           NewRouter(params.Handlers, params.Hub, params.Tokens, params.Logger),
			ReadTimeout:       timeouts.ReadTimeout,
			ReadHeaderTimeout: timeouts.ReadHeaderTimeout,
			WriteTimeout:      timeouts.WriteTimeout,
			IdleTimeout:       timeouts.IdleTimeout,
		},
		hub:        params.Hub,
		dispatcher: params.Dispatcher,
	}

	params.Lc.Append(fx.Hook{
		OnStop: srv.stop,
	})
	return srv
}

// Serve blocks until the listener fails or the server is shut down.
func (s *Server) Serve(_ context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("host_port", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.WithStack(err)
	}
	return nil
}

func (s *Server) stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server")

	s.hub.Close()
	err := s.server.Shutdown(shutdownCtx)
	if werr := s.dispatcher.Close(shutdownCtx); werr != nil {
		s.logger.Warn("abandoned pending webhooks", zap.Error(werr))
	}
	return errors.WithStack(err)
}
