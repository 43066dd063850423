package main

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smartsentry/sentry/internal/assistant"
	"github.com/smartsentry/sentry/internal/auth"
	"github.com/smartsentry/sentry/internal/config"
	"github.com/smartsentry/sentry/internal/logger"
	"github.com/smartsentry/sentry/internal/server"
	"github.com/smartsentry/sentry/internal/store"
)

func main() {
	fx.New(
		injectInfra(),
		injectRepo(),
		injectService(),
		injectDelivery(),
		fx.Invoke(
			startServer,
		),
	).Run()
}

func injectInfra() fx.Option {
	return fx.Provide(
		config.New,
		logger.New,
		context.Background,
		store.New,
		store.NewEvidenceBucket,
	)
}

func injectRepo() fx.Option {
	return fx.Options(
		fx.Provide(
			store.NewUserRepository,
			store.NewContactRepository,
			store.NewSOSRepository,
			store.NewEvidenceRepository,
		),
	)
}

func injectService() fx.Option {
	return fx.Options(
		fx.Provide(
			auth.NewPasswordHasher,
			auth.NewTokenService,
			assistant.New,
			newHub,
			server.NewDispatcher,
		),
	)
}

// newHub authenticates alert stream connections with the API's token service.
func newHub(tokens *auth.TokenService, log *zap.Logger) *server.Hub {
	return server.NewHub(tokens, log)
}

func injectDelivery() fx.Option {
	return fx.Options(
		fx.Provide(
			server.NewHandlers,
			server.NewServer,
		),
	)
}

func startServer(ctx context.Context, srv *server.Server, log *zap.Logger) {
	go func() {
		if err := srv.Serve(ctx); err != nil {
			log.Error("Failed to start server", zap.Error(err))
			os.Exit(1)
		}
	}()
}
