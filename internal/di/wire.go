//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"github.com/google/wire"

	"github.com/myeline/careauth/internal/config"
	"github.com/myeline/careauth/internal/repository"
	"github.com/myeline/careauth/internal/service"
)

var repositorySet = wire.NewSet(
	provideDB,
	provideRedis,
	provideSessionRepository,
	repository.NewPrincipalRepository,
	repository.NewVerificationTokenRepository,
	repository.NewGrantRepository,
	repository.NewUnitOfWork,
)

var serviceSet = wire.NewSet(
	provideClock,
	provideHasher,
	provideVerificationSender,
	provideAuthSettings,
	provideSessionManager,
	service.NewAccessService,
	service.NewAuthService,
	provideSweeper,
)

var httpSet = wire.NewSet(
	provideCookieManager,
	provideReadiness,
	provideRateLimiters,
	provideRouter,
	provideHTTPServer,
)

func InitializeContainer(ctx context.Context, cfg *config.Config) (*Container, func(), error) {
	wire.Build(
		provideRuntime,
		provideLogger,
		repositorySet,
		serviceSet,
		httpSet,
		provideApp,
		provideContainer,
	)
	return nil, nil, nil
}
