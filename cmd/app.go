package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/adwski/gamehub/identity"
	"github.com/adwski/gamehub/invite"
	"github.com/adwski/gamehub/presence"
	"github.com/adwski/gamehub/relay"
	websocketServer "github.com/adwski/gamehub/server/websocket"
	"github.com/adwski/gamehub/service"
)

type appConfig struct {
	// TokenSecret signs identity tokens minted by the identity provider.
	TokenSecret       string        `env:"GAMEHUB_TOKEN_SECRET,required"`
	HeartbeatInterval time.Duration `env:"GAMEHUB_HEARTBEAT_INTERVAL" envDefault:"30s"`
	InviteTTL         time.Duration `env:"GAMEHUB_INVITE_TTL" envDefault:"60s"`
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		wsListenAddr = fs.StringP("ws-listen-addr", "w", ":8888", "websocket listen address")
		logLevel     = fs.StringP("log-level", "l", "debug", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	var cfg appConfig
	if err = env.Parse(&cfg); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse environment")
	}

	registry := presence.NewRegistry(presence.Config{
		Logger:            &logger,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	coordinator := invite.NewCoordinator(invite.Config{
		Logger: &logger,
		TTL:    cfg.InviteTTL,
	})
	gameRelay := relay.NewRelay(relay.Config{
		Logger: &logger,
		Sender: registry,
	})
	svc := service.NewService(service.Config{
		Logger:      &logger,
		Registry:    registry,
		Coordinator: coordinator,
		Relay:       gameRelay,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SessionService:   svc,
		IdentityProvider: identity.NewJWTProvider([]byte(cfg.TokenSecret)),
		ListenAddr:       *wsListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 1)
	)
	wg.Add(2)
	go wsSrv.Run(ctx, wg, errc)
	go registry.Supervise(ctx, wg)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
