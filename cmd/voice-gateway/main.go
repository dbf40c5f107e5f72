package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/melodyhq/voice-gateway/internal/dotenv"
	"github.com/melodyhq/voice-gateway/pkg/gateway/actions/spotify"
	"github.com/melodyhq/voice-gateway/pkg/gateway/actions/tavily"
	"github.com/melodyhq/voice-gateway/pkg/gateway/config"
	"github.com/melodyhq/voice-gateway/pkg/gateway/playlist"
	"github.com/melodyhq/voice-gateway/pkg/gateway/quota"
	gatewayserver "github.com/melodyhq/voice-gateway/pkg/gateway/server"
	"github.com/melodyhq/voice-gateway/pkg/gateway/upstream"
)

type gatewayDeps struct {
	loadConfig    func() (config.Config, error)
	buildBackends func(context.Context, config.Config, *slog.Logger) (gatewayserver.Dependencies, error)
	newGateway    func(config.Config, *slog.Logger, gatewayserver.Dependencies) *gatewayserver.Server
	signalNotify  func(chan<- os.Signal, ...os.Signal)
	signalStop    func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig:    config.LoadFromEnv,
		buildBackends: buildBackends,
		newGateway:    gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// buildBackends wires the action service and the upstream dialer from
// config. Playlist generation and web search stay disabled when their
// API keys are absent; the Spotify service reports that to the agent
// instead of failing at startup.
func buildBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (gatewayserver.Dependencies, error) {
	opts := []spotify.Option{spotify.WithBaseURL(cfg.SpotifyBaseURL)}

	if cfg.GeminiAPIKey != "" {
		gen, err := playlist.New(ctx, cfg.GeminiAPIKey, playlist.WithModel(cfg.GeminiModel))
		if err != nil {
			return gatewayserver.Dependencies{}, fmt.Errorf("playlist generator: %w", err)
		}
		opts = append(opts, spotify.WithGenerator(gen))
		opts = append(opts, spotify.WithCreationGate(buildCreationGate(cfg)))
	}

	if cfg.TavilyAPIKey != "" {
		opts = append(opts, spotify.WithWebSearcher(
			tavily.New(cfg.TavilyAPIKey, tavily.WithBaseURL(cfg.TavilyBaseURL)),
		))
	}

	return gatewayserver.Dependencies{
		Actions: spotify.New(opts...),
		Dialer: &upstream.Dialer{
			URL:    cfg.UpstreamURL,
			APIKey: cfg.UpstreamAPIKey,
			Model:  cfg.UpstreamModel,
			Logger: logger,
		},
	}, nil
}

func buildCreationGate(cfg config.Config) spotify.CreationGate {
	if cfg.PlaylistDailyLimit == 0 {
		return quota.Unlimited{}
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return quota.NewRedisGate(client, cfg.PlaylistDailyLimit)
	}
	return quota.NewMemoryGate(cfg.PlaylistDailyLimit)
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runGateway(ctx context.Context, logger *slog.Logger, deps gatewayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.buildBackends == nil {
		return errors.New("missing buildBackends dependency")
	}
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	backends, err := deps.buildBackends(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build backends: %w", err)
	}

	gw := deps.newGateway(cfg, logger, backends)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting voice gateway", "addr", cfg.Addr, "auth_mode", cfg.AuthMode, "model", cfg.UpstreamModel)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	store := gw.Store()
	if n := store.WarnAll("server_draining", "the server is shutting down"); n > 0 {
		logger.Info("warned live sessions", "count", n)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !store.Wait(waitCtx) {
		if n := store.CancelAll(); n > 0 {
			logger.Warn("cancelled sessions that outlived the grace period", "count", n)
		}
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("voice gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "voice-gateway: %v\n", err)
		return 1
	}

	if err := runGateway(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voice-gateway: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
