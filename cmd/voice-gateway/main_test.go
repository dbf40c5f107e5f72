package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/melodyhq/voice-gateway/pkg/gateway/config"
	"github.com/melodyhq/voice-gateway/pkg/gateway/quota"
	gatewayserver "github.com/melodyhq/voice-gateway/pkg/gateway/server"
)

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, gatewayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		buildBackends: func(context.Context, config.Config, *slog.Logger) (gatewayserver.Dependencies, error) {
			t.Fatalf("buildBackends should not be called when config load fails")
			return gatewayserver.Dependencies{}, nil
		},
		newGateway: func(cfg config.Config, logger *slog.Logger, deps gatewayserver.Dependencies) *gatewayserver.Server {
			t.Fatalf("newGateway should not be called when config load fails")
			return nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); got == "" {
		t.Fatalf("expected stderr output for startup error")
	}
}

func TestRunGateway_ReturnsErrorWhenBackendsFail(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := runGateway(context.Background(), logger, gatewayDeps{
		loadConfig: func() (config.Config, error) { return config.Config{}, nil },
		buildBackends: func(context.Context, config.Config, *slog.Logger) (gatewayserver.Dependencies, error) {
			return gatewayserver.Dependencies{}, errors.New("no backend")
		},
		newGateway: func(cfg config.Config, logger *slog.Logger, deps gatewayserver.Dependencies) *gatewayserver.Server {
			t.Fatalf("newGateway should not be called when backends fail")
			return nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})
	if err == nil {
		t.Fatalf("expected backend build error")
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
}

func TestBuildCreationGate_SelectsByConfig(t *testing.T) {
	t.Parallel()

	if _, ok := buildCreationGate(config.Config{}).(quota.Unlimited); !ok {
		t.Fatalf("zero limit should disable the quota")
	}
	if _, ok := buildCreationGate(config.Config{PlaylistDailyLimit: 5}).(*quota.MemoryGate); !ok {
		t.Fatalf("no redis address should use the in-memory gate")
	}
	if _, ok := buildCreationGate(config.Config{PlaylistDailyLimit: 5, RedisAddr: "localhost:6379"}).(*quota.RedisGate); !ok {
		t.Fatalf("redis address should use the redis gate")
	}
}

func TestGatewayHandlerStack_Smoke(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := gatewayserver.New(config.Config{
		AuthMode:           config.AuthModeDisabled,
		APIKeys:            map[string]struct{}{},
		CORSAllowedOrigins: map[string]struct{}{},

		Voice:                    "alloy",
		UpstreamHandshakeTimeout: time.Second,
		ToolResultSettleDelay:    500 * time.Millisecond,
		HistoryLimit:             12,
		LiveWSPingInterval:       20 * time.Second,
		LiveWSWriteTimeout:       5 * time.Second,
		LiveMaxJSONMessageBytes:  64 * 1024,
		LiveOutboundQueueSize:    16,
		ReadHeaderTimeout:        time.Second,
		ShutdownGracePeriod:      time.Second,
	}, logger, gatewayserver.Dependencies{})

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
}
