// ABOUTME: Entry point for the agentgw control-plane server
// ABOUTME: Wires the store, bus, registry, limiters, LLM provider, and channel adapters, then serves until signaled

// Command agentgw-server runs the gateway as a long-lived process: it
// wires the repository, event bus, tool registry, policy engine, approval
// broker, LLM provider, metrics, control plane, and channel adapters
// together, then serves until terminated.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/hashicorp/go-multierror"
	_ "go.uber.org/automaxprocs"

	"github.com/kilnlabs/agentgw/internal/approval"
	"github.com/kilnlabs/agentgw/internal/auth"
	"github.com/kilnlabs/agentgw/internal/channels"
	"github.com/kilnlabs/agentgw/internal/config"
	"github.com/kilnlabs/agentgw/internal/controlplane"
	"github.com/kilnlabs/agentgw/internal/domain"
	"github.com/kilnlabs/agentgw/internal/eventbus"
	"github.com/kilnlabs/agentgw/internal/gateway"
	"github.com/kilnlabs/agentgw/internal/llm"
	"github.com/kilnlabs/agentgw/internal/logging"
	"github.com/kilnlabs/agentgw/internal/metrics"
	"github.com/kilnlabs/agentgw/internal/ratelimit"
	"github.com/kilnlabs/agentgw/internal/store"
	"github.com/kilnlabs/agentgw/internal/tools"
)

// version is set by -ldflags at release build time.
var version = "dev"

const banner = `
   __ _  __ _  ___ _ __ | |_ __ ___      __
  / _' |/ _' |/ _ \ '_ \| __/ _' \ \ /\ / /
 | (_| | (_| |  __/ | | | || (_| |\ V  V /
  \__,_|\__, |\___|_| |_|\__\__, | \_/\_/
        |___/               |___/
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "agentgw-server: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	logger.Info("starting agentgw-server", "instance_id", cfg.InstanceID, "addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))

	st, err := store.NewSQLiteStore(filepath.Join(cfg.DataDir, "gateway.db"))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	bus := eventbus.New(logger)

	registry, closePacks, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePacks()

	principalLimiter := ratelimit.New(cfg.RateRPS, cfg.RateBurst)
	channelLimiter := ratelimit.New(cfg.RateRPS, cfg.RateBurst)
	defer principalLimiter.Close()
	defer channelLimiter.Close()

	approvals := approval.New()

	provider := buildLLMProvider(cfg)
	m := metrics.New(bus)
	if cb, ok := provider.(*llm.CircuitBreaker); ok {
		cb.OnTransition = m.CircuitBreakerHook()
	}
	m.ObserveRateLimiter("principal", principalLimiter)
	m.ObserveRateLimiter("channel", channelLimiter)

	gwCfg := gateway.DefaultConfig()
	gwCfg.MaxSteps = cfg.MaxSteps
	gwCfg.RunTimeout = cfg.RunTimeout
	gwCfg.ApprovalTimeout = cfg.ApprovalTimeout
	gwCfg.ToolTimeout = cfg.ToolTimeout

	gw, err := gateway.New(ctx, st, bus, registry, principalLimiter, channelLimiter, approvals, provider, gwCfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	gw.SetMetrics(m)
	defer gw.Shutdown()

	stopChannels, err := startChannels(ctx, gw, cfg, logger)
	if err != nil {
		return fmt.Errorf("starting channels: %w", err)
	}
	defer stopChannels()

	var tokens *auth.JWTVerifier
	if cfg.JWTSecret != "" {
		tokens = auth.NewJWTVerifier([]byte(cfg.JWTSecret))
	}

	cpCfg := controlplane.DefaultConfig()
	cpCfg.InstanceID = cfg.InstanceID
	cpCfg.APIKeys = cfg.APIKeys
	cpCfg.PingInterval = cfg.PingInterval
	cpCfg.PingTimeout = cfg.PingTimeout
	controlplane.Version = version

	srv := controlplane.New(gw, cpCfg, logger, m, tokens)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: srv.Handler(),
	}

	ln, err := net.Listen("tcp", httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", httpSrv.Addr, err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(ln) }()

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("listening on %s\n", httpSrv.Addr)
	logger.Info("agentgw-server ready", "addr", httpSrv.Addr)

	select {
	case <-ctx.Done():
		logger.Info("shutting down agentgw-server")
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serving: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	return nil
}

// buildLLMProvider wraps the configured LLM backend in a circuit breaker,
// matching the component design's admission-control boundary regardless of
// which concrete provider is selected.
func buildLLMProvider(cfg config.Config) llm.Provider {
	var inner llm.Provider
	if cfg.LLMProvider == "" || cfg.LLMProvider == "mock" {
		inner = &llm.MockProvider{}
	} else {
		// Any non-"mock" value is the chat-completion endpoint URL itself;
		// there is no separate endpoint variable in the configuration surface.
		inner = llm.NewHTTPProvider(cfg.LLMProvider, cfg.LLMAPIKey, cfg.LLMTimeout)
	}
	return llm.NewCircuitBreaker(inner, cfg.CircuitThreshold, cfg.CircuitCooldown, 1)
}

// buildRegistry assembles the builtin tools plus every pack discovered
// under cfg.PluginDir. A pack is one subdirectory containing a manifest.json
// of {"name","command","args","permission"}.
func buildRegistry(ctx context.Context, cfg config.Config, logger *slog.Logger) (*tools.Registry, func(), error) {
	registry := tools.New()
	for _, spec := range tools.Builtins() {
		if err := registry.Register(spec); err != nil {
			return nil, nil, fmt.Errorf("registering builtin tool %s: %w", spec.Name, err)
		}
	}

	closers := make([]func() error, 0)
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}

	if cfg.PluginDir == "" {
		return registry, closeAll, nil
	}

	entries, err := os.ReadDir(cfg.PluginDir)
	if err != nil {
		if os.IsNotExist(err) {
			return registry, closeAll, nil
		}
		return nil, nil, fmt.Errorf("reading plugin dir: %w", err)
	}

	var merr *multierror.Error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifest, err := loadPackManifest(filepath.Join(cfg.PluginDir, entry.Name()))
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("pack %s: %w", entry.Name(), err))
			continue
		}
		specs, closeFn, err := tools.LoadPack(ctx, manifest.Name, manifest.Command, manifest.Args, manifest.Permission)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("pack %s: %w", entry.Name(), err))
			continue
		}
		closers = append(closers, closeFn)
		for _, spec := range specs {
			if err := registry.Register(spec); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("pack %s: registering %s: %w", entry.Name(), spec.Name, err))
			}
		}
	}

	if merr != nil {
		closeAll()
		return nil, nil, merr
	}
	return registry, closeAll, nil
}

type packManifest struct {
	Name       string               `json:"name"`
	Command    string               `json:"command"`
	Args       []string             `json:"args"`
	Permission domain.ToolPermission `json:"permission"`
}

func loadPackManifest(dir string) (packManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return packManifest{}, err
	}
	var m packManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return packManifest{}, err
	}
	if m.Name == "" || m.Command == "" {
		return packManifest{}, fmt.Errorf("manifest missing name or command")
	}
	return m, nil
}

// channelAdapter is the common lifecycle every transport adapter exposes.
type channelAdapter interface {
	Start(context.Context) error
	Stop(context.Context) error
}

// startChannels brings up every channel adapter the configuration enables,
// returning a stop function that tears them all down. Webchat is always
// enabled since it has no external credentials to configure.
func startChannels(ctx context.Context, gw *gateway.Gateway, cfg config.Config, logger *slog.Logger) (func(), error) {
	var started []channelAdapter

	webchat := channels.NewWebchatAdapter(gw, nil, "web-1", cfg.LLMTimeout)
	if err := webchat.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting webchat: %w", err)
	}
	started = append(started, webchat)

	if cfg.TelegramToken != "" {
		tg := channels.NewTelegramAdapter(gw, nil, "telegram-1", cfg.TelegramToken, cfg.LLMTimeout)
		if err := tg.Start(ctx); err != nil {
			return stopAll(started), fmt.Errorf("starting telegram: %w", err)
		}
		started = append(started, tg)
	}

	if cfg.MatrixHomeserver != "" {
		mx := channels.NewMatrixAdapter(gw, nil, "matrix-1", cfg.MatrixHomeserver, cfg.MatrixUserID, cfg.MatrixAccessToken, cfg.MatrixAllowedRooms, cfg.LLMTimeout)
		if err := mx.Start(ctx); err != nil {
			return stopAll(started), fmt.Errorf("starting matrix: %w", err)
		}
		started = append(started, mx)
	}

	return stopAll(started), nil
}

func stopAll(started []channelAdapter) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var merr *multierror.Error
		for _, a := range started {
			if err := a.Stop(ctx); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
		if merr != nil {
			fmt.Fprintf(os.Stderr, "agentgw-server: error stopping channels: %v\n", merr)
		}
	}
}
