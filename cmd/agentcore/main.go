// Command agentcore is the host process for the session core: it wires
// config, providers, tools, and permissions into one agentsession.Manager
// and exposes it over the RPC Command Plane and SSE Event Plane,
// either as an HTTP server or over stdio.
//
// It is a single cobra command with --bind, --port, --directory and
// --stdio flags.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/agentcore/internal/agent"
	"github.com/opencode-ai/agentcore/internal/agentsession"
	"github.com/opencode-ai/agentcore/internal/clienttool"
	"github.com/opencode-ai/agentcore/internal/config"
	"github.com/opencode-ai/agentcore/internal/control"
	"github.com/opencode-ai/agentcore/internal/logging"
	"github.com/opencode-ai/agentcore/internal/permission"
	"github.com/opencode-ai/agentcore/internal/provider"
	"github.com/opencode-ai/agentcore/internal/rpc"
	"github.com/opencode-ai/agentcore/internal/sse"
	"github.com/opencode-ai/agentcore/internal/storage"
	"github.com/opencode-ai/agentcore/internal/tool"
)

// Version is set at build time via -ldflags.
var Version = "dev"

const (
	defaultPort = 19000
	defaultBind = "127.0.0.1"
)

var (
	flagBind      string
	flagPort      int
	flagDirectory string
	flagStdio     bool
)

func main() {
	root := &cobra.Command{
		Use:   "agentcore",
		Short: "Session core: RPC command plane and SSE event plane over HTTP or stdio",
		RunE:  run,
	}
	root.Flags().StringVar(&flagBind, "bind", envOrDefault("AGENTCORE_BIND", defaultBind), "address to bind (HTTP mode)")
	root.Flags().IntVar(&flagPort, "port", envIntOrDefault("AGENTCORE_PORT", defaultPort), "port to listen on (HTTP mode)")
	root.Flags().StringVar(&flagDirectory, "directory", "", "working directory (defaults to cwd)")
	root.Flags().BoolVar(&flagStdio, "stdio", os.Getenv("AGENTCORE_STDIO") == "true", "serve the RPC/SSE planes over stdio instead of HTTP")

	if err := root.Execute(); err != nil {
		logging.Error().Err(err).Msg("agentcore: fatal")
		os.Exit(1)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}

func run(cmd *cobra.Command, args []string) error {
	logging.Init(logging.DefaultConfig())

	workDir := flagDirectory
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("agentcore: getwd: %w", err)
		}
		workDir = wd
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return fmt.Errorf("agentcore: ensure paths: %w", err)
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return fmt.Errorf("agentcore: load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		logging.Warn().Err(err).Msg("agentcore: some providers failed to initialize")
	}

	if err := os.MkdirAll(paths.SessionsPath(), 0o755); err != nil {
		return fmt.Errorf("agentcore: create sessions dir: %w", err)
	}

	store := storage.New(paths.StoragePath())
	toolReg := tool.DefaultRegistry(workDir, store)
	perms := permission.NewChecker()
	hub := sse.NewHub()

	agentReg := agent.NewRegistry()
	toolReg.RegisterTaskTool(agentReg)
	clientToolReg := clienttool.NewRegistry()

	defaultProviderID, defaultModelID := splitModel(appConfig.Model)

	sessCfg := agentsession.Config{
		Dir:               paths.SessionsPath(),
		Hub:               hub,
		Providers:         providerReg,
		Tools:             toolReg,
		Perms:             perms,
		Agents:            agentReg,
		ClientTools:       clientToolReg,
		WorkDir:           workDir,
		AppConfig:         appConfig,
		DefaultProviderID: defaultProviderID,
		DefaultModelID:    defaultModelID,

		KeepRecentTokens:      4,
		ReserveTokens:         4096,
		ContextWindow:         200000,
		AutoCompactionEnabled: true,
		AutoRetryEnabled:      true,
		DoomLoopThreshold:     3,
	}

	mgr := agentsession.NewManager(sessCfg)
	if _, err := mgr.New(ctx, sessCfg); err != nil {
		return fmt.Errorf("agentcore: create initial session: %w", err)
	}
	defer mgr.Shutdown()

	dispatcher := rpc.NewDispatcher(mgr, sessCfg, workDir)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	if flagStdio {
		return runStdio(ctx, dispatcher, hub, mgr, clientToolReg, quit)
	}
	return runHTTP(ctx, dispatcher, hub, mgr, clientToolReg, quit)
}

func runHTTP(ctx context.Context, dispatcher *rpc.Dispatcher, hub *sse.Hub, mgr *agentsession.Manager, clientTools *clienttool.Registry, quit chan os.Signal) error {
	control.Version = Version
	addr := fmt.Sprintf("%s:%d", flagBind, flagPort)
	srv := control.New(control.Config{Addr: addr}, dispatcher, hub, mgr, clientTools)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("agentcore: http server: %w", err)
	case <-quit:
		logging.Info().Msg("agentcore: shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runStdio(ctx context.Context, dispatcher *rpc.Dispatcher, hub *sse.Hub, mgr *agentsession.Manager, clientTools *clienttool.Registry, quit chan os.Signal) error {
	srv := control.NewStdioServer(dispatcher, hub, mgr, clientTools, os.Stdout)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(serveCtx, os.Stdin)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("agentcore: stdio server: %w", err)
		}
		return nil
	case <-quit:
		logging.Info().Msg("agentcore: shutting down")
		cancel()
		<-errCh
		return nil
	}
}

// splitModel splits a "provider/model" string into its two halves, the
// same convention internal/provider/registry.go uses to resolve model
// strings throughout this module.
func splitModel(s string) (provider, model string) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return "", s
	}
	return parts[0], parts[1]
}
