package testutil

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/opencode-ai/agentcore/internal/agent"
	"github.com/opencode-ai/agentcore/internal/agentsession"
	"github.com/opencode-ai/agentcore/internal/clienttool"
	"github.com/opencode-ai/agentcore/internal/control"
	"github.com/opencode-ai/agentcore/internal/permission"
	"github.com/opencode-ai/agentcore/internal/provider"
	"github.com/opencode-ai/agentcore/internal/rpc"
	"github.com/opencode-ai/agentcore/internal/sse"
	"github.com/opencode-ai/agentcore/internal/storage"
	"github.com/opencode-ai/agentcore/internal/tool"
	"github.com/opencode-ai/agentcore/pkg/types"
)

// TestServer wraps a control.Server instance for testing.
type TestServer struct {
	Server      *control.Server
	Dispatcher  *rpc.Dispatcher
	Hub         *sse.Hub
	Manager     *agentsession.Manager
	BaseURL     string
	Config      *types.Config
	Storage     *storage.Storage
	ProviderReg *provider.Registry
	ToolReg     *tool.Registry
	TempDir     string
	WorkDir     string
	port        int
}

// TestServerOption configures TestServer
type TestServerOption func(*testServerConfig)

type testServerConfig struct {
	workDir string
	envFile string
}

// WithWorkDir sets the working directory
func WithWorkDir(dir string) TestServerOption {
	return func(c *testServerConfig) {
		c.workDir = dir
	}
}

// WithEnvFile sets the .env file to load
func WithEnvFile(path string) TestServerOption {
	return func(c *testServerConfig) {
		c.envFile = path
	}
}

// StartTestServer creates and starts a test control-plane server.
func StartTestServer(opts ...TestServerOption) (*TestServer, error) {
	cfg := &testServerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.envFile != "" {
		_ = godotenv.Load(cfg.envFile)
	} else {
		_ = godotenv.Load("../../.env")
		_ = godotenv.Load("../.env")
		_ = godotenv.Load(".env")
	}

	tempDir, err := os.MkdirTemp("", "agentcore-test-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	workDir := cfg.workDir
	if workDir == "" {
		workDir = tempDir
	}

	appConfig := buildTestConfig()

	port, err := findAvailablePort()
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to find available port: %w", err)
	}

	ctx := context.Background()

	storagePath := filepath.Join(tempDir, "storage")
	if err := os.MkdirAll(storagePath, 0755); err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	store := storage.New(storagePath)

	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	toolReg := tool.DefaultRegistry(workDir, store)
	agentReg := agent.NewRegistry()
	toolReg.RegisterTaskTool(agentReg)
	clientToolReg := clienttool.NewRegistry()

	sessionsDir := filepath.Join(tempDir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0755); err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to create sessions dir: %w", err)
	}

	hub := sse.NewHub()
	sessCfg := agentsession.Config{
		Dir:                   sessionsDir,
		Hub:                   hub,
		Providers:             providerReg,
		Tools:                 toolReg,
		Perms:                 permission.NewChecker(),
		Agents:                agentReg,
		ClientTools:           clientToolReg,
		WorkDir:               workDir,
		AppConfig:             appConfig,
		KeepRecentTokens:      4,
		ReserveTokens:         4096,
		ContextWindow:         200000,
		AutoCompactionEnabled: true,
		AutoRetryEnabled:      true,
		DoomLoopThreshold:     3,
	}

	mgr := agentsession.NewManager(sessCfg)
	if _, err := mgr.New(ctx, sessCfg); err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to create initial session: %w", err)
	}

	dispatcher := rpc.NewDispatcher(mgr, sessCfg, workDir)

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	srv := control.New(control.Config{Addr: fmt.Sprintf("127.0.0.1:%d", port)}, dispatcher, hub, mgr, clientToolReg)

	go func() {
		_ = srv.ListenAndServe()
	}()

	if err := waitForServer(baseURL, 10*time.Second); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("server failed to start: %w", err)
	}

	return &TestServer{
		Server:      srv,
		Dispatcher:  dispatcher,
		Hub:         hub,
		Manager:     mgr,
		BaseURL:     baseURL,
		Config:      appConfig,
		Storage:     store,
		ProviderReg: providerReg,
		ToolReg:     toolReg,
		TempDir:     tempDir,
		WorkDir:     workDir,
		port:        port,
	}, nil
}

// Stop shuts down the test server and cleans up.
func (ts *TestServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if ts.Server != nil {
		if err := ts.Server.Shutdown(ctx); err != nil {
			return err
		}
	}
	if ts.Manager != nil {
		ts.Manager.Shutdown()
	}

	if ts.TempDir != "" {
		os.RemoveAll(ts.TempDir)
	}

	return nil
}

// Client returns a new test client for this server.
func (ts *TestServer) Client() *TestClient {
	return NewTestClient(ts.BaseURL)
}

// SSEClient returns a new SSE client for this server.
func (ts *TestServer) SSEClient() *SSEClient {
	return NewSSEClient(ts.BaseURL)
}

// buildTestConfig creates a test configuration with the ARK provider.
func buildTestConfig() *types.Config {
	apiKey := os.Getenv("ARK_API_KEY")
	baseURL := os.Getenv("ARK_BASE_URL")
	modelID := os.Getenv("ARK_MODEL_ID")

	return &types.Config{
		Model: fmt.Sprintf("ark/%s", modelID),
		Provider: map[string]types.ProviderConfig{
			"ark": {
				APIKey:  apiKey,
				BaseURL: baseURL,
				Model:   modelID,
			},
		},
		Permission: &types.PermissionConfig{
			Edit: "allow",
			Bash: "allow",
		},
	}
}

// findAvailablePort finds an available TCP port.
func findAvailablePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// waitForServer waits for the control plane's health endpoint.
func waitForServer(baseURL string, timeout time.Duration) error {
	client := NewTestClient(baseURL)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(context.Background(), "/health")
		if err == nil && resp.IsSuccess() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("server not ready after %v", timeout)
}
