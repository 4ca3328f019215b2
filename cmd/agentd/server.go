package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/geovera/agentd/internal/api"
	"github.com/geovera/agentd/internal/budget"
	"github.com/geovera/agentd/internal/character"
	"github.com/geovera/agentd/internal/config"
	"github.com/geovera/agentd/internal/dialogue"
	"github.com/geovera/agentd/internal/diffusion"
	"github.com/geovera/agentd/internal/evolution"
	"github.com/geovera/agentd/internal/jobs"
	"github.com/geovera/agentd/internal/provider"
	"github.com/geovera/agentd/internal/qualitygate"
	"github.com/geovera/agentd/internal/search"
	"github.com/geovera/agentd/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agentd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running agentd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agentd system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "agentd.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "agentd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to double-start: probe the health endpoint before claiming the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("agentd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("agentd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	// Budget governance and provider routing.
	governor := budget.NewGovernor(store, budget.Limits{
		DefaultDailyLimit: cfg.Budget.DefaultDailyLimit,
		DailyCostCap:      cfg.Budget.DailyCostCap,
		PerCapability:     cfg.Budget.PerCapability,
		UnitCosts:         cfg.Budget.UnitCosts,
	})
	router := budget.NewRouter(buildRouting(cfg), governor)

	tools := []search.Tool{
		search.NewDuckDuckGo(),
		search.NewTavily(cfg.Providers.TavilyAPIKey),
	}
	caller := budget.NewCaller(router, governor, tools)

	// Dialogue and reflection.
	characters := character.NewManager(store)
	dialogueSvc := dialogue.NewService(characters, caller, store)
	reflector := evolution.NewReflector(caller, characters, store)

	// Image angle pipeline: generation worker, quality gate, job store.
	worker := diffusion.NewClient(cfg.Diffusion.Endpoint, cfg.Diffusion.APIKey)
	checker := qualitygate.NewGeminiChecker(cfg.Providers.GeminiAPIKey)
	loop := qualitygate.NewLoop(worker, checker, governor, cfg.Diffusion.UnitCost)
	jobStore := jobs.NewStore(ctx, loop, store)

	if err := worker.Health(ctx); err != nil {
		slog.Warn("generation worker not reachable at startup", "endpoint", cfg.Diffusion.Endpoint, "error", err)
	}

	handler := api.NewHandler(api.AppDeps{
		Characters: characters,
		Dialogue:   dialogueSvc,
		Reflector:  reflector,
		Governor:   governor,
		Jobs:       jobStore,
		Loop:       loop,
		Keys:       store,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP server over stdio.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Characters: characters,
		Dialogue:   dialogueSvc,
		Governor:   governor,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "agentd listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildRouting converts the config routing table into the immutable runtime
// table, injecting each provider's credential.
func buildRouting(cfg config.Config) budget.Routing {
	spec := func(rc config.RoleConfig) budget.ProviderSpec {
		p := provider.Config{
			Provider:    rc.Provider,
			Model:       rc.Model,
			Temperature: rc.Temperature,
			MaxTokens:   rc.MaxTokens,
		}
		switch rc.Provider {
		case "openai":
			p.APIKey = cfg.Providers.OpenAIAPIKey
		case "anthropic":
			p.APIKey = cfg.Providers.AnthropicAPIKey
		case "groq":
			p.APIKey = cfg.Providers.GroqAPIKey
		case "ollama":
			p.Endpoint = cfg.Providers.OllamaBaseURL + "/v1"
		}
		return budget.ProviderSpec{Capability: rc.Capability, Config: p}
	}

	roles := make(map[string]budget.Route, len(cfg.Routing.Roles))
	for name, rc := range cfg.Routing.Roles {
		route := budget.Route{Primary: spec(rc)}
		if rc.Secondary != nil {
			secondary := spec(*rc.Secondary)
			route.Secondary = &secondary
		}
		roles[name] = route
	}

	fallbacks := make(map[string]budget.ProviderSpec, len(cfg.Routing.Fallbacks))
	for capability, rc := range cfg.Routing.Fallbacks {
		fallbacks[capability] = spec(rc)
	}

	return budget.Routing{
		Roles:        roles,
		Fallbacks:    fallbacks,
		Default:      budget.Route{Primary: spec(cfg.Routing.Default)},
		ResearchRole: cfg.Routing.ResearchRole,
	}
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("agentd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop agentd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to agentd (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	if resp, err := client.Get(serverURL + "/health"); err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if resp, err := client.Get(cfg.Diffusion.Endpoint + "/health"); err != nil {
		printStatus("Image worker", "not reachable at %s", cfg.Diffusion.Endpoint)
	} else {
		resp.Body.Close()
		printStatus("Image worker", "running at %s", cfg.Diffusion.Endpoint)
	}

	printStatus("Research role", "%s", cfg.Routing.ResearchRole)
	printStatus("Daily limit", "%d calls/capability (default)", cfg.Budget.DefaultDailyLimit)
	printStatus("Config file", "%s", config.Path())
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
