// Command agentd runs the multi-agent team supervisor: it loads the roster
// configuration, starts every agent with its chat and source-control
// integrations, and keeps them running until interrupted.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/Polymythic/AgentSoftwareDeveloper/internal/agent"
	"github.com/Polymythic/AgentSoftwareDeveloper/internal/api"
	"github.com/Polymythic/AgentSoftwareDeveloper/internal/brain"
	"github.com/Polymythic/AgentSoftwareDeveloper/internal/chat"
	"github.com/Polymythic/AgentSoftwareDeveloper/internal/config"
	"github.com/Polymythic/AgentSoftwareDeveloper/internal/health"
	otelPkg "github.com/Polymythic/AgentSoftwareDeveloper/internal/otel"
	"github.com/Polymythic/AgentSoftwareDeveloper/internal/sourcectl"
	"github.com/Polymythic/AgentSoftwareDeveloper/internal/store"
	"github.com/Polymythic/AgentSoftwareDeveloper/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	os.Exit(run())
}

func run() int {
	loadDotEnv(".env")

	configPath := flag.String("config", "config.yaml", "path to the roster configuration file")
	apiFlag := flag.Bool("api", false, "force the management API on, overriding the config")
	flag.Parse()

	// Interrupt and termination signals only cancel this context; the
	// actual stop sequence runs in the control loop's cleanup path.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
		return 1
	}

	console := isatty.IsTerminal(os.Stdout.Fd())
	logger, logCloser, err := telemetry.NewLogger(cfg.Logging.Dir, cfg.Logging.Level, console)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
		return 1
	}
	defer logCloser.Close()
	logger.Info("starting", "system", cfg.Name, "version", Version, "environment", cfg.Environment, "agents", len(cfg.Agents))

	// OpenTelemetry is a no-op when disabled.
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
		return 1
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
		return 1
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "agents.db"
	}
	st, err := store.Open(dbPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
		return 1
	}
	defer st.Close()

	// Watch the config file so operators are warned that edits need a
	// restart; the loaded roster itself is immutable.
	watcher := config.NewWatcher(*configPath, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	}

	sup := agent.NewSupervisor(cfg, buildIntegrations(cfg, logger), st, logger, metrics)

	sweeper, err := health.NewSweeper(health.Config{
		Source:   sup,
		Store:    st,
		Metrics:  metrics,
		Logger:   logger,
		Schedule: cfg.Health.Schedule,
	})
	if err != nil {
		fatalStartup(logger, "E_HEALTH_SCHEDULE", err)
		return 1
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	if cfg.API.Enabled || *apiFlag {
		srv := startAPI(cfg, sup, st, logger)
		defer shutdownAPI(srv, logger)
	}

	// Single-agent mode: run one roster entry, typically inside its own
	// container, selected via AGENT_NAME.
	if name := strings.TrimSpace(os.Getenv("AGENT_NAME")); name != "" {
		return runSingleAgent(ctx, sup, name, logger)
	}

	if err := sup.RunForever(ctx); err != nil {
		fatalStartup(logger, "E_STARTUP", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// runSingleAgent starts just one agent and blocks until interrupted.
func runSingleAgent(ctx context.Context, sup *agent.Supervisor, name string, logger *slog.Logger) int {
	logger.Info("single-agent mode", "agent", name)
	if err := sup.StartAgent(ctx, name); err != nil {
		fatalStartup(logger, "E_AGENT_START", err)
		return 1
	}
	<-ctx.Done()
	sup.StopAgent(context.WithoutCancel(ctx), name)
	logger.Info("shutdown complete", "agent", name)
	return 0
}

// buildIntegrations wires per-agent integration factories from the loaded
// configuration and environment credentials. A missing credential disables
// that integration rather than failing.
func buildIntegrations(cfg *config.SystemConfig, logger *slog.Logger) agent.Integrations {
	botToken := cfg.Slack.BotToken()
	appToken := cfg.Slack.AppToken()
	ghToken := cfg.GitHub.Token()
	openaiKey := os.Getenv("OPENAI_API_KEY")

	if botToken == "" {
		logger.Info("no Slack bot token; chat integration disabled")
	}
	if ghToken == "" {
		logger.Info("no GitHub token; source-control integration disabled")
	}
	if openaiKey == "" {
		logger.Info("no OpenAI API key; agents will use fallback replies")
	}

	return agent.Integrations{
		NewChat: func(ac config.AgentConfig) chat.Client {
			if botToken == "" {
				return nil
			}
			return chat.NewSlackClient(botToken, appToken, ac.Name, logger)
		},
		NewSource: func(ac config.AgentConfig) sourcectl.Client {
			if ghToken == "" {
				return nil
			}
			return sourcectl.NewGitHubClient(ghToken, cfg.GitHub.Organization, cfg.GitHub.DefaultRepo, ac.Name, logger)
		},
		NewBrain: func(ac config.AgentConfig) (*brain.Brain, error) {
			if openaiKey == "" {
				return nil, nil
			}
			return brain.New(brain.Config{
				APIKey:       openaiKey,
				Model:        ac.Model,
				Name:         ac.Name,
				Role:         string(ac.Role),
				Personality:  ac.Personality,
				Goal:         ac.Goal,
				SystemPrompt: ac.SystemPrompt,
			}, logger)
		},
	}
}

// startAPI serves the management API in the background.
func startAPI(cfg *config.SystemConfig, sup *agent.Supervisor, st *store.Store, logger *slog.Logger) *http.Server {
	addr := cfg.API.BindAddr
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(sup, cfg, st, logger, cfg.Security.APIToken()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("management API listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("management API failed", "error", err)
		}
	}()
	return srv
}

func shutdownAPI(srv *http.Server, logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("management API shutdown", "error", err)
	}
}

// fatalStartup reports an unrecoverable startup failure. The logger may be
// nil when the failure happens before logging is set up.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
		return
	}
	fmt.Fprintf(
		os.Stderr,
		`{"timestamp":"%s","level":"ERROR","component":"supervisor","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		reasonCode,
		message,
	)
}

// loadDotEnv loads KEY=VALUE lines from path into the environment without
// overriding variables that are already set. Missing file is fine.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
