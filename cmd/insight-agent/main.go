package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/floegence/insight-agent/internal/config"
	"github.com/floegence/insight-agent/internal/convstore"
	"github.com/floegence/insight-agent/internal/httpapi"
	"github.com/floegence/insight-agent/internal/llm"
	"github.com/floegence/insight-agent/internal/lockfile"
	"github.com/floegence/insight-agent/internal/monitor"
	"github.com/floegence/insight-agent/internal/orchestrator"
	"github.com/floegence/insight-agent/internal/tools"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "set-key":
		setKeyCmd(os.Args[2:])
	case "serve":
		serveCmd(os.Args[2:])
	case "ask":
		askCmd(os.Args[2:])
	case "version":
		fmt.Printf("insight-agent %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `insight-agent

Usage:
  insight-agent init [flags]
  insight-agent set-key [flags]
  insight-agent serve [flags]
  insight-agent ask [flags] <request...>
  insight-agent version

Commands:
  init        Write a starter config file pointing at an analysis database.
  set-key     Store the API key for a configured model provider.
  serve       Run the local API server using the config file.
  ask         Run one analysis conversation interactively in the terminal.
  version     Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	database := fs.String("database", "", "SQLite database to analyze (required)")
	stateDir := fs.String("state-dir", "", "State directory (default: ~/.insight-agent/state)")
	httpPort := fs.Int("http-port", 0, "Localhost API port (default: 24117)")

	providerID := fs.String("provider-id", "openai", "Model provider id")
	providerType := fs.String("provider-type", config.ProviderTypeOpenAI, "Provider type: openai|anthropic|openai_compatible")
	baseURL := fs.String("base-url", "", "Base URL (openai_compatible only)")
	model := fs.String("model", "gpt-4o-mini", "Default model name")

	logFormat := fs.String("log-format", "json", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	_ = fs.Parse(args)

	if strings.TrimSpace(*database) == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg := &config.Config{
		StateDir:     strings.TrimSpace(*stateDir),
		DatabasePath: filepath.Clean(strings.TrimSpace(*database)),
		HTTPPort:     *httpPort,
		LogFormat:    *logFormat,
		LogLevel:     *logLevel,
		AI: &config.AIConfig{
			Providers: []config.AIProvider{{
				ID:      strings.TrimSpace(*providerID),
				Name:    strings.TrimSpace(*providerID),
				Type:    strings.TrimSpace(*providerType),
				BaseURL: strings.TrimSpace(*baseURL),
				Models: []config.AIProviderModel{{
					ModelName: strings.TrimSpace(*model),
					IsDefault: true,
				}},
			}},
		},
	}
	if err := config.Save(filepath.Clean(*cfgPath), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
	fmt.Printf("Next: insight-agent set-key -provider %s\n", strings.TrimSpace(*providerID))
}

func setKeyCmd(args []string) {
	fs := flag.NewFlagSet("set-key", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	provider := fs.String("provider", "", "Provider id from the config file (required)")
	key := fs.String("key", "", "API key (omit to read from the terminal without echo)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*provider) == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.AI == nil {
		fmt.Fprintln(os.Stderr, "config has no ai providers")
		os.Exit(1)
	}
	found := false
	for _, p := range cfg.AI.Providers {
		if p.ID == strings.TrimSpace(*provider) {
			found = true
			break
		}
	}
	if !found {
		fmt.Fprintf(os.Stderr, "unknown provider %q\n", *provider)
		os.Exit(1)
	}

	apiKey := strings.TrimSpace(*key)
	if apiKey == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintln(os.Stderr, "no -key given and stdin is not a terminal")
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "API key for %s: ", strings.TrimSpace(*provider))
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read key: %v\n", err)
			os.Exit(1)
		}
		apiKey = strings.TrimSpace(string(raw))
	}
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "empty api key")
		os.Exit(2)
	}

	secrets := config.NewSecretsStore(config.DefaultSecretsPath(*cfgPath))
	if err := secrets.SetProviderAPIKey(strings.TrimSpace(*provider), apiKey); err != nil {
		fmt.Fprintf(os.Stderr, "failed to store key: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Key stored for provider %s\n", strings.TrimSpace(*provider))
}

func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(cfg.LogLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(strings.TrimSpace(cfg.LogFormat)) == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

type services struct {
	log   *slog.Logger
	store *convstore.Store
	data  *tools.SQLiteData
	orch  *orchestrator.Service
	lock  *lockfile.Lock
}

func (s *services) close() {
	if s == nil {
		return
	}
	if s.orch != nil {
		s.orch.Close()
	}
	if s.data != nil {
		_ = s.data.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.lock != nil {
		_ = s.lock.Release()
	}
}

func buildServices(cfgPath string, cfg *config.Config, modelID string) (*services, error) {
	logger := buildLogger(cfg)
	stateDir := cfg.EffectiveStateDir()
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, err
	}

	lock, err := lockfile.Acquire(filepath.Join(stateDir, "agent.lock"))
	if err != nil {
		if err == lockfile.ErrAlreadyLocked {
			return nil, fmt.Errorf("another insight-agent is already using %s", stateDir)
		}
		return nil, err
	}

	out := &services{log: logger, lock: lock}
	ok := false
	defer func() {
		if !ok {
			out.close()
		}
	}()

	out.store, err = convstore.Open(filepath.Join(stateDir, "conversations.sqlite"))
	if err != nil {
		return nil, err
	}
	out.data, err = tools.OpenSQLiteData(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	viz, err := tools.NewChartWriter(filepath.Join(stateDir, "artifacts"))
	if err != nil {
		return nil, err
	}

	secrets := config.NewSecretsStore(config.DefaultSecretsPath(cfgPath))
	client, err := llm.NewClient(cfg.AI, modelID, secrets.GetProviderAPIKey)
	if err != nil {
		return nil, err
	}

	retries := cfg.EffectiveMaxStepRetries()
	out.orch, err = orchestrator.NewService(orchestrator.Options{
		Store:          out.store,
		Client:         client,
		Data:           out.data,
		Runner:         tools.NewYaegiRunner(),
		Visualizer:     viz,
		Logger:         logger,
		MaxStepRetries: &retries,
		StepTimeout:    time.Duration(cfg.EffectiveStepTimeoutSeconds()) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return out, nil
}

func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	svcs, err := buildServices(filepath.Clean(*cfgPath), cfg, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init agent: %v\n", err)
		os.Exit(1)
	}
	defer svcs.close()

	srv, err := httpapi.New(httpapi.Options{
		Logger:       svcs.log,
		Port:         cfg.EffectiveHTTPPort(),
		Orchestrator: svcs.orch,
		Store:        svcs.store,
		Monitor:      monitor.NewService(svcs.log),
		Version:      Version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init api server: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "api server failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = srv.Close() }()

	<-ctx.Done()
}

func askCmd(args []string) {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	modelID := fs.String("model", "", "Model id as <provider_id>/<model_name> (default: configured default)")
	_ = fs.Parse(args)

	request := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if request == "" {
		fmt.Fprintln(os.Stderr, "usage: insight-agent ask [flags] <request...>")
		os.Exit(2)
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "ask needs an interactive terminal; use the serve API for scripted runs")
		os.Exit(2)
	}

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	svcs, err := buildServices(filepath.Clean(*cfgPath), cfg, strings.TrimSpace(*modelID))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init agent: %v\n", err)
		os.Exit(1)
	}
	defer svcs.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	start, err := svcs.orch.Start(ctx, orchestrator.StartRequest{Text: request})
	if err != nil {
		fmt.Fprintf(os.Stderr, "request not understood: %v\n", err)
		if start.ConversationID == "" {
			os.Exit(1)
		}
	}

	in := bufio.NewScanner(os.Stdin)
	for {
		status, err := svcs.orch.GetStatus(ctx, start.ConversationID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "status failed: %v\n", err)
			os.Exit(1)
		}
		printPosition(status)
		if status.Stage.Terminal() {
			return
		}

		fmt.Print("> ")
		if !in.Scan() {
			return
		}
		text := strings.TrimSpace(in.Text())
		if text == "" {
			continue
		}
		if _, err := svcs.orch.SubmitFeedback(ctx, orchestrator.FeedbackRequest{
			ConversationID: start.ConversationID,
			Text:           text,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "feedback failed: %v\n", err)
		}
	}
}

func printPosition(status orchestrator.StatusResponse) {
	fmt.Printf("\n[%s] stage: %s\n", status.ConversationID, status.Stage)
	if status.FailureReason != "" {
		fmt.Printf("  needs attention: %s\n", status.FailureReason)
	}
	if status.Plan != nil {
		fmt.Printf("  plan (revision %d):\n", status.Plan.Revision)
		for i, step := range status.Plan.Steps {
			fmt.Printf("    %d. [%s] %s (%s)\n", i+1, step.Kind, step.Instruction, step.Status)
		}
	}
	if status.Stage == orchestrator.StageAwaitingConfirmation {
		fmt.Println("  reply with: ok / revision notes / cancel")
	}
	if status.Report != nil {
		b, err := json.MarshalIndent(status.Report, "", "  ")
		if err == nil {
			fmt.Printf("  report:\n%s\n", string(b))
		}
	}
}
