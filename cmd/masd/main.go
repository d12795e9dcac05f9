package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/clawinfra/evoclaw/internal/config"
	"github.com/clawinfra/evoclaw/internal/registry"
	"github.com/clawinfra/evoclaw/internal/runtime"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds the process's single Runtime plus the bits main needs to
// drive startup/shutdown around it.
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     *slog.Logger
	Runtime    *runtime.Runtime

	runCtx    context.Context
	runCancel context.CancelFunc
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.toml", "Path to process config file")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("masd v%s (built %s)\n", version, buildTime)
		return 0
	}

	if args := flag.Args(); len(args) > 0 && args[0] == "gateway" {
		if err := runGatewayCommand(args[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
			return 1
		}
		return 0
	}

	app, err := setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup failed: %v\n", err)
		return 1
	}

	if err := startServices(app); err != nil {
		app.Logger.Error("failed to start services", "error", err)
		return 1
	}

	printBanner(app)

	if err := waitForShutdown(app); err != nil {
		app.Logger.Error("shutdown error", "error", err)
		return 1
	}

	return 0
}

// setup loads config, builds the Runtime, and registers the initial
// agent roster — but starts nothing yet.
func setup(configPath string) (*App, error) {
	app := &App{ConfigPath: configPath}

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	app.Logger.Info("starting masd", "version", version, "config", configPath)

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	rt, err := runtime.New(cfg, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("build runtime: %w", err)
	}
	app.Runtime = rt

	roster, err := config.LoadRoster(cfg.Server.RosterPath)
	if err != nil {
		return nil, fmt.Errorf("load agent roster: %w", err)
	}
	if err := registerRoster(rt, roster, app.Logger); err != nil {
		return nil, fmt.Errorf("register roster: %w", err)
	}

	return app, nil
}

func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			logger.Info("default config created", "path", path)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// registerRoster registers every roster entry that isn't already known
// and starts it, so a fresh deployment comes up with its configured
// fleet running rather than merely registered.
func registerRoster(rt *runtime.Runtime, roster []config.AgentDef, logger *slog.Logger) error {
	ctx := context.Background()
	for _, def := range roster {
		if getRes := rt.Control.Get(def.ID); getRes.IsOk() {
			logger.Info("agent already registered", "id", def.ID)
			continue
		}

		d := registry.Descriptor{
			ID:            def.ID,
			Name:          def.Name,
			Capabilities:  def.Capabilities,
			Relationships: def.Relationships,
			Config:        def.Config,
		}
		res := rt.Control.Register(ctx, d)
		if !res.IsOk() {
			_, cerr := res.Unwrap()
			return fmt.Errorf("register agent %s: %w", def.ID, cerr)
		}
		if startRes := rt.Control.Start(ctx, def.ID); !startRes.IsOk() {
			_, cerr := startRes.Unwrap()
			logger.Error("failed to start roster agent", "id", def.ID, "error", cerr)
		}
	}
	return nil
}

func startServices(app *App) error {
	app.runCtx, app.runCancel = context.WithCancel(context.Background())
	return app.Runtime.Start(app.runCtx)
}

func printBanner(app *App) {
	fmt.Println()
	fmt.Println("  masd v" + version)
	fmt.Printf("  control API: http://localhost:%d\n", app.Config.Server.Port)
	fmt.Printf("  agents loaded: %d\n", len(app.Runtime.Registry.List()))
	fmt.Println()
}

func waitForShutdown(app *App) error {
	setupSignalHandlers(app.runCtx, app.runCancel, app.Config, app.ConfigPath, app.Logger)
	<-app.runCtx.Done()

	app.Logger.Info("shutting down")
	app.Runtime.Stop()
	app.Logger.Info("masd stopped")
	return nil
}

// reloadConfig re-reads the process config in place, applying whatever
// fields internal/config.Reload reports as hot-reloadable. Fields it
// reports as requiring a restart are logged, not applied — masd does
// not restart itself on SIGHUP.
func reloadConfig(cfg *config.Config, path string, logger *slog.Logger) {
	result, err := cfg.Reload(path)
	if err != nil {
		logger.Error("config reload failed", "error", err)
		return
	}
	result.LogResult(logger)
}
