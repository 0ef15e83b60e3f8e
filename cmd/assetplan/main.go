package main

import (
	"assetplan/internal/core/app"
	"assetplan/internal/core/config"
	"assetplan/internal/data/history"
	"assetplan/internal/shared/observability"
	"assetplan/internal/ui/devserver"
	"assetplan/internal/ui/report"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"
)

var (
	configPath = flag.String("config", "./assetplan.toml", "Path to config file")
	once       = flag.Bool("once", false, "Build once and exit")
	serve      = flag.Bool("serve", false, "Run the development server while watching")
	ui         = flag.Bool("ui", false, "Enable terminal UI mode")
	trace      = flag.Bool("trace", false, "Trace shortest import chain between two modules")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	version    = flag.Bool("version", false, "Print version and exit")

	historyLimit  = flag.Int("history", 0, "Print the last N recorded builds and exit")
	historyFormat = flag.String("history-format", "tsv", "Build history format: tsv, json or markdown")
)

const VERSION = "1.0.0"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("assetplan v%s\n", VERSION)
		os.Exit(0)
	}
	os.Exit(run())
}

func run() int {
	setupLogging()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if *configPath == "./assetplan.toml" {
			cfg, err = config.Load("./assetplan.example.toml")
		}
		if err != nil {
			slog.Error("failed to load config", "error", err)
			return 1
		}
	}

	if *historyLimit > 0 {
		if err := printHistory(os.Stdout, cfg, *historyLimit, *historyFormat); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			return 1
		}
		return 0
	}

	if *trace && flag.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "trace mode requires two module arguments: assetplan -trace <from> <to>")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Observability.OTLPEndpoint, cfg.Observability.OTLPInsecure)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("failed to flush traces", "error", err)
		}
	}()

	var opts []app.Option
	if *serve {
		opts = append(opts, app.WithHotReload())
	}
	a, err := app.New(cfg, opts...)
	if err != nil {
		slog.Error("failed to initialize app", "error", err)
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("failed to close app", "error", err)
		}
	}()

	if !*ui && !*trace {
		unsubscribe := a.Subscribe(func(ev app.BuildEvent) {
			if ev.Err != nil {
				app.PrintFailure(os.Stderr, ev.Err)
				return
			}
			app.PrintSummary(os.Stdout, ev.Result)
		})
		defer unsubscribe()
	}

	// A failed first build is fatal only when nothing is watching.
	if _, err := a.Build(ctx); err != nil {
		slog.Error("initial build failed", "error", err)
		if *once || *trace {
			return 1
		}
	}

	if *trace {
		out, err := a.TraceImportChain(flag.Arg(0), flag.Arg(1))
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			return 1
		}
		fmt.Println(out)
		return 0
	}
	if *once {
		return 0
	}

	if err := a.StartWatcher(ctx); err != nil {
		slog.Error("failed to start watcher", "error", err)
		return 1
	}

	if *serve {
		srv, err := devserver.New(devserver.OptionsFromConfig(cfg), afero.NewOsFs(), app.NewHealthService(a), a)
		if err != nil {
			slog.Error("failed to configure dev server", "error", err)
			return 1
		}
		if err := srv.Start(ctx); err != nil {
			slog.Error("failed to start dev server", "error", err)
			return 1
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(stopCtx)
		}()
	}

	if *ui {
		if err := runUI(ctx, a); err != nil {
			slog.Error("failed to run UI", "error", err)
			return 1
		}
		return 0
	}

	<-ctx.Done()
	slog.Info("shutting down")
	return 0
}

// printHistory reads the build history directly; no build runs.
func printHistory(w io.Writer, cfg *config.Config, limit int, format string) error {
	store, err := history.Open(cfg.Abs(cfg.DB.Path), cfg.DB.BusyTimeout)
	if err != nil {
		return fmt.Errorf("open build history: %w", err)
	}
	defer store.Close()

	builds, err := store.LoadBuilds(cfg.ProjectKey, limit)
	if err != nil {
		return err
	}
	out, err := report.Render(history.BuildTrend(cfg.ProjectKey, builds), format)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}

	var output io.Writer = os.Stderr
	if *ui {
		// In UI mode, avoid stdout logs corrupting the TUI.
		if f, err := openLogFile(resolveLogPath()); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		} else {
			output = f
		}
	}

	logger := slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
}

func openLogFile(logPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create log dir for %s: %w", logPath, err)
	}
	if fi, err := os.Lstat(logPath); err == nil && (fi.Mode()&os.ModeSymlink) != 0 {
		return nil, fmt.Errorf("refusing to write logs to symlink path %s", logPath)
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}
	return f, nil
}

func resolveLogPath() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "assetplan", "assetplan.log")
	}

	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		return filepath.Join(home, ".local", "state", "assetplan", "assetplan.log")
	}

	return "assetplan.log"
}
