package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/terrpan/cvpreview/internal/buildinfo"
	"github.com/terrpan/cvpreview/internal/config"
	"github.com/terrpan/cvpreview/internal/debounce"
	"github.com/terrpan/cvpreview/internal/document"
	"github.com/terrpan/cvpreview/internal/engine"
	"github.com/terrpan/cvpreview/internal/health"
	telemetry "github.com/terrpan/cvpreview/internal/otel"
	"github.com/terrpan/cvpreview/internal/preview"
	"github.com/terrpan/cvpreview/internal/render"
	"github.com/terrpan/cvpreview/internal/resume"
	"github.com/terrpan/cvpreview/internal/scheduler"
	httpserver "github.com/terrpan/cvpreview/internal/transport/http"
	"github.com/terrpan/cvpreview/internal/watch"
)

var (
	cfgPath       string
	flagOverrides config.Config

	renderOut    string
	renderSource string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cvpreview",
	Short: "Live resume preview -- edit structured resume data, see typeset pages",
	Long: `cvpreview turns structured resume data into Typst markup, compiles it
with a typesetting engine (a local typst binary or a Docker image) and
streams the rendered pages to a browser viewer as you edit.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
	RunE:         serve,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the preview server (default)",
	RunE:  serve,
}

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Compile the resume once and write the PDF",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return renderOnce(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "cvpreview %s (commit %s, built %s)\n",
			buildinfo.Version, buildinfo.Commit, buildinfo.BuildTime)
	},
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return run(ctx)
}

func init() {
	pf := rootCmd.PersistentFlags()

	// Config file
	pf.StringVar(&cfgPath, "config", "cvpreview.yaml", "Path to YAML configuration file")

	// Engine overrides
	pf.StringVar(&flagOverrides.Engine.Type, "engine", "", "Typesetting engine (local, docker)")

	// Resume overrides
	pf.StringVar(&flagOverrides.Resume.Path, "resume", "", "Path to a YAML or JSON resume file")
	pf.StringVar(&flagOverrides.Resume.Template, "template", "", "Resume template (classic, compact)")

	// Logging overrides
	pf.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	for _, c := range []*cobra.Command{rootCmd, serveCmd} {
		f := c.Flags()
		f.StringVar(&flagOverrides.Server.Addr, "addr", "", "Listen address (e.g. 127.0.0.1:8080)")
		f.StringVar(&flagOverrides.Store.Path, "store", "", "SQLite file that persists edits")
		f.BoolVar(&flagOverrides.Resume.Watch, "watch", false, "Recompile when the resume file changes")
	}

	renderCmd.Flags().StringVarP(&renderOut, "out", "o", "resume.pdf", "Where to write the PDF")
	renderCmd.Flags().StringVar(&renderSource, "source", "", "Also write the generated Typst markup here")

	rootCmd.AddCommand(serveCmd, renderCmd, versionCmd)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Server.Addr != "" {
		cfg.Server.Addr = flagOverrides.Server.Addr
	}
	if flagOverrides.Engine.Type != "" {
		cfg.Engine.Type = flagOverrides.Engine.Type
	}
	if flagOverrides.Resume.Path != "" {
		cfg.Resume.Path = flagOverrides.Resume.Path
	}
	if flagOverrides.Resume.Template != "" {
		cfg.Resume.Template = flagOverrides.Resume.Template
	}
	if flagOverrides.Resume.Watch {
		cfg.Resume.Watch = true
	}
	if flagOverrides.Store.Path != "" {
		cfg.Store.Path = flagOverrides.Store.Path
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newEngineManager(cfg *config.Config, logger *slog.Logger) (*engine.Manager, error) {
	loader, err := cfg.NewEngineLoader()
	if err != nil {
		return nil, fmt.Errorf("creating engine loader: %w", err)
	}
	return engine.NewManager(engine.ManagerConfig{
		Loader:         loader,
		AssetTransport: cfg.NewAssetTransport(logger.WithGroup("assetcache")),
		LoadTimeout:    cfg.Engine.LoadTimeout,
		Logger:         logger.WithGroup("engine"),
	}), nil
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("engine", cfg.Engine.Type),
		slog.String("addr", cfg.Server.Addr),
		slog.String("resume", cfg.Resume.Path),
		slog.String("store", cfg.Store.Path),
	)

	// ---------------------------------------------------------------
	// 3. Telemetry
	// ---------------------------------------------------------------
	providers, err := telemetry.SetupOTelSDK(ctx, "cvpreview", cfg.NewOTelConfig())
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := providers.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Engine manager (bootstraps lazily on the first compile)
	// ---------------------------------------------------------------
	engines, err := newEngineManager(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := engines.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to close engine", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 5. Debounce + scheduler
	// ---------------------------------------------------------------
	debouncer := debounce.New(cfg.NewDebounceConfig(clock.New(), logger.WithGroup("debounce")))
	defer debouncer.Stop()

	sched := scheduler.New(scheduler.Config{
		Engines:  engines,
		Decoder:  document.MuPDF{},
		Observer: debouncer,
		Logger:   logger.WithGroup("scheduler"),
	})
	defer func() {
		if err := sched.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("scheduler close", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 6. Resume data + persistence
	// ---------------------------------------------------------------
	initial, err := cfg.LoadResume()
	if err != nil {
		return fmt.Errorf("loading resume: %w", err)
	}
	store, err := cfg.OpenStore()
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	var previewStore preview.Store
	if store != nil {
		defer store.Close()
		previewStore = store
		// An explicit resume file wins over earlier edits.
		if cfg.Resume.Path != "" && initial != nil {
			if err := store.Save(ctx, *initial); err != nil {
				return fmt.Errorf("seeding store: %w", err)
			}
		}
	}

	// ---------------------------------------------------------------
	// 7. Renderer, orchestrator, server
	// ---------------------------------------------------------------
	var srv *httpserver.PreviewServer

	renderer := render.New(cfg.NewRenderConfig(func(set *render.SurfaceSet) {
		srv.PublishFrame(set)
	}, logger.WithGroup("render")))
	defer renderer.Close()

	orch := preview.New(preview.Config{
		Compiler:  sched,
		Renderer:  renderer,
		Debouncer: debouncer,
		Store:     previewStore,
		Initial:   initial,
		Width:     cfg.Render.Width,
		OnState:   func(st preview.State) { srv.PublishState(st) },
		Logger:    logger.WithGroup("preview"),
	})

	srv = httpserver.NewPreviewServer(httpserver.Config{
		Addr:       cfg.Server.Addr,
		Preview:    orch,
		Oversample: cfg.Render.Oversample,
		Health:     health.Handler(cfg.Engine.Type, engines),
		Metrics:    providers.MetricsHandler,
		Logger:     logger.WithGroup("http"),
	})
	defer srv.Stop()

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("starting preview: %w", err)
	}
	defer orch.Close()

	// ---------------------------------------------------------------
	// 8. File watcher
	// ---------------------------------------------------------------
	if cfg.Resume.Watch {
		w, err := watch.New(cfg.Resume.Path, func() {
			snap, err := cfg.LoadResume()
			if err != nil {
				logger.Warn("reloading resume failed", slog.String("error", err.Error()))
				return
			}
			if err := orch.Update(ctx, *snap); err != nil {
				logger.Warn("applying resume failed", slog.String("error", err.Error()))
			}
		}, logger.WithGroup("watch"))
		if err != nil {
			return fmt.Errorf("watching resume: %w", err)
		}
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	// ---------------------------------------------------------------
	// 9. Run
	// ---------------------------------------------------------------
	if err := srv.Serve(ctx); err != nil {
		return fmt.Errorf("preview server: %w", err)
	}

	logger.Info("shutting down gracefully")
	return nil
}

// renderOnce compiles the configured resume through the scheduler and
// writes the PDF.
func renderOnce(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()

	snap := resume.DefaultSnapshot()
	if loaded, err := cfg.LoadResume(); err != nil {
		return fmt.Errorf("loading resume: %w", err)
	} else if loaded != nil {
		snap = *loaded
	}
	markup, err := snap.Markup()
	if err != nil {
		return fmt.Errorf("generating markup: %w", err)
	}

	engines, err := newEngineManager(cfg, logger)
	if err != nil {
		return err
	}
	defer engines.Close(context.WithoutCancel(ctx))

	sched := scheduler.New(scheduler.Config{
		Engines: engines,
		Decoder: document.MuPDF{},
		Logger:  logger.WithGroup("scheduler"),
	})
	defer sched.Close(context.WithoutCancel(ctx))

	art, err := sched.Compile(ctx, markup)
	if err != nil {
		var ce *scheduler.CompileError
		if errors.As(err, &ce) {
			fmt.Fprintln(os.Stderr, ce.Log)
		}
		return fmt.Errorf("compiling resume: %w", err)
	}
	defer art.Document.Close()

	if err := os.WriteFile(renderOut, art.Output, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", renderOut, err)
	}
	if renderSource != "" {
		if err := os.WriteFile(renderSource, []byte(markup), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", renderSource, err)
		}
	}

	logger.Info("resume written",
		slog.String("out", renderOut),
		slog.Int("pages", art.Document.PageCount()),
		slog.String("digest", art.Digest),
		slog.Duration("compile", art.Compile),
	)
	return nil
}
