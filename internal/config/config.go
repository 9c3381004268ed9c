// Package config handles loading, validating, and applying
// configuration for the preview service.  Configuration is read from a
// YAML file and can be overridden by CLI flags.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/cvpreview/internal/assetcache"
	"github.com/terrpan/cvpreview/internal/debounce"
	"github.com/terrpan/cvpreview/internal/engine"
	"github.com/terrpan/cvpreview/internal/engine/docker"
	"github.com/terrpan/cvpreview/internal/engine/local"
	"github.com/terrpan/cvpreview/internal/otel"
	"github.com/terrpan/cvpreview/internal/render"
	"github.com/terrpan/cvpreview/internal/resume"
	"github.com/terrpan/cvpreview/internal/store/sqlite"
)

// Engine types.
const (
	EngineLocal  = "local"
	EngineDocker = "docker"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Engine   EngineConfig   `yaml:"engine"`
	Debounce DebounceConfig `yaml:"debounce"`
	Render   RenderConfig   `yaml:"render"`
	Resume   ResumeConfig   `yaml:"resume"`
	Store    StoreConfig    `yaml:"store"`
	Logging  LoggingConfig  `yaml:"logging"`
	OTel     OTelConfig     `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address.  Default: "127.0.0.1:8080".
	Addr string `yaml:"addr"`
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// EngineConfig selects and configures the typesetting backend.
type EngineConfig struct {
	// Type selects the backend: "local" or "docker".  Default: "local".
	Type string `yaml:"type"`

	// LoadTimeout bounds one bootstrap attempt (image pull, font
	// download).  Default: 2m.
	LoadTimeout time.Duration `yaml:"load_timeout"`

	// Fonts are fetched during bootstrap and passed to the compiler.
	Fonts []engine.Asset `yaml:"fonts"`

	// Local holds settings for the typst binary on the host.  Only read
	// when Type == "local".
	Local LocalEngineConfig `yaml:"local"`

	// Docker holds Docker-specific settings.  Only read when Type == "docker".
	Docker DockerEngineConfig `yaml:"docker"`

	// AssetCache caches bootstrap downloads on disk.
	AssetCache AssetCacheConfig `yaml:"asset_cache"`
}

// LocalEngineConfig holds settings for the local typst binary.
type LocalEngineConfig struct {
	// Binary is the executable name or path.  Default: "typst".
	Binary string `yaml:"binary"`
	// Dir is where the private workspace is created.  Default: system temp.
	Dir string `yaml:"dir"`
}

// DockerEngineConfig holds Docker-specific engine settings.
type DockerEngineConfig struct {
	// Image provides the typst binary.  Use ":latest" (default) for the
	// newest release, or pin a specific version (e.g. "ghcr.io/typst/typst:v0.13.1").
	// Default: "ghcr.io/typst/typst:latest"
	Image string `yaml:"image"`
	// Network gives compile containers network access (for Typst
	// packages).  Default: false.
	Network bool `yaml:"network"`
}

// AssetCacheConfig controls the on-disk download cache.
type AssetCacheConfig struct {
	// Disabled turns the cache off.  Default: false.
	Disabled bool `yaml:"disabled"`
	// Dir holds the cached files.  Default: <user cache dir>/cvpreview/assets.
	Dir string `yaml:"dir"`
	// MaxEntries bounds the number of cached files.  Default: 256.
	MaxEntries int `yaml:"max_entries"`
}

// ---------------------------------------------------------------------------
// Debounce
// ---------------------------------------------------------------------------

// DebounceConfig tunes the adaptive debounce.  Zero values take the
// defaults of debounce.DefaultConfig.
type DebounceConfig struct {
	Min             time.Duration `yaml:"min"`
	Max             time.Duration `yaml:"max"`
	IdleMax         time.Duration `yaml:"idle_max"`
	TypingFactor    float64       `yaml:"typing_factor"`
	IdleFactor      float64       `yaml:"idle_factor"`
	TypingDecay     time.Duration `yaml:"typing_decay"`
	Window          int           `yaml:"window"`
	InitialEstimate time.Duration `yaml:"initial_estimate"`
}

// ---------------------------------------------------------------------------
// Render
// ---------------------------------------------------------------------------

// RenderConfig controls page rasterisation.
type RenderConfig struct {
	// Oversample is the raster-to-display ratio.  Default: 2.5.
	Oversample float64 `yaml:"oversample"`
	// Concurrency bounds parallel page renders.  Default: 0 (one per page).
	Concurrency int `yaml:"concurrency"`
	// Width is the display width until a viewer reports one.  Default: 800.
	Width int `yaml:"width"`
}

// ---------------------------------------------------------------------------
// Resume & store
// ---------------------------------------------------------------------------

// ResumeConfig points at the resume data.
type ResumeConfig struct {
	// Path is a YAML or JSON resume file.  Empty means the built-in
	// sample (or whatever the store holds).
	Path string `yaml:"path"`
	// Template overrides the template named in the file.
	Template string `yaml:"template"`
	// Watch recompiles when Path changes on disk.  Default: false.
	Watch bool `yaml:"watch"`
}

// StoreConfig controls persistence of edits.
type StoreConfig struct {
	// Path is the SQLite database file.  Empty disables persistence.
	Path string `yaml:"path"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP export is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure *bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).  Default: false.
	StdOut bool `yaml:"stdout"`

	// Prometheus serves metrics at /metrics.  Default: true.
	Prometheus *bool `yaml:"prometheus"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which are filled by ApplyDefaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- defaults and flags are enough.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Engine.Type == "" {
		c.Engine.Type = EngineLocal
	}
	if c.Engine.LoadTimeout == 0 {
		c.Engine.LoadTimeout = 2 * time.Minute
	}
	if c.Engine.Local.Binary == "" {
		c.Engine.Local.Binary = "typst"
	}
	if c.Engine.Docker.Image == "" {
		c.Engine.Docker.Image = "ghcr.io/typst/typst:latest"
	}
	if c.Engine.AssetCache.Dir == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			c.Engine.AssetCache.Dir = filepath.Join(dir, "cvpreview", "assets")
		} else {
			c.Engine.AssetCache.Dir = filepath.Join(os.TempDir(), "cvpreview-assets")
		}
	}
	if c.Engine.AssetCache.MaxEntries == 0 {
		c.Engine.AssetCache.MaxEntries = 256
	}

	def := debounce.DefaultConfig()
	if c.Debounce.Min == 0 {
		c.Debounce.Min = def.Min
	}
	if c.Debounce.Max == 0 {
		c.Debounce.Max = def.Max
	}
	if c.Debounce.IdleMax == 0 {
		c.Debounce.IdleMax = def.IdleMax
	}
	if c.Debounce.TypingFactor == 0 {
		c.Debounce.TypingFactor = def.TypingFactor
	}
	if c.Debounce.IdleFactor == 0 {
		c.Debounce.IdleFactor = def.IdleFactor
	}
	if c.Debounce.TypingDecay == 0 {
		c.Debounce.TypingDecay = def.TypingDecay
	}
	if c.Debounce.Window == 0 {
		c.Debounce.Window = def.Window
	}
	if c.Debounce.InitialEstimate == 0 {
		c.Debounce.InitialEstimate = def.InitialEstimate
	}

	if c.Render.Oversample == 0 {
		c.Render.Oversample = render.DefaultOversample
	}
	if c.Render.Width == 0 {
		c.Render.Width = 800
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.OTel.Insecure == nil {
		t := true
		c.OTel.Insecure = &t
	}
	if c.OTel.Prometheus == nil {
		t := true
		c.OTel.Prometheus = &t
	}
}

// Validate checks that all fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		return fmt.Errorf("server.addr: invalid address %q: %w", c.Server.Addr, err)
	}

	switch c.Engine.Type {
	case EngineLocal, EngineDocker:
		// OK
	default:
		return fmt.Errorf("engine.type %q is not supported (supported: local, docker)", c.Engine.Type)
	}
	if c.Engine.LoadTimeout < 0 {
		return fmt.Errorf("engine.load_timeout must not be negative")
	}
	for i, f := range c.Engine.Fonts {
		if strings.TrimSpace(f.URL) == "" {
			return fmt.Errorf("engine.fonts[%d].url is required", i)
		}
	}
	if c.Engine.AssetCache.MaxEntries < 0 {
		return fmt.Errorf("engine.asset_cache.max_entries must not be negative")
	}

	d := c.Debounce
	if d.Min < 0 || d.Max < 0 || d.IdleMax < 0 || d.TypingDecay < 0 || d.InitialEstimate < 0 {
		return fmt.Errorf("debounce durations must not be negative")
	}
	if d.Min > d.IdleMax {
		return fmt.Errorf("debounce.min (%s) > debounce.idle_max (%s)", d.Min, d.IdleMax)
	}
	if d.IdleMax > d.Max {
		return fmt.Errorf("debounce.idle_max (%s) > debounce.max (%s)", d.IdleMax, d.Max)
	}
	if d.TypingFactor < 0 || d.IdleFactor < 0 {
		return fmt.Errorf("debounce factors must not be negative")
	}
	if d.Window < 1 {
		return fmt.Errorf("debounce.window must be at least 1")
	}

	if c.Render.Oversample < 1 {
		return fmt.Errorf("render.oversample (%g) must be at least 1", c.Render.Oversample)
	}
	if c.Render.Concurrency < 0 {
		return fmt.Errorf("render.concurrency must not be negative")
	}
	if c.Render.Width < 1 || c.Render.Width > render.MaxWidth {
		return fmt.Errorf("render.width (%d) must be between 1 and %d", c.Render.Width, render.MaxWidth)
	}

	if c.Resume.Template != "" && !resume.Template(c.Resume.Template).Valid() {
		return fmt.Errorf("resume.template %q is not supported (supported: classic, compact)", c.Resume.Template)
	}
	if c.Resume.Watch && c.Resume.Path == "" {
		return fmt.Errorf("resume.watch requires resume.path")
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewEngineLoader returns the bootstrap function for the backend
// selected by engine.type.
func (c *Config) NewEngineLoader() (engine.Loader, error) {
	switch c.Engine.Type {
	case EngineLocal:
		return local.Loader(local.Config{
			Binary: c.Engine.Local.Binary,
			Fonts:  c.Engine.Fonts,
			Dir:    c.Engine.Local.Dir,
		}), nil
	case EngineDocker:
		return docker.Loader(docker.Config{
			Image:   c.Engine.Docker.Image,
			Fonts:   c.Engine.Fonts,
			Network: c.Engine.Docker.Network,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", c.Engine.Type)
	}
}

// NewAssetTransport returns the factory the engine manager uses for its
// caching transport, or nil when the cache is disabled.
func (c *Config) NewAssetTransport(logger *slog.Logger) func() (http.RoundTripper, error) {
	if c.Engine.AssetCache.Disabled {
		return nil
	}
	dir, maxEntries := c.Engine.AssetCache.Dir, c.Engine.AssetCache.MaxEntries
	return func() (http.RoundTripper, error) {
		return assetcache.New(dir, maxEntries, http.DefaultTransport, logger)
	}
}

// NewDebounceConfig builds the debounce tuning.
func (c *Config) NewDebounceConfig(clk clock.Clock, logger *slog.Logger) debounce.Config {
	return debounce.Config{
		Min:             c.Debounce.Min,
		Max:             c.Debounce.Max,
		IdleMax:         c.Debounce.IdleMax,
		TypingFactor:    c.Debounce.TypingFactor,
		IdleFactor:      c.Debounce.IdleFactor,
		TypingDecay:     c.Debounce.TypingDecay,
		Window:          c.Debounce.Window,
		InitialEstimate: c.Debounce.InitialEstimate,
		Clock:           clk,
		Logger:          logger,
	}
}

// NewRenderConfig builds the renderer configuration.
func (c *Config) NewRenderConfig(onSwap func(*render.SurfaceSet), logger *slog.Logger) render.Config {
	return render.Config{
		Oversample:  c.Render.Oversample,
		Concurrency: c.Render.Concurrency,
		OnSwap:      onSwap,
		Logger:      logger,
	}
}

// NewOTelConfig converts the otel section.
func (c *Config) NewOTelConfig() otel.Config {
	return otel.Config{
		Enabled:    c.OTel.Enabled,
		Endpoint:   c.OTel.Endpoint,
		Insecure:   c.OTel.Insecure == nil || *c.OTel.Insecure,
		StdOut:     c.OTel.StdOut,
		Prometheus: c.OTel.Prometheus == nil || *c.OTel.Prometheus,
	}
}

// LoadResume reads resume.path, or returns nil when no file is
// configured.  resume.template overrides the file's template.
func (c *Config) LoadResume() (*resume.Snapshot, error) {
	if c.Resume.Path == "" {
		if c.Resume.Template == "" {
			return nil, nil
		}
		snap := resume.DefaultSnapshot()
		snap.Template = resume.Template(c.Resume.Template)
		return &snap, nil
	}
	snap, err := resume.LoadFile(c.Resume.Path)
	if err != nil {
		return nil, err
	}
	if c.Resume.Template != "" {
		snap.Template = resume.Template(c.Resume.Template)
	}
	return &snap, nil
}

// OpenStore opens the SQLite store, or returns nil when persistence is
// disabled.
func (c *Config) OpenStore() (*sqlite.Store, error) {
	if c.Store.Path == "" {
		return nil, nil
	}
	if dir := filepath.Dir(c.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
		}
	}
	return sqlite.Open(c.Store.Path)
}
