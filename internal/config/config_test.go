package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/cvpreview/internal/debounce"
	"github.com/terrpan/cvpreview/internal/engine"
	"github.com/terrpan/cvpreview/internal/resume"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// validDockerConfig returns a minimal Config that passes Validate() with
// the Docker engine selected.
func validDockerConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Type: EngineDocker,
			Fonts: []engine.Asset{
				{Name: "Inter.ttf", URL: "https://fonts.example/Inter.ttf"},
			},
		},
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ConfigValidationSuite struct {
	suite.Suite
}

func TestConfigValidationSuite(t *testing.T) {
	suite.Run(t, new(ConfigValidationSuite))
}

// ---------------------------------------------------------------------------
// Valid configs
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_EmptyConfig() {
	cfg := &Config{}
	require.NoError(s.T(), cfg.Validate())
	assert.Equal(s.T(), EngineLocal, cfg.Engine.Type)
}

func (s *ConfigValidationSuite) TestValidate_ValidDockerConfig() {
	cfg := validDockerConfig()
	require.NoError(s.T(), cfg.Validate())
}

// ---------------------------------------------------------------------------
// Server validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_InvalidAddr() {
	cfg := validDockerConfig()
	cfg.Server.Addr = "localhost"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "server.addr")
}

// ---------------------------------------------------------------------------
// Engine validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_UnknownEngine() {
	cfg := validDockerConfig()
	cfg.Engine.Type = "wasm"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "not supported")
}

func (s *ConfigValidationSuite) TestValidate_FontWithoutURL() {
	cfg := validDockerConfig()
	cfg.Engine.Fonts = append(cfg.Engine.Fonts, engine.Asset{Name: "Broken.ttf"})
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "engine.fonts[1].url")
}

// ---------------------------------------------------------------------------
// Debounce validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_DebounceBounds() {
	tests := []struct {
		name   string
		mutate func(*DebounceConfig)
		expect string
	}{
		{"min above idle max", func(d *DebounceConfig) { d.Min = time.Second; d.IdleMax = 500 * time.Millisecond }, "debounce.min"},
		{"idle max above max", func(d *DebounceConfig) { d.IdleMax = 3 * time.Second }, "debounce.idle_max"},
		{"negative duration", func(d *DebounceConfig) { d.TypingDecay = -time.Second }, "negative"},
		{"negative factor", func(d *DebounceConfig) { d.IdleFactor = -1 }, "factors"},
		{"zero window", func(d *DebounceConfig) { d.Window = -1 }, "debounce.window"},
	}

	for _, tc := range tests {
		s.Run(tc.name, func() {
			cfg := validDockerConfig()
			cfg.ApplyDefaults()
			tc.mutate(&cfg.Debounce)
			err := cfg.Validate()
			assert.Error(s.T(), err)
			assert.Contains(s.T(), err.Error(), tc.expect)
		})
	}
}

// ---------------------------------------------------------------------------
// Render & resume validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_RenderBounds() {
	cfg := validDockerConfig()
	cfg.Render.Oversample = 0.5
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "render.oversample")

	cfg = validDockerConfig()
	cfg.Render.Width = 100000
	err = cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "render.width")
}

func (s *ConfigValidationSuite) TestValidate_UnknownTemplate() {
	cfg := validDockerConfig()
	cfg.Resume.Template = "fancy"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "resume.template")
}

func (s *ConfigValidationSuite) TestValidate_WatchNeedsPath() {
	cfg := validDockerConfig()
	cfg.Resume.Watch = true
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "resume.watch")
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestApplyDefaults_SetsExpectedValues() {
	cfg := &Config{}
	cfg.ApplyDefaults()

	def := debounce.DefaultConfig()
	assert.Equal(s.T(), "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(s.T(), "typst", cfg.Engine.Local.Binary)
	assert.Equal(s.T(), "ghcr.io/typst/typst:latest", cfg.Engine.Docker.Image)
	assert.Equal(s.T(), 2*time.Minute, cfg.Engine.LoadTimeout)
	assert.Equal(s.T(), 256, cfg.Engine.AssetCache.MaxEntries)
	assert.NotEmpty(s.T(), cfg.Engine.AssetCache.Dir)
	assert.Equal(s.T(), def.Min, cfg.Debounce.Min)
	assert.Equal(s.T(), def.InitialEstimate, cfg.Debounce.InitialEstimate)
	assert.Equal(s.T(), 2.5, cfg.Render.Oversample)
	assert.Equal(s.T(), 800, cfg.Render.Width)
	assert.Equal(s.T(), "info", cfg.Logging.Level)
	assert.Equal(s.T(), "text", cfg.Logging.Format)
	require.NotNil(s.T(), cfg.OTel.Insecure)
	assert.True(s.T(), *cfg.OTel.Insecure)
	require.NotNil(s.T(), cfg.OTel.Prometheus)
	assert.True(s.T(), *cfg.OTel.Prometheus)
}

func (s *ConfigValidationSuite) TestApplyDefaults_KeepsExplicitFalse() {
	f := false
	cfg := &Config{OTel: OTelConfig{Prometheus: &f}}
	cfg.ApplyDefaults()
	assert.False(s.T(), cfg.NewOTelConfig().Prometheus)
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestLoad_MissingFileIsEmpty() {
	cfg, err := Load(filepath.Join(s.T().TempDir(), "absent.yaml"))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), &Config{}, cfg)
}

func (s *ConfigValidationSuite) TestLoad_ParsesDurations() {
	path := writeFile(s.T(), s.T().TempDir(), "cvpreview.yaml", `
server:
  addr: ":9000"
engine:
  type: docker
  load_timeout: 30s
  docker:
    network: true
debounce:
  min: 100ms
  idle_max: 400ms
render:
  concurrency: 2
`)
	cfg, err := Load(path)
	require.NoError(s.T(), err)
	require.NoError(s.T(), cfg.Validate())

	assert.Equal(s.T(), ":9000", cfg.Server.Addr)
	assert.Equal(s.T(), 30*time.Second, cfg.Engine.LoadTimeout)
	assert.True(s.T(), cfg.Engine.Docker.Network)
	assert.Equal(s.T(), 100*time.Millisecond, cfg.Debounce.Min)
	assert.Equal(s.T(), 400*time.Millisecond, cfg.Debounce.IdleMax)
	assert.Equal(s.T(), 2, cfg.Render.Concurrency)
}

func (s *ConfigValidationSuite) TestLoad_InvalidYAML() {
	path := writeFile(s.T(), s.T().TempDir(), "bad.yaml", "server: [")
	_, err := Load(path)
	assert.Error(s.T(), err)
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestNewEngineLoader() {
	for _, typ := range []string{EngineLocal, EngineDocker} {
		cfg := &Config{Engine: EngineConfig{Type: typ}}
		require.NoError(s.T(), cfg.Validate())
		loader, err := cfg.NewEngineLoader()
		require.NoError(s.T(), err, typ)
		assert.NotNil(s.T(), loader, typ)
	}

	cfg := &Config{Engine: EngineConfig{Type: "wasm"}}
	_, err := cfg.NewEngineLoader()
	assert.Error(s.T(), err)
}

func (s *ConfigValidationSuite) TestNewAssetTransport() {
	cfg := &Config{}
	cfg.Engine.AssetCache.Dir = s.T().TempDir()
	cfg.ApplyDefaults()

	factory := cfg.NewAssetTransport(nil)
	require.NotNil(s.T(), factory)
	rt, err := factory()
	require.NoError(s.T(), err)
	assert.NotNil(s.T(), rt)

	cfg.Engine.AssetCache.Disabled = true
	assert.Nil(s.T(), cfg.NewAssetTransport(nil))
}

func (s *ConfigValidationSuite) TestNewDebounceConfig() {
	cfg := &Config{Debounce: DebounceConfig{Min: 50 * time.Millisecond}}
	cfg.ApplyDefaults()

	dc := cfg.NewDebounceConfig(nil, nil)
	assert.Equal(s.T(), 50*time.Millisecond, dc.Min)
	assert.Equal(s.T(), debounce.DefaultConfig().Max, dc.Max)
	assert.Equal(s.T(), debounce.DefaultConfig().Window, dc.Window)
}

func (s *ConfigValidationSuite) TestLoadResume() {
	cfg := &Config{}
	snap, err := cfg.LoadResume()
	require.NoError(s.T(), err)
	assert.Nil(s.T(), snap)

	cfg.Resume.Template = string(resume.TemplateCompact)
	snap, err = cfg.LoadResume()
	require.NoError(s.T(), err)
	require.NotNil(s.T(), snap)
	assert.Equal(s.T(), resume.TemplateCompact, snap.Template)
	assert.Equal(s.T(), resume.DefaultResume(), snap.Resume)

	cfg.Resume.Path = writeFile(s.T(), s.T().TempDir(), "me.yaml", "resume:\n  basics:\n    name: Jane\n")
	snap, err = cfg.LoadResume()
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "Jane", snap.Resume.Basics.Name)
	assert.Equal(s.T(), resume.TemplateCompact, snap.Template)

	cfg.Resume.Path = filepath.Join(s.T().TempDir(), "missing.yaml")
	_, err = cfg.LoadResume()
	assert.Error(s.T(), err)
}

func (s *ConfigValidationSuite) TestOpenStore() {
	cfg := &Config{}
	store, err := cfg.OpenStore()
	require.NoError(s.T(), err)
	assert.Nil(s.T(), store)

	cfg.Store.Path = filepath.Join(s.T().TempDir(), "nested", "cvpreview.db")
	store, err = cfg.OpenStore()
	require.NoError(s.T(), err)
	require.NotNil(s.T(), store)
	assert.NoError(s.T(), store.Close())
}
