package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("engine manager closed")

// InitError wraps a failed bootstrap. The Manager is back in
// StateUninitialized when it is returned, so the next Get retries.
type InitError struct {
	Err error
}

func (e *InitError) Error() string { return "engine initialization: " + e.Err.Error() }
func (e *InitError) Unwrap() error { return e.Err }

// State is the lifecycle position of the managed engine.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Loader bootstraps the engine. Required.
	Loader Loader

	// AssetTransport, when set, is asked for a caching RoundTripper
	// before every bootstrap. It is best-effort: an error is logged and
	// the bootstrap proceeds with a plain client.
	AssetTransport func() (http.RoundTripper, error)

	// LoadTimeout bounds one bootstrap attempt. Zero means no bound.
	LoadTimeout time.Duration

	Logger *slog.Logger
}

// Manager lazily creates the one Engine of the process and hands the
// same handle to every caller.
//
//	Uninitialized → Loading → Ready
//	Loading → Uninitialized (on failure, so the next Get retries)
//
// Concurrent callers during Loading share one bootstrap. A caller whose
// context ends stops waiting but does not abort the bootstrap for the
// others.
type Manager struct {
	loader         Loader
	assetTransport func() (http.RoundTripper, error)
	loadTimeout    time.Duration
	logger         *slog.Logger
	tracer         trace.Tracer

	baseCtx context.Context
	cancel  context.CancelFunc
	group   singleflight.Group

	mu       sync.Mutex
	state    State
	engine   Engine
	closed   bool
	attempts int
}

// NewManager creates a Manager in StateUninitialized. Nothing is loaded
// until the first Get.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		loader:         cfg.Loader,
		assetTransport: cfg.AssetTransport,
		loadTimeout:    cfg.LoadTimeout,
		logger:         cfg.Logger,
		tracer:         otel.Tracer("cvpreview/engine"),
		baseCtx:        ctx,
		cancel:         cancel,
	}
}

// Get returns the ready engine, bootstrapping it if needed.
func (m *Manager) Get(ctx context.Context) (Engine, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.state == StateReady {
		eng := m.engine
		m.mu.Unlock()
		return eng, nil
	}
	m.mu.Unlock()

	ch := m.group.DoChan("engine", m.load)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Engine), nil
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsReady reports whether Get would return without bootstrapping.
func (m *Manager) IsReady() bool { return m.State() == StateReady }

// IsLoading reports whether a bootstrap is in progress.
func (m *Manager) IsLoading() bool { return m.State() == StateLoading }

// Attempts returns how many bootstraps have been started.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Close shuts the engine down. Later Get calls return ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	eng := m.engine
	m.engine = nil
	m.state = StateUninitialized
	m.mu.Unlock()

	m.cancel()
	if eng == nil {
		return nil
	}
	return eng.Close(ctx)
}

func (m *Manager) load() (any, error) {
	m.mu.Lock()
	if m.state == StateReady {
		// A previous flight finished between Get's check and DoChan.
		eng := m.engine
		m.mu.Unlock()
		return eng, nil
	}
	m.state = StateLoading
	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()

	ctx := m.baseCtx
	if m.loadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.loadTimeout)
		defer cancel()
	}
	ctx, span := m.tracer.Start(ctx, "engine.Load")
	defer span.End()
	span.SetAttributes(attribute.Int("engine.attempt", attempt))

	m.logger.Info("loading engine", slog.Int("attempt", attempt))
	start := time.Now()

	eng, err := m.loader(ctx, LoadEnv{
		HTTPClient: m.httpClient(),
		Logger:     m.logger,
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.state = StateUninitialized
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error("engine load failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		return nil, &InitError{Err: err}
	}

	if m.closed {
		m.state = StateUninitialized
		_ = eng.Close(context.WithoutCancel(ctx))
		return nil, ErrClosed
	}

	m.engine = eng
	m.state = StateReady
	m.logger.Info("engine ready",
		slog.Int("attempt", attempt),
		slog.Duration("took", time.Since(start)),
	)
	return eng, nil
}

// httpClient returns the client handed to the loader. Failing to build
// the caching transport is not fatal.
func (m *Manager) httpClient() *http.Client {
	if m.assetTransport == nil {
		return &http.Client{}
	}
	rt, err := m.assetTransport()
	if err != nil {
		m.logger.Warn("asset cache unavailable, continuing without it",
			slog.String("error", err.Error()),
		)
		return &http.Client{}
	}
	return &http.Client{Transport: rt}
}
