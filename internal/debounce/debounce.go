// Package debounce decides how long to wait after an edit before a compile
// is committed. The wait adapts to observed compile latency and to whether
// the user is in the middle of a typing burst.
//
// The controller holds no compile logic. It is fed two streams: edits via
// Debounce and compile durations via Observe.
package debounce

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Config tunes the adaptive interval.
type Config struct {
	// Min is the lower bound of the interval in both modes.
	Min time.Duration
	// Max is the upper bound while typing.
	Max time.Duration
	// IdleMax is the upper bound while not typing. It must not exceed Max.
	IdleMax time.Duration

	// TypingFactor scales the average compile duration while typing.
	TypingFactor float64
	// IdleFactor scales the average compile duration otherwise.
	IdleFactor float64

	// TypingDecay is how long typing mode stays on after the last edit.
	TypingDecay time.Duration

	// Window is the number of compile durations averaged.
	Window int

	// InitialEstimate stands in for the average before any sample exists.
	InitialEstimate time.Duration

	// Clock is used for all timers. Defaults to the wall clock.
	Clock clock.Clock

	Logger *slog.Logger
}

// DefaultConfig returns the tuning used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Min:             150 * time.Millisecond,
		Max:             1500 * time.Millisecond,
		IdleMax:         600 * time.Millisecond,
		TypingFactor:    0.8,
		IdleFactor:      0.4,
		TypingDecay:     time.Second,
		Window:          5,
		InitialEstimate: 500 * time.Millisecond,
	}
}

// Controller implements the adaptive debounce policy. The zero value is
// not usable; call New.
type Controller struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	samples []time.Duration // ring buffer, len <= cfg.Window
	next    int

	typing      bool
	typingTimer *clock.Timer
	typingGen   uint64

	pending    *clock.Timer
	pendingGen uint64
}

// New creates a Controller. Zero fields in cfg take their DefaultConfig value.
func New(cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.Min <= 0 {
		cfg.Min = def.Min
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.IdleMax <= 0 {
		cfg.IdleMax = def.IdleMax
	}
	cfg.IdleMax = min(cfg.IdleMax, cfg.Max)
	if cfg.TypingFactor <= 0 {
		cfg.TypingFactor = def.TypingFactor
	}
	if cfg.IdleFactor <= 0 {
		cfg.IdleFactor = def.IdleFactor
	}
	if cfg.TypingDecay <= 0 {
		cfg.TypingDecay = def.TypingDecay
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.InitialEstimate <= 0 {
		cfg.InitialEstimate = def.InitialEstimate
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	c := &Controller{
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		samples: make([]time.Duration, 0, cfg.Window),
	}

	_, err := otel.Meter("cvpreview/debounce").Float64ObservableGauge(
		"cvpreview.debounce.interval",
		metric.WithDescription("Current debounce interval"),
		metric.WithUnit("s"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(c.Interval().Seconds())
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create interval gauge", slog.String("error", err.Error()))
	}

	return c
}

// Observe records the duration of a finished compile.
func (c *Controller) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.samples) < c.cfg.Window {
		c.samples = append(c.samples, d)
	} else {
		c.samples[c.next] = d
	}
	c.next = (c.next + 1) % c.cfg.Window
}

// Interval returns the wait that Debounce would use right now.
func (c *Controller) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intervalLocked()
}

// Typing reports whether an edit happened within the decay window.
func (c *Controller) Typing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

// Average returns the rolling average compile duration, or the initial
// estimate when nothing has been observed yet.
func (c *Controller) Average() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.averageLocked()
}

// Debounce schedules fn to run after the current interval and cancels any
// earlier fn that has not fired yet. The interval is taken before the
// call switches typing mode on, so the first edit after a pause is
// committed quickly and the rest of a burst waits longer.
func (c *Controller) Debounce(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wait := c.intervalLocked()
	c.markTypingLocked()

	if c.pending != nil {
		c.pending.Stop()
	}
	c.pendingGen++
	gen := c.pendingGen
	c.pending = c.clock.AfterFunc(wait, func() {
		c.mu.Lock()
		if gen != c.pendingGen {
			// Superseded between firing and acquiring the lock.
			c.mu.Unlock()
			return
		}
		c.pending = nil
		c.mu.Unlock()
		fn()
	})

	c.logger.Debug("edit debounced",
		slog.Duration("wait", wait),
		slog.Duration("average", c.averageLocked()),
	)
}

// Cancel drops any scheduled fn.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	c.pendingGen++
}

// Stop cancels every timer owned by the controller.
func (c *Controller) Stop() {
	c.Cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.typingGen++
	c.typing = false
}

func (c *Controller) markTypingLocked() {
	c.typing = true
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingGen++
	gen := c.typingGen
	c.typingTimer = c.clock.AfterFunc(c.cfg.TypingDecay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen == c.typingGen {
			c.typing = false
			c.typingTimer = nil
		}
	})
}

func (c *Controller) averageLocked() time.Duration {
	if len(c.samples) == 0 {
		return c.cfg.InitialEstimate
	}
	var sum time.Duration
	for _, d := range c.samples {
		sum += d
	}
	return sum / time.Duration(len(c.samples))
}

func (c *Controller) intervalLocked() time.Duration {
	avg := float64(c.averageLocked())
	if c.typing {
		return clamp(time.Duration(avg*c.cfg.TypingFactor), c.cfg.Min, c.cfg.Max)
	}
	return clamp(time.Duration(avg*c.cfg.IdleFactor), c.cfg.Min, c.cfg.IdleMax)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	return max(lo, min(d, hi))
}
