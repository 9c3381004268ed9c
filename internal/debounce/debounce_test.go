package debounce

import (
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const eventually = time.Second

type ControllerSuite struct {
	suite.Suite
	clock *clock.Mock
	ctrl  *Controller
}

func (s *ControllerSuite) SetupTest() {
	s.clock = clock.NewMock()
	cfg := DefaultConfig()
	cfg.Clock = s.clock
	s.ctrl = New(cfg)
}

func (s *ControllerSuite) TearDownTest() {
	s.ctrl.Stop()
}

func TestControllerSuite(t *testing.T) {
	suite.Run(t, new(ControllerSuite))
}

// ---------------------------------------------------------------------------
// Interval policy
// ---------------------------------------------------------------------------

func (s *ControllerSuite) TestInterval_InitialEstimate() {
	// 500ms * 0.4 = 200ms, inside [150ms, 600ms]
	assert.Equal(s.T(), 200*time.Millisecond, s.ctrl.Interval())
	assert.Equal(s.T(), 500*time.Millisecond, s.ctrl.Average())
}

func (s *ControllerSuite) TestInterval_IdleClampsToIdleMax() {
	for range 5 {
		s.ctrl.Observe(10 * time.Second)
	}
	assert.Equal(s.T(), 600*time.Millisecond, s.ctrl.Interval())
}

func (s *ControllerSuite) TestInterval_TypingClampsToMax() {
	for range 5 {
		s.ctrl.Observe(10 * time.Second)
	}
	s.ctrl.Debounce(func() {})
	require.True(s.T(), s.ctrl.Typing())
	assert.Equal(s.T(), 1500*time.Millisecond, s.ctrl.Interval())
}

func (s *ControllerSuite) TestInterval_ClampsToMin() {
	s.ctrl.Observe(time.Millisecond)
	assert.Equal(s.T(), 150*time.Millisecond, s.ctrl.Interval())

	s.ctrl.Debounce(func() {})
	assert.Equal(s.T(), 150*time.Millisecond, s.ctrl.Interval())
}

func (s *ControllerSuite) TestInterval_TypingIsMorePatient() {
	s.ctrl.Observe(time.Second)
	idle := s.ctrl.Interval()

	s.ctrl.Debounce(func() {})
	typing := s.ctrl.Interval()

	assert.Equal(s.T(), 400*time.Millisecond, idle)
	assert.Equal(s.T(), 800*time.Millisecond, typing)
}

func (s *ControllerSuite) TestObserve_RollingWindowKeepsLastFive() {
	for range 5 {
		s.ctrl.Observe(3 * time.Second)
	}
	for range 5 {
		s.ctrl.Observe(500 * time.Millisecond)
	}
	assert.Equal(s.T(), 500*time.Millisecond, s.ctrl.Average())
}

func (s *ControllerSuite) TestObserve_IgnoresNegative() {
	s.ctrl.Observe(-time.Second)
	assert.Equal(s.T(), 500*time.Millisecond, s.ctrl.Average())
}

// ---------------------------------------------------------------------------
// Typing mode
// ---------------------------------------------------------------------------

func (s *ControllerSuite) TestTyping_DecaysAfterQuietPeriod() {
	s.ctrl.Debounce(func() {})
	assert.True(s.T(), s.ctrl.Typing())

	s.clock.Add(999 * time.Millisecond)
	assert.True(s.T(), s.ctrl.Typing())

	s.clock.Add(time.Millisecond)
	assert.Eventually(s.T(), func() bool { return !s.ctrl.Typing() }, eventually, time.Millisecond)
}

func (s *ControllerSuite) TestTyping_EachEditRestartsDecay() {
	s.ctrl.Debounce(func() {})
	s.clock.Add(800 * time.Millisecond)
	s.ctrl.Debounce(func() {})
	s.clock.Add(800 * time.Millisecond)

	assert.True(s.T(), s.ctrl.Typing())
}

// ---------------------------------------------------------------------------
// Debounce
// ---------------------------------------------------------------------------

func (s *ControllerSuite) TestDebounce_BurstCollapsesToOneCall() {
	var calls atomic.Int32
	var last atomic.Int32

	for i := range 5 {
		n := int32(i)
		s.ctrl.Debounce(func() {
			calls.Add(1)
			last.Store(n)
		})
		s.clock.Add(50 * time.Millisecond)
	}

	// Typing interval with the initial estimate: 500ms * 0.8 = 400ms.
	s.clock.Add(400 * time.Millisecond)

	assert.Eventually(s.T(), func() bool { return calls.Load() == 1 }, eventually, time.Millisecond)
	assert.Equal(s.T(), int32(4), last.Load())
}

func (s *ControllerSuite) TestDebounce_FirstEditUsesIdleInterval() {
	var calls atomic.Int32
	s.ctrl.Debounce(func() { calls.Add(1) })

	s.clock.Add(199 * time.Millisecond)
	assert.Equal(s.T(), int32(0), calls.Load())

	s.clock.Add(time.Millisecond)
	assert.Eventually(s.T(), func() bool { return calls.Load() == 1 }, eventually, time.Millisecond)
}

func (s *ControllerSuite) TestDebounce_Cancel() {
	var calls atomic.Int32
	s.ctrl.Debounce(func() { calls.Add(1) })
	s.ctrl.Cancel()

	s.clock.Add(5 * time.Second)
	assert.Equal(s.T(), int32(0), calls.Load())
}

// ---------------------------------------------------------------------------
// Properties
// ---------------------------------------------------------------------------

func TestIntervalStaysWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	cfg := DefaultConfig()
	cfg.Clock = clock.NewMock()

	for range 200 {
		c := New(cfg)
		for range rng.Intn(12) {
			c.Observe(time.Duration(rng.Int63n(int64(8 * time.Second))))
		}

		idle := c.Interval()
		assert.GreaterOrEqual(t, idle, cfg.Min)
		assert.LessOrEqual(t, idle, cfg.IdleMax)

		c.Debounce(func() {})
		typing := c.Interval()
		assert.GreaterOrEqual(t, typing, cfg.Min)
		assert.LessOrEqual(t, typing, cfg.Max)
		c.Stop()
	}
}

func TestIntervalMonotonicInAverage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clock = clock.NewMock()

	for _, typing := range []bool{false, true} {
		var prev time.Duration
		for ms := 0; ms <= 4000; ms += 25 {
			c := New(cfg)
			c.Observe(time.Duration(ms) * time.Millisecond)
			if typing {
				c.Debounce(func() {})
			}
			got := c.Interval()
			assert.GreaterOrEqual(t, got, prev, "typing=%v avg=%dms", typing, ms)
			prev = got
			c.Stop()
		}
	}
}

func TestNewNormalisesConfig(t *testing.T) {
	c := New(Config{Max: 300 * time.Millisecond, IdleMax: time.Second, Clock: clock.NewMock()})
	defer c.Stop()

	for range 5 {
		c.Observe(time.Minute)
	}
	// IdleMax is capped at Max.
	assert.Equal(t, 300*time.Millisecond, c.Interval())
}
