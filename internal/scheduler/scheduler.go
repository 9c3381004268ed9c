// Package scheduler serialises compile requests against the single
// typesetting engine. At most one job runs at a time and at most one
// waits behind it: a newer request replaces the waiting one, which is
// rejected with ErrSuperseded without ever reaching the engine.
package scheduler

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/cvpreview/internal/document"
	"github.com/terrpan/cvpreview/internal/engine"
)

// EngineSource hands out the ready engine. *engine.Manager implements it.
type EngineSource interface {
	Get(ctx context.Context) (engine.Engine, error)
}

// DurationObserver receives the wall time of every compile call that
// returned. *debounce.Controller implements it.
type DurationObserver interface {
	Observe(d time.Duration)
}

// Phase is the scheduler state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseActive
	PhaseActivePending
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseActive:
		return "active"
	case PhaseActivePending:
		return "active+pending"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	Phase     Phase
	ActiveID  uint64
	PendingID uint64
}

// Config holds the collaborators of a Scheduler.
type Config struct {
	Engines  EngineSource
	Decoder  document.Decoder
	Observer DurationObserver
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Scheduler runs compile jobs one at a time.
type Scheduler struct {
	engines  EngineSource
	decoder  document.Decoder
	observer DurationObserver
	clock    clock.Clock
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	phase   Phase
	active  *Job
	pending chan *Job
	lastID  uint64
	closed  bool

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	jobsSubmitted   metric.Int64Counter
	jobsSuperseded  metric.Int64Counter
	jobsCompleted   metric.Int64Counter
	compileDuration metric.Float64Histogram
}

// New creates an idle Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		engines:  cfg.Engines,
		decoder:  cfg.Decoder,
		observer: cfg.Observer,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(chan *Job, 1),
		tracer:   otel.Tracer("cvpreview/scheduler"),
		meter:    otel.Meter("cvpreview/scheduler"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	s.jobsSubmitted, err = s.meter.Int64Counter(
		"cvpreview.jobs.submitted",
		metric.WithDescription("Total number of compile jobs submitted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create jobsSubmitted counter", slog.String("error", err.Error()))
	}

	s.jobsSuperseded, err = s.meter.Int64Counter(
		"cvpreview.jobs.superseded",
		metric.WithDescription("Total number of pending jobs replaced by a newer request"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create jobsSuperseded counter", slog.String("error", err.Error()))
	}

	s.jobsCompleted, err = s.meter.Int64Counter(
		"cvpreview.jobs.completed",
		metric.WithDescription("Total number of jobs that left the active slot, by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create jobsCompleted counter", slog.String("error", err.Error()))
	}

	s.compileDuration, err = s.meter.Float64Histogram(
		"cvpreview.compile.duration",
		metric.WithDescription("Engine compile call duration (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create compileDuration histogram", slog.String("error", err.Error()))
	}

	return s
}

// Submit enqueues markup. If the engine is free the job starts at once;
// otherwise it takes the single pending slot, superseding whatever was
// there.
func (s *Scheduler) Submit(markup string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	j := newJob(s.lastID, markup, s.clock.Now())

	if s.closed {
		j.cancel(ErrClosed)
		return j
	}
	if s.jobsSubmitted != nil {
		s.jobsSubmitted.Add(s.ctx, 1)
	}

	switch s.phase {
	case PhaseIdle:
		j.promote()
		s.active = j
		s.phase = PhaseActive
		s.wg.Add(1)
		go s.run(j)
	default:
		s.offer(j)
		s.phase = PhaseActivePending
	}

	s.logger.Debug("job submitted",
		slog.Uint64("job", j.ID),
		slog.String("phase", s.phase.String()),
	)
	return j
}

// Compile submits markup and waits for the result. When ctx ends first
// the job is cancelled and ctx.Err() returned.
func (s *Scheduler) Compile(ctx context.Context, markup string) (*Artifact, error) {
	j := s.Submit(markup)
	a, err := j.Wait(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		j.Cancel()
	}
	return a, err
}

// State returns the current phase and job ids.
func (s *Scheduler) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Phase: s.phase}
	if s.active != nil {
		snap.ActiveID = s.active.ID
	}
	select {
	case j := <-s.pending:
		snap.PendingID = j.ID
		s.pending <- j
	default:
	}
	return snap
}

// Close rejects the pending job, cancels the active one at its next
// checkpoint and waits for the run loop to exit or ctx to end.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	select {
	case j := <-s.pending:
		j.cancel(ErrClosed)
	default:
	}
	if s.active != nil {
		s.active.cancel(ErrClosed)
	}
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// offer places j in the pending slot. Caller holds s.mu, so the send
// never blocks once the slot is drained.
func (s *Scheduler) offer(j *Job) {
	select {
	case old := <-s.pending:
		if old.supersede() {
			if s.jobsSuperseded != nil {
				s.jobsSuperseded.Add(s.ctx, 1)
			}
			s.logger.Debug("job superseded",
				slog.Uint64("job", old.ID),
				slog.Uint64("by", j.ID),
			)
		}
	default:
	}
	s.pending <- j
}

// next promotes the pending job, or moves to idle when there is none.
func (s *Scheduler) next() *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case j := <-s.pending:
			if !j.promote() {
				// Cancelled while waiting.
				continue
			}
			s.active = j
			s.phase = PhaseActive
			return j
		default:
			s.active = nil
			s.phase = PhaseIdle
			return nil
		}
	}
}

func (s *Scheduler) run(first *Job) {
	defer s.wg.Done()
	for j := first; j != nil; j = s.next() {
		s.execute(j)
	}
}

// execute drives one active job to a terminal status. Cancellation is
// honoured before start, after the engine is ready, after compile and
// after decode.
func (s *Scheduler) execute(j *Job) {
	ctx, span := s.tracer.Start(s.ctx, "scheduler.execute",
		trace.WithAttributes(attribute.Int64("job.id", int64(j.ID))),
	)
	defer span.End()

	result := s.compile(ctx, j)
	span.SetAttributes(attribute.String("job.result", result))
	if result != "success" && result != "cancelled" {
		_, err := j.Result()
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	if s.jobsCompleted != nil {
		s.jobsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

func (s *Scheduler) compile(ctx context.Context, j *Job) string {
	logger := s.logger.With(slog.Uint64("job", j.ID))

	if j.checkpoint() {
		return "cancelled"
	}

	eng, err := s.engines.Get(ctx)
	if err != nil {
		if s.ctx.Err() != nil {
			j.cancel(ErrClosed)
			j.checkpoint()
			return "cancelled"
		}
		logger.Error("engine unavailable", slog.String("error", err.Error()))
		j.fail(&EngineError{Op: "load", Err: err})
		return "engine_error"
	}
	if j.checkpoint() {
		return "cancelled"
	}

	if err := eng.WriteInput(engine.MainFile, []byte(j.Markup)); err != nil {
		logger.Error("engine write failed", slog.String("error", err.Error()))
		j.fail(&EngineError{Op: "write input", Err: err})
		return "engine_error"
	}
	if err := eng.SetMainFile(engine.MainFile); err != nil {
		logger.Error("engine set main file failed", slog.String("error", err.Error()))
		j.fail(&EngineError{Op: "set main file", Err: err})
		return "engine_error"
	}

	// The engine has no cancellation primitive: once started, a compile
	// runs to completion.
	start := s.clock.Now()
	res, err := eng.Compile(context.WithoutCancel(ctx))
	took := s.clock.Since(start)
	if err != nil {
		logger.Error("engine compile failed", slog.String("error", err.Error()))
		j.fail(&EngineError{Op: "compile", Err: err})
		return "engine_error"
	}
	if s.observer != nil {
		s.observer.Observe(took)
	}
	if s.compileDuration != nil {
		s.compileDuration.Record(ctx, took.Seconds())
	}
	if j.checkpoint() {
		return "cancelled"
	}

	if res.Status != 0 {
		logger.Info("compile diagnostics",
			slog.Int("status", res.Status),
			slog.Duration("took", took),
		)
		j.fail(&CompileError{Status: res.Status, Log: res.Log})
		return "compile_error"
	}

	doc, err := s.decoder.Decode(ctx, res.Output)
	if err != nil {
		if j.checkpoint() {
			return "cancelled"
		}
		logger.Warn("decode failed", slog.String("error", err.Error()))
		j.fail(&DecodeError{Err: err})
		return "decode_error"
	}
	if j.checkpoint() {
		// Nobody will receive the document.
		_ = doc.Close()
		return "cancelled"
	}

	sum := blake3.Sum256(res.Output)
	j.complete(&Artifact{
		JobID:    j.ID,
		Markup:   j.Markup,
		Output:   res.Output,
		Digest:   hex.EncodeToString(sum[:]),
		Log:      res.Log,
		Document: doc,
		Compile:  took,
	})
	logger.Debug("compile succeeded",
		slog.Int("pages", doc.PageCount()),
		slog.Duration("took", took),
	)
	return "success"
}
