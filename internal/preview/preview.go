// Package preview composes the debounce controller, the scheduler and
// the renderer into the user-facing live preview: it turns resume edits
// into compiles, compiled documents into page frames, and failures into
// the error text shown to the user.
package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/terrpan/cvpreview/internal/document"
	"github.com/terrpan/cvpreview/internal/render"
	"github.com/terrpan/cvpreview/internal/resume"
	"github.com/terrpan/cvpreview/internal/scheduler"
)

// DefaultWidth is the display width used until a viewer reports one.
const DefaultWidth = 800

// ErrNothingCompiled is returned by the download actions before the
// first successful compile.
var ErrNothingCompiled = errors.New("nothing compiled yet")

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("preview closed")

// Error kinds reported in State.ErrorKind.
const (
	ErrorKindCompile = "compile"
	ErrorKindDecode  = "decode"
	ErrorKindEngine  = "engine"
	ErrorKindInput   = "input"
)

// Messages shown for failures whose details are not useful to the user.
const (
	decodeFailedText      = "The compiled document could not be displayed."
	engineUnavailableText = "engine unavailable: the typesetting engine could not be started. The next edit will retry."
)

// State is the observable preview state.
type State struct {
	IsCompiling bool   `json:"isCompiling"`
	Error       string `json:"error,omitempty"`
	ErrorKind   string `json:"errorKind,omitempty"`
	PageCount   int    `json:"pageCount"`
	// PlaceholderHeight is the last rendered height in display pixels,
	// kept while a compile is in flight and cleared once new pages are
	// on screen.
	PlaceholderHeight int    `json:"placeholderHeight"`
	Revision          uint64 `json:"revision"`
	Width             int    `json:"width"`
}

// Compiler is the scheduler surface the orchestrator needs.
type Compiler interface {
	Submit(markup string) *scheduler.Job
}

// Renderer is the page renderer surface the orchestrator needs.
type Renderer interface {
	Render(ctx context.Context, doc document.Document, width int) (*render.SurfaceSet, error)
	RenderPage(ctx context.Context, doc document.Document, n, width int) (*render.Surface, error)
}

// Debouncer delays a call until edits settle.
type Debouncer interface {
	Debounce(fn func())
	Cancel()
}

// Store persists the resume snapshot. Load returns an error when nothing
// is saved.
type Store interface {
	Load(ctx context.Context) (resume.Snapshot, error)
	Save(ctx context.Context, snap resume.Snapshot) error
}

// Config holds the collaborators of an Orchestrator.
type Config struct {
	Compiler  Compiler
	Renderer  Renderer
	Debouncer Debouncer

	// Store is optional.
	Store Store

	// Initial is used when the store is absent or empty. Nil means
	// resume.DefaultSnapshot.
	Initial *resume.Snapshot

	// Width is the initial display width. Default: DefaultWidth
	Width int

	// OnState is called with every state change, in order.
	OnState func(State)

	Logger *slog.Logger
}

// Orchestrator owns the preview state.
type Orchestrator struct {
	compiler  Compiler
	renderer  Renderer
	debouncer Debouncer
	store     Store
	initial   resume.Snapshot
	onState   func(State)
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kick   chan struct{}

	// stateMu orders OnState calls.
	stateMu sync.Mutex

	mu            sync.Mutex
	closed        bool
	state         State
	snapshot      resume.Snapshot
	markup        string
	lastSubmitted uint64
	lastSettled   uint64
	lastApplied   uint64
	current       *scheduler.Artifact
	retired       []document.Document
	renderedDoc   document.Document
	renderedWidth int
	renderedH     int

	// docMu keeps documents open while a single-page render uses them.
	docMu sync.RWMutex
}

// New creates an Orchestrator. Nothing happens until Start.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	initial := resume.DefaultSnapshot()
	if cfg.Initial != nil {
		initial = *cfg.Initial
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		compiler:  cfg.Compiler,
		renderer:  cfg.Renderer,
		debouncer: cfg.Debouncer,
		store:     cfg.Store,
		initial:   initial,
		onState:   cfg.OnState,
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
		kick:      make(chan struct{}, 1),
		state:     State{Width: cfg.Width},
	}
}

// Start loads the persisted snapshot (falling back to the initial one),
// starts the render loop and submits the first compile without delay.
func (o *Orchestrator) Start(ctx context.Context) error {
	snap := o.load(ctx)
	markup, err := snap.Markup()
	if err != nil {
		return fmt.Errorf("generate initial markup: %w", err)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.wg.Add(1)
	o.snapshot = snap
	o.markup = markup
	o.mu.Unlock()
	go o.renderLoop()

	o.submit(markup)
	return nil
}

// Update replaces the resume snapshot, persists it and schedules a
// debounced compile when the generated markup changed.
func (o *Orchestrator) Update(ctx context.Context, snap resume.Snapshot) error {
	snap.Normalize()
	if err := snap.Validate(); err != nil {
		return err
	}
	markup, err := snap.Markup()
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.snapshot = snap
	changed := markup != o.markup
	o.markup = markup
	o.mu.Unlock()

	if o.store != nil {
		if err := o.store.Save(ctx, snap); err != nil {
			o.logger.Warn("saving resume failed", slog.String("error", err.Error()))
		}
	}
	if !changed {
		return nil
	}
	o.debouncer.Debounce(func() { o.submit(markup) })
	return nil
}

// SetWidth changes the display width and re-renders the current document.
func (o *Orchestrator) SetWidth(width int) {
	if width <= 0 || width > render.MaxWidth {
		return
	}
	o.mu.Lock()
	if o.state.Width == width {
		o.mu.Unlock()
		return
	}
	o.state.Width = width
	o.mu.Unlock()
	o.signalRender()
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Snapshot returns the current resume snapshot.
func (o *Orchestrator) Snapshot() resume.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshot
}

// DownloadOutput returns the PDF of the last successful compile and its
// digest.
func (o *Orchestrator) DownloadOutput() ([]byte, string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return nil, "", ErrNothingCompiled
	}
	return o.current.Output, o.current.Digest, nil
}

// DownloadSource returns the markup of the last successful compile.
func (o *Orchestrator) DownloadSource() (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return "", ErrNothingCompiled
	}
	return o.current.Markup, nil
}

// RenderPage renders page n (zero-based) of the last successful compile.
// The caller releases the surface.
func (o *Orchestrator) RenderPage(ctx context.Context, n, width int) (*render.Surface, error) {
	o.docMu.RLock()
	defer o.docMu.RUnlock()

	o.mu.Lock()
	cur := o.current
	o.mu.Unlock()
	if cur == nil {
		return nil, ErrNothingCompiled
	}
	return o.renderer.RenderPage(ctx, cur.Document, n, width)
}

// Close stops pending work and closes every document still held.
func (o *Orchestrator) Close() {
	// closed is set under mu so no submit can Add to wg once Wait starts.
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.debouncer.Cancel()
	o.cancel()
	o.wg.Wait()

	o.docMu.Lock()
	defer o.docMu.Unlock()
	o.mu.Lock()
	docs := o.retired
	o.retired = nil
	if o.current != nil {
		docs = append(docs, o.current.Document)
		o.current = nil
	}
	o.mu.Unlock()
	closeDocs(docs)
}

func (o *Orchestrator) renderedHeight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.renderedH
}

// settled reports whether no compile is in flight and the last
// successful compile is on screen at the current width.
func (o *Orchestrator) settled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.IsCompiling {
		return false
	}
	return o.current == nil ||
		o.current.Document == o.renderedDoc && o.state.Width == o.renderedWidth
}

func (o *Orchestrator) load(ctx context.Context) resume.Snapshot {
	if o.store == nil {
		return o.initial
	}
	snap, err := o.store.Load(ctx)
	if err != nil {
		o.logger.Info("no saved resume, using initial data", slog.String("reason", err.Error()))
		return o.initial
	}
	return snap
}

func (o *Orchestrator) submit(markup string) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	job := o.compiler.Submit(markup)

	o.mu.Lock()
	if job.ID > o.lastSubmitted {
		o.lastSubmitted = job.ID
	}
	if !o.state.IsCompiling {
		o.state.IsCompiling = true
		o.state.PlaceholderHeight = o.renderedH
	}
	o.mu.Unlock()
	o.publish()

	go o.await(job)
}

func (o *Orchestrator) await(job *scheduler.Job) {
	defer o.wg.Done()
	art, err := job.Wait(o.ctx)
	if err != nil && o.ctx.Err() != nil {
		return
	}

	o.mu.Lock()
	o.lastSettled = max(o.lastSettled, job.ID)
	o.state.IsCompiling = o.lastSettled < o.lastSubmitted

	switch {
	case err == nil && job.ID < o.lastApplied:
		// A newer result is already shown.
		o.retired = append(o.retired, art.Document)
	case err == nil:
		o.lastApplied = job.ID
		if o.current != nil {
			o.retired = append(o.retired, o.current.Document)
		}
		o.current = art
		o.state.Error = ""
		o.state.ErrorKind = ""
		o.state.PageCount = art.Document.PageCount()
	case scheduler.IsSuperseded(err),
		errors.Is(err, scheduler.ErrCancelled),
		errors.Is(err, scheduler.ErrClosed):
		// Silent.
	case job.ID < o.lastApplied:
		// Stale failure.
	default:
		o.lastApplied = job.ID
		o.state.Error, o.state.ErrorKind = describe(err)
	}
	o.mu.Unlock()

	if err == nil {
		o.signalRender()
	} else if !scheduler.IsSuperseded(err) {
		o.logger.Debug("compile rejected",
			slog.Uint64("job", job.ID),
			slog.String("error", err.Error()),
		)
	}
	o.publish()
}

func (o *Orchestrator) signalRender() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// renderLoop renders whenever the document or the width changes. Kicks
// arriving during a render coalesce into one follow-up render.
func (o *Orchestrator) renderLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-o.kick:
		}

		o.mu.Lock()
		cur := o.current
		width := o.state.Width
		same := cur != nil && cur.Document == o.renderedDoc && width == o.renderedWidth
		o.mu.Unlock()
		if cur == nil || same {
			continue
		}

		set, err := o.renderer.Render(o.ctx, cur.Document, width)
		if err != nil {
			if o.ctx.Err() == nil {
				o.logger.Warn("render failed", slog.String("error", err.Error()))
			}
			continue
		}

		o.mu.Lock()
		o.renderedDoc = cur.Document
		o.renderedWidth = width
		o.renderedH = set.Height
		o.state.Revision = set.Revision
		o.state.PlaceholderHeight = 0
		retired := o.retired
		o.retired = nil
		o.mu.Unlock()

		// The new set is visible; documents replaced before it can go.
		o.docMu.Lock()
		closeDocs(retired)
		o.docMu.Unlock()

		o.publish()
	}
}

func (o *Orchestrator) publish() {
	if o.onState == nil {
		return
	}
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	o.onState(o.State())
}

// describe is the only translation from a rejection to user-visible text.
func describe(err error) (string, string) {
	var ce *scheduler.CompileError
	var de *scheduler.DecodeError
	switch {
	case errors.As(err, &ce):
		return ce.Log, ErrorKindCompile
	case errors.As(err, &de):
		return decodeFailedText, ErrorKindDecode
	case errors.Is(err, scheduler.ErrEngineUnavailable):
		return engineUnavailableText, ErrorKindEngine
	default:
		return err.Error(), ErrorKindInput
	}
}

func closeDocs(docs []document.Document) {
	for _, d := range docs {
		if d != nil {
			_ = d.Close()
		}
	}
}
