// Package render rasterises decoded documents into PNG page surfaces.
//
// Every render draws all pages into a staging set first. Only when the
// whole set is finished does it become the active set in one swap, and
// only after the swap is the previous set released.
package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/terrpan/cvpreview/internal/document"
)

const (
	// DefaultOversample is the raster resolution relative to the display
	// width.
	DefaultOversample = 2.5

	// MaxWidth bounds the requested display width in pixels.
	MaxWidth = 4096
)

// ErrInvalidWidth is returned for a display width outside (0, MaxWidth].
var ErrInvalidWidth = errors.New("invalid display width")

var pool bytebufferpool.Pool

// Surface is one rasterised page encoded as PNG.
type Surface struct {
	// Page is the zero-based page index.
	Page int
	// Width and Height are the raster size in pixels.
	Width, Height int

	buf *bytebufferpool.ByteBuffer
}

// PNG returns the encoded page. The slice is only valid until the
// surface is released.
func (s *Surface) PNG() []byte {
	if s == nil || s.buf == nil {
		return nil
	}
	return s.buf.B
}

// Release returns the buffer to the pool.
func (s *Surface) Release() {
	if s == nil || s.buf == nil {
		return
	}
	pool.Put(s.buf)
	s.buf = nil
}

// SurfaceSet is one complete render of a document.
type SurfaceSet struct {
	Revision uint64
	// Width is the display width the set was rendered for.
	Width int
	// PageCount is the number of pages in the document; Pages omits
	// pages that failed to render.
	PageCount int
	Pages     []*Surface
	Failed    []int
	// Height is the summed display height of all rendered pages.
	Height int
}

func (s *SurfaceSet) release() {
	if s == nil {
		return
	}
	for _, p := range s.Pages {
		p.Release()
	}
}

// Config configures a Renderer.
type Config struct {
	// Oversample defaults to DefaultOversample.
	Oversample float64

	// Concurrency bounds the page fan-out. Zero means one goroutine per
	// page.
	Concurrency int

	// OnSwap is called with every new active set, after it has become
	// active and before the previous set is released.
	OnSwap func(*SurfaceSet)

	Logger *slog.Logger
}

// Renderer owns the staging/active surface pair. One render, bulk or
// single page, runs at a time.
type Renderer struct {
	oversample  float64
	concurrency int
	onSwap      func(*SurfaceSet)
	logger      *slog.Logger

	renderMu sync.Mutex
	revision uint64

	viewMu sync.RWMutex
	active *SurfaceSet

	tracer trace.Tracer
	meter  metric.Meter

	renderDuration metric.Float64Histogram
	pageFailures   metric.Int64Counter
}

// New creates a Renderer with no active set.
func New(cfg Config) *Renderer {
	if cfg.Oversample <= 0 {
		cfg.Oversample = DefaultOversample
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	r := &Renderer{
		oversample:  cfg.Oversample,
		concurrency: cfg.Concurrency,
		onSwap:      cfg.OnSwap,
		logger:      cfg.Logger,
		tracer:      otel.Tracer("cvpreview/render"),
		meter:       otel.Meter("cvpreview/render"),
	}

	var err error
	r.renderDuration, err = r.meter.Float64Histogram(
		"cvpreview.render.duration",
		metric.WithDescription("Time to render every page of a document (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create renderDuration histogram", slog.String("error", err.Error()))
	}

	r.pageFailures, err = r.meter.Int64Counter(
		"cvpreview.render.page_failures",
		metric.WithDescription("Pages omitted because rasterisation failed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create pageFailures counter", slog.String("error", err.Error()))
	}

	return r
}

// Render draws every page of doc at width and swaps the result in. A
// failing page is omitted. If ctx ends before all pages finish, nothing
// is swapped and the active set stays as it was.
func (r *Renderer) Render(ctx context.Context, doc document.Document, width int) (*SurfaceSet, error) {
	if err := checkWidth(width); err != nil {
		return nil, err
	}

	r.renderMu.Lock()
	defer r.renderMu.Unlock()

	ctx, span := r.tracer.Start(ctx, "render.Render")
	defer span.End()
	n := doc.PageCount()
	span.SetAttributes(attribute.Int("render.pages", n), attribute.Int("render.width", width))
	start := time.Now()

	staging := make([]*Surface, n)
	g, gctx := errgroup.WithContext(ctx)
	if r.concurrency > 0 {
		g.SetLimit(r.concurrency)
	}
	for i := range n {
		g.Go(func() error {
			s, err := r.renderPage(gctx, doc, i, width)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Warn("page render failed",
					slog.Int("page", i),
					slog.String("error", err.Error()),
				)
				if r.pageFailures != nil {
					r.pageFailures.Add(ctx, 1)
				}
				return nil
			}
			staging[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range staging {
			s.Release()
		}
		return nil, err
	}

	r.revision++
	set := &SurfaceSet{
		Revision:  r.revision,
		Width:     width,
		PageCount: n,
	}
	for i, s := range staging {
		if s == nil {
			set.Failed = append(set.Failed, i)
			continue
		}
		set.Pages = append(set.Pages, s)
		set.Height += int(math.Round(float64(s.Height) / r.oversample))
	}

	r.swap(set)

	took := time.Since(start)
	if r.renderDuration != nil {
		r.renderDuration.Record(ctx, took.Seconds())
	}
	r.logger.Debug("render swapped",
		slog.Uint64("revision", set.Revision),
		slog.Int("pages", len(set.Pages)),
		slog.Int("failed", len(set.Failed)),
		slog.Duration("took", took),
	)
	return set, nil
}

// RenderPage draws a single page. It waits for any bulk render to
// finish and never touches the active set. The caller releases the
// returned surface.
func (r *Renderer) RenderPage(ctx context.Context, doc document.Document, n, width int) (*Surface, error) {
	if err := checkWidth(width); err != nil {
		return nil, err
	}
	if err := document.CheckPage(n, doc.PageCount()); err != nil {
		return nil, err
	}

	r.renderMu.Lock()
	defer r.renderMu.Unlock()

	ctx, span := r.tracer.Start(ctx, "render.RenderPage")
	defer span.End()
	span.SetAttributes(attribute.Int("render.page", n))

	return r.renderPage(ctx, doc, n, width)
}

// View calls fn with the active set, which may be nil. The set and its
// surfaces must not be retained after fn returns.
func (r *Renderer) View(fn func(*SurfaceSet)) {
	r.viewMu.RLock()
	defer r.viewMu.RUnlock()
	fn(r.active)
}

// Revision returns the revision of the active set, zero if none.
func (r *Renderer) Revision() uint64 {
	r.viewMu.RLock()
	defer r.viewMu.RUnlock()
	if r.active == nil {
		return 0
	}
	return r.active.Revision
}

// Close releases the active set.
func (r *Renderer) Close() {
	r.renderMu.Lock()
	defer r.renderMu.Unlock()
	r.viewMu.Lock()
	old := r.active
	r.active = nil
	r.viewMu.Unlock()
	old.release()
}

// swap makes set active, notifies, then releases the old set. Readers
// inside View hold the read lock, so the exclusive lock here waits for
// any reader of the old set to finish.
func (r *Renderer) swap(set *SurfaceSet) {
	r.viewMu.Lock()
	old := r.active
	r.active = set
	r.viewMu.Unlock()

	if r.onSwap != nil {
		r.View(r.onSwap)
	}
	old.release()
}

func (r *Renderer) renderPage(ctx context.Context, doc document.Document, n, width int) (*Surface, error) {
	page, err := doc.Page(ctx, n)
	if err != nil {
		return nil, err
	}
	pw, _ := page.Size()
	if pw <= 0 {
		return nil, fmt.Errorf("page %d has no width", n)
	}
	target := int(math.Round(float64(width) * r.oversample))

	img, err := page.Rasterize(ctx, document.Viewport{Scale: float64(target) / pw})
	if err != nil {
		return nil, err
	}
	if img.Bounds().Dx() != target {
		img = imaging.Resize(img, target, 0, imaging.Lanczos)
	}
	return encode(n, img)
}

func encode(n int, img image.Image) (*Surface, error) {
	buf := pool.Get()
	if err := imaging.Encode(buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestSpeed)); err != nil {
		pool.Put(buf)
		return nil, fmt.Errorf("encode page %d: %w", n, err)
	}
	b := img.Bounds()
	return &Surface{Page: n, Width: b.Dx(), Height: b.Dy(), buf: buf}, nil
}

func checkWidth(width int) error {
	if width <= 0 || width > MaxWidth {
		return fmt.Errorf("%w: %d", ErrInvalidWidth, width)
	}
	return nil
}
