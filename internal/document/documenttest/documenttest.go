// Package documenttest provides in-memory document.Decoder and
// document.Document doubles with controllable per-page latency and
// failure.
package documenttest

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sync"
	"sync/atomic"

	"github.com/terrpan/cvpreview/internal/document"
)

// Letter page size in points.
const (
	LetterWidth  = 612.0
	LetterHeight = 792.0
)

// PageBreak separates pages in the bytes given to Decoder.Decode.
const PageBreak = "\f"

// Page is a fake page. Gate, when non-nil, blocks Rasterize until it is
// closed. Err, when set, is returned by Rasterize.
type Page struct {
	Width, Height float64
	Fill          color.Color
	Gate          chan struct{}
	Err           error

	n          int
	rasterized atomic.Int32
}

// Rasterized returns how many times the page was rasterised.
func (p *Page) Rasterized() int { return int(p.rasterized.Load()) }

// Document is a fake document.
type Document struct {
	Pages  []*Page
	Source []byte

	closed atomic.Bool
}

// Compile-time check.
var _ document.Document = (*Document)(nil)

// NewDocument returns a document of n letter-size pages.
func NewDocument(n int) *Document {
	d := &Document{Pages: make([]*Page, n)}
	for i := range n {
		d.Pages[i] = &Page{
			Width:  LetterWidth,
			Height: LetterHeight,
			Fill:   color.Gray{Y: uint8(200 - 10*(i%10))},
			n:      i,
		}
	}
	return d
}

// Closed reports whether Close was called.
func (d *Document) Closed() bool { return d.closed.Load() }

func (d *Document) PageCount() int { return len(d.Pages) }

func (d *Document) Page(ctx context.Context, n int) (document.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.closed.Load() {
		return nil, document.ErrClosed
	}
	if err := document.CheckPage(n, len(d.Pages)); err != nil {
		return nil, err
	}
	return &page{doc: d, p: d.Pages[n]}, nil
}

func (d *Document) Close() error {
	d.closed.Store(true)
	return nil
}

type page struct {
	doc *Document
	p   *Page
}

func (p *page) Number() int              { return p.p.n }
func (p *page) Size() (float64, float64) { return p.p.Width, p.p.Height }

func (p *page) Rasterize(ctx context.Context, vp document.Viewport) (image.Image, error) {
	if gate := p.p.Gate; gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.doc.closed.Load() {
		return nil, document.ErrClosed
	}
	if p.p.Err != nil {
		return nil, p.p.Err
	}
	p.p.rasterized.Add(1)

	w := int(math.Round(p.p.Width * vp.Scale))
	h := int(math.Round(p.p.Height * vp.Scale))
	img := image.NewRGBA(image.Rect(0, 0, max(w, 1), max(h, 1)))
	draw.Draw(img, img.Bounds(), image.NewUniform(p.p.Fill), image.Point{}, draw.Src)
	return img, nil
}

// ErrUndecodable is returned by Decoder for input starting with
// "!undecodable".
var ErrUndecodable = errors.New("undecodable output")

// Decoder builds a Document with one page per PageBreak-separated chunk.
// Gate, when non-nil, blocks Decode until closed.
type Decoder struct {
	mu      sync.Mutex
	Gate    chan struct{}
	decoded []*Document
	// Started, when non-nil, receives one value per Decode call once
	// the call is underway.
	Started chan struct{}
}

// Compile-time check.
var _ document.Decoder = (*Decoder)(nil)

func (d *Decoder) Decode(ctx context.Context, data []byte) (document.Document, error) {
	d.mu.Lock()
	gate, started := d.Gate, d.Started
	d.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if bytes.HasPrefix(data, []byte("!undecodable")) {
		return nil, ErrUndecodable
	}

	doc := NewDocument(bytes.Count(data, []byte(PageBreak)) + 1)
	doc.Source = bytes.Clone(data)

	d.mu.Lock()
	d.decoded = append(d.decoded, doc)
	d.mu.Unlock()
	return doc, nil
}

// Decoded returns every document produced so far.
func (d *Decoder) Decoded() []*Document {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Document(nil), d.decoded...)
}
