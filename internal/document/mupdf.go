package document

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/gen2brain/go-fitz"
)

// pointsPerInch is the PDF user-space unit.
const pointsPerInch = 72.0

// MuPDF decodes PDF bytes with go-fitz.
type MuPDF struct{}

// Compile-time check.
var _ Decoder = MuPDF{}

// Decode opens data as a PDF. MuPDF has no cancellation, so ctx is only
// checked before starting.
func (MuPDF) Decode(ctx context.Context, data []byte) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := fitz.NewFromMemory(bytes.Clone(data))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	d := &mupdfDocument{doc: doc, count: doc.NumPage()}
	d.sizes = make([][2]float64, d.count)
	for i := range d.count {
		r, err := doc.Bound(i)
		if err != nil {
			_ = doc.Close()
			return nil, fmt.Errorf("page %d bounds: %w", i, err)
		}
		d.sizes[i] = [2]float64{float64(r.Dx()), float64(r.Dy())}
	}
	return d, nil
}

// mupdfDocument serialises access to the underlying fitz document, which
// is not safe for concurrent rendering.
type mupdfDocument struct {
	mu     sync.Mutex
	doc    *fitz.Document
	count  int
	sizes  [][2]float64
	closed bool
}

func (d *mupdfDocument) PageCount() int { return d.count }

func (d *mupdfDocument) Page(ctx context.Context, n int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := CheckPage(n, d.count); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	return &mupdfPage{doc: d, n: n}, nil
}

func (d *mupdfDocument) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.doc.Close()
}

func (d *mupdfDocument) render(ctx context.Context, n int, scale float64) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	img, err := d.doc.ImageDPI(n, scale*pointsPerInch)
	if err != nil {
		return nil, fmt.Errorf("rasterize page %d: %w", n, err)
	}
	return img, nil
}

type mupdfPage struct {
	doc *mupdfDocument
	n   int
}

func (p *mupdfPage) Number() int { return p.n }

func (p *mupdfPage) Size() (float64, float64) {
	s := p.doc.sizes[p.n]
	return s[0], s[1]
}

func (p *mupdfPage) Rasterize(ctx context.Context, vp Viewport) (image.Image, error) {
	if vp.Scale <= 0 {
		return nil, fmt.Errorf("invalid viewport scale %v", vp.Scale)
	}
	return p.doc.render(ctx, p.n, vp.Scale)
}
