// Package document defines the decoded-document contracts the pipeline
// rasterises from, and a MuPDF-backed implementation.
package document

import (
	"context"
	"errors"
	"fmt"
	"image"
)

var (
	// ErrClosed is returned by operations on a closed Document.
	ErrClosed = errors.New("document closed")

	// ErrPageRange is returned for a page number outside the document.
	ErrPageRange = errors.New("page out of range")
)

// Viewport describes the raster to produce for one page.
type Viewport struct {
	// Scale is output pixels per PDF point.
	Scale float64
}

// Decoder turns compiled output bytes into a Document.
type Decoder interface {
	Decode(ctx context.Context, data []byte) (Document, error)
}

// Document is a decoded, rasterisable document. Pages are numbered from
// zero. A Document must be closed once no renderer references it.
type Document interface {
	PageCount() int
	Page(ctx context.Context, n int) (Page, error)
	Close() error
}

// Page is one page of a Document.
type Page interface {
	// Number is the zero-based page index.
	Number() int
	// Size is the page size in points.
	Size() (width, height float64)
	Rasterize(ctx context.Context, vp Viewport) (image.Image, error)
}

// CheckPage validates n against count.
func CheckPage(n, count int) error {
	if n < 0 || n >= count {
		return fmt.Errorf("%w: %d of %d", ErrPageRange, n, count)
	}
	return nil
}
