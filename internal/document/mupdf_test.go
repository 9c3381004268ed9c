package document

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalPDF builds a valid PDF with n empty pages of width×height
// points, with a correct xref table.
func minimalPDF(n int, width, height int) []byte {
	var objs []string
	kids := make([]string, n)
	for i := range n {
		kids[i] = fmt.Sprintf("%d 0 R", i+3)
	}
	objs = append(objs,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n),
	)
	for range n {
		objs = append(objs, fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %d %d] >>", width, height))
	}

	var b strings.Builder
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, obj := range objs {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return []byte(b.String())
}

func TestMuPDFDecode(t *testing.T) {
	ctx := context.Background()
	doc, err := MuPDF{}.Decode(ctx, minimalPDF(3, 612, 792))
	require.NoError(t, err)
	defer doc.Close()

	require.Equal(t, 3, doc.PageCount())

	page, err := doc.Page(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Number())
	w, h := page.Size()
	assert.Equal(t, 612.0, w)
	assert.Equal(t, 792.0, h)

	img, err := page.Rasterize(ctx, Viewport{Scale: 0.5})
	require.NoError(t, err)
	assert.InDelta(t, 306, img.Bounds().Dx(), 1)
	assert.InDelta(t, 396, img.Bounds().Dy(), 1)
}

func TestMuPDFDecodeGarbage(t *testing.T) {
	_, err := MuPDF{}.Decode(context.Background(), []byte("definitely not a pdf"))
	assert.Error(t, err)
}

func TestMuPDFPageRange(t *testing.T) {
	ctx := context.Background()
	doc, err := MuPDF{}.Decode(ctx, minimalPDF(1, 100, 100))
	require.NoError(t, err)
	defer doc.Close()

	_, err = doc.Page(ctx, 1)
	assert.ErrorIs(t, err, ErrPageRange)
	_, err = doc.Page(ctx, -1)
	assert.ErrorIs(t, err, ErrPageRange)
}

func TestMuPDFClosed(t *testing.T) {
	ctx := context.Background()
	doc, err := MuPDF{}.Decode(ctx, minimalPDF(1, 100, 100))
	require.NoError(t, err)

	page, err := doc.Page(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, doc.Close())
	require.NoError(t, doc.Close(), "close is idempotent")

	_, err = page.Rasterize(ctx, Viewport{Scale: 1})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = doc.Page(ctx, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMuPDFCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := MuPDF{}.Decode(ctx, minimalPDF(1, 100, 100))
	assert.ErrorIs(t, err, context.Canceled)
}
