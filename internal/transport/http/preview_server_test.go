package httpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/cvpreview/internal/contracts"
	"github.com/terrpan/cvpreview/internal/document/documenttest"
	"github.com/terrpan/cvpreview/internal/preview"
	"github.com/terrpan/cvpreview/internal/render"
	"github.com/terrpan/cvpreview/internal/resume"
)

// ---------------------------------------------------------------------------
// Mock preview
// ---------------------------------------------------------------------------

type mockPreview struct {
	mu       sync.Mutex
	state    preview.State
	snap     resume.Snapshot
	updates  []resume.Snapshot
	widths   []int
	output   []byte
	digest   string
	source   string
	renderer *render.Renderer
	doc      *documenttest.Document
}

func (p *mockPreview) State() preview.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *mockPreview) Snapshot() resume.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

func (p *mockPreview) Update(_ context.Context, snap resume.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, snap)
	p.snap = snap
	return nil
}

func (p *mockPreview) SetWidth(width int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.widths = append(p.widths, width)
}

func (p *mockPreview) DownloadOutput() ([]byte, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.output == nil {
		return nil, "", preview.ErrNothingCompiled
	}
	return p.output, p.digest, nil
}

func (p *mockPreview) DownloadSource() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.source == "" {
		return "", preview.ErrNothingCompiled
	}
	return p.source, nil
}

func (p *mockPreview) RenderPage(ctx context.Context, n, width int) (*render.Surface, error) {
	if p.doc == nil {
		return nil, preview.ErrNothingCompiled
	}
	return p.renderer.RenderPage(ctx, p.doc, n, width)
}

func (p *mockPreview) resizes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.widths...)
}

// ---------------------------------------------------------------------------
// Suite
// ---------------------------------------------------------------------------

type PreviewServerSuite struct {
	suite.Suite
	preview  *mockPreview
	renderer *render.Renderer
	srv      *PreviewServer
	http     *httptest.Server
}

func TestPreviewServerSuite(t *testing.T) {
	suite.Run(t, new(PreviewServerSuite))
}

func (s *PreviewServerSuite) SetupTest() {
	s.renderer = render.New(render.Config{})
	s.preview = &mockPreview{
		state:    preview.State{Width: 800},
		snap:     resume.DefaultSnapshot(),
		renderer: s.renderer,
	}
	s.srv = NewPreviewServer(Config{
		Addr:    "127.0.0.1:0",
		Preview: s.preview,
		Health: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "ok")
		}),
	})
	s.http = httptest.NewServer(s.srv.Handler())
}

func (s *PreviewServerSuite) TearDownTest() {
	s.http.Close()
	s.srv.Stop()
	s.renderer.Close()
}

func (s *PreviewServerSuite) get(path string) *http.Response {
	resp, err := http.Get(s.http.URL + path)
	require.NoError(s.T(), err)
	s.T().Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *PreviewServerSuite) body(resp *http.Response) string {
	b, err := io.ReadAll(resp.Body)
	require.NoError(s.T(), err)
	return string(b)
}

func (s *PreviewServerSuite) dial() *websocket.Conn {
	url := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(s.T(), err)
	s.T().Cleanup(func() { _ = conn.Close() })
	return conn
}

func (s *PreviewServerSuite) read(conn *websocket.Conn, v any) {
	require.NoError(s.T(), conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(s.T(), conn.ReadJSON(v))
}

// ---------------------------------------------------------------------------
// HTTP routes
// ---------------------------------------------------------------------------

func (s *PreviewServerSuite) TestIndexServesViewer() {
	resp := s.get("/")
	assert.Equal(s.T(), http.StatusOK, resp.StatusCode)
	assert.Contains(s.T(), resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(s.T(), s.body(resp), `new WebSocket(`)

	assert.Equal(s.T(), http.StatusNotFound, s.get("/nope").StatusCode)
}

func (s *PreviewServerSuite) TestHealthIsMounted() {
	resp := s.get("/healthz")
	assert.Equal(s.T(), http.StatusOK, resp.StatusCode)
	assert.Equal(s.T(), "ok", s.body(resp))
}

func (s *PreviewServerSuite) TestState() {
	s.preview.state = preview.State{PageCount: 2, Width: 640, Error: "error: boom", ErrorKind: preview.ErrorKindCompile}
	resp := s.get("/api/state")
	assert.Equal(s.T(), http.StatusOK, resp.StatusCode)
	body := s.body(resp)
	assert.Contains(s.T(), body, `"pageCount":2`)
	assert.Contains(s.T(), body, `"error":"error: boom"`)
	assert.Contains(s.T(), body, `"errorKind":"compile"`)
}

func (s *PreviewServerSuite) TestDownloadsBeforeCompile() {
	assert.Equal(s.T(), http.StatusNotFound, s.get("/download/pdf").StatusCode)
	assert.Equal(s.T(), http.StatusNotFound, s.get("/download/source").StatusCode)
	assert.Equal(s.T(), http.StatusNotFound, s.get("/api/pages/1").StatusCode)
}

func (s *PreviewServerSuite) TestDownloadPDF() {
	s.preview.output = []byte("%PDF-1.7 fake")
	s.preview.digest = "abc123"

	resp := s.get("/download/pdf")
	assert.Equal(s.T(), http.StatusOK, resp.StatusCode)
	assert.Equal(s.T(), "application/pdf", resp.Header.Get("Content-Type"))
	assert.Equal(s.T(), `attachment; filename=resume.pdf`, resp.Header.Get("Content-Disposition"))
	assert.Equal(s.T(), `"abc123"`, resp.Header.Get("ETag"))
	assert.Equal(s.T(), "%PDF-1.7 fake", s.body(resp))

	req, err := http.NewRequest(http.MethodGet, s.http.URL+"/download/pdf", nil)
	require.NoError(s.T(), err)
	req.Header.Set("If-None-Match", `"abc123"`)
	cached, err := http.DefaultClient.Do(req)
	require.NoError(s.T(), err)
	defer cached.Body.Close()
	assert.Equal(s.T(), http.StatusNotModified, cached.StatusCode)
}

func (s *PreviewServerSuite) TestDownloadSource() {
	s.preview.source = "= Resume"
	resp := s.get("/download/source")
	assert.Equal(s.T(), http.StatusOK, resp.StatusCode)
	assert.Equal(s.T(), `attachment; filename=resume.typ`, resp.Header.Get("Content-Disposition"))
	assert.Equal(s.T(), "= Resume", s.body(resp))
}

func (s *PreviewServerSuite) TestPutResume() {
	put := func(contentType, body string) *http.Response {
		req, err := http.NewRequest(http.MethodPut, s.http.URL+"/api/resume", strings.NewReader(body))
		require.NoError(s.T(), err)
		req.Header.Set("Content-Type", contentType)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(s.T(), err)
		s.T().Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := put("application/json", `{"resume":{"basics":{"name":"Jane"}},"template":"compact"}`)
	assert.Equal(s.T(), http.StatusNoContent, resp.StatusCode)

	resp = put("application/yaml", "resume:\n  basics:\n    name: Yaml Person\n")
	assert.Equal(s.T(), http.StatusNoContent, resp.StatusCode)

	resp = put("application/json", `{"template":"fancy"}`)
	assert.Equal(s.T(), http.StatusBadRequest, resp.StatusCode)

	resp = put("application/json", `{not json`)
	assert.Equal(s.T(), http.StatusBadRequest, resp.StatusCode)

	require.Len(s.T(), s.preview.updates, 2)
	assert.Equal(s.T(), "Jane", s.preview.updates[0].Resume.Basics.Name)
	assert.Equal(s.T(), resume.TemplateCompact, s.preview.updates[0].Template)
	assert.Equal(s.T(), resume.DefaultSections(), s.preview.updates[0].Sections)
	assert.Equal(s.T(), "Yaml Person", s.preview.updates[1].Resume.Basics.Name)

	resp = s.get("/api/resume")
	assert.Contains(s.T(), s.body(resp), `"name":"Yaml Person"`)
}

func (s *PreviewServerSuite) TestPage() {
	s.preview.doc = documenttest.NewDocument(2)

	resp := s.get("/api/pages/2?width=100")
	require.Equal(s.T(), http.StatusOK, resp.StatusCode)
	assert.Equal(s.T(), "image/png", resp.Header.Get("Content-Type"))
	img, err := png.Decode(bytes.NewReader([]byte(s.body(resp))))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 250, img.Bounds().Dx())

	assert.Equal(s.T(), http.StatusBadRequest, s.get("/api/pages/0").StatusCode)
	assert.Equal(s.T(), http.StatusBadRequest, s.get("/api/pages/x").StatusCode)
	assert.Equal(s.T(), http.StatusBadRequest, s.get("/api/pages/1?width=-5").StatusCode)
	assert.Equal(s.T(), http.StatusUnprocessableEntity, s.get("/api/pages/3").StatusCode)
}

// ---------------------------------------------------------------------------
// WebSocket
// ---------------------------------------------------------------------------

func (s *PreviewServerSuite) TestStateIsBroadcast() {
	// A state published before registration is replayed on connect, so
	// either path delivers it.
	conn := s.dial()

	s.srv.PublishState(preview.State{IsCompiling: true, PlaceholderHeight: 1035, Width: 800})

	var msg contracts.StateMessage
	s.read(conn, &msg)
	assert.Equal(s.T(), contracts.MessageTypeState, msg.Type)
	assert.True(s.T(), msg.IsCompiling)
	assert.Equal(s.T(), 1035, msg.PlaceholderHeight)
}

func (s *PreviewServerSuite) TestFrameCarriesDecodablePages() {
	conn := s.dial()

	_, err := s.renderer.Render(context.Background(), documenttest.NewDocument(2), 100)
	require.NoError(s.T(), err)
	s.renderer.View(s.srv.PublishFrame)

	var frame contracts.FrameMessage
	s.read(conn, &frame)
	assert.Equal(s.T(), contracts.MessageTypeFrame, frame.Type)
	assert.Equal(s.T(), uint64(1), frame.Rev)
	assert.Equal(s.T(), 100, frame.Width)
	require.Len(s.T(), frame.Pages, 2)
	assert.Equal(s.T(), 130, frame.Pages[0].Height)

	raw, err := base64.StdEncoding.DecodeString(frame.Pages[1].PNG)
	require.NoError(s.T(), err)
	_, err = png.Decode(bytes.NewReader(raw))
	assert.NoError(s.T(), err)
}

func (s *PreviewServerSuite) TestLateViewerGetsLastStateAndFrame() {
	_, err := s.renderer.Render(context.Background(), documenttest.NewDocument(1), 100)
	require.NoError(s.T(), err)
	s.renderer.View(s.srv.PublishFrame)
	s.srv.PublishState(preview.State{PageCount: 1, Revision: 1})

	conn := s.dial()
	var frame, state contracts.FrameMessage
	s.read(conn, &frame)
	s.read(conn, &state)
	assert.Equal(s.T(), contracts.MessageTypeFrame, frame.Type)
	assert.Len(s.T(), frame.Pages, 1)
	assert.Equal(s.T(), contracts.MessageTypeState, state.Type)
}

func (s *PreviewServerSuite) TestFrameAlwaysPrecedesItsState() {
	conn := s.dial()

	// Exactly one copy arrives, by broadcast or by replay, and proves
	// the viewer is registered.
	s.srv.PublishState(preview.State{IsCompiling: true, PlaceholderHeight: 500})
	var first contracts.StateMessage
	s.read(conn, &first)
	require.Equal(s.T(), 500, first.PlaceholderHeight)

	const swaps = 20
	for range swaps {
		set, err := s.renderer.Render(context.Background(), documenttest.NewDocument(1), 50)
		require.NoError(s.T(), err)
		s.renderer.View(s.srv.PublishFrame)
		s.srv.PublishState(preview.State{PageCount: 1, Revision: set.Revision})
	}

	for i := range swaps {
		var frame contracts.FrameMessage
		s.read(conn, &frame)
		require.Equal(s.T(), contracts.MessageTypeFrame, frame.Type, "swap %d", i)

		var st contracts.StateMessage
		s.read(conn, &st)
		require.Equal(s.T(), contracts.MessageTypeState, st.Type, "swap %d", i)
		assert.Equal(s.T(), frame.Rev, st.Revision)
		assert.Zero(s.T(), st.PlaceholderHeight)
	}
}

func (s *PreviewServerSuite) TestResizeReachesPreview() {
	conn := s.dial()
	require.NoError(s.T(), conn.WriteJSON(contracts.ResizeMessage{Type: contracts.MessageTypeResize, Width: 612}))
	require.NoError(s.T(), conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"unknown"}`)))
	require.NoError(s.T(), conn.WriteMessage(websocket.TextMessage, []byte(`garbage`)))

	require.Eventually(s.T(), func() bool {
		return len(s.preview.resizes()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(s.T(), []int{612}, s.preview.resizes())
}
