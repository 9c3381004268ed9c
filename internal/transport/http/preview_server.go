// Package httpserver serves the browser viewer and carries page frames
// and preview state to it over WebSockets.
package httpserver

import (
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/terrpan/cvpreview/internal/contracts"
	"github.com/terrpan/cvpreview/internal/preview"
	"github.com/terrpan/cvpreview/internal/render"
	"github.com/terrpan/cvpreview/internal/resume"
)

//go:embed viewer.html
var viewerShell []byte

// MaxResumeSize bounds the body of PUT /api/resume.
const MaxResumeSize = 1 << 20

const (
	writeTimeout    = 5 * time.Second
	shutdownTimeout = 2 * time.Second
)

// Preview is the orchestrator surface the server drives.
type Preview interface {
	State() preview.State
	Snapshot() resume.Snapshot
	Update(ctx context.Context, snap resume.Snapshot) error
	SetWidth(width int)
	DownloadOutput() ([]byte, string, error)
	DownloadSource() (string, error)
	RenderPage(ctx context.Context, n, width int) (*render.Surface, error)
}

// Config configures a PreviewServer.
type Config struct {
	Addr    string
	Preview Preview

	// Oversample is the renderer's oversampling factor, used to report
	// page sizes in display pixels. Default: render.DefaultOversample
	Oversample float64

	// Health and Metrics are mounted at /healthz and /metrics when set.
	Health  http.Handler
	Metrics http.Handler

	Logger *slog.Logger
}

type client struct {
	id   string
	conn *websocket.Conn
}

type inbound struct {
	client *client
	raw    []byte
}

// PreviewServer coordinates HTTP serving and WebSocket updates.
type PreviewServer struct {
	addr       string
	preview    Preview
	oversample float64
	health     http.Handler
	metrics    http.Handler
	logger     *slog.Logger

	server *http.Server

	// outbound carries frames and states in publish order.
	outbound   chan any
	register   chan *client
	unregister chan *client
	inbound    chan inbound
	stopLoop   chan struct{}
	loopDone   chan struct{}

	upgrader websocket.Upgrader

	// Metrics
	viewers       metric.Int64UpDownCounter
	framesWritten metric.Int64Counter
}

// NewPreviewServer creates a server and starts its write loop. Call
// Serve to accept connections and Stop to shut everything down.
func NewPreviewServer(cfg Config) *PreviewServer {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Oversample <= 0 {
		cfg.Oversample = render.DefaultOversample
	}
	m := &PreviewServer{
		addr:       cfg.Addr,
		preview:    cfg.Preview,
		oversample: cfg.Oversample,
		health:     cfg.Health,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,

		outbound:   make(chan any, 32),
		register:   make(chan *client),
		unregister: make(chan *client),
		inbound:    make(chan inbound, 64),
		stopLoop:   make(chan struct{}),
		loopDone:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	meter := otel.Meter("cvpreview/httpserver")
	var err error
	m.viewers, err = meter.Int64UpDownCounter(
		"cvpreview.viewers",
		metric.WithDescription("Number of connected viewers"),
		metric.WithUnit("1"),
	)
	if err != nil {
		m.logger.Warn("failed to create viewers counter", slog.String("error", err.Error()))
	}
	m.framesWritten, err = meter.Int64Counter(
		"cvpreview.frames.written",
		metric.WithDescription("Total number of frames written to viewers"),
		metric.WithUnit("1"),
	)
	if err != nil {
		m.logger.Warn("failed to create framesWritten counter", slog.String("error", err.Error()))
	}

	go m.runLoop()
	return m
}

// URL returns the browser URL for the preview server.
func (m *PreviewServer) URL() string {
	return "http://" + m.addr
}

// Handler returns the HTTP routes.
func (m *PreviewServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", m.handleIndex)
	mux.HandleFunc("GET /ws", m.handleWS)
	mux.HandleFunc("GET /download/pdf", m.handleDownloadPDF)
	mux.HandleFunc("GET /download/source", m.handleDownloadSource)
	mux.HandleFunc("GET /api/state", m.handleState)
	mux.HandleFunc("GET /api/resume", m.handleGetResume)
	mux.HandleFunc("PUT /api/resume", m.handlePutResume)
	mux.HandleFunc("GET /api/pages/{n}", m.handlePage)
	if m.health != nil {
		mux.Handle("GET /healthz", m.health)
	}
	if m.metrics != nil {
		mux.Handle("GET /metrics", m.metrics)
	}
	return mux
}

// Serve listens on the configured address until ctx ends, then shuts
// the HTTP server down gracefully.
func (m *PreviewServer) Serve(ctx context.Context) error {
	m.server = &http.Server{
		Addr:              m.addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		m.logger.Info("preview server listening", slog.String("url", m.URL()))
		errCh <- m.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := m.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop ends the write loop and closes every viewer connection.
func (m *PreviewServer) Stop() {
	select {
	case <-m.stopLoop:
	default:
		close(m.stopLoop)
	}
	<-m.loopDone
}

// PublishFrame sends a freshly swapped surface set to every viewer. It
// encodes the pages before returning, so the set may be released
// afterwards.
func (m *PreviewServer) PublishFrame(set *render.SurfaceSet) {
	msg := m.frame(set)
	select {
	case m.outbound <- msg:
	case <-m.stopLoop:
	}
}

// PublishState sends the preview state to every viewer.
func (m *PreviewServer) PublishState(st preview.State) {
	select {
	case m.outbound <- stateMessage(st):
	case <-m.stopLoop:
	}
}

func (m *PreviewServer) frame(set *render.SurfaceSet) contracts.FrameMessage {
	msg := contracts.FrameMessage{
		Type:   contracts.MessageTypeFrame,
		Rev:    set.Revision,
		Width:  set.Width,
		Height: set.Height,
		Pages:  make([]contracts.PageImage, 0, set.PageCount),
	}
	for _, s := range set.Pages {
		msg.Pages = append(msg.Pages, contracts.PageImage{
			Page:   s.Page,
			Width:  set.Width,
			Height: int(math.Round(float64(s.Height) / m.oversample)),
			PNG:    base64.StdEncoding.EncodeToString(s.PNG()),
		})
	}
	for _, n := range set.Failed {
		msg.Pages = append(msg.Pages, contracts.PageImage{Page: n, Width: set.Width, Failed: true})
	}
	return msg
}

func stateMessage(st preview.State) contracts.StateMessage {
	return contracts.StateMessage{
		Type:              contracts.MessageTypeState,
		IsCompiling:       st.IsCompiling,
		Error:             st.Error,
		ErrorKind:         st.ErrorKind,
		PageCount:         st.PageCount,
		PlaceholderHeight: st.PlaceholderHeight,
		Revision:          st.Revision,
		Width:             st.Width,
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

// handleIndex serves the viewer shell.
func (m *PreviewServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(viewerShell)
}

// handleWS upgrades the connection and forwards browser messages to the loop.
func (m *PreviewServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{id: uuid.NewString(), conn: conn}

	select {
	case m.register <- c:
	case <-m.stopLoop:
		_ = conn.Close()
		return
	}
	defer func() {
		select {
		case m.unregister <- c:
		case <-m.stopLoop:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case m.inbound <- inbound{client: c, raw: msg}:
		case <-m.stopLoop:
			return
		}
	}
}

func (m *PreviewServer) handleDownloadPDF(w http.ResponseWriter, r *http.Request) {
	out, digest, err := m.preview.DownloadOutput()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": "resume.pdf"}))
	w.Header().Set("ETag", strconv.Quote(digest))
	if match := r.Header.Get("If-None-Match"); match != "" && match == strconv.Quote(digest) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	_, _ = w.Write(out)
}

func (m *PreviewServer) handleDownloadSource(w http.ResponseWriter, r *http.Request) {
	src, err := m.preview.DownloadSource()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": "resume.typ"}))
	_, _ = io.WriteString(w, src)
}

func (m *PreviewServer) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, m.preview.State())
}

func (m *PreviewServer) handleGetResume(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, m.preview.Snapshot())
}

// handlePutResume replaces the resume. JSON is the default body format;
// a YAML content type is accepted too.
func (m *PreviewServer) handlePutResume(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxResumeSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	ext := ".json"
	if ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); ct == "application/yaml" || ct == "application/x-yaml" {
		ext = ".yaml"
	}
	snap, err := resume.Parse(body, ext)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := m.preview.Update(r.Context(), snap); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePage renders a single page (1-based) as PNG, at ?width= or the
// current display width.
func (m *PreviewServer) handlePage(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n < 1 {
		http.Error(w, "invalid page number", http.StatusBadRequest)
		return
	}
	width := m.preview.State().Width
	if q := r.URL.Query().Get("width"); q != "" {
		width, err = strconv.Atoi(q)
		if err != nil {
			http.Error(w, "invalid width", http.StatusBadRequest)
			return
		}
	}

	surface, err := m.preview.RenderPage(r.Context(), n-1, width)
	if err != nil {
		writeError(w, err)
		return
	}
	defer surface.Release()

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(surface.PNG())
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, preview.ErrNothingCompiled):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, render.ErrInvalidWidth):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	}
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ---------------------------------------------------------------------------
// Write loop
// ---------------------------------------------------------------------------

// runLoop serializes state updates and websocket writes on a single goroutine.
func (m *PreviewServer) runLoop() {
	defer close(m.loopDone)

	clients := make(map[string]*client)
	var lastFrame *contracts.FrameMessage
	var lastState *contracts.StateMessage

	drop := func(c *client) {
		if _, ok := clients[c.id]; !ok {
			return
		}
		_ = c.conn.Close()
		delete(clients, c.id)
		if m.viewers != nil {
			m.viewers.Add(context.Background(), -1)
		}
		m.logger.Debug("viewer disconnected", slog.String("id", c.id))
	}
	broadcast := func(v any, frame bool) {
		for _, c := range clients {
			if !writeJSON(c.conn, v) {
				drop(c)
				continue
			}
			if frame && m.framesWritten != nil {
				m.framesWritten.Add(context.Background(), 1)
			}
		}
	}

	for {
		select {
		case out := <-m.outbound:
			switch msg := out.(type) {
			case contracts.FrameMessage:
				lastFrame = &msg
				broadcast(msg, true)
			case contracts.StateMessage:
				lastState = &msg
				broadcast(msg, false)
			}

		case c := <-m.register:
			clients[c.id] = c
			if m.viewers != nil {
				m.viewers.Add(context.Background(), 1)
			}
			m.logger.Debug("viewer connected", slog.String("id", c.id))

			// Frame first, so a state clearing the placeholder never
			// lands on an empty viewer.
			if lastFrame != nil && !writeJSON(c.conn, *lastFrame) {
				drop(c)
				continue
			}
			if lastState != nil && !writeJSON(c.conn, *lastState) {
				drop(c)
			}

		case c := <-m.unregister:
			drop(c)

		case in := <-m.inbound:
			var envelope contracts.IncomingMessage
			if err := json.Unmarshal(in.raw, &envelope); err != nil {
				continue
			}
			switch envelope.Type {
			case contracts.MessageTypeResize:
				var msg contracts.ResizeMessage
				if err := json.Unmarshal(in.raw, &msg); err != nil {
					continue
				}
				m.preview.SetWidth(msg.Width)
			default:
				m.logger.Debug("ignoring viewer message",
					slog.String("id", in.client.id),
					slog.String("type", envelope.Type),
				)
			}

		case <-m.stopLoop:
			for _, c := range clients {
				drop(c)
			}
			return
		}
	}
}

// writeJSON writes a JSON message and reports whether the connection is usable.
func writeJSON(conn *websocket.Conn, v any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(v); err != nil {
		_ = conn.Close()
		return false
	}
	return true
}
