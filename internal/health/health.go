// Package health provides HTTP handlers for health checks.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/cvpreview/internal/buildinfo"
	"github.com/terrpan/cvpreview/internal/engine"
)

// EngineStatus reports the engine lifecycle. *engine.Manager implements it.
type EngineStatus interface {
	State() engine.State
	Attempts() int
}

// Response represents the health check response body.
type Response struct {
	Status         string    `json:"status"`
	ServiceName    string    `json:"service_name"`
	Version        string    `json:"version"`
	Commit         string    `json:"commit"`
	BuildTime      string    `json:"build_time"`
	GoVersion      string    `json:"go_version"`
	OS             string    `json:"os"`
	Architecture   string    `json:"architecture"`
	Engine         string    `json:"engine"`
	EngineState    string    `json:"engine_state"`
	EngineAttempts int       `json:"engine_attempts"`
	Timestamp      time.Time `json:"timestamp"`
}

// Handler responds to health check requests. It reports build info, the
// configured engine type and the engine lifecycle state. The status is
// always "healthy" (200 OK): the engine starts lazily, so an
// uninitialized engine is not a failure.
func Handler(engineType string, status EngineStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := Response{
			Status:       "healthy",
			ServiceName:  "cvpreview",
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Engine:       engineType,
			Timestamp:    time.Now().UTC(),
		}
		if status != nil {
			response.EngineState = status.State().String()
			response.EngineAttempts = status.Attempts()
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
