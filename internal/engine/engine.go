// Package engine defines the abstraction for the typesetting backend that
// turns markup into a PDF. Each backend (a local Typst binary, Typst in a
// Docker container, ...) implements the Engine interface so the scheduler
// remains backend-agnostic.
package engine

import (
	"context"
	"log/slog"
	"net/http"
)

// MainFile is the input name the scheduler compiles.
const MainFile = "main.typ"

// Result is the outcome of one Compile call.
//
// A non-zero Status is a diagnostic failure of the input, not a fault of
// the engine: Log then carries the compiler output verbatim and Output is
// empty.
type Result struct {
	Status int
	Log    string
	Output []byte
}

// Engine is the contract every typesetting backend must satisfy.
//
// An Engine owns a private input workspace. It is not safe for concurrent
// use: exactly one compile may be in progress at a time, and callers are
// expected to serialise access (the scheduler does).
//
//	Load → (WriteInput … SetMainFile → Compile)* → Close
type Engine interface {
	// WriteInput stores content under name in the workspace, replacing
	// any previous content.
	WriteInput(name string, content []byte) error

	// SetMainFile selects the workspace file Compile starts from.
	SetMainFile(name string) error

	// Compile runs the typesetter over the workspace. A returned error
	// means the engine itself failed; a compile error in the input is
	// reported through Result.Status.
	Compile(ctx context.Context) (Result, error)

	// Close releases every resource held by the engine. It is called
	// once during process termination.
	Close(ctx context.Context) error
}

// LoadEnv is what a Loader gets from the Manager.
type LoadEnv struct {
	// HTTPClient fetches engine assets. It may be backed by the asset
	// cache; it is never nil.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Loader bootstraps an Engine. It may fetch assets over the network and
// can take a long time.
type Loader func(ctx context.Context, env LoadEnv) (Engine, error)
