// Package local implements the engine.Engine interface by running a
// typst binary installed on the host.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/terrpan/cvpreview/internal/engine"
)

const (
	outputFile = "output.pdf"
	fontDir    = "fonts"
)

// Config holds settings for the host binary backend.
type Config struct {
	// Binary is the typst executable name or path. Default: typst
	Binary string

	// Fonts are downloaded into the workspace during bootstrap.
	Fonts []engine.Asset

	// Dir is the parent of the private workspace directory. Empty means
	// the system temp directory.
	Dir string
}

// Engine compiles in a private directory with the typst CLI.
type Engine struct {
	binary    string
	dir       string
	logger    *slog.Logger
	workspace *engine.Workspace
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// Loader returns an engine.Loader for the host binary.
func Loader(cfg Config) engine.Loader {
	return func(ctx context.Context, env engine.LoadEnv) (engine.Engine, error) {
		return New(ctx, cfg, env)
	}
}

// New resolves the binary, creates the workspace directory and fetches
// the configured fonts into it.
func New(ctx context.Context, cfg Config, env engine.LoadEnv) (*Engine, error) {
	if cfg.Binary == "" {
		cfg.Binary = "typst"
	}
	logger := env.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	binary, err := exec.LookPath(cfg.Binary)
	if err != nil {
		return nil, fmt.Errorf("typst binary: %w", err)
	}

	fonts, err := engine.FetchAssets(ctx, env, cfg.Fonts)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(cfg.Dir, "cvpreview-*")
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, fontDir), 0o755); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("workspace: %w", err)
	}

	e := &Engine{
		binary:    binary,
		dir:       dir,
		logger:    logger,
		workspace: engine.NewWorkspace(nil),
	}
	for name, body := range fonts {
		if err := e.WriteInput(filepath.Join(fontDir, name), body); err != nil {
			_ = os.RemoveAll(dir)
			return nil, err
		}
	}

	logger.Info("typst binary ready",
		slog.String("binary", binary),
		slog.String("workspace", dir),
		slog.Int("fonts", len(fonts)),
	)
	return e, nil
}

// WriteInput stores content and mirrors it into the workspace directory.
func (e *Engine) WriteInput(name string, content []byte) error {
	if err := e.workspace.Write(name, content); err != nil {
		return err
	}
	path := filepath.Join(e.dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write input %s: %w", name, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write input %s: %w", name, err)
	}
	return nil
}

// SetMainFile selects the file typst compiles.
func (e *Engine) SetMainFile(name string) error {
	return e.workspace.SetMain(name)
}

// Compile runs `typst compile` in the workspace. A non-zero exit is a
// diagnostic result; failing to start the process is an engine error.
func (e *Engine) Compile(ctx context.Context) (engine.Result, error) {
	main, err := e.workspace.Main()
	if err != nil {
		return engine.Result{}, err
	}
	out := filepath.Join(e.dir, outputFile)
	_ = os.Remove(out)

	cmd := exec.CommandContext(ctx, e.binary, "compile", "--font-path", fontDir, main, outputFile)
	cmd.Dir = e.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr) && exitErr.ExitCode() > 0:
		e.logger.Debug("typst exited with diagnostics", slog.Int("status", exitErr.ExitCode()))
		return engine.Result{Status: exitErr.ExitCode(), Log: logText(stderr, stdout)}, nil
	case err != nil:
		return engine.Result{}, fmt.Errorf("run %s: %w", e.binary, err)
	}

	output, err := os.ReadFile(out)
	if err != nil {
		return engine.Result{}, fmt.Errorf("read %s: %w", outputFile, err)
	}
	return engine.Result{Log: logText(stderr, stdout), Output: output}, nil
}

// Close removes the workspace directory.
func (e *Engine) Close(context.Context) error {
	e.logger.Info("removing typst workspace", slog.String("workspace", e.dir))
	return os.RemoveAll(e.dir)
}

func logText(stderr, stdout bytes.Buffer) string {
	if stderr.Len() > 0 {
		return stderr.String()
	}
	return stdout.String()
}
