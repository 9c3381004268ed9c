// Package docker implements the engine.Engine interface by running the
// Typst compiler in a short-lived Docker container per compile.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/terrpan/cvpreview/internal/engine"
)

const (
	// DefaultImage is the Typst image used when none is configured.
	DefaultImage = "ghcr.io/typst/typst:latest"

	workDir    = "/tmp/cvpreview"
	outputFile = "output.pdf"
	fontDir    = "fonts"
)

// Config holds Docker-specific settings.
type Config struct {
	// Image is the container image providing the typst binary.
	// Default: ghcr.io/typst/typst:latest
	Image string

	// Fonts are downloaded once during bootstrap and copied into every
	// compile container.
	Fonts []engine.Asset

	// Network enables container networking. Off by default; Typst
	// packages must then be vendored in the image.
	Network bool
}

// Engine compiles the workspace in a fresh container per Compile call.
type Engine struct {
	client    *dockerclient.Client
	image     string
	network   bool
	logger    *slog.Logger
	workspace *engine.Workspace
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// Loader returns an engine.Loader that connects to the daemon, pulls
// the image and fetches fonts.
func Loader(cfg Config) engine.Loader {
	return func(ctx context.Context, env engine.LoadEnv) (engine.Engine, error) {
		return New(ctx, cfg, env)
	}
}

// New creates a Docker engine, connects to the daemon, and pulls the
// Typst image so it is available for container creation.
func New(ctx context.Context, cfg Config, env engine.LoadEnv) (*Engine, error) {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	logger := env.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	logger.Info("pulling typst image", slog.String("image", cfg.Image))

	pull, err := client.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("image pull %s: %w", cfg.Image, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.Copy(io.Discard, pull); err != nil {
		_ = pull.Close()
		_ = client.Close()
		return nil, fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("closing image pull stream: %w", err)
	}

	fonts, err := engine.FetchAssets(ctx, env, cfg.Fonts)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	files := make(map[string][]byte, len(fonts))
	for name, body := range fonts {
		files[path.Join(fontDir, name)] = body
	}

	logger.Info("typst image ready",
		slog.String("image", cfg.Image),
		slog.Int("fonts", len(fonts)),
	)

	return &Engine{
		client:    client,
		image:     cfg.Image,
		network:   cfg.Network,
		logger:    logger,
		workspace: engine.NewWorkspace(files),
	}, nil
}

// WriteInput stores content in the workspace copied into each container.
func (e *Engine) WriteInput(name string, content []byte) error {
	return e.workspace.Write(name, content)
}

// SetMainFile selects the file typst compiles.
func (e *Engine) SetMainFile(name string) error {
	return e.workspace.SetMain(name)
}

// Compile creates a container, copies the workspace in, runs typst and
// copies the PDF back out. The container is always removed.
func (e *Engine) Compile(ctx context.Context) (engine.Result, error) {
	main, err := e.workspace.Main()
	if err != nil {
		return engine.Result{}, err
	}
	archive, err := e.workspace.Tar(path.Base(workDir))
	if err != nil {
		return engine.Result{}, fmt.Errorf("pack workspace: %w", err)
	}

	name := "cvpreview-" + uuid.NewString()[:8]
	hostCfg := &container.HostConfig{}
	if !e.network {
		hostCfg.NetworkMode = "none"
	}

	resp, err := e.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:      e.image,
			Entrypoint: []string{"typst"},
			Cmd:        []string{"compile", "--font-path", fontDir, main, outputFile},
			WorkingDir: workDir,
		},
		hostCfg,
		nil, // networking config
		nil, // platform
		name,
	)
	if err != nil {
		return engine.Result{}, fmt.Errorf("container create %s: %w", name, err)
	}
	defer func() {
		// Removal must happen even when ctx is done.
		rmCtx := context.WithoutCancel(ctx)
		if err := e.client.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			e.logger.Warn("container remove failed",
				slog.String("name", name),
				slog.String("containerID", resp.ID),
				slog.String("error", err.Error()),
			)
		}
	}()

	if err := e.client.CopyToContainer(ctx, resp.ID, path.Dir(workDir), bytes.NewReader(archive), container.CopyToContainerOptions{}); err != nil {
		return engine.Result{}, fmt.Errorf("copy workspace into %s: %w", name, err)
	}

	waitCh, errCh := e.client.ContainerWait(ctx, resp.ID, container.WaitConditionNextExit)
	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return engine.Result{}, fmt.Errorf("container start %s: %w", name, err)
	}

	var status int64
	select {
	case res := <-waitCh:
		if res.Error != nil && res.Error.Message != "" {
			return engine.Result{}, fmt.Errorf("container wait %s: %s", name, res.Error.Message)
		}
		status = res.StatusCode
	case err := <-errCh:
		return engine.Result{}, fmt.Errorf("container wait %s: %w", name, err)
	}

	if status != 0 {
		log, err := e.logs(ctx, resp.ID)
		if err != nil {
			return engine.Result{}, fmt.Errorf("container logs %s: %w", name, err)
		}
		e.logger.Debug("typst exited with diagnostics",
			slog.String("name", name),
			slog.Int64("status", status),
		)
		return engine.Result{Status: int(status), Log: log}, nil
	}

	rc, _, err := e.client.CopyFromContainer(ctx, resp.ID, path.Join(workDir, outputFile))
	if err != nil {
		return engine.Result{}, fmt.Errorf("copy %s out of %s: %w", outputFile, name, err)
	}
	defer rc.Close()

	output, err := firstFile(rc)
	if err != nil {
		return engine.Result{}, fmt.Errorf("read %s: %w", outputFile, err)
	}
	log, _ := e.logs(ctx, resp.ID)
	return engine.Result{Log: log, Output: output}, nil
}

// Close releases the daemon connection. Compile containers are removed
// as they finish, so there is nothing else to clean up.
func (e *Engine) Close(context.Context) error {
	e.logger.Info("closing docker engine")
	return e.client.Close()
}

// logs returns the demultiplexed stderr of the container, falling back
// to stdout when stderr is empty.
func (e *Engine) logs(ctx context.Context, id string) (string, error) {
	rc, err := e.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", err
	}
	if stderr.Len() > 0 {
		return stderr.String(), nil
	}
	return stdout.String(), nil
}

// firstFile returns the body of the first regular file in a tar stream,
// which is the shape CopyFromContainer uses for a single path.
func firstFile(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, errors.New("archive has no regular file")
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}
