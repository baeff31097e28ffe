package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog/log"
)

// Engine talks to the Docker daemon over its API for everything except the
// run itself: health, forced removal, orphan sweeps and image checks.
type Engine struct {
	cli *client.Client
}

// NewEngine connects to the daemon at host (empty means the environment's
// default) and verifies it answers.
func NewEngine(ctx context.Context, host string) (*Engine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating docker client: %v", ErrInfrastructure, err)
	}

	e := &Engine{cli: cli}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) Ping(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: docker daemon not reachable: %v", ErrInfrastructure, err)
	}
	return nil
}

// ForceRemove kills and removes a container by name or id. A container that
// is already gone is not an error.
func (e *Engine) ForceRemove(ctx context.Context, name string) error {
	err := e.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing container %s: %w", name, err)
	}
	return nil
}

// SweepOrphans removes runner containers for which keep returns false.
func (e *Engine) SweepOrphans(ctx context.Context, keep func(name string) bool) (int, error) {
	list, err := e.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", ContainerPrefix)),
	})
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var removed int
	for _, c := range list {
		name := runnerName(c.Names)
		if name == "" || keep(name) {
			continue
		}
		logger := log.With().Str("container", name).Str("container_id", c.ID).Logger()
		logger.Warn().Msg("removing orphaned runner container")
		if err := e.ForceRemove(ctx, c.ID); err != nil {
			logger.Error().Err(err).Msg("failed to remove orphaned container")
			continue
		}
		removed++
	}
	return removed, nil
}

// runnerName returns the runner container name among Docker's "/name" list.
// The API name filter is a substring match, so the prefix is checked here.
func runnerName(names []string) string {
	for _, n := range names {
		n = strings.TrimPrefix(n, "/")
		if strings.HasPrefix(n, ContainerPrefix) {
			return n
		}
	}
	return ""
}

// HasImage reports whether ref is present locally.
func (e *Engine) HasImage(ctx context.Context, ref string) (bool, error) {
	images, err := e.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, fmt.Errorf("listing images: %w", err)
	}
	return len(images) > 0, nil
}

func (e *Engine) Close() error {
	return e.cli.Close()
}
