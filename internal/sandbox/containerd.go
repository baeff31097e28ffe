package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/rs/zerolog/log"
)

// Client wraps the containerd client with connection management and health checking.
type Client struct {
	inner     *containerd.Client
	socket    string
	namespace string

	mu     sync.RWMutex
	closed bool
}

func dialContainerd(ctx context.Context, socket, namespace string) (*containerd.Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to containerd at %s: %v", ErrInfrastructure, socket, err)
	}
	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("%w: containerd health check failed: %v", ErrInfrastructure, err)
	}
	return inner, nil
}

// NewClient creates a new containerd client wrapper.
func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, err := dialContainerd(ctx, socket, namespace)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &Client{
		inner:     inner,
		socket:    socket,
		namespace: namespace,
	}, nil
}

// Raw returns the underlying containerd client for direct API usage.
func (c *Client) Raw() *containerd.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inner
}

// WithNamespace returns a context with the configured namespace.
func (c *Client) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// Healthy checks the containerd connection, reconnecting once if it dropped.
func (c *Client) Healthy(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	inner := c.inner
	c.mu.RUnlock()

	if closed {
		return fmt.Errorf("%w: containerd client closed", ErrInfrastructure)
	}
	if _, err := inner.Version(ctx); err == nil {
		return nil
	}
	return c.Reconnect(ctx)
}

// Reconnect attempts to re-establish the containerd connection.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	inner, err := dialContainerd(ctx, c.socket, c.namespace)
	if err != nil {
		return err
	}
	if c.inner != nil {
		_ = c.inner.Close()
	}
	c.inner = inner
	c.closed = false

	log.Info().Msg("reconnected to containerd")
	return nil
}

// Close shuts down the containerd client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// Image returns a locally available image. Runner images are provisioned out
// of band, so a missing image is an infrastructure failure rather than a pull.
func (c *Client) Image(ctx context.Context, ref string) (containerd.Image, error) {
	image, err := c.Raw().GetImage(c.WithNamespace(ctx), ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: runner image %s not found", ErrInfrastructure, ref)
		}
		return nil, fmt.Errorf("%w: loading image %s: %v", ErrInfrastructure, ref, err)
	}
	return image, nil
}

// HasImage reports whether ref is present in the namespace.
func (c *Client) HasImage(ctx context.Context, ref string) (bool, error) {
	_, err := c.Raw().GetImage(c.WithNamespace(ctx), ref)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, err
}
