package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/image"
)

// EnsureImage makes sure the image is available locally, pulling it when
// the engine does not have it. Pull progress is drained and discarded.
func (c *Client) EnsureImage(ctx context.Context, ref string) error {
	_, err := c.cli.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}

	slog.InfoContext(ctx, "pulling image", "image", ref)
	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// Drain the reader to completion; the pull is not finished until EOF.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to complete image pull for %s: %w", ref, err)
	}

	slog.InfoContext(ctx, "image ready", "image", ref)
	return nil
}
