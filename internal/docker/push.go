package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/image"
	"github.com/google/go-containerregistry/pkg/name"
)

// Push tags the local image source under target and pushes it, resolving
// registry credentials through the client's keychain.
func (d *Client) Push(ctx context.Context, source string, target name.Reference) error {
	if err := d.inner.ImageTag(ctx, source, target.Name()); err != nil {
		return fmt.Errorf("tagging %s as %s: %w", source, target.Name(), err)
	}

	auth, err := d.registryAuth(target)
	if err != nil {
		return err
	}

	push, err := d.inner.ImagePush(ctx, target.Name(), image.PushOptions{
		RegistryAuth: auth,
	})
	if err != nil {
		return fmt.Errorf("pushing %s: %w", target.Name(), err)
	}
	defer push.Close()

	// Block until the push completes by discarding the progress stream. The
	// engine reports layer errors in-stream, but it also fails the final
	// status, which surfaces through the read error.
	if _, err := io.Copy(io.Discard, push); err != nil {
		return fmt.Errorf("pushing %s: %w", target.Name(), err)
	}

	return nil
}
