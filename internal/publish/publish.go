// publish moves locally built images into the deployment registry: tag, push
// through the daemon, then confirm the registry serves the manifest back.
package publish

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/deckhand-dev/deckhand/internal/docker"
	"github.com/deckhand-dev/deckhand/internal/log"
)

type Publisher struct {
	Docker   *docker.Client
	Keychain authn.Keychain
}

// Result describes what the registry ended up holding.
type Result struct {
	Ref    name.Reference
	Digest v1.Hash
}

// Publish tags the local image source as target, pushes it, and reads the
// manifest back from the registry to confirm the push landed.
func (p *Publisher) Publish(ctx context.Context, source, target string) (*Result, error) {
	ref, err := name.ParseReference(target)
	if err != nil {
		return nil, fmt.Errorf("parsing target reference %q: %w", target, err)
	}

	ctx = log.With(ctx, "source", source, "target", ref.Name())

	log.Info(ctx, "pushing image")
	if err := p.Docker.Push(ctx, source, ref); err != nil {
		return nil, err
	}

	keychain := p.Keychain
	if keychain == nil {
		keychain = authn.DefaultKeychain
	}

	desc, err := remote.Get(ref,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(keychain),
	)
	if err != nil {
		return nil, fmt.Errorf("verifying pushed image: %w", err)
	}

	log.Info(ctx, "image published", "digest", desc.Digest.String())
	return &Result{
		Ref:    ref,
		Digest: desc.Digest,
	}, nil
}
