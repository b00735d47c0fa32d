// secrets resolves references to external secret material into environment
// values for service containers. Values never appear in logs; callers log
// key names only.
package secrets

import (
	"context"
	"fmt"
	"sort"
)

// Provider is a single secret backend. Providers are matched against a
// reference string, so a manifest can mix backends without extra config.
type Provider interface {
	// Name identifies the provider in logs and errors.
	Name() string
	// Handles reports whether this provider understands the reference.
	Handles(ref string) bool
	// Fetch resolves the reference into a flat key-value map.
	Fetch(ctx context.Context, ref string) (map[string]string, error)
}

// Resolver dispatches references to the first provider that handles them.
type Resolver struct {
	providers []Provider
}

func NewResolver(providers ...Provider) *Resolver {
	return &Resolver{providers: providers}
}

func (r *Resolver) Fetch(ctx context.Context, ref string) (map[string]string, error) {
	for _, p := range r.providers {
		if p.Handles(ref) {
			values, err := p.Fetch(ctx, ref)
			if err != nil {
				return nil, fmt.Errorf("%s: fetching %s: %w", p.Name(), ref, err)
			}
			return values, nil
		}
	}
	return nil, fmt.Errorf("no secret provider handles reference %q", ref)
}

// Select returns only the requested keys from values. All requested keys must
// be present; the deploy aborts before any container is touched otherwise.
func Select(values map[string]string, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return values, nil
	}

	out := make(map[string]string, len(keys))
	var missing []string
	for _, k := range keys {
		v, ok := values[k]
		if !ok {
			missing = append(missing, k)
			continue
		}
		out[k] = v
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("secret is missing required keys: %v", missing)
	}

	return out, nil
}

// Keys returns the sorted key names of values, safe for logging.
func Keys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
