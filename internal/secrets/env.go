package secrets

import (
	"context"
	"os"
	"strings"
)

var _ Provider = (*Env)(nil)

// Env resolves env:// references from the process environment, mostly for
// local development where Secrets Manager isn't reachable. An optional
// prefix narrows and strips, so env://MYAPP_ maps MYAPP_DB_HOST to DB_HOST.
type Env struct {
	// environ overrides os.Environ in tests.
	environ func() []string
}

func NewEnv() *Env {
	return &Env{environ: os.Environ}
}

func (e *Env) Name() string { return "env" }

func (e *Env) Handles(ref string) bool {
	return strings.HasPrefix(ref, "env://")
}

func (e *Env) Fetch(_ context.Context, ref string) (map[string]string, error) {
	prefix := strings.TrimPrefix(ref, "env://")

	values := make(map[string]string)
	for _, kv := range e.environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if prefix != "" {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			k = strings.TrimPrefix(k, prefix)
		}
		values[k] = v
	}

	return values, nil
}
