// deploy drives the deployment lifecycle: stop what's running, prepare
// credentials and images, start the stack, validate it, and roll back to the
// last good revision when anything fails.
package deploy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/deckhand-dev/deckhand/internal/docker"
	"github.com/deckhand-dev/deckhand/internal/host"
	"github.com/deckhand-dev/deckhand/internal/journal"
	"github.com/deckhand-dev/deckhand/internal/log"
	"github.com/deckhand-dev/deckhand/internal/o11y"
	"github.com/deckhand-dev/deckhand/internal/secrets"
	"github.com/deckhand-dev/deckhand/internal/stack"
)

const (
	defaultPullConcurrency = 3

	// envFileTarget is where the merged environment is also written inside
	// each container, for services that read config from file instead of env.
	envFileTarget = "/run/deckhand/env"
)

// ContainerEngine is the slice of the docker client the lifecycle needs.
type ContainerEngine interface {
	ResolveDigest(ctx context.Context, ref name.Reference) (name.Reference, error)
	Start(ctx context.Context, req *docker.Request) (*docker.Response, error)
	Remove(ctx context.Context, resp *docker.Response) error
	CreateNetwork(ctx context.Context, req *docker.NetworkRequest) (*docker.NetworkAttachment, error)
	RemoveNetwork(ctx context.Context, nw *docker.NetworkAttachment) error
	StopStack(ctx context.Context, stack string) error
	ListStack(ctx context.Context, stack string) ([]container.Summary, error)
}

var _ ContainerEngine = (*docker.Client)(nil)

type Engine struct {
	Docker   ContainerEngine
	Secrets  *secrets.Resolver
	Journal  journal.Journal
	Identity host.Identity

	// PullConcurrency bounds parallel image pulls during prepare.
	PullConcurrency int
}

// Result reports what a deploy ended up doing.
type Result struct {
	Revision     string
	RolledBack   bool
	RolledBackTo string
}

// Deploy runs the full lifecycle for the manifest. When a hook fails after
// stop, the failed revision is torn down and the last succeeded revision is
// redeployed automatically.
func (e *Engine) Deploy(ctx context.Context, m *stack.Manifest) (*Result, error) {
	revision := newRevision()
	ctx = log.With(ctx, "stack", m.Stack, "revision", revision)

	if err := e.record(ctx, m, revision, nil); err != nil {
		return nil, err
	}

	log.Info(ctx, "starting deployment")
	deployErr := e.run(ctx, m, revision, nil)
	if deployErr == nil {
		if err := e.Journal.MarkStatus(ctx, m.Stack, revision, journal.StatusSucceeded, ""); err != nil {
			return nil, err
		}
		log.Info(ctx, "deployment succeeded")
		return &Result{Revision: revision}, nil
	}

	log.Error(ctx, "deployment failed", "error", deployErr)
	if err := e.Journal.MarkStatus(ctx, m.Stack, revision, journal.StatusFailed, deployErr.Error()); err != nil {
		log.Warn(ctx, "failed to journal deployment failure", "error", err)
	}

	target, err := e.Journal.RollbackTarget(ctx, m.Stack, revision)
	if err != nil {
		return nil, fmt.Errorf("deployment failed and rollback target lookup failed: %w: %w", deployErr, err)
	}
	if target == nil {
		return nil, fmt.Errorf("deployment failed with no revision to roll back to: %w", deployErr)
	}

	rbrev, err := e.redeploy(ctx, m, target)
	if err != nil {
		return nil, fmt.Errorf("deployment failed and rollback to %s failed: %w: %w", target.Revision, deployErr, err)
	}

	log.Info(ctx, "rolled back to last succeeded revision", "target", target.Revision)
	return &Result{
		Revision:     rbrev,
		RolledBack:   true,
		RolledBackTo: target.Revision,
	}, fmt.Errorf("deployment failed, rolled back to %s: %w", target.Revision, deployErr)
}

// Rollback redeploys the most recent succeeded revision that is not the
// current one, marking the replaced revision rolled_back.
func (e *Engine) Rollback(ctx context.Context, m *stack.Manifest) (*Result, error) {
	ctx = log.With(ctx, "stack", m.Stack)

	latest, err := e.Journal.Latest(ctx, m.Stack)
	if err != nil {
		return nil, err
	}

	current := ""
	if latest != nil {
		current = latest.Revision
	}

	target, err := e.Journal.RollbackTarget(ctx, m.Stack, current)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("no succeeded revision to roll back to for stack %s", m.Stack)
	}

	rbrev, err := e.redeploy(ctx, m, target)
	if err != nil {
		return nil, err
	}

	if latest != nil {
		if err := e.Journal.MarkStatus(ctx, m.Stack, latest.Revision, journal.StatusRolledBack, ""); err != nil {
			log.Warn(ctx, "failed to mark replaced revision", "revision", latest.Revision, "error", err)
		}
	}

	return &Result{
		Revision:     rbrev,
		RolledBack:   true,
		RolledBackTo: target.Revision,
	}, nil
}

// redeploy runs the lifecycle with the image references recorded for a prior
// revision, under a fresh revision id.
func (e *Engine) redeploy(ctx context.Context, m *stack.Manifest, target *journal.Deployment) (string, error) {
	revision := newRevision()
	ctx = log.With(ctx, "revision", revision, "images_from", target.Revision)

	if err := e.record(ctx, m, revision, target.Images); err != nil {
		return "", err
	}

	if err := e.run(ctx, m, revision, target.Images); err != nil {
		if merr := e.Journal.MarkStatus(ctx, m.Stack, revision, journal.StatusFailed, err.Error()); merr != nil {
			log.Warn(ctx, "failed to journal rollback failure", "error", merr)
		}
		return "", err
	}

	if err := e.Journal.MarkStatus(ctx, m.Stack, revision, journal.StatusSucceeded, ""); err != nil {
		return "", err
	}
	return revision, nil
}

// Teardown stops and removes everything labeled with the stack. The journal
// keeps its history; a later deploy can still roll back to the last succeeded
// revision.
func (e *Engine) Teardown(ctx context.Context, stackName string) error {
	ctx = log.With(ctx, "stack", stackName)
	log.Info(ctx, "tearing down stack")
	return e.Docker.StopStack(ctx, stackName)
}

// StatusReport combines journal history with live container state.
type StatusReport struct {
	Latest     *journal.Deployment
	History    []journal.Deployment
	Containers []container.Summary
}

func (e *Engine) Status(ctx context.Context, stackName string, historyLimit int) (*StatusReport, error) {
	latest, err := e.Journal.Latest(ctx, stackName)
	if err != nil {
		return nil, err
	}

	history, err := e.Journal.History(ctx, stackName, historyLimit)
	if err != nil {
		return nil, err
	}

	containers, err := e.Docker.ListStack(ctx, stackName)
	if err != nil {
		return nil, err
	}

	return &StatusReport{
		Latest:     latest,
		History:    history,
		Containers: containers,
	}, nil
}

func (e *Engine) record(ctx context.Context, m *stack.Manifest, revision string, overrides map[string]string) error {
	images := make(map[string]string, len(m.Services))
	for _, svc := range m.ServiceNames() {
		images[svc] = e.imageFor(m, svc, overrides)
	}

	return e.Journal.Record(ctx, journal.Deployment{
		Stack:     m.Stack,
		Revision:  revision,
		Images:    images,
		Status:    journal.StatusStarted,
		StartedAt: time.Now(),
		Instance: journal.Instance{
			ID:     e.Identity.InstanceID,
			Region: e.Identity.Region,
			Zone:   e.Identity.Zone,
		},
	})
}

// run executes the lifecycle hooks for one revision. Resources created along
// the way are unwound in reverse order when any hook fails.
func (e *Engine) run(ctx context.Context, m *stack.Manifest, revision string, overrides map[string]string) (err error) {
	td := NewTeardown()
	defer func() {
		if err != nil {
			if terr := td.Unwind(context.WithoutCancel(ctx)); terr != nil {
				log.Warn(ctx, "failed to unwind partial deployment", "error", terr)
			}
		}
	}()

	if err := e.hook(ctx, m, revision, "stop", func(ctx context.Context) error {
		return e.Docker.StopStack(ctx, m.Stack)
	}); err != nil {
		return err
	}

	env := make(map[string]map[string]string, len(m.Services))
	var pinned map[string]string
	if err := e.hook(ctx, m, revision, "prepare", func(ctx context.Context) error {
		for _, svc := range m.ServiceNames() {
			values, err := e.serviceEnv(ctx, m.Services[svc])
			if err != nil {
				return fmt.Errorf("service %s: %w", svc, err)
			}
			env[svc] = values
		}

		resolved, err := e.resolveImages(ctx, m, overrides)
		if err != nil {
			return err
		}
		pinned = resolved

		// Journal the pinned digests, so a rollback to this revision restarts
		// exactly these images no matter where the tags move.
		return e.Journal.UpdateImages(ctx, m.Stack, revision, pinned)
	}); err != nil {
		return err
	}

	var responses map[string]*docker.Response
	if err := e.hook(ctx, m, revision, "start", func(ctx context.Context) error {
		started, err := e.startAll(ctx, m, revision, pinned, env, td)
		if err != nil {
			return err
		}
		responses = started
		return nil
	}); err != nil {
		return err
	}

	if err := e.hook(ctx, m, revision, "validate", func(ctx context.Context) error {
		if err := Validate(ctx, m.Validate); err != nil {
			e.dumpLogs(ctx, responses)
			return err
		}
		return nil
	}); err != nil {
		return err
	}

	return nil
}

// serviceEnv resolves the service's secret reference and merges the result
// with its static env. Static env wins on key collisions so a manifest can
// pin a value a secret would otherwise supply.
func (e *Engine) serviceEnv(ctx context.Context, svc stack.Service) (map[string]string, error) {
	merged := make(map[string]string, len(svc.Env))

	if svc.Secrets != nil {
		values, err := e.Secrets.Fetch(ctx, svc.Secrets.From)
		if err != nil {
			return nil, err
		}

		selected, err := secrets.Select(values, svc.Secrets.Keys)
		if err != nil {
			return nil, err
		}

		log.Debug(ctx, "resolved secret material", "from", svc.Secrets.From, "keys", secrets.Keys(selected))
		for k, v := range selected {
			merged[k] = v
		}
	}

	for k, v := range svc.Env {
		merged[k] = v
	}

	return merged, nil
}

// resolveImages pulls every service image and pins it to the digest the
// registry served. The returned map is what gets journaled and started.
func (e *Engine) resolveImages(ctx context.Context, m *stack.Manifest, overrides map[string]string) (map[string]string, error) {
	limit := e.PullConcurrency
	if limit <= 0 {
		limit = defaultPullConcurrency
	}

	var mu sync.Mutex
	pinned := make(map[string]string, len(m.Services))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)

	for _, svc := range m.ServiceNames() {
		image := e.imageFor(m, svc, overrides)
		eg.Go(func() error {
			ref, err := name.ParseReference(image)
			if err != nil {
				return fmt.Errorf("service %s: parsing image reference %q: %w", svc, image, err)
			}

			log.Info(ctx, "pulling image", "service", svc, "image", image)
			dref, err := e.Docker.ResolveDigest(ctx, ref)
			if err != nil {
				return fmt.Errorf("service %s: pulling %s: %w", svc, image, err)
			}

			mu.Lock()
			pinned[svc] = dref.String()
			mu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return pinned, nil
}

// startAll creates the stack network and starts every service, running the
// digest-pinned images resolved during prepare.
func (e *Engine) startAll(ctx context.Context, m *stack.Manifest, revision string, pinned map[string]string, env map[string]map[string]string, td *Teardown) (map[string]*docker.Response, error) {
	nw, err := e.Docker.CreateNetwork(ctx, &docker.NetworkRequest{
		Name:     m.Network,
		Stack:    m.Stack,
		Revision: revision,
	})
	if err != nil {
		return nil, fmt.Errorf("creating network %s: %w", m.Network, err)
	}
	if err := td.Add(func(ctx context.Context) error {
		return e.Docker.RemoveNetwork(ctx, nw)
	}); err != nil {
		return nil, err
	}

	responses := make(map[string]*docker.Response, len(m.Services))
	for _, svcName := range m.ServiceNames() {
		req, err := e.serviceRequest(m, svcName, revision, pinned, env[svcName], nw)
		if err != nil {
			return nil, err
		}

		log.Info(ctx, "starting service", "service", svcName, "image", req.Ref.String())
		resp, err := e.Docker.Start(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("starting service %s: %w", svcName, err)
		}
		if err := td.Add(func(ctx context.Context) error {
			return e.Docker.Remove(ctx, resp)
		}); err != nil {
			return nil, err
		}

		responses[svcName] = resp
	}

	return responses, nil
}

func (e *Engine) serviceRequest(m *stack.Manifest, svcName, revision string, pinned map[string]string, env map[string]string, nw *docker.NetworkAttachment) (*docker.Request, error) {
	svc := m.Services[svcName]

	ref, err := name.ParseReference(e.imageFor(m, svcName, pinned))
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", svcName, err)
	}

	ports, err := svc.PortMap()
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", svcName, err)
	}

	restart, err := svc.RestartPolicy()
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", svcName, err)
	}

	mounts, err := svc.Mounts()
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", svcName, err)
	}

	return &docker.Request{
		Ref:           ref,
		Name:          fmt.Sprintf("%s-%s", m.Stack, svcName),
		Stack:         m.Stack,
		Revision:      revision,
		Service:       svcName,
		Cmd:           svc.Command,
		User:          svc.User,
		Env:           envSlice(env),
		Mounts:        mounts,
		Networks:      []docker.NetworkAttachment{*nw},
		PortBindings:  ports,
		HealthCheck:   svc.HealthConfig(),
		RestartPolicy: restart,
		Contents:      []*docker.Content{docker.NewEnvFile(env, envFileTarget)},
		ExtraHosts:    svc.ExtraHosts,
	}, nil
}

func (e *Engine) imageFor(m *stack.Manifest, svc string, overrides map[string]string) string {
	if image, ok := overrides[svc]; ok && image != "" {
		return image
	}
	return m.Services[svc].Image
}

// dumpLogs surfaces the tail of each service's output when validation fails.
func (e *Engine) dumpLogs(ctx context.Context, responses map[string]*docker.Response) {
	names := make([]string, 0, len(responses))
	for n := range responses {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, n := range names {
		w := log.Writer(ctx, "service", n)
		if err := responses[n].Logs(ctx, w); err != nil {
			log.Warn(ctx, "failed to collect service logs", "service", n, "error", err)
		}
	}
}

// hook wraps one lifecycle phase in a span and timing log.
func (e *Engine) hook(ctx context.Context, m *stack.Manifest, revision, name string, f func(ctx context.Context) error) error {
	ctx, span := o11y.Tracer().Start(ctx, name, trace.WithAttributes(
		attribute.String(o11y.AttrStack, m.Stack),
		attribute.String(o11y.AttrRevision, revision),
		attribute.String(o11y.AttrHook, name),
	))
	defer span.End()

	start := time.Now()
	log.Debug(ctx, "running lifecycle hook", "hook", name)

	if err := f(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s: %w", name, err)
	}

	log.Debug(ctx, "lifecycle hook finished", "hook", name, "duration", time.Since(start))
	return nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func newRevision() string {
	return uuid.New().String()[:8]
}
