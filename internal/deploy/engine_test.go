package deploy

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckhand-dev/deckhand/internal/docker"
	"github.com/deckhand-dev/deckhand/internal/journal"
	"github.com/deckhand-dev/deckhand/internal/stack"
)

var (
	digestA = "sha256:" + strings.Repeat("a", 64)
	digestB = "sha256:" + strings.Repeat("b", 64)
)

// fakeEngine stands in for the docker client. Tags resolve through the
// digests map, so a test can move a tag between deploys the way a registry
// push would.
type fakeEngine struct {
	mu          sync.Mutex
	digests     map[string]string // tag ref -> digest
	failStarts  map[string]bool   // digest-pinned ref -> fail Start
	started     []string          // image refs started, in order
	stopped     []string          // stacks passed to StopStack
	removed     []string          // container ids removed
	networksGon int
}

func (f *fakeEngine) ResolveDigest(ctx context.Context, ref name.Reference) (name.Reference, error) {
	if d, ok := ref.(name.Digest); ok {
		return d, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dig, ok := f.digests[ref.String()]
	if !ok {
		return nil, fmt.Errorf("unknown image %s", ref)
	}
	return name.NewDigest(ref.Context().Name() + "@" + dig)
}

func (f *fakeEngine) Start(ctx context.Context, req *docker.Request) (*docker.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	image := req.Ref.String()
	f.started = append(f.started, image)
	if f.failStarts[image] {
		return nil, fmt.Errorf("container exited with non-zero exit code: 1")
	}

	return &docker.Response{ID: fmt.Sprintf("ctr-%d", len(f.started)), Name: req.Name}, nil
}

func (f *fakeEngine) Remove(ctx context.Context, resp *docker.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removed = append(f.removed, resp.ID)
	return nil
}

func (f *fakeEngine) CreateNetwork(ctx context.Context, req *docker.NetworkRequest) (*docker.NetworkAttachment, error) {
	return &docker.NetworkAttachment{Name: req.Name, ID: "nw-1"}, nil
}

func (f *fakeEngine) RemoveNetwork(ctx context.Context, nw *docker.NetworkAttachment) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.networksGon++
	return nil
}

func (f *fakeEngine) StopStack(ctx context.Context, stack string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stopped = append(f.stopped, stack)
	return nil
}

func (f *fakeEngine) ListStack(ctx context.Context, stack string) ([]container.Summary, error) {
	return nil, nil
}

func testEngine(t *testing.T, fake *fakeEngine) *Engine {
	j, err := journal.NewBolt(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)

	return &Engine{
		Docker:  fake,
		Journal: j,
	}
}

func testManifest() *stack.Manifest {
	return &stack.Manifest{
		Stack:   "webapp",
		Network: "webapp-net",
		Services: map[string]stack.Service{
			"app": {Image: "registry.example.com/webapp:latest"},
		},
	}
}

func TestDeployJournalsDigests(t *testing.T) {
	fake := &fakeEngine{
		digests: map[string]string{"registry.example.com/webapp:latest": digestA},
	}
	e := testEngine(t, fake)

	ctx := context.Background()
	result, err := e.Deploy(ctx, testManifest())
	require.NoError(t, err)
	assert.False(t, result.RolledBack)

	// The journal holds the pinned digest, not the mutable tag.
	latest, err := e.Journal.Latest(ctx, "webapp")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, journal.StatusSucceeded, latest.Status)
	assert.Equal(t, "registry.example.com/webapp@"+digestA, latest.Images["app"])

	// The container was started from the same pinned reference
	require.Len(t, fake.started, 1)
	assert.Equal(t, "registry.example.com/webapp@"+digestA, fake.started[0])
}

func TestDeployRollsBackToPinnedDigest(t *testing.T) {
	tag := "registry.example.com/webapp:latest"
	fake := &fakeEngine{
		digests:    map[string]string{tag: digestA},
		failStarts: map[string]bool{},
	}
	e := testEngine(t, fake)
	m := testManifest()

	ctx := context.Background()
	first, err := e.Deploy(ctx, m)
	require.NoError(t, err)

	// A bad image is pushed over the tag
	fake.digests[tag] = digestB
	fake.failStarts["registry.example.com/webapp@"+digestB] = true

	result, err := e.Deploy(ctx, m)
	require.Error(t, err, "a rolled-back deploy still reports failure")
	require.NotNil(t, result)
	assert.True(t, result.RolledBack)
	assert.Equal(t, first.Revision, result.RolledBackTo)

	// The rollback started the digest recorded for the succeeded revision,
	// not whatever the tag points at now
	last := fake.started[len(fake.started)-1]
	assert.Equal(t, "registry.example.com/webapp@"+digestA, last)

	// The partial revision was unwound
	assert.NotZero(t, fake.networksGon)

	// Journal: failed attempt marked failed, rollback revision succeeded with
	// the old digest
	history, err := e.Journal.History(ctx, "webapp", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, journal.StatusSucceeded, history[0].Status)
	assert.Equal(t, "registry.example.com/webapp@"+digestA, history[0].Images["app"])
	assert.Equal(t, journal.StatusFailed, history[1].Status)
}

func TestDeployFailsLoudlyWithoutRollbackTarget(t *testing.T) {
	tag := "registry.example.com/webapp:latest"
	fake := &fakeEngine{
		digests:    map[string]string{tag: digestB},
		failStarts: map[string]bool{"registry.example.com/webapp@" + digestB: true},
	}
	e := testEngine(t, fake)

	ctx := context.Background()
	_, err := e.Deploy(ctx, testManifest())
	require.Error(t, err)
	assert.ErrorContains(t, err, "no revision to roll back to")

	// Nothing left running: the network was unwound
	assert.NotZero(t, fake.networksGon)

	latest, err := e.Journal.Latest(ctx, "webapp")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, journal.StatusFailed, latest.Status)
}

func TestRollbackCommandRedeploysPrevious(t *testing.T) {
	tag := "registry.example.com/webapp:latest"
	fake := &fakeEngine{
		digests: map[string]string{tag: digestA},
	}
	e := testEngine(t, fake)
	m := testManifest()

	ctx := context.Background()
	first, err := e.Deploy(ctx, m)
	require.NoError(t, err)

	fake.digests[tag] = digestB
	second, err := e.Deploy(ctx, m)
	require.NoError(t, err)

	result, err := e.Rollback(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, first.Revision, result.RolledBackTo)

	// Rollback redeploys the first revision's digest and retires the second
	last := fake.started[len(fake.started)-1]
	assert.Equal(t, "registry.example.com/webapp@"+digestA, last)

	history, err := e.Journal.History(ctx, "webapp", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, journal.StatusSucceeded, history[0].Status)

	var replaced *journal.Deployment
	for i := range history {
		if history[i].Revision == second.Revision {
			replaced = &history[i]
		}
	}
	require.NotNil(t, replaced)
	assert.Equal(t, journal.StatusRolledBack, replaced.Status)
}
