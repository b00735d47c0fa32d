// docker wraps the Docker Engine API with the pieces deckhand needs to run
// a deployment: authenticated pulls, labeled containers and networks, health
// gated startup, and stack-wide teardown.
package docker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/deckhand-dev/deckhand/internal/log"
)

// Labels attached to every resource deckhand creates. Teardown and status
// only ever operate on resources carrying the stack label.
const (
	LabelStack    = "io.deckhand.stack"
	LabelRevision = "io.deckhand.revision"
	LabelService  = "io.deckhand.service"
)

type Client struct {
	inner    *client.Client
	copts    []client.Opt
	keychain authn.Keychain
}

// Request describes a single service container.
type Request struct {
	Ref           name.Reference
	Name          string
	Stack         string
	Revision      string
	Service       string
	Entrypoint    []string
	Cmd           []string
	User          string // uid:gid
	Env           []string
	Labels        map[string]string
	Mounts        []mount.Mount
	Networks      []NetworkAttachment
	PortBindings  nat.PortMap
	HealthCheck   *container.HealthConfig
	RestartPolicy container.RestartPolicyMode
	Contents      []*Content
	ExtraHosts    []string
	Timeout       time.Duration
}

func New(opts ...Option) (*Client, error) {
	d := &Client{
		copts:    make([]client.Opt, 0),
		keychain: authn.DefaultKeychain,
	}

	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}

	if d.inner == nil {
		copts := []client.Opt{
			client.WithAPIVersionNegotiation(),
			client.WithVersionFromEnv(),
			client.WithTLSClientConfigFromEnv(),
			client.WithHostFromEnv(),
		}
		copts = append(copts, d.copts...)

		cli, err := client.NewClientWithOpts(copts...)
		if err != nil {
			return nil, fmt.Errorf("creating docker client: %w", err)
		}
		d.inner = cli
	}
	return d, nil
}

// Start creates and starts a container, blocking until it is running and,
// when a health check is configured, healthy.
func (d *Client) Start(ctx context.Context, req *Request) (*Response, error) {
	cid, err := d.start(ctx, req)
	if err != nil {
		return nil, err
	}

	cname := ""
	var cjson container.InspectResponse
	if err := wait.PollUntilContextTimeout(ctx, 1*time.Second, req.Timeout, true, func(ctx context.Context) (bool, error) {
		inspect, err := d.inner.ContainerInspect(ctx, cid)
		if err != nil {
			// We always want to retry within the timeout, so ignore the error.
			//lint:ignore nilerr reason
			return false, nil
		}

		if inspect.State == nil || !inspect.State.Running {
			return false, nil
		}

		// If there is a health check, block until it is healthy
		if req.HealthCheck != nil {
			if inspect.State.Health == nil {
				return false, nil
			}

			if inspect.State.Health.Status == "unhealthy" {
				return false, unhealthyError(inspect.State.Health.Log)
			}

			if inspect.State.Health.Status != "healthy" {
				return false, nil
			}
		}

		// Name's start with a leading "/", so remove it
		cname = strings.TrimPrefix(inspect.Name, "/")
		cjson = inspect

		return true, nil
	}); err != nil {
		return nil, fmt.Errorf("waiting for container to be running: %w", err)
	}

	if cname == "" {
		return nil, fmt.Errorf("container name is empty")
	}

	return &Response{
		InspectResponse: cjson,
		ID:              cid,
		Name:            cname,
		cli:             d,
	}, nil
}

func (d *Client) start(ctx context.Context, req *Request) (string, error) {
	if req.Ref == nil {
		return "", fmt.Errorf("no image reference provided")
	}

	if req.Timeout == 0 {
		req.Timeout = 5 * time.Minute
	}

	if req.PortBindings == nil {
		req.PortBindings = make(nat.PortMap)
	}

	exposedPorts := make(nat.PortSet)
	for port := range req.PortBindings {
		exposedPorts[port] = struct{}{}
	}

	endpointSettings := make(map[string]*network.EndpointSettings)
	for _, nw := range req.Networks {
		endpointSettings[nw.Name] = &network.EndpointSettings{
			NetworkID: nw.ID,
			Aliases:   []string{req.Service},
		}
	}

	restart := req.RestartPolicy
	if restart == "" {
		restart = container.RestartPolicyUnlessStopped
	}

	// Pull the image if it doesn't already exist
	if err := d.Pull(ctx, req.Ref); err != nil {
		return "", fmt.Errorf("pulling image: %w", err)
	}

	cresp, err := d.inner.ContainerCreate(ctx,
		&container.Config{
			Image:        req.Ref.String(),
			Entrypoint:   req.Entrypoint,
			Cmd:          req.Cmd,
			User:         req.User,
			Env:          req.Env,
			Labels:       d.deploymentLabels(req),
			Healthcheck:  req.HealthCheck,
			ExposedPorts: exposedPorts,
		},
		&container.HostConfig{
			ExtraHosts: req.ExtraHosts,
			RestartPolicy: container.RestartPolicy{
				Name: restart,
			},
			Mounts:       req.Mounts,
			PortBindings: req.PortBindings,
		},
		&network.NetworkingConfig{
			EndpointsConfig: endpointSettings,
		},
		nil, req.Name)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	if cresp.ID == "" {
		return "", fmt.Errorf("failed to create container, ID is empty")
	}

	for _, content := range req.Contents {
		if err := d.inner.CopyToContainer(ctx, cresp.ID, "/", content, container.CopyToContainerOptions{}); err != nil {
			return "", fmt.Errorf("copying content to container: %w", err)
		}
	}

	if err := d.inner.ContainerStart(ctx, cresp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("starting container: %w", err)
	}

	return cresp.ID, nil
}

// Pull fetches the image if it doesn't exist in the daemon, resolving
// registry credentials through the client's keychain.
func (d *Client) Pull(ctx context.Context, ref name.Reference) error {
	var buf bytes.Buffer
	if _, err := d.inner.ImageInspect(ctx, ref.Name(), client.ImageInspectWithRawResponse(&buf)); err != nil {
		if !cerrdefs.IsNotFound(err) {
			return fmt.Errorf("checking if image exists: %w", err)
		}
	} else {
		// Already present. Digest references are immutable and tags are only
		// started after ResolveDigest pinned them, so no re-pull is needed.
		return nil
	}

	return d.pull(ctx, ref)
}

// pull unconditionally fetches the image.
func (d *Client) pull(ctx context.Context, ref name.Reference) error {
	auth, err := d.registryAuth(ref)
	if err != nil {
		return err
	}

	pull, err := d.inner.ImagePull(ctx, ref.Name(), image.PullOptions{
		RegistryAuth: auth,
	})
	if err != nil {
		return err
	}

	// Block until the image is pulled by discarding the reader
	if _, err := io.Copy(io.Discard, pull); err != nil {
		return fmt.Errorf("pulling image: %w", err)
	}

	return nil
}

// ResolveDigest pins ref to the digest the registry currently serves for it.
// Tags are mutable, so the image is re-pulled and the digest read back from
// the daemon; digest references pass through untouched.
func (d *Client) ResolveDigest(ctx context.Context, ref name.Reference) (name.Reference, error) {
	if _, ok := ref.(name.Digest); ok {
		return ref, nil
	}

	if err := d.pull(ctx, ref); err != nil {
		return nil, fmt.Errorf("pulling image: %w", err)
	}

	inspect, err := d.inner.ImageInspect(ctx, ref.Name())
	if err != nil {
		return nil, fmt.Errorf("inspecting pulled image: %w", err)
	}

	for _, rd := range inspect.RepoDigests {
		dref, err := name.NewDigest(rd)
		if err != nil {
			continue
		}
		if dref.Context().Name() == ref.Context().Name() {
			return dref, nil
		}
	}

	return nil, fmt.Errorf("daemon reports no repo digest for %s", ref.Name())
}

// registryAuth resolves the keychain for the reference's registry and encodes
// the result the way the engine API wants it.
func (d *Client) registryAuth(ref name.Reference) (string, error) {
	a, err := d.keychain.Resolve(ref.Context().Registry)
	if err != nil {
		return "", fmt.Errorf("resolving keychain for registry %s: %w", ref.Context().Registry, err)
	}

	acfg, err := a.Authorization()
	if err != nil {
		return "", fmt.Errorf("getting authorization for registry %s: %w", ref.Context().Registry, err)
	}

	authdata, err := json.Marshal(registry.AuthConfig{
		Username: acfg.Username,
		Password: acfg.Password,
		Auth:     acfg.Auth,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling auth data: %w", err)
	}

	return base64.URLEncoding.EncodeToString(authdata), nil
}

// Remove forcibly removes the container associated with the given response.
func (d *Client) Remove(ctx context.Context, resp *Response) error {
	return d.remove(ctx, resp.ID)
}

func (d *Client) remove(ctx context.Context, cid string) error {
	force := 0
	if err := d.inner.ContainerStop(ctx, cid, container.StopOptions{
		Timeout: &force,
	}); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("stopping container: %w", err)
	}

	if err := d.inner.ContainerRemove(ctx, cid, container.RemoveOptions{
		RemoveVolumes: true,
	}); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("removing container: %w", err)
	}

	return nil
}

// StopStack stops and removes every container and network labeled with the
// given stack name. A stack with nothing running is not an error, matching
// the best-effort semantics of stopping an already-stopped deployment.
func (d *Client) StopStack(ctx context.Context, stack string) error {
	containers, err := d.ListStack(ctx, stack)
	if err != nil {
		return err
	}

	for _, c := range containers {
		log.Debug(ctx, "removing stack container", "stack", stack, "container", c.ID)
		if err := d.remove(ctx, c.ID); err != nil {
			return err
		}
	}

	networks, err := d.inner.NetworkList(ctx, network.ListOptions{
		Filters: stackFilter(stack),
	})
	if err != nil {
		return fmt.Errorf("listing stack networks: %w", err)
	}

	for _, nw := range networks {
		if err := d.inner.NetworkRemove(ctx, nw.ID); err != nil && !cerrdefs.IsNotFound(err) {
			return fmt.Errorf("removing network %s: %w", nw.Name, err)
		}
	}

	return nil
}

// ListStack returns all containers (running or not) labeled with the stack.
func (d *Client) ListStack(ctx context.Context, stack string) ([]container.Summary, error) {
	containers, err := d.inner.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: stackFilter(stack),
	})
	if err != nil {
		return nil, fmt.Errorf("listing stack containers: %w", err)
	}
	return containers, nil
}

func stackFilter(stack string) filters.Args {
	return filters.NewArgs(filters.Arg("label", LabelStack+"="+stack))
}

func (d *Client) deploymentLabels(req *Request) map[string]string {
	labels := map[string]string{
		LabelStack:    req.Stack,
		LabelRevision: req.Revision,
		LabelService:  req.Service,
	}

	for k, v := range req.Labels {
		if _, ok := labels[k]; !ok {
			labels[k] = v
		}
	}

	return labels
}

// unhealthyError reports why the health check gave up. Restarted containers
// can report unhealthy with an empty probe log.
func unhealthyError(probes []*container.HealthcheckResult) *RunError {
	if len(probes) == 0 || probes[len(probes)-1] == nil {
		return &RunError{
			ExitCode: -1,
			Message:  "health check reported unhealthy with no probe output",
		}
	}

	last := probes[len(probes)-1]
	return &RunError{
		ExitCode: int64(last.ExitCode),
		Message:  last.Output,
	}
}

type RunError struct {
	ExitCode int64
	Message  string
}

func (e *RunError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("container exited with non-zero exit code: %d", e.ExitCode)
	}
	return fmt.Sprintf("container exited with non-zero exit code: %d: %s", e.ExitCode, e.Message)
}

// Response is returned from a Start() request.
type Response struct {
	container.InspectResponse
	ID   string
	Name string
	cli  *Client
}

// PortBinding returns the host port binding for a container port.
func (r *Response) PortBinding(port nat.Port) (nat.PortBinding, error) {
	bindings, ok := r.NetworkSettings.Ports[port]
	if !ok || len(bindings) == 0 {
		return nat.PortBinding{}, fmt.Errorf("port %s not exposed by container", port)
	}
	return bindings[0], nil
}

// Logs copies the container's demuxed stdout and stderr into w, most useful
// for surfacing why a service failed validation.
func (r *Response) Logs(ctx context.Context, w io.Writer) error {
	if r.cli == nil {
		return fmt.Errorf("no client attached to response")
	}

	logs, err := r.cli.inner.ContainerLogs(ctx, r.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "100",
	})
	if err != nil {
		return fmt.Errorf("getting container logs: %w", err)
	}
	defer logs.Close()

	if _, err := stdcopy.StdCopy(w, w, logs); err != nil {
		return fmt.Errorf("copying logs: %w", err)
	}
	return nil
}
