// stack models the deployment manifest: one stack of services, each an image
// plus the runtime wiring (ports, env, secrets, health checks) it needs.
package stack

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/google/go-containerregistry/pkg/name"
	"gopkg.in/yaml.v3"
)

const DefaultManifestPath = "deckhand.yaml"

type Manifest struct {
	// Stack names the deployment; every container and network created for it
	// is labeled with this name.
	Stack string `yaml:"stack"`

	// Network is the bridge network services share. Defaults to "<stack>-net".
	Network string `yaml:"network"`

	Services map[string]Service `yaml:"services"`

	// Validate describes the post-start smoke checks.
	Validate Validate `yaml:"validate"`
}

type Service struct {
	Image       string            `yaml:"image"`
	Ports       []string          `yaml:"ports"`
	Env         map[string]string `yaml:"env"`
	Secrets     *SecretSource     `yaml:"secrets"`
	Restart     string            `yaml:"restart"`
	Healthcheck *Healthcheck      `yaml:"healthcheck"`
	Volumes     []string          `yaml:"volumes"`
	Command     []string          `yaml:"command"`
	User        string            `yaml:"user"`
	ExtraHosts  []string          `yaml:"extra_hosts"`
}

// SecretSource points a service at external secret material. Keys lists the
// required entries; an empty list injects everything the reference holds.
type SecretSource struct {
	From string   `yaml:"from"`
	Keys []string `yaml:"keys"`
}

type Healthcheck struct {
	Test        []string `yaml:"test"`
	Interval    Duration `yaml:"interval"`
	Timeout     Duration `yaml:"timeout"`
	StartPeriod Duration `yaml:"start_period"`
	Retries     int      `yaml:"retries"`
}

type Validate struct {
	TCP     []string `yaml:"tcp"`
	HTTP    []string `yaml:"http"`
	Timeout Duration `yaml:"timeout"`
}

// Duration is a time.Duration that unmarshals from strings like "10s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}

	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse decodes a manifest. Unknown keys are rejected so a typo'd field
// fails loudly instead of silently deploying without it.
func Parse(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}

	if err := m.validate(); err != nil {
		return nil, err
	}

	if m.Network == "" {
		m.Network = m.Stack + "-net"
	}

	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Stack == "" {
		return fmt.Errorf("manifest: stack name is required")
	}

	if len(m.Services) == 0 {
		return fmt.Errorf("manifest: at least one service is required")
	}

	type hostBinding struct {
		ip   string
		port string
		svc  string
	}
	var bound []hostBinding

	for _, svc := range m.ServiceNames() {
		s := m.Services[svc]

		if s.Image == "" {
			return fmt.Errorf("service %s: image is required", svc)
		}
		if _, err := s.ImageRef(); err != nil {
			return fmt.Errorf("service %s: %w", svc, err)
		}

		bindings, err := s.PortMap()
		if err != nil {
			return fmt.Errorf("service %s: %w", svc, err)
		}
		for _, binds := range bindings {
			for _, b := range binds {
				if b.HostPort == "" || b.HostPort == "0" {
					continue
				}

				// An empty or 0.0.0.0 host IP binds every interface, so it
				// conflicts with any binding of the same port.
				ip := b.HostIP
				if ip == "0.0.0.0" {
					ip = ""
				}
				for _, prev := range bound {
					if prev.port != b.HostPort {
						continue
					}
					if prev.ip == ip || prev.ip == "" || ip == "" {
						return fmt.Errorf("service %s: host port %s already bound by service %s", svc, b.HostPort, prev.svc)
					}
				}
				bound = append(bound, hostBinding{ip: ip, port: b.HostPort, svc: svc})
			}
		}

		if s.Secrets != nil && s.Secrets.From == "" {
			return fmt.Errorf("service %s: secrets.from is required", svc)
		}

		if _, err := s.RestartPolicy(); err != nil {
			return fmt.Errorf("service %s: %w", svc, err)
		}

		if _, err := s.Mounts(); err != nil {
			return fmt.Errorf("service %s: %w", svc, err)
		}
	}

	return nil
}

// ServiceNames returns service names in deterministic (sorted) deploy order.
func (m *Manifest) ServiceNames() []string {
	names := make([]string, 0, len(m.Services))
	for n := range m.Services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Service) ImageRef() (name.Reference, error) {
	ref, err := name.ParseReference(s.Image)
	if err != nil {
		return nil, fmt.Errorf("parsing image reference %q: %w", s.Image, err)
	}
	return ref, nil
}

// PortMap parses the service's port specs ("80:8080", "127.0.0.1:80:8080/tcp")
// into the engine's binding map.
func (s *Service) PortMap() (nat.PortMap, error) {
	pm := make(nat.PortMap)
	for _, spec := range s.Ports {
		mappings, err := nat.ParsePortSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("parsing port spec %q: %w", spec, err)
		}
		for _, mp := range mappings {
			pm[mp.Port] = append(pm[mp.Port], mp.Binding)
		}
	}
	return pm, nil
}

func (s *Service) RestartPolicy() (container.RestartPolicyMode, error) {
	switch s.Restart {
	case "":
		return container.RestartPolicyUnlessStopped, nil
	case "no", "none":
		return container.RestartPolicyDisabled, nil
	case "always":
		return container.RestartPolicyAlways, nil
	case "unless-stopped":
		return container.RestartPolicyUnlessStopped, nil
	case "on-failure":
		return container.RestartPolicyOnFailure, nil
	default:
		return "", fmt.Errorf("unknown restart policy %q", s.Restart)
	}
}

// Mounts parses "host:container[:ro]" volume specs into bind mounts.
func (s *Service) Mounts() ([]mount.Mount, error) {
	mounts := make([]mount.Mount, 0, len(s.Volumes))
	for _, spec := range s.Volumes {
		parts := strings.SplitN(spec, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid volume spec %q, want host:container[:ro]", spec)
		}

		m := mount.Mount{
			Type:   mount.TypeBind,
			Source: parts[0],
			Target: parts[1],
		}
		if len(parts) == 3 {
			switch parts[2] {
			case "ro":
				m.ReadOnly = true
			case "rw":
			default:
				return nil, fmt.Errorf("invalid volume spec %q, want host:container[:ro]", spec)
			}
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}

// HealthConfig converts the manifest healthcheck to the engine's form.
func (s *Service) HealthConfig() *container.HealthConfig {
	if s.Healthcheck == nil {
		return nil
	}
	return &container.HealthConfig{
		Test:        s.Healthcheck.Test,
		Interval:    s.Healthcheck.Interval.Std(),
		Timeout:     s.Healthcheck.Timeout.Std(),
		StartPeriod: s.Healthcheck.StartPeriod.Std(),
		Retries:     s.Healthcheck.Retries,
	}
}
