package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/name"
)

// DockerConfig is the structure of the config file used at
// ~/.docker/config.json.
type DockerConfig struct {
	Auths map[string]DockerAuthConfig `json:"auths,omitempty"`
}

type DockerAuthConfig struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Auth     string `json:"auth,omitempty"`
}

// DockerConfig resolves credentials for the given registry hosts and renders
// them as a docker config document, for operators who want plain `docker`
// commands to work against ECR between deploys.
func (k *Keychain) DockerConfig(hosts ...string) (*DockerConfig, error) {
	cfg := &DockerConfig{
		Auths: make(map[string]DockerAuthConfig),
	}

	for _, host := range hosts {
		reg, err := name.NewRegistry(host)
		if err != nil {
			return nil, fmt.Errorf("parsing registry %s: %w", host, err)
		}

		a, err := k.Resolve(reg)
		if err != nil {
			return nil, fmt.Errorf("resolving credentials for %s: %w", host, err)
		}

		acfg, err := a.Authorization()
		if err != nil {
			return nil, fmt.Errorf("getting authorization for %s: %w", host, err)
		}

		cfg.Auths[host] = DockerAuthConfig{
			Username: acfg.Username,
			Password: acfg.Password,
			Auth:     acfg.Auth,
		}
	}

	return cfg, nil
}

// Write marshals the config to path, creating parent directories. An existing
// file is replaced; tokens in it are expected to be stale anyway.
func (c *DockerConfig) Write(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling docker config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating docker config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing docker config: %w", err)
	}

	return nil
}

// DefaultDockerConfigPath returns ~/.docker/config.json.
func DefaultDockerConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".docker", "config.json"), nil
}
