package stack

import (
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validManifest = `
stack: webapp
services:
  app:
    image: 123456789012.dkr.ecr.us-east-1.amazonaws.com/webapp:latest
    ports: ["80:8080"]
    env:
      LOG_LEVEL: info
    secrets:
      from: arn:aws:secretsmanager:us-east-1:123456789012:secret:webapp/prod
      keys: [DB_HOST, DB_USER, DB_PASSWORD]
    restart: always
    healthcheck:
      test: ["CMD-SHELL", "curl -fsS http://localhost:8080/healthz"]
      interval: 10s
      retries: 5
  cache:
    image: public.ecr.aws/docker/library/redis:7
    restart: unless-stopped
validate:
  tcp: ["localhost:80"]
  http: ["http://localhost:80/healthz"]
  timeout: 2m
`

func TestParse(t *testing.T) {
	m, err := Parse(strings.NewReader(validManifest))
	require.NoError(t, err)

	assert.Equal(t, "webapp", m.Stack)
	assert.Equal(t, "webapp-net", m.Network, "network defaults to <stack>-net")
	assert.Equal(t, []string{"app", "cache"}, m.ServiceNames())
	assert.Equal(t, 2*time.Minute, m.Validate.Timeout.Std())

	app := m.Services["app"]

	ref, err := app.ImageRef()
	require.NoError(t, err)
	assert.Equal(t, "123456789012.dkr.ecr.us-east-1.amazonaws.com", ref.Context().RegistryStr())

	pm, err := app.PortMap()
	require.NoError(t, err)
	binds := pm["8080/tcp"]
	require.Len(t, binds, 1)
	assert.Equal(t, "80", binds[0].HostPort)

	policy, err := app.RestartPolicy()
	require.NoError(t, err)
	assert.Equal(t, container.RestartPolicyAlways, policy)

	hc := app.HealthConfig()
	require.NotNil(t, hc)
	assert.Equal(t, 10*time.Second, hc.Interval)
	assert.Equal(t, 5, hc.Retries)

	require.NotNil(t, app.Secrets)
	assert.Equal(t, []string{"DB_HOST", "DB_USER", "DB_PASSWORD"}, app.Secrets.Keys)

	// No healthcheck configured means none is passed to the engine
	cache := m.Services["cache"]
	assert.Nil(t, cache.HealthConfig())
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		wantErr  string
	}{
		{
			name:     "unknown field",
			manifest: "stack: a\nbogus: true\nservices:\n  app:\n    image: redis:7\n",
			wantErr:  "field bogus not found",
		},
		{
			name:     "missing stack name",
			manifest: "services:\n  app:\n    image: redis:7\n",
			wantErr:  "stack name is required",
		},
		{
			name:     "no services",
			manifest: "stack: a\n",
			wantErr:  "at least one service",
		},
		{
			name:     "missing image",
			manifest: "stack: a\nservices:\n  app: {}\n",
			wantErr:  "image is required",
		},
		{
			name:     "bad image reference",
			manifest: "stack: a\nservices:\n  app:\n    image: 'UPPER:CASE:bad'\n",
			wantErr:  "parsing image reference",
		},
		{
			name:     "bad port spec",
			manifest: "stack: a\nservices:\n  app:\n    image: redis:7\n    ports: [\"nope:nope\"]\n",
			wantErr:  "parsing port spec",
		},
		{
			name:     "duplicate host port",
			manifest: "stack: a\nservices:\n  app:\n    image: redis:7\n    ports: [\"80:8080\"]\n  web:\n    image: redis:7\n    ports: [\"80:9090\"]\n",
			wantErr:  "host port 80 already bound",
		},
		{
			name:     "duplicate host port on the same interface",
			manifest: "stack: a\nservices:\n  app:\n    image: redis:7\n    ports: [\"127.0.0.1:80:8080\"]\n  web:\n    image: redis:7\n    ports: [\"127.0.0.1:80:9090\"]\n",
			wantErr:  "host port 80 already bound",
		},
		{
			name:     "wildcard conflicts with interface binding",
			manifest: "stack: a\nservices:\n  app:\n    image: redis:7\n    ports: [\"127.0.0.1:80:8080\"]\n  web:\n    image: redis:7\n    ports: [\"80:9090\"]\n",
			wantErr:  "host port 80 already bound",
		},
		{
			name:     "secrets without ref",
			manifest: "stack: a\nservices:\n  app:\n    image: redis:7\n    secrets:\n      keys: [A]\n",
			wantErr:  "secrets.from is required",
		},
		{
			name:     "unknown restart policy",
			manifest: "stack: a\nservices:\n  app:\n    image: redis:7\n    restart: sometimes\n",
			wantErr:  "unknown restart policy",
		},
		{
			name:     "bad volume spec",
			manifest: "stack: a\nservices:\n  app:\n    image: redis:7\n    volumes: [\"/data\"]\n",
			wantErr:  "invalid volume spec",
		},
		{
			name:     "bad duration",
			manifest: "stack: a\nservices:\n  app:\n    image: redis:7\nvalidate:\n  timeout: soon\n",
			wantErr:  "parsing duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.manifest))
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestHostPortPerInterface(t *testing.T) {
	// The same port on distinct interfaces is not a conflict.
	m := "stack: a\nservices:\n  app:\n    image: redis:7\n    ports: [\"127.0.0.1:80:8080\"]\n  web:\n    image: redis:7\n    ports: [\"10.0.0.1:80:9090\"]\n"

	_, err := Parse(strings.NewReader(m))
	require.NoError(t, err)
}

func TestMounts(t *testing.T) {
	s := &Service{Volumes: []string{"/var/log/app:/logs:ro", "/srv/data:/data"}}

	mounts, err := s.Mounts()
	require.NoError(t, err)
	require.Len(t, mounts, 2)

	assert.Equal(t, "/var/log/app", mounts[0].Source)
	assert.Equal(t, "/logs", mounts[0].Target)
	assert.True(t, mounts[0].ReadOnly)

	assert.Equal(t, "/srv/data", mounts[1].Source)
	assert.False(t, mounts[1].ReadOnly)
}
