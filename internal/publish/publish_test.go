package publish

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishRejectsBadTarget(t *testing.T) {
	p := &Publisher{}

	_, err := p.Publish(context.Background(), "webapp:latest", "registry.example.com/web app:v1")
	assert.ErrorContains(t, err, "parsing target reference")
}
