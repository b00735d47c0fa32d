package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/network"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"
)

type NetworkRequest struct {
	// Name is the name of the network to create. If empty, a random name will be
	// generated.
	Name string
	// Stack and Revision label the network so StopStack can find it.
	Stack    string
	Revision string
	Labels   map[string]string
}

type NetworkAttachment struct {
	Name string
	ID   string
}

func (d *Client) CreateNetwork(ctx context.Context, req *NetworkRequest) (*NetworkAttachment, error) {
	if req.Name == "" {
		req.Name = uuid.New().String()
	}

	labels := map[string]string{
		LabelStack:    req.Stack,
		LabelRevision: req.Revision,
	}
	for k, v := range req.Labels {
		if _, ok := labels[k]; !ok {
			labels[k] = v
		}
	}

	var (
		id      string
		lastErr error
	)
	if err := wait.ExponentialBackoffWithContext(ctx, wait.Backoff{
		Duration: 1 * time.Second,
		Factor:   2.0,
		Jitter:   0.1,
		Steps:    5,
		Cap:      1 * time.Minute,
	}, func(ctx context.Context) (bool, error) {
		resp, err := d.inner.NetworkCreate(ctx, req.Name, network.CreateOptions{
			Driver: "bridge",
			Labels: labels,
		})
		if err != nil {
			if isRetryableNetworkCreateError(err) {
				lastErr = err
				return false, nil
			}
			return false, err
		}

		if resp.ID == "" {
			return false, fmt.Errorf("failed to create network: network ID is empty")
		}

		id = resp.ID
		return true, nil
	}); err != nil {
		if lastErr != nil {
			return nil, fmt.Errorf("creating network: %w: last error: %w", err, lastErr)
		}
		return nil, fmt.Errorf("creating network: %w", err)
	}

	return &NetworkAttachment{
		Name: req.Name,
		ID:   id,
	}, nil
}

func (d *Client) RemoveNetwork(ctx context.Context, nw *NetworkAttachment) error {
	return d.inner.NetworkRemove(ctx, nw.ID)
}

func isRetryableNetworkCreateError(err error) bool {
	// The daemon returns this while it drains address pools from recently
	// removed networks.
	retryable := []string{
		"could not find an available, non-overlapping IPv4 address pool",
	}
	for _, e := range retryable {
		if err != nil && strings.Contains(err.Error(), e) {
			return true
		}
	}
	return false
}
