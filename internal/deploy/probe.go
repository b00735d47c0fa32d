package deploy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/deckhand-dev/deckhand/internal/log"
	"github.com/deckhand-dev/deckhand/internal/stack"
)

const defaultValidateTimeout = 2 * time.Minute

// ProbeError reports which smoke check never came up.
type ProbeError struct {
	Kind   string
	Target string
	Err    error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%s probe %s failed: %v", e.Kind, e.Target, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Validate runs the manifest's smoke checks, polling each target until it
// answers or the validation timeout lapses.
func Validate(ctx context.Context, v stack.Validate) error {
	timeout := v.Timeout.Std()
	if timeout == 0 {
		timeout = defaultValidateTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, target := range v.TCP {
		if err := waitTCP(ctx, target); err != nil {
			return &ProbeError{Kind: "tcp", Target: target, Err: err}
		}
	}

	for _, url := range v.HTTP {
		if err := waitHTTP(ctx, url); err != nil {
			return &ProbeError{Kind: "http", Target: url, Err: err}
		}
	}

	return nil
}

var dialer = &net.Dialer{
	Timeout: 3 * time.Second,
}

// waitTCP waits for a TCP target ("host:port") to become reachable.
func waitTCP(ctx context.Context, target string) error {
	log.Debug(ctx, "waiting for TCP target to become reachable", "target", target)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
			if tcpPortOpen(ctx, target) {
				return nil
			}
		}
	}
}

func tcpPortOpen(ctx context.Context, target string) bool {
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		log.Debug(ctx, "target is not yet reachable", "target", target, "error", err)
		return false
	}
	if err := conn.Close(); err != nil {
		log.Warn(ctx, "encountered error closing TCP connection", "error", err)
	}
	return true
}

// waitHTTP waits for a GET on url to return a non-5xx, non-4xx status.
func waitHTTP(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	log.Debug(ctx, "waiting for HTTP target to become healthy", "url", url)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}

			resp, err := client.Do(req)
			if err != nil {
				log.Debug(ctx, "target is not yet healthy", "url", url, "error", err)
				continue
			}
			resp.Body.Close()

			if resp.StatusCode < 400 {
				return nil
			}
			log.Debug(ctx, "target returned unhealthy status", "url", url, "status", resp.StatusCode)
		}
	}
}
