package deploy

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckhand-dev/deckhand/internal/stack"
)

func TestValidateTCP(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	err = Validate(context.Background(), stack.Validate{
		TCP:     []string{l.Addr().String()},
		Timeout: stack.Duration(5 * time.Second),
	})
	assert.NoError(t, err)
}

func TestValidateTCPTimesOut(t *testing.T) {
	// Grab a port and close it again so nothing is listening there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	err = Validate(context.Background(), stack.Validate{
		TCP:     []string{addr},
		Timeout: stack.Duration(1 * time.Second),
	})
	require.Error(t, err)

	var perr *ProbeError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "tcp", perr.Kind)
	assert.Equal(t, addr, perr.Target)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestValidateHTTP(t *testing.T) {
	// Healthy only after a couple of attempts, so the probe has to retry.
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := Validate(context.Background(), stack.Validate{
		HTTP:    []string{srv.URL + "/healthz"},
		Timeout: stack.Duration(10 * time.Second),
	})
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, hits.Load(), int32(3))
}

func TestValidateHTTPNeverHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := Validate(context.Background(), stack.Validate{
		HTTP:    []string{srv.URL},
		Timeout: stack.Duration(1 * time.Second),
	})
	require.Error(t, err)

	var perr *ProbeError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "http", perr.Kind)
}

func TestValidateNothingToCheck(t *testing.T) {
	assert.NoError(t, Validate(context.Background(), stack.Validate{}))
}

func TestEnvSlice(t *testing.T) {
	assert.Equal(t,
		[]string{"A=1", "B=2", "C=3"},
		envSlice(map[string]string{"C": "3", "A": "1", "B": "2"}),
	)
	assert.Empty(t, envSlice(nil))
}
