package iprep

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskwatch/internal/circuitbreaker"
)

func TestClient_Lookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/198.51.100.66":
			_, _ = w.Write([]byte(`{"blacklisted":true,"proxy":false}`))
		case "/203.0.113.9":
			_, _ = w.Write([]byte(`{"blacklisted":false,"proxy":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", time.Second)
	ctx := context.Background()

	rep, err := c.Lookup(ctx, "198.51.100.66")
	require.NoError(t, err)
	assert.True(t, rep.Blacklisted)
	assert.False(t, rep.Proxy)

	rep, err = c.Lookup(ctx, "203.0.113.9")
	require.NoError(t, err)
	assert.True(t, rep.Proxy)

	rep, err = c.Lookup(ctx, "192.0.2.1")
	require.NoError(t, err, "unknown address is clean")
	assert.False(t, rep.Blacklisted)
	assert.False(t, rep.Proxy)
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(srv.URL, 20*time.Millisecond)
	start := time.Now()
	_, err := c.Lookup(context.Background(), "192.0.2.1")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_BreakerOpensOnFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	breaker := circuitbreaker.New(2, time.Hour)
	c := New(srv.URL, time.Second, WithBreaker(breaker))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.Lookup(ctx, "192.0.2.1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
	}
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State(breakerKey))

	_, err := c.Lookup(ctx, "192.0.2.1")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), calls.Load(), "open circuit does not reach the service")
}

func TestClient_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Lookup(context.Background(), "192.0.2.1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}
