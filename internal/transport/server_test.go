package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/trellis/internal/cluster"
	"github.com/dreamware/trellis/internal/metrics"
)

func newTestServer(t *testing.T, h Handler, control http.Handler) *Server {
	t.Helper()
	cfg := Config{
		Host:         "127.0.0.1",
		DataPorts:    cluster.EphemeralPorts,
		ControlPorts: cluster.EphemeralPorts,
		Logger:       zaptest.NewLogger(t),
		Metrics:      metrics.New(cluster.RoleProxy),
	}
	s, err := New(cfg, h, control)
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestServerRoundTrip(t *testing.T) {
	s := newTestServer(t, HandlerFunc(func(_ context.Context, req cluster.Request) cluster.Response {
		if req.Operation == cluster.OpCount {
			return cluster.CountResponse(3)
		}
		return cluster.Unsupported(cluster.RoleProxy, req.Operation)
	}), nil)

	assert.True(t, s.Alive())
	resp := cluster.Send(context.Background(), s.Address().Data, cluster.Request{Operation: cluster.OpCount})
	require.True(t, resp.OK(), resp.Message)
	assert.Equal(t, int64(3), *resp.Count)

	resp = cluster.Send(context.Background(), s.Address().Data, cluster.Request{Operation: cluster.OpLocalize})
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Message, cluster.ErrUnsupportedOperation.Error())
}

// TestServerRejectsInvalidRequests checks validation happens before the handler.
func TestServerRejectsInvalidRequests(t *testing.T) {
	called := false
	var mu sync.Mutex
	s := newTestServer(t, HandlerFunc(func(context.Context, cluster.Request) cluster.Response {
		mu.Lock()
		called = true
		mu.Unlock()
		return cluster.OKResponse()
	}), nil)

	resp := cluster.Send(context.Background(), s.Address().Data, cluster.Request{Operation: cluster.OpFind})
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Message, cluster.ErrDecode.Error())

	resp = cluster.Send(context.Background(), s.Address().Data, cluster.Request{Operation: "BOGUS"})
	assert.False(t, resp.OK())

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, called)
}

func TestServerControlPlane(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	s := newTestServer(t, HandlerFunc(func(context.Context, cluster.Request) cluster.Response {
		return cluster.OKResponse()
	}), mux)

	var out map[string]string
	require.NoError(t, cluster.GetJSON(context.Background(), cluster.ControlURL(s.Address().Control, "/health"), &out))
	assert.Equal(t, "ok", out["status"])
}

// TestServerCloseWaitsForInflight verifies Close lets a running request finish.
func TestServerCloseWaitsForInflight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s := newTestServer(t, HandlerFunc(func(context.Context, cluster.Request) cluster.Response {
		close(started)
		<-release
		return cluster.CountResponse(1)
	}), nil)

	result := make(chan cluster.Response, 1)
	go func() {
		result <- cluster.Send(context.Background(), s.Address().Data, cluster.Request{Operation: cluster.OpCount})
	}()
	<-started

	closed := make(chan error, 1)
	go func() { closed <- s.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("Close returned before the in-flight request finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	require.NoError(t, <-closed)
	resp := <-result
	assert.True(t, resp.OK(), resp.Message)
	assert.False(t, s.Alive())

	resp = cluster.Send(context.Background(), s.Address().Data, cluster.Request{Operation: cluster.OpCount})
	assert.False(t, resp.OK())
}

func TestCloseIdempotent(t *testing.T) {
	s := newTestServer(t, HandlerFunc(func(context.Context, cluster.Request) cluster.Response {
		return cluster.OKResponse()
	}), nil)
	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
}

func TestCloseWithoutStart(t *testing.T) {
	s, err := New(Config{DataPorts: cluster.EphemeralPorts, ControlPorts: cluster.EphemeralPorts},
		HandlerFunc(func(context.Context, cluster.Request) cluster.Response { return cluster.OKResponse() }), nil)
	require.NoError(t, err)
	assert.NoError(t, s.Close(context.Background()))
}

func TestListenInRange(t *testing.T) {
	pr := cluster.PortRange{Base: freeBase(t, 4), Size: 4}
	ln, err := Listen("127.0.0.1", pr)
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	assert.GreaterOrEqual(t, port, pr.Base)
	assert.Less(t, port, pr.Base+pr.Size)
}

// TestListenExhausted occupies the whole range and expects ErrBindFailure.
func TestListenExhausted(t *testing.T) {
	held, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer held.Close()
	port := held.Addr().(*net.TCPAddr).Port

	_, err = Listen("127.0.0.1", cluster.PortRange{Base: port, Size: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, cluster.ErrBindFailure))
}

// freeBase finds a run of n free ports by probing; the OS may hand them out
// again before the test binds, so callers tolerate a retry.
func freeBase(t *testing.T, n int) int {
	t.Helper()
	for attempt := 0; attempt < 50; attempt++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		base := ln.Addr().(*net.TCPAddr).Port
		ln.Close()
		ok := true
		for p := base; p < base+n; p++ {
			probe, err := net.Listen("tcp", cluster.JoinHostPort("127.0.0.1", p))
			if err != nil {
				ok = false
				break
			}
			probe.Close()
		}
		if ok {
			return base
		}
	}
	t.Fatal("no free port run found")
	return 0
}
