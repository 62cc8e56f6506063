package application

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/trellis/internal/cluster"
	"github.com/dreamware/trellis/internal/events"
	"github.com/dreamware/trellis/internal/transport"
)

func newApplication(t *testing.T, cfg Config) *Application {
	t.Helper()
	cfg.Logger = zaptest.NewLogger(t)
	if cfg.ReplicationDelay == 0 {
		cfg.ReplicationDelay = 10 * time.Millisecond
	}
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, a.Run(context.Background()))
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func send(t *testing.T, a *Application, req cluster.Request) cluster.Response {
	t.Helper()
	return cluster.Send(context.Background(), a.Address().Data, req)
}

// fakeProxy records the application address pushed to it.
type fakeProxy struct {
	server *transport.Server

	mu  sync.Mutex
	app string
}

func newFakeProxy(t *testing.T) *fakeProxy {
	t.Helper()
	p := &fakeProxy{}
	mux := http.NewServeMux()
	mux.HandleFunc(cluster.PathApplication, func(w http.ResponseWriter, r *http.Request) {
		var addr cluster.NodeAddress
		_ = json.NewDecoder(r.Body).Decode(&addr)
		p.mu.Lock()
		p.app = addr.Data
		p.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	handler := transport.HandlerFunc(func(context.Context, cluster.Request) cluster.Response {
		return cluster.OKResponse()
	})
	s, err := transport.New(transport.Config{Logger: zaptest.NewLogger(t)}, handler, mux)
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	p.server = s
	return p
}

func (p *fakeProxy) application() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.app
}

func TestOrderLifecycle(t *testing.T) {
	rec := &events.Recorder{}
	a := newApplication(t, Config{Events: rec})

	// A client-supplied code is ignored on create.
	resp := send(t, a, cluster.NewOrderRequest(cluster.OpCreate, cluster.NewOrder("desk", "oak").WithCode(99)))
	require.True(t, resp.OK(), resp.Message)
	require.NotNil(t, resp.Order)
	require.NotNil(t, resp.Order.Code)
	code := *resp.Order.Code
	assert.Equal(t, int64(1), code)

	resp = send(t, a, cluster.NewFindRequest(code))
	require.True(t, resp.OK(), resp.Message)
	assert.Equal(t, "desk", resp.Order.Name)

	updated := *resp.Order
	updated.Name = "table"
	resp = send(t, a, cluster.NewOrderRequest(cluster.OpUpdate, updated))
	require.True(t, resp.OK(), resp.Message)
	assert.Equal(t, "table", resp.Order.Name)

	resp = send(t, a, cluster.Request{Operation: cluster.OpCount})
	require.True(t, resp.OK(), resp.Message)
	assert.Equal(t, int64(1), *resp.Count)

	resp = send(t, a, cluster.NewOrderRequest(cluster.OpDelete, updated))
	require.True(t, resp.OK(), resp.Message)

	resp = send(t, a, cluster.NewFindRequest(code))
	assert.ErrorIs(t, resp.Err(), cluster.ErrNotFound)

	assert.Equal(t, []string{events.SubjectWrite, events.SubjectWrite, events.SubjectWrite}, rec.Subjects())
}

func TestSeededList(t *testing.T) {
	a := newApplication(t, Config{Seed: 5})

	resp := send(t, a, cluster.Request{Operation: cluster.OpList})
	require.True(t, resp.OK(), resp.Message)
	require.Len(t, resp.Orders, 5)
	assert.Equal(t, int64(5), resp.Orders[0].CodeValue(), "newest first")
}

func TestUpdateMissingOrder(t *testing.T) {
	a := newApplication(t, Config{})
	resp := send(t, a, cluster.NewOrderRequest(cluster.OpUpdate, cluster.NewOrder("x", "y").WithCode(42)))
	assert.False(t, resp.OK())
	assert.ErrorIs(t, resp.Err(), cluster.ErrNotFound)
}

func TestLocalizeUnsupported(t *testing.T) {
	a := newApplication(t, Config{})
	resp := send(t, a, cluster.Request{Operation: cluster.OpLocalize})
	assert.ErrorIs(t, resp.Err(), cluster.ErrUnsupportedOperation)
}

func TestProxyDirectory(t *testing.T) {
	a := newApplication(t, Config{})
	node := cluster.NodeAddress{Data: "127.0.0.1:1", Control: "127.0.0.1:2"}

	require.True(t, send(t, a, cluster.NewMembershipRequest(cluster.OpAttach, cluster.RoleProxy, node)).OK())
	require.True(t, send(t, a, cluster.NewMembershipRequest(cluster.OpAttach, cluster.RoleProxy, node)).OK())
	assert.Equal(t, []cluster.NodeAddress{node}, a.Proxies())

	require.True(t, send(t, a, cluster.NewMembershipRequest(cluster.OpDetach, cluster.RoleProxy, node)).OK())
	assert.Empty(t, a.Proxies())
}

func TestBackupReplication(t *testing.T) {
	primary := newApplication(t, Config{})
	backup := newApplication(t, Config{PrimaryControlAddr: primary.Address().Control})

	assert.Equal(t, []cluster.NodeAddress{backup.Address()}, primary.Backups())
	got, ok := backup.Primary()
	require.True(t, ok)
	assert.Equal(t, primary.Address(), got)

	resp := send(t, primary, cluster.NewOrderRequest(cluster.OpCreate, cluster.NewOrder("lamp", "brass")))
	require.True(t, resp.OK(), resp.Message)
	code := *resp.Order.Code

	assert.Eventually(t, func() bool {
		o, err := backup.Store().FindByCode(context.Background(), code)
		return err == nil && o.Name == "lamp"
	}, 2*time.Second, 10*time.Millisecond)

	updated := *resp.Order
	updated.Name = "floor lamp"
	require.True(t, send(t, primary, cluster.NewOrderRequest(cluster.OpUpdate, updated)).OK())
	assert.Eventually(t, func() bool {
		o, err := backup.Store().FindByCode(context.Background(), code)
		return err == nil && o.Name == "floor lamp"
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, send(t, primary, cluster.NewOrderRequest(cluster.OpDelete, updated)).OK())
	assert.Eventually(t, func() bool {
		n, err := backup.Store().CountAll(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// TestConcurrentWritesReplicateInOrder creates and renames orders from
// several clients at once and expects the backup to hold the same order
// under every code as the primary.
func TestConcurrentWritesReplicateInOrder(t *testing.T) {
	ctx := context.Background()
	primary := newApplication(t, Config{Seed: 2})
	backup := newApplication(t, Config{PrimaryControlAddr: primary.Address().Control, Seed: 2})

	const clients, perClient = 8, 10
	var wg sync.WaitGroup
	for c := 0; c < clients; c++ {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perClient; i++ {
				name := fmt.Sprintf("client %d order %d", c, i)
				resp := send(t, primary, cluster.NewOrderRequest(cluster.OpCreate, cluster.NewOrder(name, "concurrent")))
				if !assert.True(t, resp.OK(), resp.Message) {
					return
				}
				renamed := *resp.Order
				renamed.Name = name + " renamed"
				resp = send(t, primary, cluster.NewOrderRequest(cluster.OpUpdate, renamed))
				assert.True(t, resp.OK(), resp.Message)
			}
		}()
	}
	wg.Wait()

	want, err := primary.Store().ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, want, 2+clients*perClient)

	matches := func() bool {
		for _, o := range want {
			got, err := backup.Store().FindByCode(ctx, o.CodeValue())
			if err != nil || got.Name != o.Name || got.Description != o.Description {
				return false
			}
		}
		n, err := backup.Store().CountAll(ctx)
		return err == nil && n == int64(len(want))
	}
	require.Eventually(t, matches, 5*time.Second, 20*time.Millisecond)

	for _, o := range want[:len(want)-2] {
		got, err := backup.Store().FindByCode(ctx, o.CodeValue())
		require.NoError(t, err)
		assert.Equal(t, o.Name, got.Name, "code %d", o.CodeValue())
		assert.True(t, o.CreatedAt.Equal(got.CreatedAt), "code %d", o.CodeValue())
	}
}

// TestBackupCreatesAfterReplayedCodes promotes a backup by writing to it
// directly; its first code follows the primary's last one.
func TestBackupCreatesAfterReplayedCodes(t *testing.T) {
	ctx := context.Background()
	primary := newApplication(t, Config{})
	backup := newApplication(t, Config{PrimaryControlAddr: primary.Address().Control})

	for i := 0; i < 3; i++ {
		require.True(t, send(t, primary, cluster.NewOrderRequest(cluster.OpCreate, cluster.NewOrder("n", "d"))).OK())
	}
	require.Eventually(t, func() bool {
		n, err := backup.Store().CountAll(ctx)
		return err == nil && n == 3
	}, 2*time.Second, 10*time.Millisecond)

	resp := send(t, backup, cluster.NewOrderRequest(cluster.OpCreate, cluster.NewOrder("after failover", "d")))
	require.True(t, resp.OK(), resp.Message)
	assert.Equal(t, int64(4), resp.Order.CodeValue())
}

func TestReplicatedCreateRequiresCode(t *testing.T) {
	a := newApplication(t, Config{})
	var resp cluster.Response
	require.NoError(t, cluster.PostJSON(context.Background(),
		cluster.ControlURL(a.Address().Control, cluster.PathReplicate),
		cluster.NewOrderRequest(cluster.OpCreate, cluster.NewOrder("n", "d")), &resp))
	assert.ErrorIs(t, resp.Err(), cluster.ErrDecode)

	n, err := a.Store().CountAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestDeadBackupDoesNotBlockWrites checks replication never delays clients.
func TestDeadBackupDoesNotBlockWrites(t *testing.T) {
	primary := newApplication(t, Config{PeerTimeout: 100 * time.Millisecond, ReplicationAttempts: 2})
	primary.AddBackup(cluster.NodeAddress{Data: "127.0.0.1:1", Control: "127.0.0.1:1"})

	start := time.Now()
	resp := send(t, primary, cluster.NewOrderRequest(cluster.OpCreate, cluster.NewOrder("a", "b")))
	require.True(t, resp.OK(), resp.Message)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBackupRegistrationFailure(t *testing.T) {
	a, err := New(context.Background(), Config{
		PrimaryControlAddr:  "127.0.0.1:1",
		ReplicationAttempts: 2,
		ReplicationDelay:    10 * time.Millisecond,
		PeerTimeout:         100 * time.Millisecond,
		Logger:              zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	err = a.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, cluster.ErrConnection)
	assert.NoError(t, a.Close(context.Background()))
}

func TestBackupLeavesPrimaryOnClose(t *testing.T) {
	primary := newApplication(t, Config{})
	backup, err := New(context.Background(), Config{
		PrimaryControlAddr: primary.Address().Control,
		Logger:             zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	require.NoError(t, backup.Run(context.Background()))
	require.Len(t, primary.Backups(), 1)

	require.NoError(t, backup.Close(context.Background()))
	assert.Empty(t, primary.Backups())
}

func TestCloseHandsProxiesToFailover(t *testing.T) {
	p1, p2 := newFakeProxy(t), newFakeProxy(t)
	a, err := New(context.Background(), Config{
		FailoverAddr: "127.0.0.1:9999",
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	require.NoError(t, a.Run(context.Background()))

	for _, p := range []*fakeProxy{p1, p2} {
		resp := send(t, a, cluster.NewMembershipRequest(cluster.OpAttach, cluster.RoleProxy, p.server.Address()))
		require.True(t, resp.OK(), resp.Message)
	}

	require.NoError(t, a.Close(context.Background()))
	assert.Equal(t, "127.0.0.1:9999", p1.application())
	assert.Equal(t, "127.0.0.1:9999", p2.application())
}

func TestCloseHandsProxiesToFirstBackup(t *testing.T) {
	p := newFakeProxy(t)
	primary, err := New(context.Background(), Config{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	require.NoError(t, primary.Run(context.Background()))
	backup := newApplication(t, Config{PrimaryControlAddr: primary.Address().Control})

	resp := send(t, primary, cluster.NewMembershipRequest(cluster.OpAttach, cluster.RoleProxy, p.server.Address()))
	require.True(t, resp.OK(), resp.Message)

	require.NoError(t, primary.Close(context.Background()))
	assert.Equal(t, backup.Address().Data, p.application())
}

func TestInfoEndpoint(t *testing.T) {
	primary := newApplication(t, Config{Seed: 3})
	newApplication(t, Config{PrimaryControlAddr: primary.Address().Control})

	var info Info
	require.NoError(t, cluster.GetJSON(context.Background(),
		cluster.ControlURL(primary.Address().Control, cluster.PathInfo), &info))
	assert.Equal(t, "application", info.Role)
	assert.False(t, info.Backup)
	assert.Equal(t, int64(3), info.Orders)
	assert.Len(t, info.Backups, 1)
}

func TestReplicateRejectsReads(t *testing.T) {
	a := newApplication(t, Config{})
	var resp cluster.Response
	require.NoError(t, cluster.PostJSON(context.Background(),
		cluster.ControlURL(a.Address().Control, cluster.PathReplicate),
		cluster.Request{Operation: cluster.OpList}, &resp))
	assert.ErrorIs(t, resp.Err(), cluster.ErrUnsupportedOperation)
}
