// Package proxy implements the caching tier of trellis.
//
// A proxy answers client requests on its data plane. Reads are served from
// its FIFO cache, then from sibling proxies (the replica set), then from the
// Application node. Writes are funneled through the leader proxy, which
// applies them at the Application node and pushes the resulting cache change
// to every sibling.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/trellis/internal/cache"
	"github.com/dreamware/trellis/internal/cluster"
	"github.com/dreamware/trellis/internal/metrics"
	"github.com/dreamware/trellis/internal/transport"
)

// Config configures a proxy node.
//
// DataPorts and ControlPorts are used as given; the zero PortRange is
// cluster.EphemeralPorts. Use DefaultConfig for the role's fixed ranges.
type Config struct {
	Host         string
	DataPorts    cluster.PortRange
	ControlPorts cluster.PortRange

	// LocalizationAddr is the data-plane address of the Localization node.
	LocalizationAddr string
	// ApplicationAddr is the data-plane address of the Application node.
	ApplicationAddr string

	CacheCapacity int

	// PeerTimeout bounds each call to a sibling proxy or to Localization.
	PeerTimeout time.Duration
	// PeerAttempts is the number of tries for membership calls.
	PeerAttempts int

	Logger *zap.Logger
}

// DefaultConfig returns a configuration bound to the proxy port ranges.
func DefaultConfig() Config {
	return Config{
		Host:          "127.0.0.1",
		DataPorts:     cluster.RoleProxy.DataPorts(),
		ControlPorts:  cluster.RoleProxy.ControlPorts(),
		CacheCapacity: cache.DefaultCapacity,
	}
}

// Proxy is one caching node.
type Proxy struct {
	cfg     Config
	logger  *zap.Logger
	cache   *cache.Cache
	metrics *metrics.Registry
	server  *transport.Server

	mu          sync.RWMutex
	replicas    []cluster.NodeAddress // siblings in registration order, never self
	leader      cluster.NodeAddress   // zero until Localization answers
	application string                // Application data address
	running     bool
}

// New binds both planes. The node does not serve or join the cluster until
// Run.
func New(cfg Config) (*Proxy, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PeerTimeout == 0 {
		cfg.PeerTimeout = 2 * time.Second
	}
	if cfg.PeerAttempts == 0 {
		cfg.PeerAttempts = 3
	}

	logger := cfg.Logger.Named("proxy")
	p := &Proxy{
		cfg:         cfg,
		logger:      logger,
		cache:       cache.New(cfg.CacheCapacity, logger.Named("cache")),
		metrics:     metrics.New(cluster.RoleProxy),
		application: cfg.ApplicationAddr,
	}
	p.metrics.MustRegister(p.cache)

	server, err := transport.New(transport.Config{
		Host:         cfg.Host,
		DataPorts:    cfg.DataPorts,
		ControlPorts: cfg.ControlPorts,
		Logger:       logger,
		Metrics:      p.metrics,
	}, p, p.controlMux())
	if err != nil {
		return nil, err
	}
	p.server = server
	p.logger = p.logger.With(zap.Stringer("self", server.Address()))
	return p, nil
}

// Address returns the node's data and control addresses.
func (p *Proxy) Address() cluster.NodeAddress {
	return p.server.Address()
}

// Cache exposes the node's cache for inspection.
func (p *Proxy) Cache() *cache.Cache {
	return p.cache
}

// Run starts serving, attaches to Localization and then to Application.
// Failing to attach to Localization is fatal: the node closes itself and
// returns an error wrapping cluster.ErrConnection. The Application attach is
// best effort.
func (p *Proxy) Run(ctx context.Context) error {
	p.server.Start()
	self := p.Address()

	var resp cluster.Response
	err := cluster.Retry(ctx, p.cfg.PeerAttempts, 200*time.Millisecond, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, p.cfg.PeerTimeout)
		defer cancel()
		resp = cluster.Send(cctx, p.cfg.LocalizationAddr,
			cluster.NewMembershipRequest(cluster.OpAttach, cluster.RoleProxy, self))
		return resp.Err()
	})
	if err == nil && resp.Node == nil {
		err = errors.New("no leader in attach response")
	}
	if err != nil {
		_ = p.server.Close(context.Background())
		return fmt.Errorf("%w: attach to localization %s: %v", cluster.ErrConnection, p.cfg.LocalizationAddr, err)
	}

	p.mu.Lock()
	p.leader = *resp.Node
	p.running = true
	p.mu.Unlock()
	p.logger.Info("attached to localization",
		zap.String("localization", p.cfg.LocalizationAddr),
		zap.Stringer("leader", *resp.Node),
		zap.Bool("is_leader", *resp.Node == self))

	p.announceToApplication(ctx, cluster.OpAttach)
	return nil
}

// Close detaches from Localization, hands leadership on when this node was
// the leader, detaches from Application and stops serving.
func (p *Proxy) Close(ctx context.Context) error {
	p.mu.Lock()
	running := p.running
	p.running = false
	p.mu.Unlock()

	if running {
		p.leave(ctx)
	}
	return p.server.Close(ctx)
}

func (p *Proxy) leave(ctx context.Context) {
	self := p.Address()
	wasLeader := p.IsLeader()

	cctx, cancel := context.WithTimeout(ctx, p.cfg.PeerTimeout)
	resp := cluster.Send(cctx, p.cfg.LocalizationAddr,
		cluster.NewMembershipRequest(cluster.OpDetach, cluster.RoleProxy, self))
	cancel()
	if err := resp.Err(); err != nil {
		p.metrics.ObservePeerError("detach")
		p.logger.Warn("detach from localization failed", zap.Error(err))
	} else if wasLeader && resp.Node != nil {
		next := *resp.Node
		p.logger.Info("handing over leadership", zap.Stringer("leader", next))
		p.fanOut(ctx, cluster.PathLeader, next, "set_leader")
	}

	p.announceToApplication(ctx, cluster.OpDetach)
}

func (p *Proxy) announceToApplication(ctx context.Context, op cluster.Operation) {
	app := p.applicationAddr()
	if app == "" {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, p.cfg.PeerTimeout)
	defer cancel()
	resp := cluster.Send(cctx, app, cluster.NewMembershipRequest(op, cluster.RoleProxy, p.Address()))
	if err := resp.Err(); err != nil {
		p.metrics.ObservePeerError(string(op))
		p.logger.Warn("application membership call failed",
			zap.String("op", string(op)),
			zap.String("application", app),
			zap.Error(err))
	}
}

// IsLeader reports whether this node is the current leader.
func (p *Proxy) IsLeader() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isLeaderLocked()
}

func (p *Proxy) isLeaderLocked() bool {
	return p.leader.Control == p.server.Address().Control
}

// Leader returns the leader this node currently follows.
func (p *Proxy) Leader() cluster.NodeAddress {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.leader
}

// SetLeader records a new leader.
func (p *Proxy) SetLeader(leader cluster.NodeAddress) {
	p.mu.Lock()
	p.leader = leader
	p.mu.Unlock()
	p.logger.Info("leader changed", zap.Stringer("leader", leader))
}

// Replicas returns the sibling proxies in registration order.
func (p *Proxy) Replicas() []cluster.NodeAddress {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.replicas)
}

// AddReplica records a sibling. Self and duplicates are ignored.
func (p *Proxy) AddReplica(node cluster.NodeAddress) {
	if node == p.Address() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !slices.Contains(p.replicas, node) {
		p.replicas = append(p.replicas, node)
	}
}

// RemoveReplica forgets a sibling.
func (p *Proxy) RemoveReplica(node cluster.NodeAddress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i := slices.Index(p.replicas, node); i >= 0 {
		p.replicas = slices.Delete(p.replicas, i, i+1)
	}
}

// SetApplicationAddress points the node at a new Application node.
func (p *Proxy) SetApplicationAddress(addr string) {
	p.mu.Lock()
	old := p.application
	p.application = addr
	p.mu.Unlock()
	p.logger.Info("application address changed",
		zap.String("from", old),
		zap.String("to", addr))
}

func (p *Proxy) applicationAddr() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.application
}

// Handle implements transport.Handler.
func (p *Proxy) Handle(ctx context.Context, req cluster.Request) cluster.Response {
	switch req.Operation {
	case cluster.OpFind:
		return p.find(ctx, *req.Order.Code)
	case cluster.OpUpdate, cluster.OpDelete:
		return p.write(ctx, req)
	case cluster.OpAttach:
		p.AddReplica(req.Notification.Node)
		p.logger.Debug("replica attached", zap.Stringer("node", req.Notification.Node))
		return cluster.OKResponse()
	case cluster.OpDetach:
		p.RemoveReplica(req.Notification.Node)
		p.logger.Debug("replica detached", zap.Stringer("node", req.Notification.Node))
		return cluster.OKResponse()
	case cluster.OpLocalize:
		return cluster.Unsupported(cluster.RoleProxy, req.Operation)
	default:
		return p.forwardToApplication(ctx, req)
	}
}

// find serves a read from the cache, then the replicas, then Application.
func (p *Proxy) find(ctx context.Context, code int64) cluster.Response {
	o, err := p.cache.GetOrFill(ctx, code, p.fill)
	if err != nil {
		return cluster.ErrorResponse(err)
	}
	return cluster.OrderResponse(o)
}

// fill is the cache miss path. Replicas are asked in registration order and
// the first one holding the order wins; Application is asked last.
func (p *Proxy) fill(ctx context.Context, code int64) (cluster.Order, error) {
	for _, replica := range p.Replicas() {
		var out cluster.CacheGetResponse
		cctx, cancel := context.WithTimeout(ctx, p.cfg.PeerTimeout)
		err := cluster.PostJSON(cctx, cluster.ControlURL(replica.Control, cluster.PathCacheGet),
			cluster.CodeRequest{Code: code}, &out)
		cancel()
		if err != nil {
			p.metrics.ObservePeerError("cache_get")
			p.logger.Debug("replica cache fill failed", zap.Stringer("replica", replica), zap.Error(err))
			continue
		}
		if out.Order != nil {
			p.logger.Debug("filled from replica", zap.Int64("code", code), zap.Stringer("replica", replica))
			return *out.Order, nil
		}
	}

	resp := p.forwardToApplication(ctx, cluster.NewFindRequest(code))
	if err := resp.Err(); err != nil {
		return cluster.Order{}, err
	}
	if resp.Order == nil {
		return cluster.Order{}, fmt.Errorf("%w: empty FIND reply for %d", cluster.ErrDecode, code)
	}
	return *resp.Order, nil
}

// write funnels UPDATE and DELETE through the leader.
func (p *Proxy) write(ctx context.Context, req cluster.Request) cluster.Response {
	p.mu.RLock()
	leader := p.leader
	isLeader := leader.IsZero() || p.isLeaderLocked()
	p.mu.RUnlock()

	if isLeader {
		return p.applyWrite(ctx, req)
	}

	var resp cluster.Response
	err := cluster.PostJSON(ctx, cluster.ControlURL(leader.Control, cluster.PathWrite), req, &resp)
	if err != nil {
		p.metrics.ObservePeerError("write")
		p.logger.Warn("forward to leader failed", zap.Stringer("leader", leader), zap.Error(err))
		return cluster.ErrorResponse(fmt.Errorf("forward to leader %s: %w", leader, err))
	}
	return resp
}

// applyWrite runs a write as the leader: Application first, then the local
// cache, then every replica's cache.
func (p *Proxy) applyWrite(ctx context.Context, req cluster.Request) cluster.Response {
	resp := p.forwardToApplication(ctx, req)
	if !resp.OK() {
		return resp
	}

	code := *req.Order.Code
	switch req.Operation {
	case cluster.OpUpdate:
		updated := *req.Order
		if resp.Order != nil {
			updated = *resp.Order
		}
		p.cache.Put(updated)
		p.fanOut(ctx, cluster.PathCachePut, updated, "cache_put")
	case cluster.OpDelete:
		p.cache.Delete(code)
		p.fanOut(ctx, cluster.PathCacheEvict, cluster.CodeRequest{Code: code}, "cache_evict")
	}
	return resp
}

// fanOut posts body to path on every replica concurrently and waits for all
// of them. Failures are logged and counted.
func (p *Proxy) fanOut(ctx context.Context, path string, body any, call string) {
	var wg sync.WaitGroup
	for _, replica := range p.Replicas() {
		replica := replica
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, p.cfg.PeerTimeout)
			defer cancel()
			if err := cluster.PostJSON(cctx, cluster.ControlURL(replica.Control, path), body, nil); err != nil {
				p.metrics.ObservePeerError(call)
				p.logger.Warn("replica push failed",
					zap.String("call", call),
					zap.Stringer("replica", replica),
					zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

// forwardToApplication passes req to the Application node unchanged.
func (p *Proxy) forwardToApplication(ctx context.Context, req cluster.Request) cluster.Response {
	app := p.applicationAddr()
	if app == "" {
		return cluster.ErrorResponse(fmt.Errorf("%w: no application address", cluster.ErrConnection))
	}
	resp := cluster.Send(ctx, app, req)
	if !resp.OK() && errors.Is(resp.Err(), cluster.ErrConnection) {
		p.metrics.ObservePeerError("application")
	}
	return resp
}
