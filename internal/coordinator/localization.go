// Package coordinator implements the Localization tier of trellis.
// See doc.go for complete package documentation.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/trellis/internal/cluster"
	"github.com/dreamware/trellis/internal/events"
	"github.com/dreamware/trellis/internal/metrics"
	"github.com/dreamware/trellis/internal/transport"
)

// Config configures a Localization node.
//
// DataPorts and ControlPorts are used as given; the zero PortRange is
// cluster.EphemeralPorts. Use DefaultConfig for the role's fixed ranges.
type Config struct {
	Host         string
	DataPorts    cluster.PortRange
	ControlPorts cluster.PortRange

	// HealthInterval is the time between proxy health probes. Zero disables
	// health monitoring.
	HealthInterval time.Duration

	// PeerTimeout bounds each notification sent to a proxy.
	PeerTimeout time.Duration

	// PeerAttempts is the number of tries per notification.
	PeerAttempts int

	Logger *zap.Logger
	Events events.Publisher
}

// DefaultConfig returns a configuration bound to the Localization port ranges.
func DefaultConfig() Config {
	return Config{
		Host:           "127.0.0.1",
		DataPorts:      cluster.RoleLocalization.DataPorts(),
		ControlPorts:   cluster.RoleLocalization.ControlPorts(),
		HealthInterval: 5 * time.Second,
	}
}

// Localization is the membership registry node. Proxies ATTACH and DETACH on
// its data plane; clients LOCALIZE to be pointed at a proxy.
//
// Concurrency Model:
//   - membership serializes ATTACH, DETACH and health-driven detaches so each
//     registry change and its fan-out run as one unit
//   - LOCALIZE only reads the registry and never waits on membership
//   - notifications are sent after the registry change, outside its lock
type Localization struct {
	cfg      Config
	logger   *zap.Logger
	registry *MembershipRegistry
	monitor  *HealthMonitor
	metrics  *metrics.Registry
	events   events.Publisher
	server   *transport.Server

	membership sync.Mutex
	cancel     context.CancelFunc
	monitorWG  sync.WaitGroup
}

// NewLocalization binds both planes. The node does not serve until Run.
func NewLocalization(cfg Config) (*Localization, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.PeerTimeout == 0 {
		cfg.PeerTimeout = 2 * time.Second
	}
	if cfg.PeerAttempts == 0 {
		cfg.PeerAttempts = 2
	}

	l := &Localization{
		cfg:      cfg,
		logger:   cfg.Logger.Named("localization"),
		registry: NewMembershipRegistry(),
		metrics:  metrics.New(cluster.RoleLocalization),
		events:   cfg.Events,
	}

	server, err := transport.New(transport.Config{
		Host:         cfg.Host,
		DataPorts:    cfg.DataPorts,
		ControlPorts: cfg.ControlPorts,
		Logger:       l.logger,
		Metrics:      l.metrics,
	}, l, l.controlMux())
	if err != nil {
		return nil, err
	}
	l.server = server
	l.logger = l.logger.With(zap.Stringer("self", server.Address()))

	if cfg.HealthInterval > 0 {
		l.monitor = NewHealthMonitor(cfg.HealthInterval, l.logger.Named("health"))
		l.monitor.SetOnUnhealthy(l.evict)
	}
	return l, nil
}

// Address returns the node's data and control addresses.
func (l *Localization) Address() cluster.NodeAddress {
	return l.server.Address()
}

// Registry exposes the membership registry for inspection.
func (l *Localization) Registry() *MembershipRegistry {
	return l.registry
}

// Monitor returns the health monitor, or nil when monitoring is disabled.
func (l *Localization) Monitor() *HealthMonitor {
	return l.monitor
}

// Run starts serving and, when configured, health monitoring.
func (l *Localization) Run() error {
	l.server.Start()
	if l.monitor != nil {
		ctx, cancel := context.WithCancel(context.Background())
		l.cancel = cancel
		l.monitorWG.Add(1)
		go func() {
			defer l.monitorWG.Done()
			l.monitor.Start(ctx, l.registry.Proxies)
		}()
	}
	return nil
}

// Close stops monitoring and the server. Attached proxies are not notified;
// they learn of the shutdown when their next call fails.
func (l *Localization) Close(ctx context.Context) error {
	if l.monitor != nil {
		if l.cancel != nil {
			l.cancel()
		}
		l.monitor.Stop()
		l.monitorWG.Wait()
	}
	err := l.server.Close(ctx)
	l.events.Close()
	return err
}

// Handle implements transport.Handler.
func (l *Localization) Handle(ctx context.Context, req cluster.Request) cluster.Response {
	switch req.Operation {
	case cluster.OpAttach:
		return l.attach(ctx, req.Notification.Node)
	case cluster.OpDetach:
		return l.detach(ctx, req.Notification.Node)
	case cluster.OpLocalize:
		node, ok := l.registry.Random()
		if !ok {
			return cluster.ErrorResponse(cluster.ErrNoProxy)
		}
		return cluster.Response{Status: cluster.StatusOK, Address: node.Data, Node: &node}
	default:
		return cluster.Unsupported(cluster.RoleLocalization, req.Operation)
	}
}

// attach registers node, introduces it to every existing member and every
// member to it, and answers with the leader.
func (l *Localization) attach(ctx context.Context, node cluster.NodeAddress) cluster.Response {
	l.membership.Lock()
	defer l.membership.Unlock()

	res := l.registry.Attach(node)
	l.logger.Info("proxy attached",
		zap.Stringer("node", node),
		zap.Stringer("leader", res.Leader),
		zap.Int("peers", len(res.Peers)),
		zap.Bool("new", res.Added))

	var wg sync.WaitGroup
	for _, peer := range res.Peers {
		peer := peer
		wg.Add(2)
		go func() {
			defer wg.Done()
			l.notify(ctx, peer, cluster.OpAttach, node)
		}()
		go func() {
			defer wg.Done()
			l.notify(ctx, node, cluster.OpAttach, peer)
		}()
	}
	wg.Wait()

	self := l.Address()
	events.Emit(ctx, l.events, l.logger, events.Event{
		Subject: events.SubjectAttach, Role: cluster.RoleProxy.String(), Source: self, Node: &node,
	})
	if res.Added && res.Leader == node {
		leader := res.Leader
		events.Emit(ctx, l.events, l.logger, events.Event{
			Subject: events.SubjectLeader, Role: cluster.RoleProxy.String(), Source: self, Node: &leader,
		})
	}
	return cluster.NodeResponse(&res.Leader)
}

// detach removes node and tells the remaining members. The caller is told
// the new leader; pushing it to the others is the caller's job.
func (l *Localization) detach(ctx context.Context, node cluster.NodeAddress) cluster.Response {
	l.membership.Lock()
	defer l.membership.Unlock()

	res := l.detachLocked(ctx, node)
	return cluster.NodeResponse(res.Leader)
}

func (l *Localization) detachLocked(ctx context.Context, node cluster.NodeAddress) DetachResult {
	res := l.registry.Detach(node)
	fields := []zap.Field{
		zap.Stringer("node", node),
		zap.Bool("was_leader", res.WasLeader),
		zap.Int("remaining", len(res.Remaining)),
	}
	if res.Leader != nil {
		fields = append(fields, zap.Stringer("leader", *res.Leader))
	}
	l.logger.Info("proxy detached", fields...)

	var wg sync.WaitGroup
	for _, peer := range res.Remaining {
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.notify(ctx, peer, cluster.OpDetach, node)
		}()
	}
	wg.Wait()

	self := l.Address()
	events.Emit(ctx, l.events, l.logger, events.Event{
		Subject: events.SubjectDetach, Role: cluster.RoleProxy.String(), Source: self, Node: &node,
	})
	if res.WasLeader {
		events.Emit(ctx, l.events, l.logger, events.Event{
			Subject: events.SubjectLeader, Role: cluster.RoleProxy.String(), Source: self, Node: res.Leader,
		})
	}
	return res
}

// evict detaches a proxy the health monitor gave up on. The dead proxy cannot
// push the new leader itself, so the Localization node does it.
func (l *Localization) evict(node cluster.NodeAddress) {
	ctx := context.Background()
	l.membership.Lock()
	if !l.registry.Contains(node) {
		l.membership.Unlock()
		return
	}
	l.logger.Warn("detaching unhealthy proxy", zap.Stringer("node", node))
	res := l.detachLocked(ctx, node)
	l.membership.Unlock()

	if !res.WasLeader || res.Leader == nil {
		return
	}
	for _, peer := range res.Remaining {
		l.pushLeader(ctx, peer, *res.Leader)
	}
}

// notify sends a membership request about subject to target, retrying a
// bounded number of times. Failures are logged, never returned.
func (l *Localization) notify(ctx context.Context, target cluster.NodeAddress, op cluster.Operation, subject cluster.NodeAddress) {
	req := cluster.NewMembershipRequest(op, cluster.RoleProxy, subject)
	err := cluster.Retry(ctx, l.cfg.PeerAttempts, 100*time.Millisecond, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, l.cfg.PeerTimeout)
		defer cancel()
		return cluster.Send(cctx, target.Data, req).Err()
	})
	if err != nil {
		l.metrics.ObservePeerError(string(op))
		l.logger.Warn("membership notification failed",
			zap.String("op", string(op)),
			zap.Stringer("target", target),
			zap.Stringer("subject", subject),
			zap.Error(err))
	}
}

func (l *Localization) pushLeader(ctx context.Context, target, leader cluster.NodeAddress) {
	err := cluster.Retry(ctx, l.cfg.PeerAttempts, 100*time.Millisecond, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, l.cfg.PeerTimeout)
		defer cancel()
		return cluster.PostJSON(cctx, cluster.ControlURL(target.Control, cluster.PathLeader), leader, nil)
	})
	if err != nil {
		l.metrics.ObservePeerError("set_leader")
		l.logger.Warn("leader push failed",
			zap.Stringer("target", target),
			zap.Stringer("leader", leader),
			zap.Error(err))
	}
}

// Info is the body of the /info endpoint.
type Info struct {
	Role    string                         `json:"role"`
	Address cluster.NodeAddress            `json:"address"`
	Leader  *cluster.NodeAddress           `json:"leader,omitempty"`
	Proxies []cluster.NodeAddress          `json:"proxies"`
	Health  map[string]ProxyHealthSnapshot `json:"health,omitempty"`
}

// ProxyHealthSnapshot is the JSON form of ProxyHealth.
type ProxyHealthSnapshot struct {
	Status           string    `json:"status"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	LastHealthy      time.Time `json:"last_healthy"`
}

// Info describes the node's current state.
func (l *Localization) Info() Info {
	info := Info{
		Role:    cluster.RoleLocalization.String(),
		Address: l.Address(),
		Proxies: l.registry.Proxies(),
	}
	if leader, ok := l.registry.Leader(); ok {
		info.Leader = &leader
	}
	if l.monitor != nil {
		info.Health = make(map[string]ProxyHealthSnapshot)
		for node, h := range l.monitor.AllHealth() {
			info.Health[node.String()] = ProxyHealthSnapshot{
				Status:           h.Status,
				ConsecutiveFails: h.ConsecutiveFails,
				LastHealthy:      h.LastHealthy,
			}
		}
	}
	return info
}

func (l *Localization) controlMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(cluster.PathHealth, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, cluster.HealthResponse{Status: "ok", Role: cluster.RoleLocalization.String()})
	})
	mux.HandleFunc(cluster.PathInfo, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, l.Info())
	})
	l.metrics.Register(mux)
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("encode: %v", err), http.StatusInternalServerError)
	}
}
