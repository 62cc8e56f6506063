package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/trellis/internal/cluster"
)

// Health states reported by the monitor.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// DefaultMaxFailures is the number of consecutive failed checks after which a
// proxy is declared unhealthy.
const DefaultMaxFailures = 3

// ProxyHealth tracks the health of a single attached proxy.
// Thread-safe: protected by HealthMonitor's mutex when accessed.
type ProxyHealth struct {
	LastCheck        time.Time           // Timestamp of the last check attempt
	LastHealthy      time.Time           // Timestamp of the last successful check
	Node             cluster.NodeAddress // Proxy being watched
	Status           string              // StatusUnknown, StatusHealthy or StatusUnhealthy
	ConsecutiveFails int                 // Failed checks since the last success
}

// CheckFunc probes one proxy and returns nil when it is healthy.
type CheckFunc func(ctx context.Context, node cluster.NodeAddress) error

// HealthMonitor periodically probes every attached proxy's control plane and
// reports proxies that stop answering. The Localization node uses the report
// to detach dead proxies so the leader never points at a crashed node.
// Thread-safe: all methods are safe for concurrent access.
type HealthMonitor struct {
	nodes       map[cluster.NodeAddress]*ProxyHealth // Current health per proxy
	checkFunc   CheckFunc                            // Performs one probe
	onUnhealthy func(node cluster.NodeAddress)       // Called once per healthy->unhealthy transition
	logger      *zap.Logger
	ctx         context.Context    // Internal cancellation
	cancel      context.CancelFunc // Cancels ctx on Stop
	interval    time.Duration      // Time between probe rounds
	timeout     time.Duration      // Bound on a single probe
	mu          sync.RWMutex       // Protects nodes
	wg          sync.WaitGroup     // Tracks Start and callbacks for Stop
	maxFailures int                // Failures before marking unhealthy
}

// NewHealthMonitor creates a monitor that probes every interval. Proxies are
// marked unhealthy after DefaultMaxFailures consecutive failures.
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, logger)
//	monitor.SetOnUnhealthy(func(node cluster.NodeAddress) { ... })
//	go monitor.Start(ctx, registry.Proxies)
func NewHealthMonitor(interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: DefaultMaxFailures,
		nodes:       make(map[cluster.NodeAddress]*ProxyHealth),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	h.checkFunc = h.defaultHealthCheck
	return h
}

// SetOnUnhealthy sets the callback invoked, on its own goroutine, when a
// proxy becomes unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(node cluster.NodeAddress)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

// SetCheckFunction overrides the probe, typically in tests.
func (h *HealthMonitor) SetCheckFunction(fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkFunc = fn
}

// Start runs probe rounds until ctx or the monitor is cancelled. It blocks,
// so callers run it on its own goroutine. provider is called before every
// round to learn the current membership.
func (h *HealthMonitor) Start(ctx context.Context, provider func() []cluster.NodeAddress) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("health monitor started", zap.Duration("interval", h.interval))
	h.CheckAll(provider())
	for {
		select {
		case <-ticker.C:
			h.CheckAll(provider())
		case <-ctx.Done():
			h.logger.Debug("health monitor stopping", zap.String("reason", "context"))
			return
		case <-h.ctx.Done():
			h.logger.Debug("health monitor stopping", zap.String("reason", "stop"))
			return
		}
	}
}

// Stop cancels the monitor and waits for Start and pending callbacks.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// CheckAll probes every node once and forgets nodes no longer listed.
func (h *HealthMonitor) CheckAll(nodes []cluster.NodeAddress) {
	current := make(map[cluster.NodeAddress]bool, len(nodes))
	for _, node := range nodes {
		current[node] = true
		h.checkNode(node)
	}

	h.mu.Lock()
	for node := range h.nodes {
		if !current[node] {
			delete(h.nodes, node)
			h.logger.Debug("stopped watching proxy", zap.Stringer("node", node))
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) checkNode(node cluster.NodeAddress) {
	h.mu.Lock()
	health, ok := h.nodes[node]
	if !ok {
		now := time.Now()
		health = &ProxyHealth{Node: node, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		h.nodes[node] = health
	}
	check := h.checkFunc
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(h.ctx, h.timeout)
	err := check(ctx, node)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()
	health.LastCheck = time.Now()

	if err == nil {
		if health.Status == StatusUnhealthy {
			h.logger.Info("proxy recovered", zap.Stringer("node", node))
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
		return
	}

	health.ConsecutiveFails++
	h.logger.Warn("health check failed",
		zap.Stringer("node", node),
		zap.Int("attempt", health.ConsecutiveFails),
		zap.Int("max", h.maxFailures),
		zap.Error(err))
	if health.ConsecutiveFails < h.maxFailures || health.Status == StatusUnhealthy {
		return
	}
	health.Status = StatusUnhealthy
	h.logger.Warn("proxy marked unhealthy",
		zap.Stringer("node", node),
		zap.Int("failures", health.ConsecutiveFails))
	if h.onUnhealthy != nil {
		callback := h.onUnhealthy
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			callback(node)
		}()
	}
}

// defaultHealthCheck expects 200 OK from GET /health on the control plane.
func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, node cluster.NodeAddress) error {
	if err := cluster.GetJSON(ctx, cluster.ControlURL(node.Control, "/health"), nil); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

// NodeHealth returns a copy of the health record for node, or nil when the
// node is not being watched.
func (h *HealthMonitor) NodeHealth(node cluster.NodeAddress) *ProxyHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[node]
	if !ok {
		return nil
	}
	cp := *health
	return &cp
}

// AllHealth returns copies of every health record.
func (h *HealthMonitor) AllHealth() map[cluster.NodeAddress]ProxyHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[cluster.NodeAddress]ProxyHealth, len(h.nodes))
	for node, health := range h.nodes {
		out[node] = *health
	}
	return out
}

// IsHealthy reports whether node passed its most recent checks.
func (h *HealthMonitor) IsHealthy(node cluster.NodeAddress) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[node]
	return ok && health.Status == StatusHealthy
}
