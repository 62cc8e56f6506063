// Package application implements the store-of-record tier of trellis.
//
// One Application node is the primary; others may start as its backups. The
// primary persists every accepted write and replays it on each backup in the
// background, in the order the writes were stored and under the codes the
// primary assigned. On shutdown a node points its attached proxies at a
// replacement Application node so client traffic survives a planned
// failover.
package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/trellis/internal/cluster"
	"github.com/dreamware/trellis/internal/events"
	"github.com/dreamware/trellis/internal/metrics"
	"github.com/dreamware/trellis/internal/storage"
	"github.com/dreamware/trellis/internal/transport"
)

// Config configures an Application node.
//
// DataPorts and ControlPorts are used as given; the zero PortRange is
// cluster.EphemeralPorts. Use DefaultConfig for the role's fixed ranges.
type Config struct {
	Host         string
	DataPorts    cluster.PortRange
	ControlPorts cluster.PortRange

	// PrimaryControlAddr makes this node a backup of the primary whose
	// control plane listens there.
	PrimaryControlAddr string

	// FailoverAddr is the data address pushed to proxies on shutdown. When
	// empty the node picks its first backup, or its primary when it is a
	// backup itself.
	FailoverAddr string

	// Store is the store of record; nil means a fresh MemoryStore. The node
	// owns the store and closes it on Close.
	Store storage.Store

	// Seed is the number of sample orders created before serving. An
	// already populated store is left alone.
	Seed int

	PeerTimeout         time.Duration
	ReplicationAttempts int
	ReplicationDelay    time.Duration

	Logger *zap.Logger
	Events events.Publisher
}

// DefaultConfig returns a configuration bound to the Application port ranges.
func DefaultConfig() Config {
	return Config{
		Host:         "127.0.0.1",
		DataPorts:    cluster.RoleApplication.DataPorts(),
		ControlPorts: cluster.RoleApplication.ControlPorts(),
		Seed:         storage.DefaultSeed,
	}
}

// Application is one store-of-record node.
type Application struct {
	cfg     Config
	logger  *zap.Logger
	store   storage.Store
	metrics *metrics.Registry
	events  events.Publisher
	server  *transport.Server

	// writeMu orders store writes with their replication.
	writeMu sync.Mutex

	mu          sync.RWMutex
	proxies     []cluster.NodeAddress
	backups     []cluster.NodeAddress
	replicators map[cluster.NodeAddress]*replicator
	primary     *cluster.NodeAddress
	running     bool
}

// New prepares the store (seeding it when configured) and binds both planes.
func New(ctx context.Context, cfg Config) (*Application, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryStore()
	}
	if cfg.PeerTimeout == 0 {
		cfg.PeerTimeout = 2 * time.Second
	}
	if cfg.ReplicationAttempts == 0 {
		cfg.ReplicationAttempts = 3
	}
	if cfg.ReplicationDelay == 0 {
		cfg.ReplicationDelay = 200 * time.Millisecond
	}

	a := &Application{
		cfg:         cfg,
		logger:      cfg.Logger.Named("application"),
		store:       cfg.Store,
		metrics:     metrics.New(cluster.RoleApplication),
		events:      cfg.Events,
		replicators: make(map[cluster.NodeAddress]*replicator),
	}

	if cfg.Seed > 0 {
		n, err := a.store.CountAll(ctx)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			if err := storage.Seed(ctx, a.store, cfg.Seed); err != nil {
				return nil, err
			}
			a.logger.Info("store seeded", zap.Int("orders", cfg.Seed))
		}
	}

	server, err := transport.New(transport.Config{
		Host:         cfg.Host,
		DataPorts:    cfg.DataPorts,
		ControlPorts: cfg.ControlPorts,
		Logger:       a.logger,
		Metrics:      a.metrics,
	}, a, a.controlMux())
	if err != nil {
		return nil, err
	}
	a.server = server
	a.logger = a.logger.With(zap.Stringer("self", server.Address()))
	return a, nil
}

// Address returns the node's data and control addresses.
func (a *Application) Address() cluster.NodeAddress {
	return a.server.Address()
}

// Store returns the node's store of record.
func (a *Application) Store() storage.Store {
	return a.store
}

// IsBackup reports whether the node was configured as a backup.
func (a *Application) IsBackup() bool {
	return a.cfg.PrimaryControlAddr != ""
}

// Run starts serving. A backup first registers with its primary; failing
// to do so is fatal, the planes are released and the caller should still
// Close the node to release the store.
func (a *Application) Run(ctx context.Context) error {
	if a.IsBackup() {
		var primary cluster.NodeAddress
		err := cluster.Retry(ctx, a.cfg.ReplicationAttempts, a.cfg.ReplicationDelay, func(ctx context.Context) error {
			cctx, cancel := context.WithTimeout(ctx, a.cfg.PeerTimeout)
			defer cancel()
			return cluster.PostJSON(cctx, cluster.ControlURL(a.cfg.PrimaryControlAddr, cluster.PathBackupAdd),
				a.Address(), &primary)
		})
		if err != nil {
			_ = a.server.Close(context.Background())
			return fmt.Errorf("%w: register with primary %s: %v", cluster.ErrConnection, a.cfg.PrimaryControlAddr, err)
		}
		a.mu.Lock()
		a.primary = &primary
		a.mu.Unlock()
		a.logger.Info("registered as backup", zap.Stringer("primary", primary))
	}

	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
	a.server.Start()
	return nil
}

// Close leaves the primary (when a backup), hands proxies over to the
// failover address, stops serving and drains every backup's replication
// queue.
func (a *Application) Close(ctx context.Context) error {
	a.mu.Lock()
	running := a.running
	a.running = false
	primary := a.primary
	a.mu.Unlock()

	if running {
		if primary != nil {
			cctx, cancel := context.WithTimeout(ctx, a.cfg.PeerTimeout)
			err := cluster.PostJSON(cctx, cluster.ControlURL(primary.Control, cluster.PathBackupRemove), a.Address(), nil)
			cancel()
			if err != nil {
				a.metrics.ObservePeerError("remove_backup")
				a.logger.Warn("leave primary failed", zap.Stringer("primary", *primary), zap.Error(err))
			}
		}
		if target, ok := a.failoverTarget(); ok {
			a.Handoff(ctx, target)
		} else {
			a.logger.Info("no failover address; proxies keep their application address")
		}
	}

	err := a.server.Close(ctx)
	a.mu.RLock()
	pending := make([]*replicator, 0, len(a.replicators))
	for _, r := range a.replicators {
		pending = append(pending, r)
	}
	a.mu.RUnlock()
	for _, r := range pending {
		r.flush()
	}
	a.events.Close()
	return errors.Join(err, a.store.Close())
}

// failoverTarget chooses the address proxies should move to.
func (a *Application) failoverTarget() (cluster.NodeAddress, bool) {
	if a.cfg.FailoverAddr != "" {
		return cluster.NodeAddress{Data: a.cfg.FailoverAddr}, true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.backups) > 0 {
		return a.backups[0], true
	}
	if a.primary != nil {
		return *a.primary, true
	}
	return cluster.NodeAddress{}, false
}

// Handoff tells every attached proxy to send its Application traffic to
// target. Failures are logged per proxy.
func (a *Application) Handoff(ctx context.Context, target cluster.NodeAddress) {
	proxies := a.Proxies()
	a.logger.Info("handing proxies over",
		zap.String("target", target.Data),
		zap.Int("proxies", len(proxies)))

	var wg sync.WaitGroup
	for _, p := range proxies {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, a.cfg.PeerTimeout)
			defer cancel()
			if err := cluster.PostJSON(cctx, cluster.ControlURL(p.Control, cluster.PathApplication), target, nil); err != nil {
				a.metrics.ObservePeerError("set_application")
				a.logger.Warn("failover push failed", zap.Stringer("proxy", p), zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

// Proxies returns the attached proxies in attach order.
func (a *Application) Proxies() []cluster.NodeAddress {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.proxies)
}

// Backups returns the registered backups in registration order.
func (a *Application) Backups() []cluster.NodeAddress {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.backups)
}

// Primary returns the primary this backup follows.
func (a *Application) Primary() (cluster.NodeAddress, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.primary == nil {
		return cluster.NodeAddress{}, false
	}
	return *a.primary, true
}

// AddBackup registers a backup and starts its replication queue. Writes
// stored from now on are replayed on it. Duplicates are ignored.
func (a *Application) AddBackup(node cluster.NodeAddress) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !slices.Contains(a.backups, node) {
		a.backups = append(a.backups, node)
		a.replicators[node] = newReplicator(a, node)
		a.logger.Info("backup added", zap.Stringer("backup", node))
	}
}

// RemoveBackup forgets a backup and drops its pending writes.
func (a *Application) RemoveBackup(node cluster.NodeAddress) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i := slices.Index(a.backups, node); i >= 0 {
		a.backups = slices.Delete(a.backups, i, i+1)
		a.replicators[node].abandon()
		delete(a.replicators, node)
		a.logger.Info("backup removed", zap.Stringer("backup", node))
	}
}

func (a *Application) addProxy(node cluster.NodeAddress) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !slices.Contains(a.proxies, node) {
		a.proxies = append(a.proxies, node)
	}
}

func (a *Application) removeProxy(node cluster.NodeAddress) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i := slices.Index(a.proxies, node); i >= 0 {
		a.proxies = slices.Delete(a.proxies, i, i+1)
	}
}

// Handle implements transport.Handler.
func (a *Application) Handle(ctx context.Context, req cluster.Request) cluster.Response {
	switch req.Operation {
	case cluster.OpAttach:
		a.addProxy(req.Notification.Node)
		a.logger.Info("proxy attached", zap.Stringer("proxy", req.Notification.Node))
		return cluster.OKResponse()
	case cluster.OpDetach:
		a.removeProxy(req.Notification.Node)
		a.logger.Info("proxy detached", zap.Stringer("proxy", req.Notification.Node))
		return cluster.OKResponse()
	case cluster.OpLocalize:
		return cluster.Unsupported(cluster.RoleApplication, req.Operation)
	default:
		return a.apply(ctx, req)
	}
}

// apply executes an order operation against the store. Accepted writes are
// replicated to every backup.
func (a *Application) apply(ctx context.Context, req cluster.Request) cluster.Response {
	switch req.Operation {
	case cluster.OpList:
		orders, err := a.store.ListAll(ctx)
		if err != nil {
			return cluster.ErrorResponse(err)
		}
		return cluster.OrdersResponse(orders)

	case cluster.OpCount:
		n, err := a.store.CountAll(ctx)
		if err != nil {
			return cluster.ErrorResponse(err)
		}
		return cluster.CountResponse(n)

	case cluster.OpFind:
		o, err := a.store.FindByCode(ctx, *req.Order.Code)
		if err != nil {
			return cluster.ErrorResponse(err)
		}
		return cluster.OrderResponse(o)

	case cluster.OpCreate:
		order := *req.Order
		order.Code = nil
		created, err := a.commit(ctx, req.Operation, func() (cluster.Order, error) {
			return a.store.Create(ctx, order)
		})
		if err != nil {
			return cluster.ErrorResponse(err)
		}
		return cluster.OrderResponse(created)

	case cluster.OpUpdate:
		updated, err := a.commit(ctx, req.Operation, func() (cluster.Order, error) {
			return *req.Order, a.store.Update(ctx, *req.Order)
		})
		if err != nil {
			return cluster.ErrorResponse(err)
		}
		return cluster.OrderResponse(updated)

	case cluster.OpDelete:
		if _, err := a.commit(ctx, req.Operation, func() (cluster.Order, error) {
			return *req.Order, a.store.Delete(ctx, *req.Order)
		}); err != nil {
			return cluster.ErrorResponse(err)
		}
		return cluster.OKResponse()

	default:
		return cluster.Unsupported(cluster.RoleApplication, req.Operation)
	}
}

// applyReplicated executes a write replayed by the primary. A replayed
// CREATE keeps the code the primary assigned.
func (a *Application) applyReplicated(ctx context.Context, req cluster.Request) cluster.Response {
	if req.Operation != cluster.OpCreate {
		return a.apply(ctx, req)
	}
	if req.Order.Code == nil {
		return cluster.ErrorResponse(fmt.Errorf("%w: replicated CREATE without a code", cluster.ErrDecode))
	}
	created, err := a.commit(ctx, req.Operation, func() (cluster.Order, error) {
		return *req.Order, a.store.Put(ctx, *req.Order)
	})
	if err != nil {
		return cluster.ErrorResponse(err)
	}
	return cluster.OrderResponse(created)
}

// commit runs write and, when it succeeds, queues the stored order for every
// backup before any other write can reach the store.
func (a *Application) commit(ctx context.Context, op cluster.Operation, write func() (cluster.Order, error)) (cluster.Order, error) {
	a.writeMu.Lock()
	order, err := write()
	if err == nil {
		a.enqueue(cluster.NewOrderRequest(op, order))
	}
	a.writeMu.Unlock()
	if err != nil {
		return cluster.Order{}, err
	}

	a.logger.Debug("write accepted",
		zap.String("op", string(op)),
		zap.Int64("code", order.CodeValue()))
	events.Emit(ctx, a.events, a.logger, events.Event{
		Subject:   events.SubjectWrite,
		Role:      cluster.RoleApplication.String(),
		Source:    a.Address(),
		Operation: op,
		Order:     &order,
	})
	return order, nil
}

func (a *Application) enqueue(req cluster.Request) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, backup := range a.backups {
		a.replicators[backup].enqueue(req)
	}
}
