package application

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/trellis/internal/cluster"
)

// replicator replays accepted writes on one backup, one at a time, in the
// order they were queued. The queue is unbounded so a slow or dead backup
// never blocks the write path.
type replicator struct {
	app    *Application
	backup cluster.NodeAddress

	mu      sync.Mutex
	queue   []cluster.Request
	closing bool // stop after the queue drains
	discard bool // stop now, dropping the queue

	wake chan struct{}
	done chan struct{}
}

func newReplicator(a *Application, backup cluster.NodeAddress) *replicator {
	r := &replicator{
		app:    a,
		backup: backup,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// enqueue appends req. Callers hold the application's write lock, so the
// queue order is the order writes reached the store.
func (r *replicator) enqueue(req cluster.Request) {
	r.mu.Lock()
	if r.closing || r.discard {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, req)
	r.mu.Unlock()
	r.signal()
}

// flush stops accepting writes and waits until everything queued has been
// sent or given up on.
func (r *replicator) flush() {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()
	r.signal()
	<-r.done
}

// abandon drops whatever is still queued. The worker exits after the write
// it is sending, if any.
func (r *replicator) abandon() {
	r.mu.Lock()
	r.discard = true
	r.queue = nil
	r.mu.Unlock()
	r.signal()
}

func (r *replicator) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *replicator) next() (cluster.Request, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.discard {
		return cluster.Request{}, false, true
	}
	if len(r.queue) == 0 {
		return cluster.Request{}, false, r.closing
	}
	req := r.queue[0]
	r.queue[0] = cluster.Request{}
	r.queue = r.queue[1:]
	return req, true, false
}

func (r *replicator) run() {
	defer close(r.done)
	for {
		req, ok, exit := r.next()
		if exit {
			return
		}
		if !ok {
			<-r.wake
			continue
		}
		r.send(req)
	}
}

// send delivers one write with bounded retry. A write that cannot be
// delivered is logged and skipped; the ones behind it still go out in order.
func (r *replicator) send(req cluster.Request) {
	a := r.app
	err := cluster.Retry(context.Background(), a.cfg.ReplicationAttempts, a.cfg.ReplicationDelay, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, a.cfg.PeerTimeout)
		defer cancel()
		var resp cluster.Response
		if err := cluster.PostJSON(cctx, cluster.ControlURL(r.backup.Control, cluster.PathReplicate), req, &resp); err != nil {
			return err
		}
		return resp.Err()
	})
	if err != nil {
		a.metrics.ObservePeerError("replicate")
		a.logger.Error("replication failed",
			zap.Stringer("backup", r.backup),
			zap.String("op", string(req.Operation)),
			zap.Int64("code", req.Order.CodeValue()),
			zap.Error(err))
	}
}
