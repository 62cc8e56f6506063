// Package transport provides the two-plane server every trellis node runs:
// a TCP data plane answering one JSON Request per connection and an
// HTTP/JSON control plane for peer traffic.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/trellis/internal/cluster"
	"github.com/dreamware/trellis/internal/metrics"
)

// Handler answers data-plane requests. Implementations must be safe for
// concurrent use; each connection is served on its own goroutine.
type Handler interface {
	Handle(ctx context.Context, req cluster.Request) cluster.Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req cluster.Request) cluster.Response

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req cluster.Request) cluster.Response {
	return f(ctx, req)
}

// Config describes where and how a Server binds.
type Config struct {
	Host         string
	DataPorts    cluster.PortRange
	ControlPorts cluster.PortRange

	// ReadTimeout bounds reading one request from a data-plane connection.
	ReadTimeout time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Registry
}

// ConfigFor returns a Config using the role's fixed port ranges.
func ConfigFor(role cluster.Role, host string) Config {
	return Config{
		Host:         host,
		DataPorts:    role.DataPorts(),
		ControlPorts: role.ControlPorts(),
	}
}

// Server is a bound, not yet serving, pair of listeners.
type Server struct {
	handler Handler
	control http.Handler
	logger  *zap.Logger
	metrics *metrics.Registry
	timeout time.Duration

	dataLn    net.Listener
	controlLn net.Listener
	http      *http.Server
	addr      cluster.NodeAddress

	alive    atomic.Bool
	inflight sync.WaitGroup
	loops    sync.WaitGroup
	close    sync.Once
	closeErr error
}

// New binds both planes. Serving starts with Start, so the caller can learn
// its own address before any peer can reach it.
func New(cfg Config, handler Handler, control http.Handler) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = cluster.DefaultTimeout
	}
	if control == nil {
		control = http.NotFoundHandler()
	}

	dataLn, err := Listen(cfg.Host, cfg.DataPorts)
	if err != nil {
		return nil, fmt.Errorf("data plane: %w", err)
	}
	controlLn, err := Listen(cfg.Host, cfg.ControlPorts)
	if err != nil {
		dataLn.Close()
		return nil, fmt.Errorf("control plane: %w", err)
	}

	s := &Server{
		handler:   handler,
		control:   control,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		timeout:   cfg.ReadTimeout,
		dataLn:    dataLn,
		controlLn: controlLn,
		addr: cluster.NodeAddress{
			Data:    dataLn.Addr().String(),
			Control: controlLn.Addr().String(),
		},
	}
	s.http = &http.Server{
		Handler:           control,
		ReadHeaderTimeout: cfg.ReadTimeout,
	}
	return s, nil
}

// Listen binds a TCP listener on a random port of pr. On a conflict another
// random port is tried, up to 2*pr.Size attempts; exhausting them yields
// cluster.ErrBindFailure. An ephemeral range binds once on port 0.
func Listen(host string, pr cluster.PortRange) (net.Listener, error) {
	if pr.Ephemeral() {
		ln, err := net.Listen("tcp", cluster.JoinHostPort(host, 0))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", cluster.ErrBindFailure, err)
		}
		return ln, nil
	}
	size := pr.Size
	if size <= 0 {
		size = 1
	}
	var lastErr error
	for i := 0; i < 2*size; i++ {
		port := pr.Base + rand.IntN(size)
		ln, err := net.Listen("tcp", cluster.JoinHostPort(host, port))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %d attempts in [%d, %d): %v",
		cluster.ErrBindFailure, 2*size, pr.Base, pr.Base+size, lastErr)
}

// Address returns the bound data and control addresses.
func (s *Server) Address() cluster.NodeAddress {
	return s.addr
}

// Alive reports whether the server is accepting connections.
func (s *Server) Alive() bool {
	return s.alive.Load()
}

// Start launches the accept loop and the control-plane server.
func (s *Server) Start() {
	if !s.alive.CompareAndSwap(false, true) {
		return
	}
	s.loops.Add(2)
	go func() {
		defer s.loops.Done()
		s.acceptLoop()
	}()
	go func() {
		defer s.loops.Done()
		if err := s.http.Serve(s.controlLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control plane stopped", zap.Error(err))
		}
	}()
	s.logger.Info("serving",
		zap.String("data", s.addr.Data),
		zap.String("control", s.addr.Control))
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.dataLn.Accept()
		if err != nil {
			if !s.alive.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(s.timeout))

	var req cluster.Request
	var resp cluster.Response
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		resp = cluster.ErrorResponse(fmt.Errorf("%w: %v", cluster.ErrDecode, err))
	} else if err := req.Validate(); err != nil {
		resp = cluster.ErrorResponse(err)
	} else {
		resp = s.handler.Handle(context.Background(), req)
	}
	s.metrics.ObserveRequest(req.Operation, resp.Status)
	if resp.Status == cluster.StatusError {
		s.logger.Debug("request failed",
			zap.String("id", req.ID),
			zap.String("op", string(req.Operation)),
			zap.String("message", resp.Message))
	}

	_ = conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Warn("write response", zap.String("id", req.ID), zap.Error(err))
	}
}

// Close stops accepting, waits for in-flight requests and shuts the control
// plane down. It is safe to call more than once.
func (s *Server) Close(ctx context.Context) error {
	s.close.Do(func() {
		wasAlive := s.alive.Swap(false)
		errData := s.dataLn.Close()
		var errControl error
		if wasAlive {
			errControl = s.http.Shutdown(ctx)
		} else {
			errControl = s.controlLn.Close()
		}
		s.loops.Wait()
		s.inflight.Wait()
		if errors.Is(errData, net.ErrClosed) {
			errData = nil
		}
		s.closeErr = errors.Join(errData, errControl)
	})
	return s.closeErr
}
