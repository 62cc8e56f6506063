package application

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/dreamware/trellis/internal/cluster"
)

// Info is the body of the /info endpoint.
type Info struct {
	Role    string                `json:"role"`
	Address cluster.NodeAddress   `json:"address"`
	Backup  bool                  `json:"backup"`
	Primary *cluster.NodeAddress  `json:"primary,omitempty"`
	Backups []cluster.NodeAddress `json:"backups"`
	Proxies []cluster.NodeAddress `json:"proxies"`
	Orders  int64                 `json:"orders"`
}

func (a *Application) controlMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(cluster.PathHealth, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, cluster.HealthResponse{Status: "ok", Role: cluster.RoleApplication.String()})
	})
	mux.HandleFunc(cluster.PathInfo, func(w http.ResponseWriter, r *http.Request) {
		n, err := a.store.CountAll(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		info := Info{
			Role:    cluster.RoleApplication.String(),
			Address: a.Address(),
			Backup:  a.IsBackup(),
			Backups: a.Backups(),
			Proxies: a.Proxies(),
			Orders:  n,
		}
		if p, ok := a.Primary(); ok {
			info.Primary = &p
		}
		writeJSON(w, info)
	})
	a.metrics.Register(mux)

	// Registration by a backup. The reply carries this node's address so the
	// backup knows where to send its own failover pushes.
	mux.HandleFunc(cluster.PathBackupAdd, post(func(w http.ResponseWriter, r *http.Request) {
		var node cluster.NodeAddress
		if !decode(w, r, &node) {
			return
		}
		if node.IsZero() {
			http.Error(w, "missing backup address", http.StatusBadRequest)
			return
		}
		a.AddBackup(node)
		writeJSON(w, a.Address())
	}))

	mux.HandleFunc(cluster.PathBackupRemove, post(func(w http.ResponseWriter, r *http.Request) {
		var node cluster.NodeAddress
		if !decode(w, r, &node) {
			return
		}
		a.RemoveBackup(node)
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc(cluster.PathReplicate, post(func(w http.ResponseWriter, r *http.Request) {
		var req cluster.Request
		if !decode(w, r, &req) {
			return
		}
		if err := req.Validate(); err != nil {
			writeJSON(w, cluster.ErrorResponse(err))
			return
		}
		if !req.Operation.IsWrite() {
			writeJSON(w, cluster.Unsupported(cluster.RoleApplication, req.Operation))
			return
		}
		a.logger.Debug("applying replicated write", zap.String("op", string(req.Operation)))
		resp := a.applyReplicated(r.Context(), req)
		a.metrics.ObserveRequest(req.Operation, resp.Status)
		writeJSON(w, resp)
	}))
	return mux
}

func post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("encode: %v", err), http.StatusInternalServerError)
	}
}
