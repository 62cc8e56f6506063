package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/dreamware/trellis/internal/cache"
	"github.com/dreamware/trellis/internal/cluster"
)

// Info is the body of the /info endpoint.
type Info struct {
	Role        string                `json:"role"`
	Address     cluster.NodeAddress   `json:"address"`
	Leader      cluster.NodeAddress   `json:"leader"`
	IsLeader    bool                  `json:"is_leader"`
	Replicas    []cluster.NodeAddress `json:"replicas"`
	Application string                `json:"application"`
	Cache       cache.Stats           `json:"cache"`
	Cached      []int64               `json:"cached"`
}

// Info describes the node's current state.
func (p *Proxy) Info() Info {
	return Info{
		Role:        cluster.RoleProxy.String(),
		Address:     p.Address(),
		Leader:      p.Leader(),
		IsLeader:    p.IsLeader(),
		Replicas:    p.Replicas(),
		Application: p.applicationAddr(),
		Cache:       p.cache.Stats(),
		Cached:      p.cache.Keys(),
	}
}

func (p *Proxy) controlMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(cluster.PathHealth, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, cluster.HealthResponse{Status: "ok", Role: cluster.RoleProxy.String()})
	})
	mux.HandleFunc(cluster.PathInfo, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, p.Info())
	})
	p.metrics.Register(mux)

	mux.HandleFunc(cluster.PathLeader, post(func(w http.ResponseWriter, r *http.Request) {
		var leader cluster.NodeAddress
		if !decode(w, r, &leader) {
			return
		}
		if leader.IsZero() {
			http.Error(w, "missing leader", http.StatusBadRequest)
			return
		}
		p.SetLeader(leader)
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc(cluster.PathApplication, post(func(w http.ResponseWriter, r *http.Request) {
		var app cluster.NodeAddress
		if !decode(w, r, &app) {
			return
		}
		if app.Data == "" {
			http.Error(w, "missing application address", http.StatusBadRequest)
			return
		}
		p.SetApplicationAddress(app.Data)
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc(cluster.PathCacheGet, post(func(w http.ResponseWriter, r *http.Request) {
		var req cluster.CodeRequest
		if !decode(w, r, &req) {
			return
		}
		var out cluster.CacheGetResponse
		if o, ok := p.cache.Peek(req.Code); ok {
			out.Order = &o
		}
		writeJSON(w, out)
	}))

	mux.HandleFunc(cluster.PathCachePut, post(func(w http.ResponseWriter, r *http.Request) {
		var o cluster.Order
		if !decode(w, r, &o) {
			return
		}
		if o.Code == nil {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		p.cache.Put(o)
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc(cluster.PathCacheEvict, post(func(w http.ResponseWriter, r *http.Request) {
		var req cluster.CodeRequest
		if !decode(w, r, &req) {
			return
		}
		p.cache.Delete(req.Code)
		w.WriteHeader(http.StatusNoContent)
	}))

	// A write forwarded by a follower. It is applied here even if this node
	// has just lost leadership, so a write is never bounced between proxies.
	mux.HandleFunc(cluster.PathWrite, post(func(w http.ResponseWriter, r *http.Request) {
		var req cluster.Request
		if !decode(w, r, &req) {
			return
		}
		if err := req.Validate(); err != nil {
			writeJSON(w, cluster.ErrorResponse(err))
			return
		}
		if req.Operation != cluster.OpUpdate && req.Operation != cluster.OpDelete {
			writeJSON(w, cluster.Unsupported(cluster.RoleProxy, req.Operation))
			return
		}
		p.logger.Debug("applying forwarded write",
			zap.String("id", req.ID),
			zap.String("op", string(req.Operation)))
		writeJSON(w, p.applyWrite(r.Context(), req))
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
