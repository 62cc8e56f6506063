package cluster

// Control-plane endpoints. Every node serves PathHealth, PathMetrics and
// PathInfo; the rest are served by the role noted beside them.
const (
	PathHealth  = "/health"
	PathMetrics = "/metrics"
	PathInfo    = "/info"

	PathLeader      = "/leader"      // proxy: setLeader
	PathApplication = "/application" // proxy: setApplicationAddress
	PathCacheGet    = "/cache/get"   // proxy: cache fill for a sibling
	PathCachePut    = "/cache/put"   // proxy: leader pushes an updated order
	PathCacheEvict  = "/cache/evict" // proxy: leader pushes a deletion
	PathWrite       = "/write"       // proxy: write forwarded to the leader

	PathBackupAdd    = "/backups/add"    // application primary
	PathBackupRemove = "/backups/remove" // application primary
	PathReplicate    = "/replicate"      // application backup
)

// CodeRequest names one order by code.
type CodeRequest struct {
	Code int64 `json:"code"`
}

// CacheGetResponse is the reply to a sibling cache fill; Order is nil on a
// miss.
type CacheGetResponse struct {
	Order *Order `json:"order"`
}

// HealthResponse is the body of PathHealth.
type HealthResponse struct {
	Status string `json:"status"`
	Role   string `json:"role"`
}
