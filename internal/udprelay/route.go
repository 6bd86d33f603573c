package udprelay

import (
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/postalsys/muti-metroo/internal/metrics"
)

// newRouteTable builds the bounded LRU-with-TTL route table (§3 "UDP
// route entry", testable properties 8 and 9): capacity evicts the
// least-recently-used entry, and entries older than ttl are pruned.
// Eviction always aborts the evicted worker's task so its sockets are
// released (§9 "worker abort on eviction").
func newRouteTable(capacity int, ttl time.Duration, logger *slog.Logger, m *metrics.Metrics) *lru.LRU[string, *worker] {
	onEvicted := func(clientAddr string, w *worker) {
		w.stop()
		m.RecordUDPRouteEviction("capacity_or_ttl")
		logger.Debug("udp route evicted", "client", clientAddr)
	}
	return lru.NewLRU[string, *worker](capacity, onEvicted, ttl)
}
