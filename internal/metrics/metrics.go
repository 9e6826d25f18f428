// Package metrics provides Prometheus instrumentation for the CASFA
// delegation, token, and OAuth core.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casfa",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "casfa",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DelegatesCreatedTotal counts delegates created, by depth.
	DelegatesCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casfa",
			Name:      "delegates_created_total",
			Help:      "Total delegates created, labeled by resulting depth.",
		},
		[]string{"depth"},
	)

	// DelegatesRevokedTotal counts delegate revocations, split by whether the
	// revocation was direct or a cascade descendant.
	DelegatesRevokedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casfa",
			Name:      "delegates_revoked_total",
			Help:      "Total delegate revocations.",
		},
		[]string{"kind"}, // "direct" | "cascade"
	)

	// TokenRotationsTotal counts refresh-token rotations by outcome.
	TokenRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casfa",
			Name:      "token_rotations_total",
			Help:      "Total refresh-token rotation attempts by outcome.",
		},
		[]string{"outcome"}, // "success" | "stale" | "conflict"
	)

	// AccessTokenValidationsTotal counts C6 middleware outcomes.
	AccessTokenValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casfa",
			Name:      "access_token_validations_total",
			Help:      "Total access-token validations by result.",
		},
		[]string{"result"},
	)

	// OAuthCodesIssuedTotal counts authorization codes issued.
	OAuthCodesIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "casfa",
		Name:      "oauth_codes_issued_total",
		Help:      "Total OAuth authorization codes issued.",
	})

	// OAuthTokenExchangesTotal counts token endpoint calls by grant type and outcome.
	OAuthTokenExchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casfa",
			Name:      "oauth_token_exchanges_total",
			Help:      "Total OAuth token endpoint calls by grant type and outcome.",
		},
		[]string{"grant_type", "outcome"},
	)

	// MCPToolCallsTotal counts dispatched MCP tool calls by tool name and outcome.
	MCPToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casfa",
			Name:      "mcp_tool_calls_total",
			Help:      "Total MCP tools/call dispatches by tool name and outcome.",
		},
		[]string{"tool", "outcome"},
	)

	// DelegateCacheTotal counts delegate lookup cache hits/misses/evictions.
	DelegateCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casfa",
			Name:      "delegate_cache_total",
			Help:      "Delegate lookup cache operations by result.",
		},
		[]string{"result"}, // "hit" | "miss" | "evict"
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "casfa", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "casfa", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "casfa", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "casfa", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DelegatesCreatedTotal,
		DelegatesRevokedTotal,
		TokenRotationsTotal,
		AccessTokenValidationsTotal,
		OAuthCodesIssuedTotal,
		OAuthTokenExchangesTotal,
		MCPToolCallsTotal,
		DelegateCacheTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
