// Package metrics tracks seawire runtime statistics and exports them to
// Prometheus.
//
// Counters are plain atomics so hot paths never touch the Prometheus client;
// the collectors read them through CounterFunc/GaugeFunc at scrape time.
package metrics

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "seawire"

// Metrics tracks server runtime statistics.
type Metrics struct {
	startTime time.Time
	registry  *prometheus.Registry

	// Auth
	SuccessfulAuths atomic.Int64
	FailedAuths     atomic.Int64

	// Identity cache
	CacheRefreshes      atomic.Int64
	CacheRefreshFailure atomic.Int64
	CacheMisses         atomic.Int64 // authenticated id missing from the cache

	// Live connections
	SocketsOpened     atomic.Int64
	SocketsClosed     atomic.Int64
	BroadcastMessages atomic.Int64 // broadcast calls
	SendsAttempted    atomic.Int64 // per-connection sends
	SendFailures      atomic.Int64

	// Ledger
	LedgerWrites      atomic.Int64
	LedgerWriteErrors atomic.Int64
	LedgerReadErrors  atomic.Int64

	// Content
	MessagesPosted       atomic.Int64
	ConversationsCreated atomic.Int64

	requestDuration *prometheus.HistogramVec

	activeUsers   func() int
	activeSockets func() int
}

// New creates a Metrics instance with its own Prometheus registry.
func New() *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),
	}
	m.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	f := promauto.With(m.registry)
	counter := func(name, help string, v *atomic.Int64) {
		f.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help},
			func() float64 { return float64(v.Load()) })
	}

	counter("auth_success_total", "Successful authentication attempts.", &m.SuccessfulAuths)
	counter("auth_failed_total", "Failed authentication attempts.", &m.FailedAuths)
	counter("identity_refreshes_total", "Identity cache record rebuilds.", &m.CacheRefreshes)
	counter("identity_refresh_failures_total", "Identity cache rebuilds that failed.", &m.CacheRefreshFailure)
	counter("identity_cache_misses_total", "Authenticated users missing from the identity cache.", &m.CacheMisses)
	counter("sockets_opened_total", "Live sockets opened.", &m.SocketsOpened)
	counter("sockets_closed_total", "Live sockets closed.", &m.SocketsClosed)
	counter("broadcasts_total", "Registry broadcast calls.", &m.BroadcastMessages)
	counter("socket_sends_total", "Per-connection sends attempted.", &m.SendsAttempted)
	counter("socket_send_failures_total", "Per-connection sends that failed.", &m.SendFailures)
	counter("ledger_writes_total", "Counter ledger write operations.", &m.LedgerWrites)
	counter("ledger_write_errors_total", "Counter ledger writes that failed.", &m.LedgerWriteErrors)
	counter("ledger_read_errors_total", "Counter ledger reads that failed.", &m.LedgerReadErrors)
	counter("messages_posted_total", "Conversation messages posted.", &m.MessagesPosted)
	counter("conversations_created_total", "Conversations created.", &m.ConversationsCreated)

	f.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: "uptime_seconds", Help: "Server uptime in seconds."},
		func() float64 { return time.Since(m.startTime).Seconds() })
	f.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: "identity_cache_users", Help: "Users held in the identity cache."},
		func() float64 { return float64(m.callGauge(m.activeUsers)) })
	f.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: "sockets_active", Help: "Live sockets across both registries."},
		func() float64 { return float64(m.callGauge(m.activeSockets)) })

	m.requestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method", "status"})

	return m
}

// SetGauges installs the functions read for the cache size and socket count
// gauges. Either may be nil.
func (m *Metrics) SetGauges(activeUsers, activeSockets func() int) {
	m.activeUsers = activeUsers
	m.activeSockets = activeSockets
}

func (m *Metrics) callGauge(fn func() int) int {
	if fn == nil {
		return 0
	}
	return fn()
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(route, method, status string, d time.Duration) {
	m.requestDuration.WithLabelValues(route, method, status).Observe(d.Seconds())
}

// Handler serves the Prometheus exposition for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	SuccessfulAuths int64 `json:"successful_auths"`
	FailedAuths     int64 `json:"failed_auths"`

	CachedUsers    int   `json:"cached_users"`
	CacheRefreshes int64 `json:"cache_refreshes"`
	CacheMisses    int64 `json:"cache_misses"`

	ActiveSockets  int   `json:"active_sockets"`
	SocketsOpened  int64 `json:"sockets_opened"`
	Broadcasts     int64 `json:"broadcasts"`
	SendsAttempted int64 `json:"sends_attempted"`
	SendFailures   int64 `json:"send_failures"`

	LedgerWrites      int64 `json:"ledger_writes"`
	LedgerWriteErrors int64 `json:"ledger_write_errors"`
	LedgerReadErrors  int64 `json:"ledger_read_errors"`

	MessagesPosted       int64 `json:"messages_posted"`
	ConversationsCreated int64 `json:"conversations_created"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() Snapshot {
	uptime := time.Since(m.startTime)
	return Snapshot{
		Uptime:               uptime.Truncate(time.Second).String(),
		UptimeSeconds:        int64(uptime.Seconds()),
		SuccessfulAuths:      m.SuccessfulAuths.Load(),
		FailedAuths:          m.FailedAuths.Load(),
		CachedUsers:          m.callGauge(m.activeUsers),
		CacheRefreshes:       m.CacheRefreshes.Load(),
		CacheMisses:          m.CacheMisses.Load(),
		ActiveSockets:        m.callGauge(m.activeSockets),
		SocketsOpened:        m.SocketsOpened.Load(),
		Broadcasts:           m.BroadcastMessages.Load(),
		SendsAttempted:       m.SendsAttempted.Load(),
		SendFailures:         m.SendFailures.Load(),
		LedgerWrites:         m.LedgerWrites.Load(),
		LedgerWriteErrors:    m.LedgerWriteErrors.Load(),
		LedgerReadErrors:     m.LedgerReadErrors.Load(),
		MessagesPosted:       m.MessagesPosted.Load(),
		ConversationsCreated: m.ConversationsCreated.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"cached_users", s.CachedUsers,
		"sockets", s.ActiveSockets,
		"broadcasts", s.Broadcasts,
		"send_failures", s.SendFailures,
		"ledger_write_errors", s.LedgerWriteErrors,
		"messages", s.MessagesPosted,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
