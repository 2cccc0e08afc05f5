// Package observability — metrics.go
//
// Prometheus metrics for sshguardd.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: sshguardd_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Labels use bounded enums (service name, event kind) only.
//   - Address is NOT used as a label (unbounded cardinality) — per-address
//     state lives in the offender engine and the operator socket, not here.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for sshguardd.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Log ingestion ──────────────────────────────────────────────────────

	// LinesTailedTotal counts lines read from all log sources.
	LinesTailedTotal prometheus.Counter

	// LinesParsedTotal counts lines recognized against the attack grammar,
	// by service.
	LinesParsedTotal *prometheus.CounterVec

	// LinesDroppedTotal counts lines dropped (unrecognized, orphan repeat,
	// or failed PID authentication).
	// Labels: reason (unrecognized, orphan_repeat, auth_disproved)
	LinesDroppedTotal *prometheus.CounterVec

	// ─── Attack grammar ─────────────────────────────────────────────────────

	// AttacksRecognizedTotal counts recognized attacks, by service and kind.
	AttacksRecognizedTotal *prometheus.CounterVec

	// AttackDangerHistogram records the distribution of per-attack danger
	// values, including repeat-elision-scaled replays.
	AttackDangerHistogram prometheus.Histogram

	// ─── Offender engine ────────────────────────────────────────────────────

	// LimboSize is the current number of addresses under suspicion.
	LimboSize prometheus.Gauge

	// HellSize is the current number of blocked addresses.
	HellSize prometheus.Gauge

	// OffendersTotal is the lifetime-of-process number of distinct offenders.
	OffendersTotal prometheus.Gauge

	// BlocksTotal counts firewall block calls issued.
	BlocksTotal prometheus.Counter

	// ReleasesTotal counts firewall release calls issued.
	ReleasesTotal prometheus.Counter

	// BlacklistPromotionsTotal counts addresses promoted to the persistent
	// blacklist.
	BlacklistPromotionsTotal prometheus.Counter

	// ─── Firewall backend ───────────────────────────────────────────────────

	// FirewallErrorsTotal counts firewall backend call failures, by
	// operation (block, release, batch, flush).
	FirewallErrorsTotal *prometheus.CounterVec

	// ─── Rate limiting ──────────────────────────────────────────────────────

	// RateLimitTokensRemaining is the current token bucket level guarding
	// the firewall backend.
	RateLimitTokensRemaining prometheus.Gauge

	// RateLimitRejectedTotal counts firewall calls deferred by Wait due to
	// bucket exhaustion.
	RateLimitRejectedTotal prometheus.Counter

	// ─── Audit ledger ───────────────────────────────────────────────────────

	// LedgerWriteLatency records BoltDB write transaction latency.
	LedgerWriteLatency prometheus.Histogram

	// LedgerEntries is the current number of audit ledger entries.
	LedgerEntries prometheus.Gauge

	// ─── Daemon ──────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the daemon started.
	UptimeSeconds prometheus.Gauge

	// Suspended reports whether the daemon is currently suspended (1) or
	// active (0), per the SIGTSTP/operator-socket suspend contract.
	Suspended prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all sshguardd Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		LinesTailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sshguardd",
			Subsystem: "tail",
			Name:      "lines_total",
			Help:      "Total lines read from all log sources.",
		}),

		LinesParsedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sshguardd",
			Subsystem: "grammar",
			Name:      "lines_parsed_total",
			Help:      "Total lines recognized against the attack grammar, by service.",
		}, []string{"service"}),

		LinesDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sshguardd",
			Subsystem: "grammar",
			Name:      "lines_dropped_total",
			Help:      "Total lines dropped, by reason.",
		}, []string{"reason"}),

		AttacksRecognizedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sshguardd",
			Subsystem: "grammar",
			Name:      "attacks_recognized_total",
			Help:      "Total recognized attacks, by service and kind.",
		}, []string{"service", "kind"}),

		AttackDangerHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sshguardd",
			Subsystem: "grammar",
			Name:      "attack_danger",
			Help:      "Distribution of per-attack danger values.",
			Buckets:   []float64{5, 10, 20, 40, 60, 80, 120, 200},
		}),

		LimboSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sshguardd",
			Subsystem: "offender",
			Name:      "limbo_size",
			Help:      "Current number of addresses under suspicion but not blocked.",
		}),

		HellSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sshguardd",
			Subsystem: "offender",
			Name:      "hell_size",
			Help:      "Current number of blocked addresses.",
		}),

		OffendersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sshguardd",
			Subsystem: "offender",
			Name:      "offenders_total",
			Help:      "Lifetime-of-process number of distinct offenders.",
		}),

		BlocksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sshguardd",
			Subsystem: "offender",
			Name:      "blocks_total",
			Help:      "Total firewall block calls issued.",
		}),

		ReleasesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sshguardd",
			Subsystem: "offender",
			Name:      "releases_total",
			Help:      "Total firewall release calls issued.",
		}),

		BlacklistPromotionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sshguardd",
			Subsystem: "offender",
			Name:      "blacklist_promotions_total",
			Help:      "Total addresses promoted to the persistent blacklist.",
		}),

		FirewallErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sshguardd",
			Subsystem: "firewall",
			Name:      "errors_total",
			Help:      "Total firewall backend call failures, by operation.",
		}, []string{"operation"}),

		RateLimitTokensRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sshguardd",
			Subsystem: "ratelimit",
			Name:      "tokens_remaining",
			Help:      "Current token bucket level guarding the firewall backend.",
		}),

		RateLimitRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sshguardd",
			Subsystem: "ratelimit",
			Name:      "rejected_total",
			Help:      "Total firewall calls deferred due to bucket exhaustion.",
		}),

		LedgerWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sshguardd",
			Subsystem: "ledger",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		LedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sshguardd",
			Subsystem: "ledger",
			Name:      "entries",
			Help:      "Current number of audit ledger entries in BoltDB.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sshguardd",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),

		Suspended: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sshguardd",
			Subsystem: "daemon",
			Name:      "suspended",
			Help:      "1 if the daemon is currently suspended, 0 otherwise.",
		}),
	}

	reg.MustRegister(
		m.LinesTailedTotal,
		m.LinesParsedTotal,
		m.LinesDroppedTotal,
		m.AttacksRecognizedTotal,
		m.AttackDangerHistogram,
		m.LimboSize,
		m.HellSize,
		m.OffendersTotal,
		m.BlocksTotal,
		m.ReleasesTotal,
		m.BlacklistPromotionsTotal,
		m.FirewallErrorsTotal,
		m.RateLimitTokensRemaining,
		m.RateLimitRejectedTotal,
		m.LedgerWriteLatency,
		m.LedgerEntries,
		m.UptimeSeconds,
		m.Suspended,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
