// Package monitoring exposes miner state as Prometheus metrics.
package monitoring

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tosproject/tosminer/internal/mining"
	"github.com/tosproject/tosminer/internal/stratum"
)

// updateInterval is how often gauges are refreshed from the farm.
const updateInterval = 5 * time.Second

// Exporter serves /metrics and keeps the miner gauges current.
type Exporter struct {
	logger   *zap.Logger
	registry *prometheus.Registry
	server   *http.Server

	farm   *mining.Farm
	client *stratum.Client

	hashrate       *prometheus.GaugeVec
	deviceHealth   *prometheus.GaugeVec
	hashesTotal    prometheus.Counter
	sharesAccepted prometheus.Counter
	sharesRejected prometheus.Counter
	sharesStale    prometheus.Counter
	difficulty     prometheus.Gauge
	poolConnected  prometheus.Gauge
	activeDevices  prometheus.Gauge

	lastHashes uint64
}

// NewExporter wires the metric set to a farm and pool client.
func NewExporter(farm *mining.Farm, client *stratum.Client, logger *zap.Logger) *Exporter {
	e := &Exporter{
		logger:   logger.Named("metrics"),
		registry: prometheus.NewRegistry(),
		farm:     farm,
		client:   client,

		hashrate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tosminer",
			Name:      "hashrate",
			Help:      "Smoothed hash rate in hashes per second.",
		}, []string{"device", "kind"}),
		deviceHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tosminer",
			Name:      "device_health",
			Help:      "Device health status (0 healthy, 1 degraded, 2 unhealthy, 3 failed).",
		}, []string{"device", "kind"}),
		hashesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tosminer",
			Name:      "hashes_total",
			Help:      "Total hashes computed.",
		}),
		sharesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tosminer",
			Name:      "shares_accepted_total",
			Help:      "Shares the pool accepted.",
		}),
		sharesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tosminer",
			Name:      "shares_rejected_total",
			Help:      "Shares the pool rejected.",
		}),
		sharesStale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tosminer",
			Name:      "shares_stale_total",
			Help:      "Shares rejected as stale.",
		}),
		difficulty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tosminer",
			Name:      "pool_difficulty",
			Help:      "Current pool difficulty.",
		}),
		poolConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tosminer",
			Name:      "pool_connected",
			Help:      "1 when the stratum session is authorized.",
		}),
		activeDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tosminer",
			Name:      "active_devices",
			Help:      "Devices currently mining.",
		}),
	}

	e.registry.MustRegister(
		e.hashrate, e.deviceHealth, e.hashesTotal,
		e.sharesAccepted, e.sharesRejected, e.sharesStale,
		e.difficulty, e.poolConnected, e.activeDevices,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return e
}

// Handler returns the /metrics handler for embedding in another server.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Run serves /metrics on addr and refreshes the gauges until ctx is done.
func (e *Exporter) Run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	e.server = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("metrics server listening", zap.String("addr", addr))
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			e.server.Shutdown(shutdownCtx)
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			e.update()
		}
	}
}

// update pulls a fresh snapshot from the farm and pool session.
func (e *Exporter) update() {
	stats := e.farm.StatsSnapshot()
	if stats.HashCount >= e.lastHashes {
		e.hashesTotal.Add(float64(stats.HashCount - e.lastHashes))
	}
	e.lastHashes = stats.HashCount

	for _, desc := range e.farm.Devices() {
		labels := prometheus.Labels{
			"device": strconv.FormatUint(uint64(desc.Index), 10),
			"kind":   desc.Kind.String(),
		}
		e.hashrate.With(labels).Set(e.farm.WorkerHashRate(desc.Index).EMA)
		e.deviceHealth.With(labels).Set(float64(e.farm.WorkerHealth(desc.Index).Status))
	}
	e.activeDevices.Set(float64(e.farm.ActiveWorkerCount()))

	if e.client != nil {
		e.difficulty.Set(e.client.Difficulty())
		if e.client.State() == stratum.StateAuthorized {
			e.poolConnected.Set(1)
		} else {
			e.poolConnected.Set(0)
		}
	}
}

// ObserveShare feeds one pool verdict into the counters. Wire it into the
// stratum share sink.
func (e *Exporter) ObserveShare(res mining.ShareResult) {
	switch res {
	case mining.ShareAccepted:
		e.sharesAccepted.Inc()
	case mining.ShareRejected:
		e.sharesRejected.Inc()
	case mining.ShareStale:
		e.sharesStale.Inc()
	}
}
