package infra

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	descActionsSigned = prometheus.NewDesc("hlsig_actions_signed_total", "Actions signed by local signers.", nil, nil)
	descSignatures    = prometheus.NewDesc("hlsig_signatures_total", "Signatures offered to multi-sig sessions.", []string{"result"}, nil)
	descSessions      = prometheus.NewDesc("hlsig_sessions_total", "Multi-sig sessions by terminal state.", []string{"state"}, nil)
	descSubmissions   = prometheus.NewDesc("hlsig_submissions_total", "Actions submitted to the exchange.", nil, nil)
	descErrors        = prometheus.NewDesc("hlsig_errors_total", "Errors recorded.", nil, nil)
	descSignLatency   = prometheus.NewDesc("hlsig_sign_latency_avg_seconds", "Average signing latency.", nil, nil)
	descConnections   = prometheus.NewDesc("hlsig_peer_connections", "Open peer connections.", nil, nil)
)

// Collector exposes a Metrics instance to prometheus.
type Collector struct {
	m *Metrics
}

// NewCollector creates a collector reading m on every scrape.
func NewCollector(m *Metrics) *Collector {
	return &Collector{m: m}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descActionsSigned
	ch <- descSignatures
	ch <- descSessions
	ch <- descSubmissions
	ch <- descErrors
	ch <- descSignLatency
	ch <- descConnections
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Snapshot()

	ch <- prometheus.MustNewConstMetric(descActionsSigned, prometheus.CounterValue, float64(s.ActionsSigned))
	ch <- prometheus.MustNewConstMetric(descSignatures, prometheus.CounterValue, float64(s.SignaturesAccepted), "accepted")
	ch <- prometheus.MustNewConstMetric(descSignatures, prometheus.CounterValue, float64(s.SignaturesRejected), "rejected")
	ch <- prometheus.MustNewConstMetric(descSignatures, prometheus.CounterValue, float64(s.SignaturesDuplicate), "duplicate")
	ch <- prometheus.MustNewConstMetric(descSessions, prometheus.CounterValue, float64(s.SessionsFinalized), "finalized")
	ch <- prometheus.MustNewConstMetric(descSessions, prometheus.CounterValue, float64(s.SessionsFailed), "failed")
	ch <- prometheus.MustNewConstMetric(descSubmissions, prometheus.CounterValue, float64(s.Submissions))
	ch <- prometheus.MustNewConstMetric(descErrors, prometheus.CounterValue, float64(s.ErrorsTotal))
	ch <- prometheus.MustNewConstMetric(descSignLatency, prometheus.GaugeValue, time.Duration(s.AvgSignLatencyNs).Seconds())
	ch <- prometheus.MustNewConstMetric(descConnections, prometheus.GaugeValue, float64(s.ActiveConnections))
}

// MetricsHandler returns an http.Handler serving m in the prometheus text format.
func MetricsHandler(m *Metrics) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(m))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ServeMetrics serves /metrics on addr until ctx is cancelled.
func ServeMetrics(ctx context.Context, addr string, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler(m))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
