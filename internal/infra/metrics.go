package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability for signing and multi-sig sessions.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	actionsSigned       atomic.Uint64
	signaturesAccepted  atomic.Uint64
	signaturesRejected  atomic.Uint64
	signaturesDuplicate atomic.Uint64
	sessionsFinalized   atomic.Uint64
	sessionsFailed      atomic.Uint64
	submissions         atomic.Uint64
	errorsTotal         atomic.Uint64

	// Latency tracking
	signLatencySumNs atomic.Int64
	signLatencyCount atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordSign records one completed signature with its latency.
func (m *Metrics) RecordSign(latency time.Duration) {
	m.actionsSigned.Add(1)
	m.signLatencySumNs.Add(latency.Nanoseconds())
	m.signLatencyCount.Add(1)
}

// SignatureAccepted counts a signature that entered a session.
func (m *Metrics) SignatureAccepted() {
	m.signaturesAccepted.Add(1)
}

// SignatureRejected counts a malformed, mismatched, unauthorized or late signature.
func (m *Metrics) SignatureRejected() {
	m.signaturesRejected.Add(1)
}

// SignatureDuplicate counts a resubmission from an already counted signer.
func (m *Metrics) SignatureDuplicate() {
	m.signaturesDuplicate.Add(1)
}

// SessionFinalized counts a session that produced an envelope.
func (m *Metrics) SessionFinalized() {
	m.sessionsFinalized.Add(1)
}

// SessionFailed counts a session that expired or was cancelled.
func (m *Metrics) SessionFailed() {
	m.sessionsFailed.Add(1)
}

// RecordSubmission records an exchange submission.
func (m *Metrics) RecordSubmission() {
	m.submissions.Add(1)
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// IncrementConnections increments active peer connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active peer connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	ActionsSigned       uint64
	SignaturesAccepted  uint64
	SignaturesRejected  uint64
	SignaturesDuplicate uint64
	SessionsFinalized   uint64
	SessionsFailed      uint64
	Submissions         uint64
	ErrorsTotal         uint64
	AvgSignLatencyNs    int64
	ActiveConnections   int32
	Timestamp           time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.signLatencyCount.Load()
	if count > 0 {
		avgLatency = m.signLatencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		ActionsSigned:       m.actionsSigned.Load(),
		SignaturesAccepted:  m.signaturesAccepted.Load(),
		SignaturesRejected:  m.signaturesRejected.Load(),
		SignaturesDuplicate: m.signaturesDuplicate.Load(),
		SessionsFinalized:   m.sessionsFinalized.Load(),
		SessionsFailed:      m.sessionsFailed.Load(),
		Submissions:         m.submissions.Load(),
		ErrorsTotal:         m.errorsTotal.Load(),
		AvgSignLatencyNs:    avgLatency,
		ActiveConnections:   m.activeConnections.Load(),
		Timestamp:           time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.actionsSigned.Store(0)
	m.signaturesAccepted.Store(0)
	m.signaturesRejected.Store(0)
	m.signaturesDuplicate.Store(0)
	m.sessionsFinalized.Store(0)
	m.sessionsFailed.Store(0)
	m.submissions.Store(0)
	m.errorsTotal.Store(0)
	m.signLatencySumNs.Store(0)
	m.signLatencyCount.Store(0)
	m.activeConnections.Store(0)
}
