package infra

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetrics_RecordSign(t *testing.T) {
	m := &Metrics{}

	m.RecordSign(1000 * time.Nanosecond)
	m.RecordSign(2000 * time.Nanosecond)
	m.RecordSign(3000 * time.Nanosecond)

	snap := m.Snapshot()

	if snap.ActionsSigned != 3 {
		t.Errorf("Expected 3 signatures, got %d", snap.ActionsSigned)
	}

	// Average latency: (1000 + 2000 + 3000) / 3 = 2000
	if snap.AvgSignLatencyNs != 2000 {
		t.Errorf("Expected avg latency 2000, got %d", snap.AvgSignLatencyNs)
	}
}

func TestMetrics_Connections(t *testing.T) {
	m := &Metrics{}

	m.IncrementConnections()
	m.IncrementConnections()
	m.IncrementConnections()

	snap := m.Snapshot()
	if snap.ActiveConnections != 3 {
		t.Errorf("Expected 3 connections, got %d", snap.ActiveConnections)
	}

	m.DecrementConnections()
	snap = m.Snapshot()
	if snap.ActiveConnections != 2 {
		t.Errorf("Expected 2 connections, got %d", snap.ActiveConnections)
	}
}

func TestMetrics_Sessions(t *testing.T) {
	m := &Metrics{}

	m.SignatureAccepted()
	m.SignatureAccepted()
	m.SignatureDuplicate()
	m.SignatureRejected()
	m.SessionFinalized()
	m.SessionFailed()

	snap := m.Snapshot()
	if snap.SignaturesAccepted != 2 || snap.SignaturesDuplicate != 1 || snap.SignaturesRejected != 1 {
		t.Errorf("unexpected signature counters: %+v", snap)
	}
	if snap.SessionsFinalized != 1 || snap.SessionsFailed != 1 {
		t.Errorf("unexpected session counters: %+v", snap)
	}
}

func TestMetrics_Reset(t *testing.T) {
	m := &Metrics{}

	m.RecordSign(time.Millisecond)
	m.SessionFinalized()
	m.RecordError()
	m.IncrementConnections()

	m.Reset()
	snap := m.Snapshot()

	if snap.ActionsSigned != 0 || snap.SessionsFinalized != 0 || snap.ErrorsTotal != 0 || snap.ActiveConnections != 0 {
		t.Error("Expected all metrics to be reset")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := &Metrics{}
	m.SignatureAccepted()
	m.SessionFailed()
	m.IncrementConnections()

	srv := httptest.NewServer(MetricsHandler(m))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`hlsig_signatures_total{result="accepted"} 1`,
		`hlsig_sessions_total{state="failed"} 1`,
		`hlsig_peer_connections 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
