package match

import (
	"testing"

	"github.com/netweaver/capmatch/pkg/flow"
)

func manyConnections(n int, serverPort int, headerOnly bool) []flow.Connection {
	out := make([]flow.Connection, n)
	for i := 0; i < n; i++ {
		out[i] = flow.Connection{
			FlowID:          i,
			ServerPort:      serverPort,
			IsHeaderOnly:    headerOnly,
			SYNTimestamp:    float64(i),
		}
	}
	return out
}

func TestSamplerBelowThresholdReturnsAll(t *testing.T) {
	s := NewSampler(1000, 0.5)
	conns := manyConnections(10, 9999, false)
	out := s.Sample(conns)
	if len(out) != 10 {
		t.Errorf("below threshold should return all connections, got %d", len(out))
	}
}

func TestSamplerAboveThresholdReducesRegular(t *testing.T) {
	s := NewSampler(100, 0.5)
	conns := manyConnections(1000, 9999, false)
	out := s.Sample(conns)
	if len(out) >= len(conns) {
		t.Errorf("expected a reduced set, got %d of %d", len(out), len(conns))
	}
	if len(out) == 0 {
		t.Error("expected at least one sampled connection")
	}
}

func TestSamplerProtectsHeaderOnlyAndSpecialPorts(t *testing.T) {
	s := NewSampler(10, 0.1)
	conns := manyConnections(50, 9999, false)
	conns = append(conns, flow.Connection{FlowID: 1000, ServerPort: 51234, IsHeaderOnly: true, SYNTimestamp: 5})
	conns = append(conns, flow.Connection{FlowID: 1001, ServerPort: 443, SYNTimestamp: 6})

	out := s.Sample(conns)
	foundHeaderOnly, foundSpecialPort := false, false
	for _, c := range out {
		if c.FlowID == 1000 {
			foundHeaderOnly = true
		}
		if c.FlowID == 1001 {
			foundSpecialPort = true
		}
	}
	if !foundHeaderOnly {
		t.Error("header-only connection should survive sampling")
	}
	if !foundSpecialPort {
		t.Error("special-port (443) connection should survive sampling")
	}
}

func TestSamplerStatsReductionRate(t *testing.T) {
	s := NewSampler(10, 0.5)
	original := manyConnections(100, 9999, false)
	sampled := original[:20]
	stats := s.Stats(original, sampled)
	if stats.OriginalCount != 100 || stats.SampledCount != 20 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.ReductionRate != 0.8 {
		t.Errorf("reduction rate = %v, want 0.8", stats.ReductionRate)
	}
}
