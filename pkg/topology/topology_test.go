package topology

import (
	"testing"

	"github.com/netweaver/capmatch/pkg/flow"
	"github.com/netweaver/capmatch/pkg/roledetect"
)

func TestHopsFromTTLKnownDefaults(t *testing.T) {
	cases := []struct {
		ttl      int
		wantHops int
	}{
		{64, 0},
		{60, 4},
		{128, 0},
		{120, 8},
		{255, 0},
		{240, 15},
	}
	for _, tc := range cases {
		h := HopsFromTTL(tc.ttl)
		if !h.Known {
			t.Errorf("HopsFromTTL(%d) should be known", tc.ttl)
		}
		if h.Value != tc.wantHops {
			t.Errorf("HopsFromTTL(%d) = %d, want %d", tc.ttl, h.Value, tc.wantHops)
		}
	}
}

func TestHopsFromTTLUnobserved(t *testing.T) {
	h := HopsFromTTL(0)
	if h.Known {
		t.Error("TTL=0 should be unknown")
	}
}

func TestAggregateMinimumConfidence(t *testing.T) {
	m := flow.ConnectionMatch{
		ConnA: flow.Connection{ClientIP: "10.0.0.1", ServerIP: "10.0.0.2", ServerPort: 443, ClientTTL: 64, ServerTTL: 60},
		ConnB: flow.Connection{ClientIP: "192.168.1.1", ServerIP: "192.168.1.2", ServerPort: 443, ClientTTL: 128, ServerTTL: 120},
	}
	info := Aggregate(
		[]flow.ConnectionMatch{m},
		[]roledetect.Confidence{roledetect.HIGH},
		[]roledetect.Confidence{roledetect.LOW},
	)
	if len(info.EndpointPairs) == 0 {
		t.Fatal("expected at least one endpoint pair")
	}
	if info.EndpointPairs[0].Confidence != roledetect.LOW {
		t.Errorf("expected minimum confidence LOW, got %v", info.EndpointPairs[0].Confidence)
	}
}

func TestAggregateEmitsReversedInterpretationBelowMedium(t *testing.T) {
	m := flow.ConnectionMatch{
		ConnA: flow.Connection{ServerPort: 443},
		ConnB: flow.Connection{ServerPort: 443},
	}
	info := Aggregate(
		[]flow.ConnectionMatch{m},
		[]roledetect.Confidence{roledetect.VeryLow},
		[]roledetect.Confidence{roledetect.VeryLow},
	)
	if len(info.EndpointPairs) != 2 {
		t.Fatalf("expected primary + reversed pair for below-MEDIUM confidence, got %d", len(info.EndpointPairs))
	}
	if !info.EndpointPairs[1].Reversed {
		t.Error("second entry should be marked Reversed")
	}
}

func TestAggregateNoReversedWhenMediumOrAbove(t *testing.T) {
	m := flow.ConnectionMatch{
		ConnA: flow.Connection{ServerPort: 443},
		ConnB: flow.Connection{ServerPort: 443},
	}
	info := Aggregate(
		[]flow.ConnectionMatch{m},
		[]roledetect.Confidence{roledetect.HIGH},
		[]roledetect.Confidence{roledetect.MEDIUM},
	)
	if len(info.EndpointPairs) != 1 {
		t.Fatalf("expected only the primary pair, got %d", len(info.EndpointPairs))
	}
}

func TestDeterminePositionACloserToClient(t *testing.T) {
	pairs := []EndpointPairStats{{
		ServerHopsA: Hops{Value: 4, Known: true},
		ServerHopsB: Hops{Value: 1, Known: true},
		ClientHopsA: Hops{Value: 2, Known: true},
		ClientHopsB: Hops{Value: 2, Known: true},
	}}
	if got := determinePosition(pairs); got != AClosertToClient {
		t.Errorf("determinePosition = %v, want %v", got, AClosertToClient)
	}
}

func TestDeterminePositionUnknownWhenHopsMissing(t *testing.T) {
	pairs := []EndpointPairStats{{}}
	if got := determinePosition(pairs); got != Unknown {
		t.Errorf("determinePosition = %v, want %v", got, Unknown)
	}
}

func TestDeterminePositionIntermediateDeviceCase(t *testing.T) {
	pairs := []EndpointPairStats{{
		ClientHopsA: Hops{Value: 0, Known: true},
		ServerHopsA: Hops{Value: 3, Known: true},
		ClientHopsB: Hops{Value: 3, Known: true},
		ServerHopsB: Hops{Value: 0, Known: true},
	}}
	if got := determinePosition(pairs); got != AClosertToClient {
		t.Errorf("determinePosition = %v, want %v", got, AClosertToClient)
	}
}
