package match

import (
	"context"
	"testing"

	"github.com/netweaver/capmatch/pkg/config"
	"github.com/netweaver/capmatch/pkg/flow"
)

func testEngine() *Engine {
	return NewEngine(config.Default().Matching)
}

func TestEngineMatchVendorTrailerTakesPriority(t *testing.T) {
	a := flow.Connection{
		FlowID: 1, ClientIP: "10.0.0.5", ClientPort: 51234, ServerPort: 443,
		IPIDSet: idSet(1, 2),
	}
	b := flow.Connection{
		FlowID: 2, ClientIP: "192.168.1.1", ClientPort: 443, ServerPort: 51234,
		HasVendorTrailer: true, VendorTrailerPeer: flow.Endpoint{IP: "10.0.0.5", Port: 51234},
		IPIDSet: idSet(9, 10),
	}
	e := testEngine()
	matches, err := e.Match(context.Background(), []flow.Connection{a}, []flow.Connection{b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if !matches[0].Score.ForceAccept {
		t.Error("vendor trailer match should carry ForceAccept")
	}
}

func TestEngineMatchFingerprintFallback(t *testing.T) {
	a := flow.Connection{
		FlowID: 1, ClientPort: 1000, ServerPort: 443,
		HasSYN: true, ClientISN: 555, SYNOptions: "mss=1460",
		IPIDSet: idSet(1, 2, 3, 4, 5, 6, 7, 8, 9, 10),
	}
	b := flow.Connection{
		FlowID: 2, ClientPort: 2000, ServerPort: 443,
		HasSYN: true, ClientISN: 555, SYNOptions: "mss=1460",
		IPIDSet: idSet(1, 2, 3, 4, 5, 6, 7, 8, 9, 10),
	}
	e := testEngine()
	matches, err := e.Match(context.Background(), []flow.Connection{a}, []flow.Connection{b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 fingerprint match, got %d", len(matches))
	}
}

func TestEngineMatchNoCommonPortNeverMatches(t *testing.T) {
	a := flow.Connection{FlowID: 1, ClientPort: 1000, ServerPort: 443, IPIDSet: idSet(1, 2, 3)}
	b := flow.Connection{FlowID: 2, ClientPort: 2000, ServerPort: 8080, IPIDSet: idSet(1, 2, 3)}
	e := testEngine()
	matches, err := e.Match(context.Background(), []flow.Connection{a}, []flow.Connection{b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected 0 matches without a common port, got %d", len(matches))
	}
}

func TestEngineMatchCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := []flow.Connection{{FlowID: 1, ServerPort: 443, IPIDSet: idSet(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)}}
	b := []flow.Connection{{FlowID: 2, ServerPort: 443, IPIDSet: idSet(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)}}
	e := testEngine()
	_, err := e.Match(ctx, a, b)
	if err == nil {
		t.Error("expected cancellation error, got nil")
	}
}

func TestEngineOneToManySelection(t *testing.T) {
	cfg := config.Default().Matching
	cfg.Selection = string(OneToMany)
	e := NewEngine(cfg)

	a := flow.Connection{
		FlowID: 1, ClientPort: 1000, ServerPort: 443,
		HasSYN: true, ClientISN: 42, SYNOptions: "mss=1460",
		IPIDSet: idSet(1, 2, 3, 4, 5, 6, 7, 8, 9, 10),
	}
	b1 := flow.Connection{
		FlowID: 2, ClientPort: 2000, ServerPort: 443,
		HasSYN: true, ClientISN: 42, SYNOptions: "mss=1460",
		IPIDSet: idSet(1, 2, 3, 4, 5, 6, 7, 8, 9, 10),
	}
	b2 := flow.Connection{
		FlowID: 3, ClientPort: 2001, ServerPort: 443,
		HasSYN: true, ClientISN: 42, SYNOptions: "mss=1460",
		IPIDSet: idSet(1, 2, 3, 4, 5, 6, 7, 8, 9, 10),
	}
	matches, err := e.Match(context.Background(), []flow.Connection{a}, []flow.Connection{b1, b2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("one-to-many should allow a to match both b1 and b2, got %d matches", len(matches))
	}
}

func TestAlignPairSwapsSideWithoutSYN(t *testing.T) {
	a := flow.Connection{ClientPort: 443, ServerPort: 1000, HasSYN: true}
	b := flow.Connection{ClientPort: 1000, ServerPort: 443, HasSYN: false}
	aligned := alignPair(flow.ConnectionMatch{ConnA: a, ConnB: b})
	if aligned.ConnA.ServerPort != aligned.ConnB.ServerPort {
		t.Errorf("expected aligned server ports to agree, got a=%d b=%d", aligned.ConnA.ServerPort, aligned.ConnB.ServerPort)
	}
}
