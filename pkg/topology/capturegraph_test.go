package topology

import "testing"

func TestCaptureGraphOrderFromClient(t *testing.T) {
	g := NewCaptureGraph()
	g.AddCapturePoint("client_side")
	g.AddCapturePoint("proxy")
	g.AddCapturePoint("server_side")
	g.AddHopEdge("client_side", "proxy", 2)
	g.AddHopEdge("proxy", "server_side", 3)

	order, err := g.OrderFromClient("client_side")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("expected 3 capture points in order, got %d", len(order))
	}
	if order[0] != "client_side" || order[1] != "proxy" || order[2] != "server_side" {
		t.Errorf("unexpected order: %v", order)
	}
}

func TestCaptureGraphUnknownCapturePoint(t *testing.T) {
	g := NewCaptureGraph()
	g.AddCapturePoint("a")
	_, err := g.OrderFromClient("missing")
	if err == nil {
		t.Error("expected error for unknown capture point")
	}
}

func TestCaptureGraphShortestPathPrefersFewerHops(t *testing.T) {
	g := NewCaptureGraph()
	g.AddCapturePoint("client_side")
	g.AddCapturePoint("direct")
	g.AddCapturePoint("indirect")
	g.AddHopEdge("client_side", "direct", 1)
	g.AddHopEdge("client_side", "indirect", 10)
	g.AddHopEdge("direct", "indirect", 1)

	order, err := g.OrderFromClient("client_side")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order[len(order)-1] != "indirect" {
		t.Errorf("expected indirect to be farthest via the 2-hop path, got order %v", order)
	}
}
