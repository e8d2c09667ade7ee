package match

import (
	"testing"

	"github.com/netweaver/capmatch/pkg/flow"
)

func TestTLSClientHelloMatchExact(t *testing.T) {
	a := flow.Connection{
		FlowID:                  1,
		HasTLSClientHello:       true,
		TLSClientHelloRandom:    "abc123",
		TLSClientHelloSessionID: "sess1",
	}
	b := flow.Connection{
		FlowID:                  2,
		HasTLSClientHello:       true,
		TLSClientHelloRandom:    "abc123",
		TLSClientHelloSessionID: "sess1",
	}
	matches := TLSClientHelloMatch([]flow.Connection{a}, []flow.Connection{b})
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if !matches[0].Score.ForceAccept || matches[0].Score.NormalizedScore != 1.0 {
		t.Errorf("TLS client hello match should be force_accept with score 1.0, got %+v", matches[0].Score)
	}
}

func TestTLSClientHelloMatchDifferentRandomNoMatch(t *testing.T) {
	a := flow.Connection{FlowID: 1, HasTLSClientHello: true, TLSClientHelloRandom: "abc123", TLSClientHelloSessionID: "sess1"}
	b := flow.Connection{FlowID: 2, HasTLSClientHello: true, TLSClientHelloRandom: "xyz789", TLSClientHelloSessionID: "sess1"}
	matches := TLSClientHelloMatch([]flow.Connection{a}, []flow.Connection{b})
	if len(matches) != 0 {
		t.Fatalf("expected 0 matches, got %d", len(matches))
	}
}

func TestTLSClientHelloMatchMissingHelloSkipped(t *testing.T) {
	a := flow.Connection{FlowID: 1, HasTLSClientHello: false}
	b := flow.Connection{FlowID: 2, HasTLSClientHello: true, TLSClientHelloRandom: "abc123"}
	matches := TLSClientHelloMatch([]flow.Connection{a}, []flow.Connection{b})
	if len(matches) != 0 {
		t.Fatalf("expected 0 matches, got %d", len(matches))
	}
}
