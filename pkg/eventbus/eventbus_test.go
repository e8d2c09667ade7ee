package eventbus

import (
	"testing"

	"github.com/netweaver/capmatch/pkg/flow"
)

func TestEventFromMatch(t *testing.T) {
	m := flow.ConnectionMatch{
		ConnA: flow.Connection{FlowID: 1},
		ConnB: flow.Connection{FlowID: 2},
		Score: flow.MatchScore{NormalizedScore: 0.9, ForceAccept: true, Evidence: "syn_options,client_isn"},
	}
	ev := eventFromMatch(m)
	if ev.FlowIDA != 1 || ev.FlowIDB != 2 {
		t.Errorf("unexpected flow ids: %+v", ev)
	}
	if ev.NormalizedScore != 0.9 || !ev.ForceAccept {
		t.Errorf("unexpected score fields: %+v", ev)
	}
}

func TestNilPublisherPublishIsNoOp(t *testing.T) {
	var p *Publisher
	p.Publish(flow.ConnectionMatch{})
}

func TestNilPublisherCloseIsNoOp(t *testing.T) {
	var p *Publisher
	if err := p.Close(); err != nil {
		t.Errorf("expected nil error from Close on nil Publisher, got %v", err)
	}
}
