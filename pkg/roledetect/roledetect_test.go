package roledetect

import (
	"strings"
	"testing"

	"github.com/netweaver/capmatch/pkg/flow"
)

func TestDetectSYNDirectional(t *testing.T) {
	d := New()
	c := flow.Connection{HasSYN: true, ClientIP: "10.0.0.1", ClientPort: 35101, ServerIP: "10.0.0.2", ServerPort: 443}
	info := d.Detect(c)
	if info.Confidence != HIGH || info.ServerPort != 443 {
		t.Errorf("got %+v", info)
	}
}

func TestDetectServiceListOverride(t *testing.T) {
	d := New()
	if err := d.LoadServiceList(strings.NewReader("10.0.0.9\n# comment\n\n10.0.0.5:9000\n")); err != nil {
		t.Fatalf("LoadServiceList() error = %v", err)
	}
	c := flow.Connection{ClientIP: "10.0.0.1", ClientPort: 5000, ServerIP: "10.0.0.9", ServerPort: 7777}
	info := d.Detect(c)
	if info.Confidence != HIGH || info.Method != "SERVICE_LIST" {
		t.Errorf("got %+v", info)
	}
}

func TestDetectWellKnownPort(t *testing.T) {
	d := New()
	c := flow.Connection{ClientIP: "10.0.0.1", ClientPort: 51000, ServerIP: "10.0.0.2", ServerPort: 443}
	info := d.Detect(c)
	if info.Confidence != HIGH || info.ServerPort != 443 {
		t.Errorf("got %+v", info)
	}
}

func TestDetectDatabasePort(t *testing.T) {
	d := New()
	c := flow.Connection{ClientIP: "10.0.0.1", ClientPort: 51000, ServerIP: "10.0.0.2", ServerPort: 5432}
	info := d.Detect(c)
	if info.Confidence != MEDIUM || info.ServerPort != 5432 {
		t.Errorf("got %+v", info)
	}
}

func TestDetectSystemPortSwapped(t *testing.T) {
	d := New()
	// Client side holds the system port; server side (provisional) does not.
	c := flow.Connection{ClientIP: "10.0.0.1", ClientPort: 900, ServerIP: "10.0.0.2", ServerPort: 51000}
	info := d.Detect(c)
	if info.ServerIP != "10.0.0.1" || info.ServerPort != 900 {
		t.Errorf("expected swap onto the system port side, got %+v", info)
	}
}

func TestDetectCardinality(t *testing.T) {
	d := New()
	// Port 9000 seen on the "server" side of many connections with distinct
	// client IPs: a fan-in pattern.
	for i := 0; i < 5; i++ {
		c := flow.Connection{
			ClientIP: "10.0.0." + string(rune('1'+i)), ClientPort: 40000 + i,
			ServerIP: "10.0.1.1", ServerPort: 9000,
		}
		d.CollectConnection(c)
	}
	d.FinalizeCardinality()

	c := flow.Connection{ClientIP: "10.0.0.1", ClientPort: 40000, ServerIP: "10.0.1.1", ServerPort: 9000}
	info := d.Detect(c)
	if info.Method != "CARDINALITY" || info.ServerPort != 9000 {
		t.Errorf("got %+v", info)
	}
}

func TestDetectFallbackSmallerPortWins(t *testing.T) {
	d := New()
	c := flow.Connection{ClientIP: "10.0.0.1", ClientPort: 40000, ServerIP: "10.0.0.2", ServerPort: 50001}
	info := d.Detect(c)
	if info.Confidence != VeryLow || info.ServerPort != 40000 {
		t.Errorf("expected fallback to swap onto the smaller port, got %+v", info)
	}
}

func TestReconcileSwapsWhenDisagreeing(t *testing.T) {
	c := flow.Connection{ClientIP: "10.0.0.1", ClientPort: 1000, ServerIP: "10.0.0.2", ServerPort: 2000}
	info := ServerInfo{ServerIP: "10.0.0.1", ServerPort: 1000, ClientIP: "10.0.0.2", ClientPort: 2000}
	got := Reconcile(c, info)
	if got.ServerIP != "10.0.0.1" {
		t.Errorf("expected reconciled connection to swap, got %+v", got)
	}
}

func TestReconcileNoOpWhenAgreeing(t *testing.T) {
	c := flow.Connection{ClientIP: "10.0.0.1", ClientPort: 1000, ServerIP: "10.0.0.2", ServerPort: 2000}
	info := ServerInfo{ServerIP: "10.0.0.2", ServerPort: 2000, ClientIP: "10.0.0.1", ClientPort: 1000}
	got := Reconcile(c, info)
	if got.ServerIP != c.ServerIP || got.ClientIP != c.ClientIP {
		t.Errorf("expected no swap, got %+v", got)
	}
}

func TestMinConfidence(t *testing.T) {
	if Min(HIGH, VeryLow) != VeryLow {
		t.Errorf("Min(HIGH, VERY_LOW) should be VERY_LOW")
	}
	if Min(MEDIUM, MEDIUM) != MEDIUM {
		t.Errorf("Min(MEDIUM, MEDIUM) should be MEDIUM")
	}
}
