package builder

import (
	"testing"

	"github.com/netweaver/capmatch/pkg/flow"
)

func synPacket(flowID int, frame int, srcIP string, srcPort, dstPort int, ipid uint16, ts float64) flow.Packet {
	return flow.Packet{
		FrameNumber: frame,
		FlowID:      flowID,
		Protocol:    6,
		SrcIP:       srcIP,
		DstIP:       "10.0.0.2",
		SrcPort:     srcPort,
		DstPort:     dstPort,
		Flags:       0x0002, // SYN
		Seq:         1000,
		IPID:        ipid,
		Timestamp:   ts,
		TTL:         64,
		FrameLen:    60,
	}
}

func TestBuildBasicConnection(t *testing.T) {
	b := New(PerFlow)
	b.AddPacket(synPacket(1, 1, "10.0.0.1", 35101, 443, 100, 1.0))
	b.AddPacket(flow.Packet{
		FrameNumber: 2, FlowID: 1, Protocol: 6,
		SrcIP: "10.0.0.2", DstIP: "10.0.0.1", SrcPort: 443, DstPort: 35101,
		Flags: 0x0012, Seq: 2000, IPID: 200, Timestamp: 1.1, TTL: 128, FrameLen: 60,
	})

	conns := b.Build()
	if len(conns) != 1 {
		t.Fatalf("got %d connections, want 1", len(conns))
	}
	c := conns[0]
	if c.ClientIP != "10.0.0.1" || c.ServerIP != "10.0.0.2" {
		t.Errorf("got client=%s server=%s", c.ClientIP, c.ServerIP)
	}
	if !c.HasSYN {
		t.Errorf("expected HasSYN true")
	}
	if c.ClientISN != 1000 || c.ServerISN != 2000 {
		t.Errorf("got client isn=%d server isn=%d", c.ClientISN, c.ServerISN)
	}
	if c.PacketCount != 2 {
		t.Errorf("packet count = %d, want 2", c.PacketCount)
	}
	if c.FirstPacketTime != 1.0 || c.LastPacketTime != 1.1 {
		t.Errorf("got first=%v last=%v", c.FirstPacketTime, c.LastPacketTime)
	}
	if _, ok := c.IPIDSet[100]; !ok {
		t.Errorf("expected global ip-id set to contain 100: %v", c.IPIDSet)
	}
	if _, ok := c.IPIDSet[200]; !ok {
		t.Errorf("expected global ip-id set to contain 200: %v", c.IPIDSet)
	}
	if c.ClientTTL != 64 || c.ServerTTL != 128 {
		t.Errorf("got client ttl=%d server ttl=%d", c.ClientTTL, c.ServerTTL)
	}
}

func TestBuildHeaderOnlyFlag(t *testing.T) {
	b := New(PerFlow)
	b.AddPacket(synPacket(1, 1, "10.0.0.1", 1000, 2000, 1, 1.0))
	conns := b.Build()
	if !conns[0].IsHeaderOnly {
		t.Errorf("expected IsHeaderOnly true when no packet carries payload")
	}
}

func TestBuildNoSYNUsesFirstPacketAsProvisionalClient(t *testing.T) {
	b := New(PerFlow)
	p := synPacket(1, 1, "10.0.0.1", 1000, 2000, 1, 1.0)
	p.Flags = 0x0010 // ACK only, no SYN
	b.AddPacket(p)
	conns := b.Build()
	if conns[0].HasSYN {
		t.Errorf("expected HasSYN false")
	}
	if conns[0].ClientIP != "10.0.0.1" {
		t.Errorf("expected provisional client from first packet's source")
	}
}

func TestFiveTupleMergeFoldsAcrossFlowIDs(t *testing.T) {
	b := New(FiveTupleMerge)
	b.AddPacket(synPacket(1, 1, "10.0.0.1", 1000, 443, 1, 1.0))
	b.AddPacket(synPacket(2, 2, "10.0.0.1", 1000, 443, 2, 2.0))
	conns := b.Build()
	if len(conns) != 1 {
		t.Fatalf("got %d connections, want 1 (5-tuple merge)", len(conns))
	}
	if conns[0].PacketCount != 2 {
		t.Errorf("packet count = %d, want 2", conns[0].PacketCount)
	}
}

func TestPerFlowModeKeepsFlowsSeparate(t *testing.T) {
	b := New(PerFlow)
	b.AddPacket(synPacket(1, 1, "10.0.0.1", 1000, 443, 1, 1.0))
	b.AddPacket(synPacket(2, 2, "10.0.0.1", 1000, 443, 2, 2.0))
	conns := b.Build()
	if len(conns) != 2 {
		t.Fatalf("got %d connections, want 2 (per-flow mode)", len(conns))
	}
}
