// Package flow holds the shared data model for the matching pipeline:
// decoded packets, folded connection summaries, and the derived keys used
// to compare them across capture points.
package flow

import "fmt"

// Endpoint is one side of a TCP/UDP flow.
type Endpoint struct {
	IP   string
	Port int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// Packet is one decoded TCP/UDP packet as emitted by the ingestion adapter.
type Packet struct {
	FrameNumber int
	FlowID      int
	Protocol    int
	SrcIP       string
	DstIP       string
	SrcPort     int
	DstPort     int
	Flags       uint16
	Seq         uint32
	Ack         uint32
	Options     string
	Length      int
	IPID        uint16
	Timestamp   float64
	TSval       string
	TSecr       string
	Payload     string // hex, truncated by the decoder
	TTL         int
	FrameLen    int
}

const (
	flagFIN = 0x01
	flagSYN = 0x02
	flagRST = 0x04
	flagPSH = 0x08
	flagACK = 0x10
)

// IsSYN reports whether this packet is a bare SYN (SYN=1, ACK=0).
func (p Packet) IsSYN() bool {
	return p.Flags&flagSYN != 0 && p.Flags&flagACK == 0
}

// IsSYNACK reports whether this packet is a SYN-ACK (SYN=1, ACK=1).
func (p Packet) IsSYNACK() bool {
	return p.Flags&flagSYN != 0 && p.Flags&flagACK != 0
}

// MaxPayloadHashBytes bounds how much payload the builder hashes per direction.
const MaxPayloadHashBytes = 256

// MaxLengthSignatureTokens bounds how many packets contribute to the length signature.
const MaxLengthSignatureTokens = 20

// Connection is a folded summary of one flow between two endpoints, as
// produced by pkg/builder and consumed by pkg/roledetect and pkg/match.
type Connection struct {
	FlowID   int
	Protocol int

	ClientIP   string
	ClientPort int
	ServerIP   string
	ServerPort int

	HasSYN        bool
	HasSYNACK     bool
	SYNTimestamp  float64
	SYNOptions    string
	ClientISN     uint32
	ServerISN     uint32
	TCPTimestampTSval string
	TCPTimestampTSecr string

	ClientPayloadMD5 string
	ServerPayloadMD5 string

	LengthSignature string
	IsHeaderOnly    bool

	IPIDFirst      uint16
	IPIDSet        map[uint16]struct{}
	ClientIPIDSet  map[uint16]struct{}
	ServerIPIDSet  map[uint16]struct{}

	FirstPacketTime float64
	LastPacketTime  float64
	PacketCount     int

	ClientTTL int
	ServerTTL int

	TotalBytes int64

	// VendorTrailerPeer is the peer client endpoint as reported by an
	// intermediate device's vendor trailer on this flow's SYN, if any.
	VendorTrailerPeer Endpoint
	HasVendorTrailer  bool

	// TLSClientHelloRandom and TLSClientHelloSessionID carry the first
	// Client Hello seen on this flow, if any.
	TLSClientHelloRandom    string
	TLSClientHelloSessionID string
	HasTLSClientHello       bool
}

// NormalizedTuple is a direction-independent identity for a Connection: its
// two endpoints in lexicographic order.
type NormalizedTuple struct {
	A Endpoint
	B Endpoint
}

// NormalizedTuple returns the direction-independent 5-tuple identity.
func (c Connection) NormalizedTuple() NormalizedTuple {
	client := Endpoint{IP: c.ClientIP, Port: c.ClientPort}
	server := Endpoint{IP: c.ServerIP, Port: c.ServerPort}
	if client.String() <= server.String() {
		return NormalizedTuple{A: client, B: server}
	}
	return NormalizedTuple{A: server, B: client}
}

// NormalizedPortPair is a coarse, NAT-tolerant match predicate: the two
// ports of a connection in ascending order.
type NormalizedPortPair struct {
	Low  int
	High int
}

// NormalizedPortPair returns the connection's client/server ports sorted ascending.
func (c Connection) NormalizedPortPair() NormalizedPortPair {
	if c.ClientPort <= c.ServerPort {
		return NormalizedPortPair{Low: c.ClientPort, High: c.ServerPort}
	}
	return NormalizedPortPair{Low: c.ServerPort, High: c.ClientPort}
}

// Ports returns the connection's client and server ports as a 2-element set,
// used by the port predicate in pkg/match.
func (c Connection) Ports() [2]int {
	return [2]int{c.ClientPort, c.ServerPort}
}

// WithRolesSwapped returns a new Connection with client/server roles
// reversed. Fields that describe a direction (endpoints, ISNs, payload
// hashes, per-direction IP-ID sets, TTLs) are swapped; fields that describe
// the flow itself (timestamps, length signature, global IP-ID set, header-only
// flag, packet count, SYN options/timestamp, vendor trailer and TLS evidence)
// are carried over unchanged.
func (c Connection) WithRolesSwapped() Connection {
	swapped := c
	swapped.ClientIP, swapped.ServerIP = c.ServerIP, c.ClientIP
	swapped.ClientPort, swapped.ServerPort = c.ServerPort, c.ClientPort
	swapped.ClientISN, swapped.ServerISN = c.ServerISN, c.ClientISN
	swapped.ClientPayloadMD5, swapped.ServerPayloadMD5 = c.ServerPayloadMD5, c.ClientPayloadMD5
	swapped.ClientIPIDSet, swapped.ServerIPIDSet = c.ServerIPIDSet, c.ClientIPIDSet
	swapped.ClientTTL, swapped.ServerTTL = c.ServerTTL, c.ClientTTL
	return swapped
}

// NonzeroIPIDs returns the connection's global IP-ID set with zero values
// filtered out, matching the builder's own filtering contract.
func (c Connection) NonzeroIPIDs() map[uint16]struct{} {
	if len(c.IPIDSet) == 0 {
		return nil
	}
	out := make(map[uint16]struct{}, len(c.IPIDSet))
	for id := range c.IPIDSet {
		if id != 0 {
			out[id] = struct{}{}
		}
	}
	return out
}

// Duration returns the flow's observed duration in seconds.
func (c Connection) Duration() float64 {
	return c.LastPacketTime - c.FirstPacketTime
}

// IsMicroflow reports whether this connection qualifies for the microflow
// fast path: at most 3 packets or at most 2 seconds of duration.
func (c Connection) IsMicroflow() bool {
	return c.PacketCount <= 3 || c.Duration() <= 2.0
}

// MatchScore is the result of scoring one candidate pair of Connections.
type MatchScore struct {
	NormalizedScore float64
	RawScore        float64
	AvailableWeight float64
	IPIDMatch       bool
	Evidence        string
	ForceAccept     bool
	MicroflowAccept bool
}

// Accepted reports whether this score clears the given threshold under the
// engine's acceptance rule: microflow_accept, or (ipid_match and (normalized
// >= threshold or force_accept)).
func (s MatchScore) Accepted(threshold float64) bool {
	if s.MicroflowAccept {
		return true
	}
	return s.IPIDMatch && (s.NormalizedScore >= threshold || s.ForceAccept)
}

// ConnectionMatch pairs two Connections from opposite capture points with
// the score that justified the match.
type ConnectionMatch struct {
	ConnA Connection
	ConnB Connection
	Score MatchScore
}
