// Package builder folds a stream of flow.Packet values into flow.Connection
// summaries: one Connection per decoder-assigned flow, or one per
// direction-independent 5-tuple when port reuse must be folded.
package builder

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/netweaver/capmatch/pkg/flow"
	"github.com/netweaver/capmatch/pkg/ingest"
)

// Mode selects how packets are grouped into Connections.
type Mode int

const (
	// PerFlow builds one Connection per decoder-assigned flow key (default).
	PerFlow Mode = iota
	// FiveTupleMerge builds one Connection per direction-independent 5-tuple,
	// folding port reuse across time into a single Connection.
	FiveTupleMerge
)

// Builder accumulates packets and folds them into Connections.
type Builder struct {
	mode   Mode
	groups map[string][]flow.Packet
	order  []string // first-seen order, for deterministic output

	vendorTrailers map[int]ingest.VendorTrailerRow // keyed by flow id, first SYN only
	tlsHellos      map[int]ingest.TLSClientHelloRow
}

// New constructs a Builder in the given mode.
func New(mode Mode) *Builder {
	return &Builder{
		mode:           mode,
		groups:         make(map[string][]flow.Packet),
		vendorTrailers: make(map[int]ingest.VendorTrailerRow),
		tlsHellos:      make(map[int]ingest.TLSClientHelloRow),
	}
}

// AddPacket assigns p to its group, creating the group on first sight.
func (b *Builder) AddPacket(p flow.Packet) {
	key := b.groupKey(p)
	if _, ok := b.groups[key]; !ok {
		b.order = append(b.order, key)
	}
	b.groups[key] = append(b.groups[key], p)
}

func (b *Builder) groupKey(p flow.Packet) string {
	if b.mode == PerFlow {
		return fmt.Sprintf("flow:%d", p.FlowID)
	}
	a := fmt.Sprintf("%s:%d", p.SrcIP, p.SrcPort)
	c := fmt.Sprintf("%s:%d", p.DstIP, p.DstPort)
	if a <= c {
		return a + "|" + c
	}
	return c + "|" + a
}

// AttachVendorTrailer indexes the first SYN's vendor trailer row per flow id,
// so Build can fold it into the resulting Connection.
func (b *Builder) AttachVendorTrailer(rows []ingest.VendorTrailerRow) {
	for _, r := range rows {
		if !r.IsSYN() {
			continue
		}
		if _, ok := b.vendorTrailers[r.FlowID]; ok {
			continue
		}
		b.vendorTrailers[r.FlowID] = r
	}
}

// AttachTLSClientHello indexes the first Client Hello row per flow id.
func (b *Builder) AttachTLSClientHello(rows []ingest.TLSClientHelloRow) {
	for _, r := range rows {
		if _, ok := b.tlsHellos[r.FlowID]; ok {
			continue
		}
		b.tlsHellos[r.FlowID] = r
	}
}

// Build folds every accumulated group into a Connection and returns them in
// first-seen order.
func (b *Builder) Build() []flow.Connection {
	conns := make([]flow.Connection, 0, len(b.order))
	for _, key := range b.order {
		packets := b.groups[key]
		conns = append(conns, fold(packets, b.vendorTrailers, b.tlsHellos))
	}
	return conns
}

func fold(packets []flow.Packet, vendorTrailers map[int]ingest.VendorTrailerRow, tlsHellos map[int]ingest.TLSClientHelloRow) flow.Connection {
	sorted := make([]flow.Packet, len(packets))
	copy(sorted, packets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FrameNumber < sorted[j].FrameNumber })

	var synPacket, synAckPacket *flow.Packet
	for i := range sorted {
		if sorted[i].IsSYN() && synPacket == nil {
			synPacket = &sorted[i]
		}
		if sorted[i].IsSYNACK() && synAckPacket == nil {
			synAckPacket = &sorted[i]
		}
	}

	first := sorted[0]
	var clientIP, serverIP string
	var clientPort, serverPort int
	hasSYN := synPacket != nil
	if hasSYN {
		clientIP, clientPort = synPacket.SrcIP, synPacket.SrcPort
		serverIP, serverPort = synPacket.DstIP, synPacket.DstPort
	} else {
		clientIP, clientPort = first.SrcIP, first.SrcPort
		serverIP, serverPort = first.DstIP, first.DstPort
	}

	c := flow.Connection{
		FlowID:     first.FlowID,
		Protocol:   first.Protocol,
		ClientIP:   clientIP,
		ClientPort: clientPort,
		ServerIP:   serverIP,
		ServerPort: serverPort,
		HasSYN:     hasSYN,
		HasSYNACK:  synAckPacket != nil,
	}

	if hasSYN {
		c.SYNTimestamp = synPacket.Timestamp
		c.SYNOptions = formatSYNOptions(*synPacket)
		c.ClientISN = synPacket.Seq
		c.IPIDFirst = synPacket.IPID
		c.TCPTimestampTSval = synPacket.TSval
		c.TCPTimestampTSecr = synPacket.TSecr
	}
	if synAckPacket != nil {
		c.ServerISN = synAckPacket.Seq
	}

	c.ClientPayloadMD5 = firstPayloadHash(sorted, clientIP)
	c.ServerPayloadMD5 = firstPayloadHash(sorted, serverIP)
	c.LengthSignature = lengthSignature(sorted, clientIP)

	headerOnly := true
	for _, p := range sorted {
		if p.Length > 0 {
			headerOnly = false
			break
		}
	}
	c.IsHeaderOnly = headerOnly

	first.Timestamp = sorted[0].Timestamp
	minTS, maxTS := sorted[0].Timestamp, sorted[0].Timestamp
	var totalBytes int64
	for _, p := range sorted {
		if p.Timestamp < minTS {
			minTS = p.Timestamp
		}
		if p.Timestamp > maxTS {
			maxTS = p.Timestamp
		}
		totalBytes += int64(p.FrameLen)
	}
	c.FirstPacketTime = minTS
	c.LastPacketTime = maxTS
	c.PacketCount = len(sorted)
	c.TotalBytes = totalBytes

	globalIDs := make(map[uint16]struct{})
	clientIDs := make(map[uint16]struct{})
	serverIDs := make(map[uint16]struct{})
	for _, p := range sorted {
		if p.IPID == 0 {
			continue
		}
		globalIDs[p.IPID] = struct{}{}
		if p.SrcIP == clientIP {
			clientIDs[p.IPID] = struct{}{}
		} else if p.SrcIP == serverIP {
			serverIDs[p.IPID] = struct{}{}
		}
	}
	if len(globalIDs) == 0 {
		globalIDs[c.IPIDFirst] = struct{}{}
	}
	c.IPIDSet = globalIDs
	c.ClientIPIDSet = clientIDs
	c.ServerIPIDSet = serverIDs

	c.ClientTTL = mostCommonTTL(sorted, clientIP)
	c.ServerTTL = mostCommonTTL(sorted, serverIP)

	if vt, ok := vendorTrailers[first.FlowID]; ok && len(vt.PeerAddrs) > 0 && len(vt.PeerPorts) > 0 {
		c.HasVendorTrailer = true
		c.VendorTrailerPeer = flow.Endpoint{IP: vt.PeerAddrs[0], Port: vt.PeerPorts[0]}
	}
	if tls, ok := tlsHellos[first.FlowID]; ok {
		c.HasTLSClientHello = true
		c.TLSClientHelloRandom = tls.Random
		c.TLSClientHelloSessionID = tls.SessionID
	}

	return c
}

// formatSYNOptions builds the SYN options fingerprint "opts=<hex>;tsval=<v>"
// from a SYN's raw hex TCP options blob and its TSval, or "" when the SYN
// carries no options. The blob is used verbatim: it is not parsed into
// separate mss, window-scale, SACK or timestamp fields.
func formatSYNOptions(p flow.Packet) string {
	if p.Options == "" {
		return ""
	}
	return fmt.Sprintf("opts=%s;tsval=%s", p.Options, p.TSval)
}

func firstPayloadHash(packets []flow.Packet, directionSrcIP string) string {
	for _, p := range packets {
		if p.SrcIP != directionSrcIP {
			continue
		}
		if p.Payload == "" || p.Length == 0 {
			continue
		}
		raw, err := hex.DecodeString(p.Payload)
		if err != nil || len(raw) == 0 {
			continue
		}
		if len(raw) > flow.MaxPayloadHashBytes {
			raw = raw[:flow.MaxPayloadHashBytes]
		}
		sum := md5.Sum(raw)
		return hex.EncodeToString(sum[:])
	}
	return ""
}

func lengthSignature(packets []flow.Packet, clientIP string) string {
	var tokens []string
	count := 0
	for _, p := range packets {
		if count >= flow.MaxLengthSignatureTokens {
			break
		}
		if p.Length == 0 {
			continue
		}
		tag := "S"
		if p.SrcIP == clientIP {
			tag = "C"
		}
		tokens = append(tokens, fmt.Sprintf("%s:%d", tag, p.Length))
		count++
	}
	return joinSpace(tokens)
}

func joinSpace(tokens []string) string {
	out := ""
	for i, t := range tokens {
		if i > 0 {
			out += " "
		}
		out += t
	}
	return out
}

func mostCommonTTL(packets []flow.Packet, directionSrcIP string) int {
	counts := make(map[int]int)
	for _, p := range packets {
		if p.SrcIP != directionSrcIP || p.TTL == 0 {
			continue
		}
		counts[p.TTL]++
	}
	best, bestCount := 0, 0
	for ttl, count := range counts {
		if count > bestCount || (count == bestCount && ttl < best) {
			best, bestCount = ttl, count
		}
	}
	return best
}
