// Package serialize converts matches to and from the JSON document format:
// a top-level envelope carrying both capture files' names, arbitrary
// metadata, and the match list, each entry holding both full Connections
// and the MatchScore that justified the pairing.
package serialize

import (
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/netweaver/capmatch/pkg/flow"
)

// CurrentVersion is the envelope version this package writes.
const CurrentVersion = "1.0"

// connectionDoc mirrors flow.Connection field-for-field, serializing its
// map-typed IP-ID sets as sorted arrays so two runs over the same input
// produce byte-identical output.
type connectionDoc struct {
	FlowID     int    `json:"flow_id"`
	Protocol   int    `json:"protocol"`
	ClientIP   string `json:"client_ip"`
	ClientPort int    `json:"client_port"`
	ServerIP   string `json:"server_ip"`
	ServerPort int    `json:"server_port"`

	HasSYN            bool    `json:"has_syn"`
	HasSYNACK         bool    `json:"has_syn_ack"`
	SYNTimestamp      float64 `json:"syn_timestamp"`
	SYNOptions        string  `json:"syn_options"`
	ClientISN         uint32  `json:"client_isn"`
	ServerISN         uint32  `json:"server_isn"`
	TCPTimestampTSval string  `json:"tcp_timestamp_tsval"`
	TCPTimestampTSecr string  `json:"tcp_timestamp_tsecr"`

	ClientPayloadMD5 string `json:"client_payload_md5"`
	ServerPayloadMD5 string `json:"server_payload_md5"`

	LengthSignature string `json:"length_signature"`
	IsHeaderOnly    bool   `json:"is_header_only"`

	IPIDFirst     uint16   `json:"ipid_first"`
	IPIDSet       []uint16 `json:"ipid_set"`
	ClientIPIDSet []uint16 `json:"client_ipid_set"`
	ServerIPIDSet []uint16 `json:"server_ipid_set"`

	FirstPacketTime float64 `json:"first_packet_time"`
	LastPacketTime  float64 `json:"last_packet_time"`
	PacketCount     int     `json:"packet_count"`

	ClientTTL int   `json:"client_ttl"`
	ServerTTL int   `json:"server_ttl"`
	TotalBytes int64 `json:"total_bytes"`

	HasVendorTrailer        bool   `json:"has_vendor_trailer"`
	VendorTrailerPeerIP     string `json:"vendor_trailer_peer_ip,omitempty"`
	VendorTrailerPeerPort   int    `json:"vendor_trailer_peer_port,omitempty"`
	HasTLSClientHello       bool   `json:"has_tls_client_hello"`
	TLSClientHelloRandom    string `json:"tls_client_hello_random,omitempty"`
	TLSClientHelloSessionID string `json:"tls_client_hello_session_id,omitempty"`
}

func toConnectionDoc(c flow.Connection) connectionDoc {
	return connectionDoc{
		FlowID: c.FlowID, Protocol: c.Protocol,
		ClientIP: c.ClientIP, ClientPort: c.ClientPort,
		ServerIP: c.ServerIP, ServerPort: c.ServerPort,
		HasSYN: c.HasSYN, HasSYNACK: c.HasSYNACK,
		SYNTimestamp: c.SYNTimestamp, SYNOptions: c.SYNOptions,
		ClientISN: c.ClientISN, ServerISN: c.ServerISN,
		TCPTimestampTSval: c.TCPTimestampTSval, TCPTimestampTSecr: c.TCPTimestampTSecr,
		ClientPayloadMD5: c.ClientPayloadMD5, ServerPayloadMD5: c.ServerPayloadMD5,
		LengthSignature: c.LengthSignature, IsHeaderOnly: c.IsHeaderOnly,
		IPIDFirst:       c.IPIDFirst,
		IPIDSet:         sortedIDs(c.IPIDSet),
		ClientIPIDSet:   sortedIDs(c.ClientIPIDSet),
		ServerIPIDSet:   sortedIDs(c.ServerIPIDSet),
		FirstPacketTime: c.FirstPacketTime, LastPacketTime: c.LastPacketTime,
		PacketCount: c.PacketCount,
		ClientTTL:   c.ClientTTL, ServerTTL: c.ServerTTL,
		TotalBytes:        c.TotalBytes,
		HasVendorTrailer:  c.HasVendorTrailer,
		HasTLSClientHello: c.HasTLSClientHello,
		TLSClientHelloRandom:    c.TLSClientHelloRandom,
		TLSClientHelloSessionID: c.TLSClientHelloSessionID,
		VendorTrailerPeerIP:     c.VendorTrailerPeer.IP,
		VendorTrailerPeerPort:   c.VendorTrailerPeer.Port,
	}
}

func (d connectionDoc) toConnection() flow.Connection {
	return flow.Connection{
		FlowID: d.FlowID, Protocol: d.Protocol,
		ClientIP: d.ClientIP, ClientPort: d.ClientPort,
		ServerIP: d.ServerIP, ServerPort: d.ServerPort,
		HasSYN: d.HasSYN, HasSYNACK: d.HasSYNACK,
		SYNTimestamp: d.SYNTimestamp, SYNOptions: d.SYNOptions,
		ClientISN: d.ClientISN, ServerISN: d.ServerISN,
		TCPTimestampTSval: d.TCPTimestampTSval, TCPTimestampTSecr: d.TCPTimestampTSecr,
		ClientPayloadMD5: d.ClientPayloadMD5, ServerPayloadMD5: d.ServerPayloadMD5,
		LengthSignature: d.LengthSignature, IsHeaderOnly: d.IsHeaderOnly,
		IPIDFirst:       d.IPIDFirst,
		IPIDSet:         idsFromSlice(d.IPIDSet),
		ClientIPIDSet:   idsFromSlice(d.ClientIPIDSet),
		ServerIPIDSet:   idsFromSlice(d.ServerIPIDSet),
		FirstPacketTime: d.FirstPacketTime, LastPacketTime: d.LastPacketTime,
		PacketCount: d.PacketCount,
		ClientTTL:   d.ClientTTL, ServerTTL: d.ServerTTL,
		TotalBytes:              d.TotalBytes,
		HasVendorTrailer:        d.HasVendorTrailer,
		HasTLSClientHello:       d.HasTLSClientHello,
		TLSClientHelloRandom:    d.TLSClientHelloRandom,
		TLSClientHelloSessionID: d.TLSClientHelloSessionID,
		VendorTrailerPeer:       flow.Endpoint{IP: d.VendorTrailerPeerIP, Port: d.VendorTrailerPeerPort},
	}
}

func sortedIDs(set map[uint16]struct{}) []uint16 {
	out := make([]uint16, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func idsFromSlice(ids []uint16) map[uint16]struct{} {
	if len(ids) == 0 {
		return nil
	}
	out := make(map[uint16]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

type scoreDoc struct {
	NormalizedScore float64 `json:"normalized_score"`
	RawScore        float64 `json:"raw_score"`
	AvailableWeight float64 `json:"available_weight"`
	IPIDMatch       bool    `json:"ipid_match"`
	Evidence        string  `json:"evidence"`
	ForceAccept     bool    `json:"force_accept"`
	MicroflowAccept bool    `json:"microflow_accept"`
}

func toScoreDoc(s flow.MatchScore) scoreDoc {
	return scoreDoc{
		NormalizedScore: s.NormalizedScore, RawScore: s.RawScore, AvailableWeight: s.AvailableWeight,
		IPIDMatch: s.IPIDMatch, Evidence: s.Evidence,
		ForceAccept: s.ForceAccept, MicroflowAccept: s.MicroflowAccept,
	}
}

func (d scoreDoc) toScore() flow.MatchScore {
	return flow.MatchScore{
		NormalizedScore: d.NormalizedScore, RawScore: d.RawScore, AvailableWeight: d.AvailableWeight,
		IPIDMatch: d.IPIDMatch, Evidence: d.Evidence,
		ForceAccept: d.ForceAccept, MicroflowAccept: d.MicroflowAccept,
	}
}

type matchDoc struct {
	Conn1 connectionDoc `json:"conn1"`
	Conn2 connectionDoc `json:"conn2"`
	Score scoreDoc      `json:"score"`
}

// Document is the top-level envelope: {version, file1, file2, metadata, matches}.
type Document struct {
	Version  string                 `json:"version"`
	File1    string                 `json:"file1"`
	File2    string                 `json:"file2"`
	Metadata map[string]interface{} `json:"metadata"`
	Matches  []matchDoc             `json:"matches"`
}

// Save writes matches as a Document to w.
func Save(w io.Writer, matches []flow.ConnectionMatch, file1, file2 string, metadata map[string]interface{}) error {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	doc := Document{
		Version:  CurrentVersion,
		File1:    file1,
		File2:    file2,
		Metadata: metadata,
		Matches:  make([]matchDoc, len(matches)),
	}
	for i, m := range matches {
		doc.Matches[i] = matchDoc{
			Conn1: toConnectionDoc(m.ConnA),
			Conn2: toConnectionDoc(m.ConnB),
			Score: toScoreDoc(m.Score),
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("serialize: encode: %w", err)
	}
	return nil
}

// LoadResult carries the deserialized matches plus the envelope's metadata
// fields, with file1/file2/version folded in the way the reference loader
// does.
type LoadResult struct {
	Matches  []flow.ConnectionMatch
	Metadata map[string]interface{}
}

// Load reads a Document from r. An unrecognized version string is accepted
// with a logged warning rather than an error, matching the reference
// loader's forward-compatible behavior.
func Load(r io.Reader, logger *zap.Logger) (LoadResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return LoadResult{}, fmt.Errorf("serialize: decode: %w", err)
	}
	if doc.Version != CurrentVersion {
		logger.Warn("unknown match document version", zap.String("version", doc.Version))
	}

	matches := make([]flow.ConnectionMatch, len(doc.Matches))
	for i, m := range doc.Matches {
		matches[i] = flow.ConnectionMatch{
			ConnA: m.Conn1.toConnection(),
			ConnB: m.Conn2.toConnection(),
			Score: m.Score.toScore(),
		}
	}

	metadata := map[string]interface{}{
		"file1":   doc.File1,
		"file2":   doc.File2,
		"version": doc.Version,
	}
	for k, v := range doc.Metadata {
		metadata[k] = v
	}

	return LoadResult{Matches: matches, Metadata: metadata}, nil
}
