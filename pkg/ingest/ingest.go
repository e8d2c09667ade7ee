// Package ingest adapts the external packet decoder's tab-separated output
// into flow.Packet values (and the vendor-trailer/TLS side tables used by
// the matching engine's stage 1 and stage 2 exact-match paths).
package ingest

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/netweaver/capmatch/pkg/flow"
)

// ErrDecoderFailed wraps a nonzero exit or I/O failure from the upstream
// decoder process; it is fatal and aborts the run.
var ErrDecoderFailed = errors.New("ingest: decoder failed")

// ErrNoInput is returned when a capture stream has no usable rows at all.
var ErrNoInput = errors.New("ingest: no input rows")

// PacketFieldCount is the number of tab-separated columns the decoder emits
// per packet row (see SPEC_FULL.md §6).
const PacketFieldCount = 19

// Adapter reads the decoder's packet stream and emits flow.Packet values in
// file order, skipping malformed rows.
type Adapter struct {
	Logger *zap.Logger
}

// NewAdapter constructs an Adapter. A nil logger is replaced with zap.NewNop().
func NewAdapter(logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{Logger: logger}
}

// Run parses r's tab-separated packet stream and returns the decoded packets
// in file order. Row-level parse errors are logged and skipped; the run
// itself fails with ErrDecoderFailed on an error reading the stream, and
// with ErrNoInput when no row yields a packet.
func (a *Adapter) Run(r io.Reader) ([]flow.Packet, error) {
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	var packets []flow.Packet
	lineNo := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading row %d: %v", ErrDecoderFailed, lineNo, err)
		}
		lineNo++

		if len(row) < PacketFieldCount {
			a.Logger.Debug("ingest: skipping short row", zap.Int("line", lineNo), zap.Strings("row", row))
			continue
		}

		pkt, err := parsePacketRow(row)
		if err != nil {
			a.Logger.Debug("ingest: skipping malformed row", zap.Int("line", lineNo), zap.Strings("row", row), zap.Error(err))
			continue
		}
		packets = append(packets, pkt)
	}

	if len(packets) == 0 {
		return nil, ErrNoInput
	}
	return packets, nil
}

func parsePacketRow(row []string) (flow.Packet, error) {
	frameNumber, err := atoiTolerant(row[0])
	if err != nil {
		return flow.Packet{}, fmt.Errorf("frame number: %w", err)
	}
	epoch, err := atofTolerant(row[1])
	if err != nil {
		return flow.Packet{}, fmt.Errorf("epoch: %w", err)
	}
	flowID, err := atoiTolerant(row[2])
	if err != nil {
		return flow.Packet{}, fmt.Errorf("flow id: %w", err)
	}
	proto, err := atoiTolerant(row[3])
	if err != nil {
		return flow.Packet{}, fmt.Errorf("ip proto: %w", err)
	}
	srcPort, err := atoiTolerant(row[6])
	if err != nil {
		return flow.Packet{}, fmt.Errorf("src port: %w", err)
	}
	dstPort, err := atoiTolerant(row[7])
	if err != nil {
		return flow.Packet{}, fmt.Errorf("dst port: %w", err)
	}
	flags, err := hexU16Tolerant(row[8])
	if err != nil {
		return flow.Packet{}, fmt.Errorf("flags: %w", err)
	}
	seq, err := atou32Tolerant(row[9])
	if err != nil {
		return flow.Packet{}, fmt.Errorf("seq: %w", err)
	}
	ack, err := atou32Tolerant(row[10])
	if err != nil {
		return flow.Packet{}, fmt.Errorf("ack: %w", err)
	}
	length, err := atoiTolerant(row[12])
	if err != nil {
		return flow.Packet{}, fmt.Errorf("length: %w", err)
	}
	ipid, err := hexU16Tolerant(row[13])
	if err != nil {
		return flow.Packet{}, fmt.Errorf("ip id: %w", err)
	}
	ttl, err := atoiTolerant(row[17])
	if err != nil {
		return flow.Packet{}, fmt.Errorf("ttl: %w", err)
	}
	frameLen, err := atoiTolerant(row[18])
	if err != nil {
		return flow.Packet{}, fmt.Errorf("frame len: %w", err)
	}

	return flow.Packet{
		FrameNumber: frameNumber,
		FlowID:      flowID,
		Protocol:    proto,
		SrcIP:       strip(row[4]),
		DstIP:       strip(row[5]),
		SrcPort:     srcPort,
		DstPort:     dstPort,
		Flags:       flags,
		Seq:         seq,
		Ack:         ack,
		Options:     strip(row[11]),
		Length:      length,
		IPID:        ipid,
		Timestamp:   epoch,
		TSval:       strip(row[14]),
		TSecr:       strip(row[15]),
		Payload:     strip(row[16]),
		TTL:         ttl,
		FrameLen:    frameLen,
	}, nil
}

func strip(s string) string {
	return strings.Trim(s, `"`)
}

func atoiTolerant(s string) (int, error) {
	s = strip(s)
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func atou32Tolerant(s string) (uint32, error) {
	s = strip(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}

func atofTolerant(s string) (float64, error) {
	s = strip(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func hexU16Tolerant(s string) (uint16, error) {
	s = strip(s)
	if s == "" {
		return 0, nil
	}
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	return uint16(v), err
}

// VendorTrailerFieldCount is the column count of the vendor-trailer side table.
const VendorTrailerFieldCount = 11

// VendorTrailerRow is one row of the vendor-trailer side table: the peer
// client endpoint an intermediate device recorded for this packet.
type VendorTrailerRow struct {
	FrameNumber   int
	FlowID        int
	SrcIP         string
	DstIP         string
	SrcPort       int
	DstPort       int
	Flags         uint16
	PeerAddrs     []string
	PeerPorts     []int
	PeerLocalAddr string
	PeerLocalPort int
}

// IsSYN reports whether this row's flags indicate a bare SYN.
func (r VendorTrailerRow) IsSYN() bool {
	return r.Flags&flagSYN != 0 && r.Flags&flagACK == 0
}

const (
	flagSYN = 0x02
	flagACK = 0x10
)

// ParseVendorTrailer parses the vendor-trailer side table (SPEC_FULL.md §6).
func ParseVendorTrailer(r io.Reader) ([]VendorTrailerRow, error) {
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	var rows []VendorTrailerRow
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ingest: vendor trailer row: %w", err)
		}
		if len(row) < VendorTrailerFieldCount {
			continue
		}
		parsed, err := parseVendorTrailerRow(row)
		if err != nil {
			continue
		}
		rows = append(rows, parsed)
	}
	return rows, nil
}

func parseVendorTrailerRow(row []string) (VendorTrailerRow, error) {
	frameNumber, err := atoiTolerant(row[0])
	if err != nil {
		return VendorTrailerRow{}, err
	}
	flowID, err := atoiTolerant(row[1])
	if err != nil {
		return VendorTrailerRow{}, err
	}
	srcPort, err := atoiTolerant(row[4])
	if err != nil {
		return VendorTrailerRow{}, err
	}
	dstPort, err := atoiTolerant(row[5])
	if err != nil {
		return VendorTrailerRow{}, err
	}
	flags, err := hexU16Tolerant(row[6])
	if err != nil {
		return VendorTrailerRow{}, err
	}

	peerAddrs := splitCommaList(row[7])
	peerPorts := parseIntList(splitCommaList(row[8]))

	return VendorTrailerRow{
		FrameNumber:   frameNumber,
		FlowID:        flowID,
		SrcIP:         strip(row[2]),
		DstIP:         strip(row[3]),
		SrcPort:       srcPort,
		DstPort:       dstPort,
		Flags:         flags,
		PeerAddrs:     peerAddrs,
		PeerPorts:     peerPorts,
		PeerLocalAddr: strip(row[9]),
		PeerLocalPort: mustAtoiOrZero(row[10]),
	}, nil
}

func splitCommaList(s string) []string {
	s = strip(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseIntList(parts []string) []int {
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		if v, err := strconv.Atoi(p); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func mustAtoiOrZero(s string) int {
	v, err := atoiTolerant(s)
	if err != nil {
		return 0
	}
	return v
}

// TLSFieldCount is the column count of the TLS Client Hello side table.
const TLSFieldCount = 8

// TLSClientHelloRow is one row of the TLS side table.
type TLSClientHelloRow struct {
	FrameNumber int
	FlowID      int
	SrcIP       string
	DstIP       string
	SrcPort     int
	DstPort     int
	Random      string
	SessionID   string
}

// ParseTLSClientHello parses the TLS Client Hello side table (SPEC_FULL.md §6).
func ParseTLSClientHello(r io.Reader) ([]TLSClientHelloRow, error) {
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	var rows []TLSClientHelloRow
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ingest: tls row: %w", err)
		}
		if len(row) < TLSFieldCount {
			continue
		}
		frameNumber, err1 := atoiTolerant(row[0])
		flowID, err2 := atoiTolerant(row[1])
		srcPort, err3 := atoiTolerant(row[4])
		dstPort, err4 := atoiTolerant(row[5])
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		rows = append(rows, TLSClientHelloRow{
			FrameNumber: frameNumber,
			FlowID:      flowID,
			SrcIP:       strip(row[2]),
			DstIP:       strip(row[3]),
			SrcPort:     srcPort,
			DstPort:     dstPort,
			Random:      strip(row[6]),
			SessionID:   strip(row[7]),
		})
	}
	return rows, nil
}

// NewLineReader is a convenience wrapper for callers that want buffered
// access to a raw stream before handing it to an Adapter.
func NewLineReader(r io.Reader) *bufio.Reader {
	return bufio.NewReader(r)
}
