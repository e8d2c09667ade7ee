package match

import "github.com/netweaver/capmatch/pkg/flow"

// Microflow feature weights (SPEC_FULL.md §4.4.4, unchanged from spec.md).
const (
	microflowWeightSYNOptions   = 0.30
	microflowWeightClientISN    = 0.30
	microflowWeightTCPTimestamp = 0.20
	microflowWeightTTLClose     = 0.10
	microflowWeightLengthSig    = 0.10

	microflowAcceptThreshold = 0.80
	microflowTTLDelta        = 16
)

// MicroflowScorer implements the relaxed-IP-ID fast path for very short
// flows (at most 3 packets or at most 2 seconds), where the standard IP-ID
// minimum overlap of 2 would reject flows that are otherwise a perfect
// handshake match.
type MicroflowScorer struct{}

// TryMicroflow attempts the microflow fast path for (a, b), which must
// already satisfy the port predicate and have at least one connection
// qualify as IsMicroflow(). It returns ok=false when any precondition
// (time overlap, at least one IP-ID overlap, or the 0.80 score threshold)
// fails.
func (MicroflowScorer) TryMicroflow(a, b flow.Connection) (flow.MatchScore, bool) {
	if !timeRangesOverlap(a, b) {
		return flow.MatchScore{}, false
	}
	if intersectionCount(a.NonzeroIPIDs(), b.NonzeroIPIDs()) < 1 {
		return flow.MatchScore{}, false
	}

	var raw, avail float64
	var evidence []string

	if a.HasSYN && b.HasSYN {
		avail += microflowWeightSYNOptions
		if a.SYNOptions != "" && a.SYNOptions == b.SYNOptions {
			raw += microflowWeightSYNOptions
			evidence = append(evidence, "syn_options")
		}
		avail += microflowWeightClientISN
		if a.ClientISN == b.ClientISN {
			raw += microflowWeightClientISN
			evidence = append(evidence, "client_isn")
		}
	}

	if hasTimestamp(a) && hasTimestamp(b) {
		avail += microflowWeightTCPTimestamp
		if tcpTimestampMatches(a, b) {
			raw += microflowWeightTCPTimestamp
			evidence = append(evidence, "tcp_timestamp")
		}
	}

	avail += microflowWeightTTLClose
	if ttlClose(a.ClientTTL, b.ClientTTL, microflowTTLDelta) || ttlClose(a.ServerTTL, b.ServerTTL, microflowTTLDelta) {
		raw += microflowWeightTTLClose
		evidence = append(evidence, "ttl_close")
	}

	avail += microflowWeightLengthSig
	if jaccardTokens(a.LengthSignature, b.LengthSignature) >= lengthSigJaccardThreshold {
		raw += microflowWeightLengthSig
		evidence = append(evidence, "length_signature")
	}

	normalized := 0.0
	if avail > 0 {
		normalized = raw / avail
	}
	if normalized < microflowAcceptThreshold {
		return flow.MatchScore{}, false
	}

	return flow.MatchScore{
		NormalizedScore: normalized,
		RawScore:        raw,
		AvailableWeight: avail,
		IPIDMatch:       true,
		MicroflowAccept: true,
		Evidence:        joinEvidence(evidence),
	}, true
}

func timeRangesOverlap(a, b flow.Connection) bool {
	return a.FirstPacketTime <= b.LastPacketTime && b.FirstPacketTime <= a.LastPacketTime
}
