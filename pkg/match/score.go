// Package match implements the three-stage matching cascade: vendor-trailer
// exact match, TLS Client Hello exact match, and fingerprint-weighted
// scoring, plus the bucketing, selection, and direction-alignment logic
// that turns scored pairs into a deterministic ConnectionMatch list.
package match

import (
	"github.com/netweaver/capmatch/pkg/config"
	"github.com/netweaver/capmatch/pkg/flow"
)

// Fingerprint feature weights (SPEC_FULL.md §4.4, unchanged from spec.md).
// They sum to 1.00.
const (
	weightSYNOptions     = 0.25
	weightClientISN      = 0.12
	weightServerISN      = 0.06
	weightTCPTimestamp   = 0.10
	weightClientPayload  = 0.15
	weightServerPayload  = 0.08
	weightLengthSig      = 0.08
	weightIPIDNecessary  = 0.16

	// lengthSigJaccardThreshold is the minimum Jaccard similarity of two
	// length signatures that counts as a match for scoring purposes.
	lengthSigJaccardThreshold = 0.6
)

// Scorer computes a MatchScore for a candidate pair. The engine's default
// cascade stage 3 uses FingerprintScorer; MicroflowScorer backs the
// microflow fast path; BehavioralScorer is an optional, non-default
// alternative (SPEC_FULL.md §4.4 supplement).
type Scorer interface {
	Score(a, b flow.Connection) flow.MatchScore
}

// portPredicate reports whether the two connections' port multisets share
// at least one common element — the NAT-tolerant necessary condition.
func portPredicate(a, b flow.Connection) bool {
	ap := a.Ports()
	bp := b.Ports()
	for _, x := range ap {
		for _, y := range bp {
			if x == y {
				return true
			}
		}
	}
	return false
}

// IPIDPredicateResult carries the necessary-condition check plus the raw
// numbers the strong fast path and evidence strings need.
type IPIDPredicateResult struct {
	Satisfied      bool
	OverlapCount   int
	OverlapRatio   float64
	Jaccard        float64
}

// evaluateIPIDPredicate computes the main-path IP-ID necessary condition:
// overlap count >= minOverlap AND overlap ratio >= minRatio, over the
// connections' global nonzero IP-ID sets.
func evaluateIPIDPredicate(a, b flow.Connection, minOverlap int, minRatio float64) IPIDPredicateResult {
	ia := a.NonzeroIPIDs()
	ib := b.NonzeroIPIDs()
	overlap := intersectionCount(ia, ib)
	ratio := overlapRatio(ia, ib)
	jac := jaccardIPID(ia, ib)
	return IPIDPredicateResult{
		Satisfied:    overlap >= minOverlap && ratio >= minRatio,
		OverlapCount: overlap,
		OverlapRatio: ratio,
		Jaccard:      jac,
	}
}

// FingerprintScorer implements stage 3 of the cascade: the eight weighted
// features, the IP-ID necessary condition, the strong IP-ID fast path, and
// the optional density gate.
type FingerprintScorer struct {
	MinIPIDOverlap int
	MinIPIDRatio   float64
	Strong         config.StrongIPID
	// DensityGateThreshold, when > 0, additionally requires the union of the
	// two IP-ID sets to have at least this density (|set| / numeric range)
	// before the strong fast path fires. Zero disables the gate.
	DensityGateThreshold float64
}

// NewFingerprintScorer builds a FingerprintScorer from engine configuration.
func NewFingerprintScorer(cfg config.Matching) *FingerprintScorer {
	density := 0.0
	if cfg.DensityGateEnabled {
		density = 0.1 // conservative default once explicitly enabled
	}
	return &FingerprintScorer{
		MinIPIDOverlap:       cfg.MinIPIDOverlap,
		MinIPIDRatio:         cfg.MinIPIDRatio,
		Strong:               cfg.StrongIPID,
		DensityGateThreshold: density,
	}
}

// Score implements Scorer. Callers must have already checked portPredicate;
// Score itself only evaluates the IP-ID predicate and the weighted features.
func (s *FingerprintScorer) Score(a, b flow.Connection) flow.MatchScore {
	predicate := evaluateIPIDPredicate(a, b, s.MinIPIDOverlap, s.MinIPIDRatio)
	if !predicate.Satisfied {
		return flow.MatchScore{IPIDMatch: false}
	}

	var raw, avail float64
	var evidence []string

	if a.HasSYN && b.HasSYN {
		avail += weightSYNOptions
		if a.SYNOptions != "" && a.SYNOptions == b.SYNOptions {
			raw += weightSYNOptions
			evidence = append(evidence, "syn_options")
		}
		avail += weightClientISN
		if a.ClientISN == b.ClientISN {
			raw += weightClientISN
			evidence = append(evidence, "client_isn")
		}
	}

	if a.HasSYNACK && b.HasSYNACK {
		avail += weightServerISN
		if a.ServerISN == b.ServerISN {
			raw += weightServerISN
			evidence = append(evidence, "server_isn")
		}
	}

	if hasTimestamp(a) && hasTimestamp(b) {
		avail += weightTCPTimestamp
		if tcpTimestampMatches(a, b) {
			raw += weightTCPTimestamp
			evidence = append(evidence, "tcp_timestamp")
		}
	}

	if !a.IsHeaderOnly && !b.IsHeaderOnly {
		avail += weightClientPayload
		if a.ClientPayloadMD5 != "" && a.ClientPayloadMD5 == b.ClientPayloadMD5 {
			raw += weightClientPayload
			evidence = append(evidence, "client_payload")
		}
		avail += weightServerPayload
		if a.ServerPayloadMD5 != "" && a.ServerPayloadMD5 == b.ServerPayloadMD5 {
			raw += weightServerPayload
			evidence = append(evidence, "server_payload")
		}
	}

	avail += weightLengthSig
	if jaccardTokens(a.LengthSignature, b.LengthSignature) >= lengthSigJaccardThreshold {
		raw += weightLengthSig
		evidence = append(evidence, "length_signature")
	}

	// The IP-ID necessary condition is always granted once we get here.
	avail += weightIPIDNecessary
	raw += weightIPIDNecessary
	evidence = append(evidence, "ipid_overlap")

	normalized := 0.0
	if avail > 0 {
		normalized = raw / avail
	}

	forceAccept := s.strongIPIDFastPath(predicate, a, b)
	if forceAccept {
		evidence = append(evidence, "strong_ipid")
	}

	return flow.MatchScore{
		NormalizedScore: normalized,
		RawScore:        raw,
		AvailableWeight: avail,
		IPIDMatch:       true,
		Evidence:        joinEvidence(evidence),
		ForceAccept:     forceAccept,
	}
}

func (s *FingerprintScorer) strongIPIDFastPath(predicate IPIDPredicateResult, a, b flow.Connection) bool {
	if predicate.OverlapCount < s.Strong.MinOverlap {
		return false
	}
	if predicate.OverlapRatio < s.Strong.MinRatio {
		return false
	}
	if predicate.Jaccard < s.Strong.MinJaccard {
		return false
	}
	if s.DensityGateThreshold > 0 && !densityPasses(a, b, s.DensityGateThreshold) {
		return false
	}
	return true
}

// densityPasses checks the optional numeric-range density gate: the union
// of the two IP-ID sets must occupy at least threshold of its numeric span.
// Disabled unless DensityGateThreshold > 0 (SPEC_FULL.md §4.4 supplement).
func densityPasses(a, b flow.Connection, threshold float64) bool {
	union := make(map[uint16]struct{})
	for id := range a.NonzeroIPIDs() {
		union[id] = struct{}{}
	}
	for id := range b.NonzeroIPIDs() {
		union[id] = struct{}{}
	}
	if len(union) < 2 {
		return true
	}
	var min, max uint16
	first := true
	for id := range union {
		if first {
			min, max = id, id
			first = false
			continue
		}
		if id < min {
			min = id
		}
		if id > max {
			max = id
		}
	}
	span := int(max) - int(min) + 1
	density := float64(len(union)) / float64(span)
	return density >= threshold
}

// hasTimestamp reports whether a connection carries any TCP timestamp
// evidence at all (TSval or TSecr non-empty).
func hasTimestamp(c flow.Connection) bool {
	return c.TCPTimestampTSval != "" || c.TCPTimestampTSecr != ""
}

// tcpTimestampMatches implements the TSval-equal-or-TSecr-equal rule,
// explicitly excluding the case where both TSecr values are "0" — SYN
// packets always carry TSecr=0, so crediting that would be a false match.
func tcpTimestampMatches(a, b flow.Connection) bool {
	if a.TCPTimestampTSval != "" && a.TCPTimestampTSval == b.TCPTimestampTSval {
		return true
	}
	if a.TCPTimestampTSecr != "" && a.TCPTimestampTSecr == b.TCPTimestampTSecr && a.TCPTimestampTSecr != "0" {
		return true
	}
	return false
}

func joinEvidence(tags []string) string {
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}
