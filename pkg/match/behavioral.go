package match

import "github.com/netweaver/capmatch/pkg/flow"

// Behavioral scoring weights (SPEC_FULL.md §4.4 supplement). Overlap carries
// no weight by default — duration and IAT carry most of the signal, with
// byte-total similarity as a proxy for sequence span.
const (
	behavioralWeightOverlap  = 0.0
	behavioralWeightDuration = 0.4
	behavioralWeightIAT      = 0.3
	behavioralWeightBytes    = 0.3

	// BehavioralScoreThreshold is the acceptance threshold this scorer was
	// calibrated against — distinct from the fingerprint cascade's 0.75
	// default. Callers selecting BehavioralScorer should use this instead.
	BehavioralScoreThreshold = 0.60
)

// BehavioralScorer is a secondary, lower-precision Scorer that ignores IP-ID
// and SYN/TLS evidence entirely, comparing only coarse flow-level behavior:
// time-range overlap, duration, average inter-arrival time, and total bytes.
// It is never used as a cascade stage by default; callers select it
// explicitly when fingerprint evidence is unavailable (e.g. an encrypted,
// header-only capture with no vendor trailer or TLS hello). Because it does
// not evaluate IP-ID at all, it always reports IPIDMatch true so Accepted
// can still apply the normalized-score half of the acceptance rule.
type BehavioralScorer struct {
	WeightOverlap  float64
	WeightDuration float64
	WeightIAT      float64
	WeightBytes    float64
}

// NewBehavioralScorer builds a BehavioralScorer with the default weights.
func NewBehavioralScorer() *BehavioralScorer {
	return &BehavioralScorer{
		WeightOverlap:  behavioralWeightOverlap,
		WeightDuration: behavioralWeightDuration,
		WeightIAT:      behavioralWeightIAT,
		WeightBytes:    behavioralWeightBytes,
	}
}

// Score implements Scorer. The returned score's NormalizedScore should be
// compared against BehavioralScoreThreshold (0.60), not the fingerprint
// cascade's 0.75 default — the two scorers are not calibrated to the same
// threshold.
func (s *BehavioralScorer) Score(a, b flow.Connection) flow.MatchScore {
	dur1 := nonNegative(a.Duration())
	dur2 := nonNegative(b.Duration())
	durSim := ratioSimilarity(dur1, dur2)

	start := maxFloat(a.FirstPacketTime, b.FirstPacketTime)
	end := minFloat(a.LastPacketTime, b.LastPacketTime)
	unionStart := minFloat(a.FirstPacketTime, b.FirstPacketTime)
	unionEnd := maxFloat(a.LastPacketTime, b.LastPacketTime)
	inter := nonNegative(end - start)
	union := nonNegative(unionEnd - unionStart)
	overlap := 1.0
	if union > 0 {
		overlap = inter / union
	}

	iat1 := averageInterArrival(dur1, a.PacketCount)
	iat2 := averageInterArrival(dur2, b.PacketCount)
	iatSim := ratioSimilarity(iat1, iat2)

	bytesSim := ratioSimilarity(float64(a.TotalBytes), float64(b.TotalBytes))

	raw := s.WeightOverlap*overlap + s.WeightDuration*durSim + s.WeightIAT*iatSim + s.WeightBytes*bytesSim
	avail := s.WeightOverlap + s.WeightDuration + s.WeightIAT + s.WeightBytes
	norm := 0.0
	if avail > 0 {
		norm = raw / avail
	}

	return flow.MatchScore{
		NormalizedScore: norm,
		RawScore:        raw,
		AvailableWeight: avail,
		IPIDMatch:       true, // not evaluated by this strategy
		Evidence:        "behavioral",
	}
}

func averageInterArrival(duration float64, packetCount int) float64 {
	if duration <= 0 {
		return 0
	}
	denom := packetCount - 1
	if denom < 1 {
		denom = 1
	}
	return duration / float64(denom)
}

// ratioSimilarity returns the smaller-over-larger ratio of two non-negative
// quantities: 1.0 when both are zero, 0.0 when exactly one is zero.
func ratioSimilarity(a, b float64) float64 {
	if a <= 0 && b <= 0 {
		return 1.0
	}
	if a <= 0 || b <= 0 {
		return 0.0
	}
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}
	return lo / hi
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
