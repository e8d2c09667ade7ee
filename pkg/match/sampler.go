package match

import (
	"sort"

	"github.com/netweaver/capmatch/pkg/flow"
)

// specialPorts are always exempt from sampling: header-only connections and
// connections on these ports are kept regardless of the sample rate.
var specialPorts = map[int]struct{}{
	20: {}, 21: {}, 22: {}, 23: {}, 25: {}, 53: {}, 80: {}, 443: {},
	110: {}, 143: {}, 3306: {}, 5432: {}, 6379: {}, 27017: {},
}

// Sampler reduces the number of candidate connections on each side of a
// match whose connection count exceeds Threshold, before bucketing and the
// O(n*m) scoring loop run, using time-based stratified
// sampling so the kept subset still spans the full capture window.
type Sampler struct {
	Threshold  int
	SampleRate float64
}

// NewSampler builds a Sampler from engine configuration.
func NewSampler(threshold int, rate float64) *Sampler {
	return &Sampler{Threshold: threshold, SampleRate: rate}
}

// ShouldSample reports whether the given connection list is large enough to sample.
func (s *Sampler) ShouldSample(connections []flow.Connection) bool {
	return len(connections) > s.Threshold
}

// Sample returns connections, protecting header-only flows and special-port
// flows outright and stratified-sampling the remainder by SYN timestamp so
// every time window of the capture keeps representatives.
func (s *Sampler) Sample(connections []flow.Connection) []flow.Connection {
	if !s.ShouldSample(connections) {
		out := make([]flow.Connection, len(connections))
		copy(out, connections)
		return out
	}

	var protected, regular []flow.Connection
	for _, c := range connections {
		if isProtected(c) {
			protected = append(protected, c)
		} else {
			regular = append(regular, c)
		}
	}

	sort.Slice(regular, func(i, j int) bool { return regular[i].SYNTimestamp < regular[j].SYNTimestamp })

	sampledRegular := s.stratifiedSample(regular)

	result := make([]flow.Connection, 0, len(protected)+len(sampledRegular))
	result = append(result, protected...)
	result = append(result, sampledRegular...)
	return result
}

func isProtected(c flow.Connection) bool {
	if c.IsHeaderOnly {
		return true
	}
	_, ok := specialPorts[c.ServerPort]
	return ok
}

// stratifiedSample divides the (timestamp-sorted) connections into up to 10
// strata and samples evenly from each, so the kept subset still represents
// the full time range instead of clustering at one end.
func (s *Sampler) stratifiedSample(connections []flow.Connection) []flow.Connection {
	if len(connections) == 0 {
		return nil
	}

	targetCount := int(float64(len(connections)) * s.SampleRate)
	if targetCount == 0 {
		targetCount = 1
	}

	numStrata := len(connections)
	if numStrata > 10 {
		numStrata = 10
	}
	strataSize := len(connections) / numStrata

	var sampled []flow.Connection
	for i := 0; i < numStrata; i++ {
		start := i * strataSize
		end := start + strataSize
		if i == numStrata-1 {
			end = len(connections)
		}
		stratum := connections[start:end]

		stratumTarget := (len(stratum) * targetCount) / len(connections)
		if stratumTarget < 1 {
			stratumTarget = 1
		}
		step := len(stratum) / stratumTarget
		if step < 1 {
			step = 1
		}

		for j := 0; j < len(stratum); j += step {
			if len(sampled) >= targetCount {
				break
			}
			sampled = append(sampled, stratum[j])
		}
	}
	return sampled
}

// SamplingStats summarizes a sampling pass for logging/diagnostics.
type SamplingStats struct {
	OriginalCount int
	SampledCount  int
	ProtectedCount int
	RegularCount  int
	ReductionRate float64
}

// Stats computes SamplingStats for an original/sampled connection pair.
func (s *Sampler) Stats(original, sampled []flow.Connection) SamplingStats {
	protectedCount := 0
	for _, c := range sampled {
		if isProtected(c) {
			protectedCount++
		}
	}
	reduction := 0.0
	if len(original) > 0 {
		reduction = 1.0 - float64(len(sampled))/float64(len(original))
	}
	return SamplingStats{
		OriginalCount:  len(original),
		SampledCount:   len(sampled),
		ProtectedCount: protectedCount,
		RegularCount:   len(sampled) - protectedCount,
		ReductionRate:  reduction,
	}
}
