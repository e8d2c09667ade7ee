// Package topology aggregates matched connections into endpoint-pair and
// service-level statistics, computes TTL-derived hop counts, and orders
// capture points by proximity to the client.
package topology

import (
	"sort"

	"github.com/netweaver/capmatch/pkg/flow"
	"github.com/netweaver/capmatch/pkg/roledetect"
)

// EndpointTuple is one side's (client, server) endpoint pair.
type EndpointTuple struct {
	ClientIP   string
	ClientPort int
	ServerIP   string
	ServerPort int
	Protocol   int
}

func tupleFromConnection(c flow.Connection) EndpointTuple {
	return EndpointTuple{
		ClientIP: c.ClientIP, ClientPort: c.ClientPort,
		ServerIP: c.ServerIP, ServerPort: c.ServerPort,
		Protocol: c.Protocol,
	}
}

// Hops is a TTL-derived hop count, or absent when the source TTL was never
// observed.
type Hops struct {
	Value int
	Known bool
}

// EndpointPairStats aggregates every match whose two Connections resolve to
// the same (server_ip, server_port, protocol) on each side.
type EndpointPairStats struct {
	TupleA EndpointTuple
	TupleB EndpointTuple
	Count  int

	// Confidence is the minimum (most conservative) of the two sides'
	// role-detection confidences across the aggregated matches.
	Confidence roledetect.Confidence

	ClientHopsA, ServerHopsA Hops
	ClientHopsB, ServerHopsB Hops

	// Reversed is set when this entry is the reversed-interpretation twin
	// emitted alongside a below-MEDIUM-confidence pair.
	Reversed bool
}

// ServiceKey groups EndpointPairStats by the service the server side exposes.
type ServiceKey struct {
	ServerPort int
	Protocol   int
}

// ServiceStats aggregates EndpointPairStats sharing a ServiceKey.
type ServiceStats struct {
	Key   ServiceKey
	Pairs []EndpointPairStats

	CapturePosition string
}

// TopologyInfo is the final aggregation result, ready for an external
// renderer.
type TopologyInfo struct {
	EndpointPairs []EndpointPairStats
	Services      []ServiceStats
}

// initialTTLCandidates are the common OS/device default TTLs, smallest first.
var initialTTLCandidates = [3]int{64, 128, 255}

// HopsFromTTL computes hops = initial_ttl - ttl, where initial_ttl is the
// smallest of {64, 128, 255} that is >= ttl. A zero or negative TTL means
// "not observed".
func HopsFromTTL(ttl int) Hops {
	if ttl <= 0 {
		return Hops{}
	}
	for _, initial := range initialTTLCandidates {
		if ttl <= initial {
			return Hops{Value: initial - ttl, Known: true}
		}
	}
	return Hops{}
}

// matchConfidence bundles the two sides' role-detection confidence for one
// ConnectionMatch, as determined by the caller (pkg/roledetect.Detect).
type matchConfidence struct {
	match flow.ConnectionMatch
	confA roledetect.Confidence
	confB roledetect.Confidence
}

// Aggregate builds a TopologyInfo from a list of matches and their
// corresponding role-detection confidences (one pair of confidences per
// match, same order).
func Aggregate(matches []flow.ConnectionMatch, confidencesA, confidencesB []roledetect.Confidence) TopologyInfo {
	if len(matches) == 0 {
		return TopologyInfo{}
	}

	type serverKey struct {
		ip       string
		port     int
		protocol int
	}
	type bucketKey struct {
		serverA serverKey
		serverB serverKey
	}
	buckets := make(map[bucketKey]*bucketAccum)
	var order []bucketKey

	for i, m := range matches {
		tupleA := tupleFromConnection(m.ConnA)
		tupleB := tupleFromConnection(m.ConnB)
		key := bucketKey{
			serverKey{tupleA.ServerIP, tupleA.ServerPort, tupleA.Protocol},
			serverKey{tupleB.ServerIP, tupleB.ServerPort, tupleB.Protocol},
		}
		b, ok := buckets[key]
		if !ok {
			b = &bucketAccum{tupleA: tupleA, tupleB: tupleB}
			buckets[key] = b
			order = append(order, key)
		}
		b.count++
		b.confidences = append(b.confidences, roledetect.Min(confidencesA[i], confidencesB[i]))
		b.clientTTLsA = append(b.clientTTLsA, m.ConnA.ClientTTL)
		b.serverTTLsA = append(b.serverTTLsA, m.ConnA.ServerTTL)
		b.clientTTLsB = append(b.clientTTLsB, m.ConnB.ClientTTL)
		b.serverTTLsB = append(b.serverTTLsB, m.ConnB.ServerTTL)
	}

	var pairs []EndpointPairStats
	for _, key := range order {
		b := buckets[key]
		stat := b.toStats()
		pairs = append(pairs, stat)
		if !stat.Confidence.AtLeastMedium() {
			pairs = append(pairs, reversedInterpretation(stat))
		}
	}

	services := aggregateServices(pairs)

	return TopologyInfo{EndpointPairs: pairs, Services: services}
}

type bucketAccum struct {
	tupleA, tupleB EndpointTuple
	count          int
	confidences    []roledetect.Confidence
	clientTTLsA, serverTTLsA []int
	clientTTLsB, serverTTLsB []int
}

func (b *bucketAccum) toStats() EndpointPairStats {
	conf := roledetect.Unknown
	for i, c := range b.confidences {
		if i == 0 {
			conf = c
			continue
		}
		conf = roledetect.Min(conf, c)
	}
	return EndpointPairStats{
		TupleA:      b.tupleA,
		TupleB:      b.tupleB,
		Count:       b.count,
		Confidence:  conf,
		ClientHopsA: mostCommonHops(b.clientTTLsA),
		ServerHopsA: mostCommonHops(b.serverTTLsA),
		ClientHopsB: mostCommonHops(b.clientTTLsB),
		ServerHopsB: mostCommonHops(b.serverTTLsB),
	}
}

// reversedInterpretation swaps the A/B tuples and hop data, marking the
// result so downstream consumers know it is the low-confidence alternative
// reading rather than the primary aggregation.
func reversedInterpretation(s EndpointPairStats) EndpointPairStats {
	r := s
	r.TupleA, r.TupleB = s.TupleB, s.TupleA
	r.ClientHopsA, r.ClientHopsB = s.ClientHopsB, s.ClientHopsA
	r.ServerHopsA, r.ServerHopsB = s.ServerHopsB, s.ServerHopsA
	r.Reversed = true
	return r
}

// mostCommonHops converts a list of TTLs to hop counts and returns the most
// frequent value; ties break toward the smallest hop count. Unknown when
// the list is empty or every TTL was unobserved.
func mostCommonHops(ttls []int) Hops {
	counts := make(map[int]int)
	for _, ttl := range ttls {
		h := HopsFromTTL(ttl)
		if !h.Known {
			continue
		}
		counts[h.Value]++
	}
	if len(counts) == 0 {
		return Hops{}
	}
	best, bestCount := 0, -1
	for v, c := range counts {
		if c > bestCount || (c == bestCount && v < best) {
			best, bestCount = v, c
		}
	}
	return Hops{Value: best, Known: true}
}

func aggregateServices(pairs []EndpointPairStats) []ServiceStats {
	byKey := make(map[ServiceKey][]EndpointPairStats)
	var order []ServiceKey
	for _, p := range pairs {
		key := ServiceKey{ServerPort: p.TupleA.ServerPort, Protocol: p.TupleA.Protocol}
		if _, ok := byKey[key]; !ok {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], p)
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].Protocol != order[j].Protocol {
			return order[i].Protocol < order[j].Protocol
		}
		return order[i].ServerPort < order[j].ServerPort
	})

	var services []ServiceStats
	for _, key := range order {
		services = append(services, ServiceStats{
			Key:             key,
			Pairs:           byKey[key],
			CapturePosition: determinePosition(byKey[key]),
		})
	}
	return services
}

// Capture-point positions, matching the pairwise ordering's vocabulary.
const (
	AClosertToClient = "A_CLOSER_TO_CLIENT"
	BCloserToClient  = "B_CLOSER_TO_CLIENT"
	SamePosition     = "SAME_POSITION"
	Unknown          = "UNKNOWN"
)

// determinePosition compares server-side hop counts across a service's
// aggregated pairs using the first pair as representative, the same
// single-representative approach the pairwise reference implementation
// takes (hop counts are stable per service in practice).
func determinePosition(pairs []EndpointPairStats) string {
	var representative *EndpointPairStats
	for i := range pairs {
		if !pairs[i].Reversed {
			representative = &pairs[i]
			break
		}
	}
	if representative == nil {
		return Unknown
	}
	ha, hb := representative.ServerHopsA, representative.ServerHopsB
	if !ha.Known || !hb.Known {
		return Unknown
	}

	// Intermediate-terminating-device special case: one side reports
	// (client-hops=0, server-hops>0) and the other the mirror image.
	ca, cb := representative.ClientHopsA, representative.ClientHopsB
	if ca.Known && cb.Known {
		if ca.Value == 0 && ha.Value > 0 && cb.Value > 0 && hb.Value == 0 {
			return AClosertToClient
		}
		if cb.Value == 0 && hb.Value > 0 && ca.Value > 0 && ha.Value == 0 {
			return BCloserToClient
		}
	}

	diff := ha.Value - hb.Value
	switch {
	case diff > 0:
		return AClosertToClient
	case diff < 0:
		return BCloserToClient
	default:
		return SamePosition
	}
}
