package match

import (
	"context"
	"sort"

	"github.com/netweaver/capmatch/pkg/config"
	"github.com/netweaver/capmatch/pkg/flow"
)

// Selection controls how a bucket's accepted scored pairs are turned into
// ConnectionMatch values.
type Selection string

const (
	OneToOne  Selection = "one_to_one"
	OneToMany Selection = "one_to_many"
)

// Engine runs the full three-stage matching cascade: vendor-trailer exact
// match, TLS Client Hello exact match, fingerprint scoring with the
// microflow fast path, bucketed candidate enumeration, selection, and
// direction alignment.
type Engine struct {
	cfg      config.Matching
	scorer   *FingerprintScorer
	microflow MicroflowScorer
	sampler  *Sampler
}

// NewEngine builds an Engine from configuration.
func NewEngine(cfg config.Matching) *Engine {
	return &Engine{
		cfg:      cfg,
		scorer:   NewFingerprintScorer(cfg),
		sampler:  NewSampler(cfg.Sampling.Threshold, cfg.Sampling.Rate),
	}
}

// Match runs the cascade over two Connection lists from opposite capture
// points and returns the final, direction-aligned ConnectionMatch list.
// The returned error is only ever ctx.Err() — cancellation is checked
// between buckets.
func (e *Engine) Match(ctx context.Context, sideA, sideB []flow.Connection) ([]flow.ConnectionMatch, error) {
	var all []flow.ConnectionMatch

	vendorMatches := VendorTrailerMatch(sideA, sideB)
	all = append(all, vendorMatches...)
	sideA, sideB = removeMatched(sideA, sideB, vendorMatches)

	tlsMatches := TLSClientHelloMatch(sideA, sideB)
	all = append(all, tlsMatches...)
	sideA, sideB = removeMatched(sideA, sideB, tlsMatches)

	if e.cfg.Sampling.Enabled {
		if e.sampler.ShouldSample(sideA) {
			sideA = e.sampler.Sample(sideA)
		}
		if e.sampler.ShouldSample(sideB) {
			sideB = e.sampler.Sample(sideB)
		}
	}

	fingerprintMatches, err := e.matchFingerprint(ctx, sideA, sideB)
	if err != nil {
		return nil, err
	}
	all = append(all, fingerprintMatches...)

	return alignDirections(all), nil
}

// matchFingerprint implements stage 3 over buckets: candidate enumeration,
// per-pair scoring with the microflow fast path, deduplication, and
// selection.
func (e *Engine) matchFingerprint(ctx context.Context, sideA, sideB []flow.Connection) ([]flow.ConnectionMatch, error) {
	strategy := ChooseBucketStrategy(BucketStrategy(e.cfg.BucketStrategy), sideA, sideB)
	bucketsA := CreateBuckets(sideA, strategy)
	bucketsB := CreateBuckets(sideB, strategy)

	selection := Selection(e.cfg.Selection)
	if selection == "" {
		selection = OneToOne
	}

	seen := make(map[[2]int]struct{})
	var results []flow.ConnectionMatch

	keys := make([]string, 0, len(bucketsA))
	for k := range bucketsA {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		bucketB, ok := bucketsB[key]
		if !ok {
			continue
		}
		bucketMatches := e.matchBucket(bucketsA[key], bucketB, selection)
		for _, m := range bucketMatches {
			dedupKey := [2]int{m.ConnA.FlowID, m.ConnB.FlowID}
			if _, dup := seen[dedupKey]; dup {
				continue
			}
			seen[dedupKey] = struct{}{}
			results = append(results, m)
		}
	}
	return results, nil
}

type scoredPair struct {
	a, b  int
	score flow.MatchScore
	connA flow.Connection
	connB flow.Connection
}

func (e *Engine) matchBucket(bucketA, bucketB []flow.Connection, selection Selection) []flow.ConnectionMatch {
	var scored []scoredPair
	for i, a := range bucketA {
		for j, b := range bucketB {
			if !portPredicate(a, b) {
				continue
			}
			score := e.scoreCandidate(a, b)
			if !score.Accepted(e.cfg.Threshold) {
				continue
			}
			scored = append(scored, scoredPair{a: i, b: j, score: score, connA: a, connB: b})
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		si, sj := scored[i], scored[j]
		if si.score.ForceAccept != sj.score.ForceAccept {
			return si.score.ForceAccept
		}
		if si.score.NormalizedScore != sj.score.NormalizedScore {
			return si.score.NormalizedScore > sj.score.NormalizedScore
		}
		if si.connA.FlowID != sj.connA.FlowID {
			return si.connA.FlowID < sj.connA.FlowID
		}
		return si.connB.FlowID < sj.connB.FlowID
	})

	var matches []flow.ConnectionMatch
	if selection == OneToMany {
		for _, sp := range scored {
			matches = append(matches, flow.ConnectionMatch{ConnA: sp.connA, ConnB: sp.connB, Score: sp.score})
		}
		return matches
	}

	usedA := make(map[int]struct{})
	usedB := make(map[int]struct{})
	for _, sp := range scored {
		if _, ok := usedA[sp.a]; ok {
			continue
		}
		if _, ok := usedB[sp.b]; ok {
			continue
		}
		matches = append(matches, flow.ConnectionMatch{ConnA: sp.connA, ConnB: sp.connB, Score: sp.score})
		usedA[sp.a] = struct{}{}
		usedB[sp.b] = struct{}{}
	}
	return matches
}

// scoreCandidate applies the IP-ID predicate first; on failure it attempts
// the microflow fast path when either side qualifies as a microflow.
func (e *Engine) scoreCandidate(a, b flow.Connection) flow.MatchScore {
	score := e.scorer.Score(a, b)
	if score.IPIDMatch {
		return score
	}
	if a.IsMicroflow() || b.IsMicroflow() {
		if microScore, ok := e.microflow.TryMicroflow(a, b); ok {
			return microScore
		}
	}
	return score
}

// removeMatched drops already-matched connections (by FlowID) from both
// sides before the next cascade stage runs.
func removeMatched(sideA, sideB []flow.Connection, matches []flow.ConnectionMatch) ([]flow.Connection, []flow.Connection) {
	if len(matches) == 0 {
		return sideA, sideB
	}
	matchedA := make(map[int]struct{})
	matchedB := make(map[int]struct{})
	for _, m := range matches {
		matchedA[m.ConnA.FlowID] = struct{}{}
		matchedB[m.ConnB.FlowID] = struct{}{}
	}
	return filterOut(sideA, matchedA), filterOut(sideB, matchedB)
}

func filterOut(conns []flow.Connection, matched map[int]struct{}) []flow.Connection {
	out := make([]flow.Connection, 0, len(conns))
	for _, c := range conns {
		if _, ok := matched[c.FlowID]; ok {
			continue
		}
		out = append(out, c)
	}
	return out
}

// alignDirections ensures a consistent client/server orientation per match:
// for a shared port appearing on different sides across the pair, the side
// whose SYN was not captured is swapped so the side with a SYN wins.
func alignDirections(matches []flow.ConnectionMatch) []flow.ConnectionMatch {
	out := make([]flow.ConnectionMatch, len(matches))
	for i, m := range matches {
		out[i] = alignPair(m)
	}
	return out
}

func alignPair(m flow.ConnectionMatch) flow.ConnectionMatch {
	a, b := m.ConnA, m.ConnB
	if a.ServerPort == b.ServerPort {
		return m
	}
	if a.ServerPort == b.ClientPort && a.ClientPort == b.ServerPort {
		// Orientation disagrees: prefer the connection that observed a SYN.
		switch {
		case a.HasSYN && !b.HasSYN:
			b = b.WithRolesSwapped()
		case b.HasSYN && !a.HasSYN:
			a = a.WithRolesSwapped()
		}
	}
	return flow.ConnectionMatch{ConnA: a, ConnB: b, Score: m.Score}
}
