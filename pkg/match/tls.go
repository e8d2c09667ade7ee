package match

import "github.com/netweaver/capmatch/pkg/flow"

// tlsClientHelloKey is the (random, session_id) tuple used as an exact
// matching key for TLS Client Hellos, per the TLS handshake's own replay
// guarantees.
type tlsClientHelloKey struct {
	random    string
	sessionID string
}

// TLSClientHelloMatch finds stage-2 exact matches: pairs of Connections,
// one from each capture side, whose first TLS Client Hello carries the
// identical (random, session_id) pair. Every produced match is force_accept
// with normalized_score 1.0 — a Client Hello random is cryptographically
// unique per handshake, so an equal pair across capture points is ground
// truth for the same flow.
func TLSClientHelloMatch(sideA, sideB []flow.Connection) []flow.ConnectionMatch {
	index := make(map[tlsClientHelloKey][]flow.Connection)
	for _, b := range sideB {
		if !b.HasTLSClientHello || b.TLSClientHelloRandom == "" {
			continue
		}
		key := tlsClientHelloKey{b.TLSClientHelloRandom, b.TLSClientHelloSessionID}
		index[key] = append(index[key], b)
	}

	var matches []flow.ConnectionMatch
	for _, a := range sideA {
		if !a.HasTLSClientHello || a.TLSClientHelloRandom == "" {
			continue
		}
		key := tlsClientHelloKey{a.TLSClientHelloRandom, a.TLSClientHelloSessionID}
		for _, b := range index[key] {
			matches = append(matches, flow.ConnectionMatch{
				ConnA: a,
				ConnB: b,
				Score: flow.MatchScore{
					NormalizedScore: 1.0,
					RawScore:        1.0,
					AvailableWeight: 1.0,
					IPIDMatch:       true,
					ForceAccept:     true,
					Evidence:        "tls_client_hello",
				},
			})
		}
	}
	return matches
}
