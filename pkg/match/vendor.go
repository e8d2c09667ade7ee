package match

import "github.com/netweaver/capmatch/pkg/flow"

// VendorTrailerMatch finds stage-1 exact matches: pairs of Connections where
// one side's SYN carries a vendor trailer reporting the peer's client
// IP:port, and that reported peer equals the other side's client IP:port.
// Every produced match is force_accept with normalized_score 1.0, mirroring
// a SNAT/DNAT intermediate device's trailer being ground truth for the
// original client endpoint.
func VendorTrailerMatch(sideA, sideB []flow.Connection) []flow.ConnectionMatch {
	peersB := indexVendorPeers(sideB)

	type pairKey struct {
		a, b int
	}
	seen := make(map[pairKey]struct{})

	var matches []flow.ConnectionMatch
	for _, a := range sideA {
		if !a.HasVendorTrailer {
			continue
		}
		for _, b := range peersB[a.VendorTrailerPeer] {
			key := pairKey{a.FlowID, b.FlowID}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			matches = append(matches, vendorMatch(a, b))
		}
	}

	peersA := indexVendorPeers(sideA)
	for _, b := range sideB {
		if !b.HasVendorTrailer {
			continue
		}
		for _, a := range peersA[b.VendorTrailerPeer] {
			key := pairKey{a.FlowID, b.FlowID}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			matches = append(matches, vendorMatch(a, b))
		}
	}
	return matches
}

// indexVendorPeers indexes connections by their own client endpoint, so a
// trailer's reported peer can be looked up directly.
func indexVendorPeers(conns []flow.Connection) map[flow.Endpoint][]flow.Connection {
	idx := make(map[flow.Endpoint][]flow.Connection)
	for _, c := range conns {
		ep := flow.Endpoint{IP: c.ClientIP, Port: c.ClientPort}
		idx[ep] = append(idx[ep], c)
	}
	return idx
}

func vendorMatch(a, b flow.Connection) flow.ConnectionMatch {
	return flow.ConnectionMatch{
		ConnA: a,
		ConnB: b,
		Score: flow.MatchScore{
			NormalizedScore: 1.0,
			RawScore:        1.0,
			AvailableWeight: 1.0,
			IPIDMatch:       true,
			ForceAccept:     true,
			Evidence:        "vendor_trailer",
		},
	}
}
