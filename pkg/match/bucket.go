package match

import (
	"fmt"

	"github.com/netweaver/capmatch/pkg/flow"
)

// BucketStrategy controls how candidate connections are partitioned before
// the O(n*m) scoring loop runs within each partition.
type BucketStrategy string

const (
	BucketAuto   BucketStrategy = "auto"
	BucketServer BucketStrategy = "server_address"
	BucketPort   BucketStrategy = "server_port"
	BucketNone   BucketStrategy = "none"
)

// ChooseBucketStrategy resolves BucketAuto into a concrete strategy using
// the same server/port overlap heuristic as the cascade's reference
// implementation: identical servers on both sides favor SERVER bucketing
// (high precision); differing servers with shared ports favor PORT
// bucketing (NAT/load-balancer friendly); anything else falls back to PORT.
func ChooseBucketStrategy(requested BucketStrategy, sideA, sideB []flow.Connection) BucketStrategy {
	if requested != BucketAuto {
		return requested
	}

	serversA := uniqueServerIPs(sideA)
	serversB := uniqueServerIPs(sideB)
	portsA := uniqueServerPorts(sideA)
	portsB := uniqueServerPorts(sideB)

	commonServers := intersectStrings(serversA, serversB)
	commonPorts := intersectInts(portsA, portsB)

	if len(commonServers) > 0 && len(commonServers) == len(serversA) && len(commonServers) == len(serversB) {
		return BucketServer
	}
	if len(commonServers) == 0 && len(commonPorts) > 0 {
		return BucketPort
	}
	return BucketPort
}

// CreateBuckets partitions connections by the given strategy's key.
func CreateBuckets(connections []flow.Connection, strategy BucketStrategy) map[string][]flow.Connection {
	buckets := make(map[string][]flow.Connection)
	for _, c := range connections {
		var key string
		switch strategy {
		case BucketServer:
			key = c.ServerIP
		case BucketPort:
			key = fmt.Sprintf("%d", c.ServerPort)
		default:
			key = "all"
		}
		buckets[key] = append(buckets[key], c)
	}
	return buckets
}

func uniqueServerIPs(conns []flow.Connection) map[string]struct{} {
	out := make(map[string]struct{})
	for _, c := range conns {
		out[c.ServerIP] = struct{}{}
	}
	return out
}

func uniqueServerPorts(conns []flow.Connection) map[int]struct{} {
	out := make(map[int]struct{})
	for _, c := range conns {
		out[c.ServerPort] = struct{}{}
	}
	return out
}

func intersectStrings(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

func intersectInts(a, b map[int]struct{}) map[int]struct{} {
	out := make(map[int]struct{})
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}
