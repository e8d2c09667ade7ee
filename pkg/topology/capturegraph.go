package topology

import (
	"container/heap"
	"fmt"
	"math"
)

// CapturePointNode is one observation point in a chain of more than two
// capture points (e.g. client -> LB -> proxy -> server, each sniffed
// independently). Generalizes the pairwise A/B comparison in Aggregate to
// N capture points (SPEC_FULL.md §3 supplement).
type CapturePointNode struct {
	ID string
}

// CapturePointEdge connects two capture points with the hop distance
// inferred between them from TTL deltas on a shared matched flow.
type CapturePointEdge struct {
	From, To string
	Hops     int
}

// CaptureGraph holds the capture-point topology once more than two capture
// points are supplied. Built from pairwise Aggregate results between every
// combination of capture points the caller ran matching over.
type CaptureGraph struct {
	nodes map[string]CapturePointNode
	edges map[string]map[string]CapturePointEdge
}

// NewCaptureGraph constructs an empty CaptureGraph.
func NewCaptureGraph() *CaptureGraph {
	return &CaptureGraph{
		nodes: make(map[string]CapturePointNode),
		edges: make(map[string]map[string]CapturePointEdge),
	}
}

// AddCapturePoint registers a capture point by name.
func (g *CaptureGraph) AddCapturePoint(id string) {
	g.nodes[id] = CapturePointNode{ID: id}
}

// AddHopEdge records a bidirectional hop-distance relationship between two
// capture points, as derived from one pairwise topology Aggregate() result.
func (g *CaptureGraph) AddHopEdge(from, to string, hops int) {
	g.addDirected(from, to, hops)
	g.addDirected(to, from, hops)
}

func (g *CaptureGraph) addDirected(from, to string, hops int) {
	if g.edges[from] == nil {
		g.edges[from] = make(map[string]CapturePointEdge)
	}
	g.edges[from][to] = CapturePointEdge{From: from, To: to, Hops: hops}
}

// capturePath is a shortest path through the capture-point graph, in
// client-to-server hop order.
type capturePath struct {
	Points   []string
	TotalHops int
}

// OrderFromClient returns the capture points on the shortest hop-path from
// the given client-side capture point to every other registered capture
// point, ordered nearest to farthest — the N-capture-point generalization
// of spec.md §4.5.4's pairwise "capture-point sequence".
func (g *CaptureGraph) OrderFromClient(clientSide string) ([]string, error) {
	if _, ok := g.nodes[clientSide]; !ok {
		return nil, fmt.Errorf("topology: capture point %q not found", clientSide)
	}

	distances := make(map[string]float64)
	for id := range g.nodes {
		distances[id] = math.Inf(1)
	}
	distances[clientSide] = 0

	pq := &capturePQ{}
	heap.Init(pq)
	heap.Push(pq, &capturePQItem{id: clientSide, priority: 0})

	visited := make(map[string]bool)
	for pq.Len() > 0 {
		current := heap.Pop(pq).(*capturePQItem).id
		if visited[current] {
			continue
		}
		visited[current] = true

		for to, edge := range g.edges[current] {
			alt := distances[current] + float64(edge.Hops)
			if alt < distances[to] {
				distances[to] = alt
				heap.Push(pq, &capturePQItem{id: to, priority: alt})
			}
		}
	}

	var all []rankedCapture
	for id, d := range distances {
		if math.IsInf(d, 1) {
			continue
		}
		all = append(all, rankedCapture{id, d})
	}
	sortRankedByDistance(all)

	ordered := make([]string, len(all))
	for i, r := range all {
		ordered[i] = r.id
	}
	return ordered, nil
}

// rankedCapture pairs a capture point with its shortest-path hop distance
// from the client-side anchor.
type rankedCapture struct {
	id   string
	dist float64
}

func sortRankedByDistance(all []rankedCapture) {
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].dist < all[j-1].dist; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
}

// capturePQItem is one entry in the Dijkstra priority queue.
type capturePQItem struct {
	id       string
	priority float64
	index    int
}

type capturePQ []*capturePQItem

func (pq capturePQ) Len() int            { return len(pq) }
func (pq capturePQ) Less(i, j int) bool  { return pq[i].priority < pq[j].priority }
func (pq capturePQ) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}

func (pq *capturePQ) Push(x any) {
	item := x.(*capturePQItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *capturePQ) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}
