package scoring

import (
	"container/heap"
	"errors"
	"math"

	"github.com/brunoga/deep"
)

// ErrNoPath is returned when the target cannot be reached from the source.
var ErrNoPath = errors.New("no path between nodes")

// Graph is a weighted directed graph whose nodes are sample timestamps.
// Synthetic nodes use negative ids.
type Graph struct {
	Edges map[int64]map[int64]float64
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{Edges: make(map[int64]map[int64]float64)}
}

// AddNode adds a node with no edges. Adding an existing node is a no-op.
func (g *Graph) AddNode(id int64) {
	if _, ok := g.Edges[id]; !ok {
		g.Edges[id] = make(map[int64]float64)
	}
}

// AddEdge adds or replaces the edge from → to. Both nodes are created if needed.
func (g *Graph) AddEdge(from, to int64, w float64) {
	g.AddNode(from)
	g.AddNode(to)
	g.Edges[from][to] = w
}

// Weight returns the weight of from → to.
func (g *Graph) Weight(from, to int64) (float64, bool) {
	w, ok := g.Edges[from][to]
	return w, ok
}

// Clone returns an independent copy that can take speculative edges.
func (g *Graph) Clone() *Graph {
	return deep.MustCopy(g)
}

// ShortestPath runs Dijkstra from src to dst and returns the node sequence
// and its total weight. Weights must be non-negative.
func (g *Graph) ShortestPath(src, dst int64) ([]int64, float64, error) {
	if _, ok := g.Edges[src]; !ok {
		return nil, 0, ErrNoPath
	}
	if _, ok := g.Edges[dst]; !ok {
		return nil, 0, ErrNoPath
	}

	dist := map[int64]float64{src: 0}
	prev := make(map[int64]int64)
	done := make(map[int64]bool)

	pq := &nodeQueue{{id: src}}
	for pq.Len() > 0 {
		n := heap.Pop(pq).(queued)
		if done[n.id] {
			continue
		}
		done[n.id] = true
		if n.id == dst {
			break
		}
		for to, w := range g.Edges[n.id] {
			nd := n.dist + w
			if d, ok := dist[to]; !ok || nd < d {
				dist[to] = nd
				prev[to] = n.id
				heap.Push(pq, queued{id: to, dist: nd})
			}
		}
	}

	total, ok := dist[dst]
	if !ok || math.IsInf(total, 1) {
		return nil, 0, ErrNoPath
	}

	path := []int64{dst}
	for at := dst; at != src; {
		at = prev[at]
		path = append(path, at)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, total, nil
}

type queued struct {
	id   int64
	dist float64
}

type nodeQueue []queued

func (q nodeQueue) Len() int { return len(q) }
func (q nodeQueue) Less(i, j int) bool {
	if q[i].dist == q[j].dist {
		return q[i].id < q[j].id
	}
	return q[i].dist < q[j].dist
}
func (q nodeQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *nodeQueue) Push(x any)   { *q = append(*q, x.(queued)) }
func (q *nodeQueue) Pop() any {
	old := *q
	n := old[len(old)-1]
	*q = old[:len(old)-1]
	return n
}
