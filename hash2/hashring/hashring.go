// Package hashring implements a ketama style consistent hashing ring.
//
// A Ring is immutable once built.  Membership changes are expressed by
// building a new Ring from the new node set, which keeps lookups lock free
// for readers that hold on to an older snapshot.
package hashring

import (
	"sort"

	"github.com/twmb/murmur3"
)

// The default number of points each node occupies on the ring.
const DefaultVirtualNodes = 200

type point struct {
	hash uint32
	node int // index into Ring.nodes
}

type Ring struct {
	points []point
	nodes  []string
}

// This builds a ring from the given node names.  Duplicate names are
// collapsed.  The resulting ring does not depend on the order of the input:
// two rings built from the same node set route every key identically.
func New(nodes []string, virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}

	unique := make(map[string]struct{}, len(nodes))
	sorted := make([]string, 0, len(nodes))
	for _, node := range nodes {
		if _, ok := unique[node]; ok {
			continue
		}
		unique[node] = struct{}{}
		sorted = append(sorted, node)
	}
	sort.Strings(sorted)

	ring := &Ring{
		points: make([]point, 0, len(sorted)*virtualNodes),
		nodes:  sorted,
	}

	for i, node := range sorted {
		// Each point is seeded with the previous one, so the point sequence
		// of a node only depends on its name.
		var hash uint32
		for j := 0; j < virtualNodes; j++ {
			hash = murmur3.SeedStringSum32(hash, node)
			ring.points = append(ring.points, point{hash: hash, node: i})
		}
	}

	sort.Slice(ring.points, func(i, j int) bool {
		if ring.points[i].hash != ring.points[j].hash {
			return ring.points[i].hash < ring.points[j].hash
		}
		return ring.points[i].node < ring.points[j].node
	})

	return ring
}

// Returns the number of distinct nodes on the ring.
func (r *Ring) Len() int {
	return len(r.nodes)
}

// Returns the ring's nodes in sorted order.
func (r *Ring) Nodes() []string {
	result := make([]string, len(r.nodes))
	copy(result, r.nodes)
	return result
}

// Returns true if the node is on the ring.
func (r *Ring) Contains(node string) bool {
	i := sort.SearchStrings(r.nodes, node)
	return i < len(r.nodes) && r.nodes[i] == node
}

// Returns the node owning the key.  The second return value is false when
// the ring is empty.
func (r *Ring) GetNode(key string) (string, bool) {
	if len(r.points) == 0 {
		return "", false
	}

	return r.nodes[r.points[r.getPointPos(key)].node], true
}

// Returns all nodes in the order they would be picked for the key, i.e., the
// owner first, followed by each subsequent distinct node walking the ring
// clockwise.
func (r *Ring) GetNodes(key string) []string {
	if len(r.points) == 0 {
		return nil
	}

	pos := r.getPointPos(key)

	seen := make([]bool, len(r.nodes))
	result := make([]string, 0, len(r.nodes))
	for i := 0; i < len(r.points) && len(result) < len(r.nodes); i++ {
		p := r.points[(pos+i)%len(r.points)]
		if !seen[p.node] {
			seen[p.node] = true
			result = append(result, r.nodes[p.node])
		}
	}

	return result
}

// Requires len(r.points) > 0
func (r *Ring) getPointPos(key string) int {
	hash := KeyHash(key)

	pos := sort.Search(
		len(r.points),
		func(i int) bool { return r.points[i].hash >= hash })

	if pos == len(r.points) {
		// Wrap the search, should return first point
		return 0
	}
	return pos
}

// Returns the ring position of a key.
func KeyHash(key string) uint32 {
	return murmur3.StringSum32(key)
}
