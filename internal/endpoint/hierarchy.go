package endpoint

import (
	"fmt"
	"sort"

	"github.com/sneh-joshi/vsmbus/internal/types"
)

// hierarchy is the command structure as an arena: nodes refer to each other
// by index, never by pointer.
type hierarchy struct {
	nodes []hnode
	index map[string]int // lower-cased name -> node
}

type hnode struct {
	name     types.Endpoint
	parent   int // -1 for roots
	children []int
}

// rebuild recomputes the arena from the registry entries. Must be called with
// mu held (or before the registry is shared).
func (r *Registry) rebuild() error {
	names := make([]string, 0, len(r.entries))
	for k := range r.entries {
		names = append(names, k)
	}
	sort.Strings(names)

	h := hierarchy{
		nodes: make([]hnode, len(names)),
		index: make(map[string]int, len(names)),
	}
	for i, k := range names {
		h.nodes[i] = hnode{name: r.entries[k].Name, parent: -1}
		h.index[k] = i
	}
	for i, k := range names {
		p := r.entries[k].Parent
		if p == "" {
			continue
		}
		pi, ok := h.index[key(p)]
		if !ok {
			return fmt.Errorf("%w: parent %s of %s", ErrNotFound, p, r.entries[k].Name)
		}
		h.nodes[i].parent = pi
		h.nodes[pi].children = append(h.nodes[pi].children, i)
	}
	for i := range h.nodes {
		if h.depth(i) < 0 {
			return fmt.Errorf("endpoint: hierarchy cycle through %s", h.nodes[i].name)
		}
	}
	r.tree = h
	return nil
}

// depth returns the number of ancestors of node i, or -1 on a cycle.
func (h *hierarchy) depth(i int) int {
	d := 0
	for p := h.nodes[i].parent; p >= 0; p = h.nodes[p].parent {
		d++
		if d > len(h.nodes) {
			return -1
		}
	}
	return d
}

// ancestry walks from start up to stop and returns the names visited, start
// first and stop last. ok is false if stop is not an ancestor of start (or
// start itself).
func (h *hierarchy) ancestry(start, stop types.Endpoint) ([]types.Endpoint, bool) {
	i, ok := h.index[key(start)]
	if !ok {
		return nil, false
	}
	target, ok := h.index[key(stop)]
	if !ok {
		return nil, false
	}
	var out []types.Endpoint
	for steps := 0; i >= 0 && steps <= len(h.nodes); steps++ {
		out = append(out, h.nodes[i].name)
		if i == target {
			return out, true
		}
		i = h.nodes[i].parent
	}
	return nil, false
}

// Children returns the direct registered children of name in name order.
func (r *Registry) Children(name types.Endpoint) []types.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.tree.index[key(name)]
	if !ok {
		return nil
	}
	out := make([]types.Endpoint, 0, len(r.tree.nodes[i].children))
	for _, c := range r.tree.nodes[i].children {
		out = append(out, r.tree.nodes[c].name)
	}
	return out
}
