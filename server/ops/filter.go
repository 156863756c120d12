package ops

import (
	"sort"
	"strconv"
	"strings"

	"github.com/luno/flowmap/api"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

var ErrLastLayer = errors.New("at least one OSI layer must remain active")

// Criteria is the full set of node/edge inclusion rules. The zero value is
// not usable; construct with DefaultCriteria.
type Criteria struct {
	Mode        api.FilterMode
	Subnet      string // first three octets, e.g. "10.0.0"
	IPSubstring string // all-mode free text match on IP or hostname

	MinTrafficBytes   int64
	Port              int
	MinThroughputMbps float64

	Layers map[api.OSILayer]bool
}

func DefaultCriteria() Criteria {
	return Criteria{
		Mode:   api.FilterAll,
		Layers: map[api.OSILayer]bool{api.LayerL4: true},
	}
}

// ToggleLayer flips a layer on or off. Deactivating the last active layer
// is refused: a graph with no layers selected is degenerate.
func (c *Criteria) ToggleLayer(l api.OSILayer) error {
	if c.Layers[l] && len(c.Layers) == 1 {
		return errors.Wrap(ErrLastLayer, "", j.KV("layer", l))
	}
	if c.Layers[l] {
		delete(c.Layers, l)
	} else {
		if c.Layers == nil {
			c.Layers = make(map[api.OSILayer]bool)
		}
		c.Layers[l] = true
	}
	return nil
}

func (c Criteria) LayerList() []api.OSILayer {
	ret := make([]api.OSILayer, 0, len(c.Layers))
	for l := range c.Layers {
		ret = append(ret, l)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// Fingerprint is a canonical string of every criterion that can change the
// node/edge set. The layout engine compares fingerprints to distinguish
// structural changes from volume-only refreshes.
func (c Criteria) Fingerprint() string {
	var b strings.Builder
	b.WriteString(string(c.Mode))
	b.WriteByte('/')
	b.WriteString(c.Subnet)
	b.WriteByte('/')
	b.WriteString(c.IPSubstring)
	b.WriteByte('/')
	b.WriteString(strconv.FormatInt(c.MinTrafficBytes, 10))
	b.WriteByte('/')
	b.WriteString(strconv.Itoa(c.Port))
	b.WriteByte('/')
	b.WriteString(strconv.FormatFloat(c.MinThroughputMbps, 'g', -1, 64))
	for _, l := range c.LayerList() {
		b.WriteByte('/')
		b.WriteString(string(l))
	}
	return b.String()
}

func (c Criteria) nodeInScope(n *Node) bool {
	switch c.Mode {
	case api.FilterSubnet:
		return subnetPrefix(n.ID) == c.Subnet
	default:
		if c.IPSubstring == "" {
			return true
		}
		s := strings.ToLower(c.IPSubstring)
		return strings.Contains(strings.ToLower(n.ID), s) ||
			strings.Contains(strings.ToLower(n.DisplayName), s)
	}
}

func (c Criteria) edgeInScope(g *Graph, e *Edge) bool {
	a, b := g.Nodes[e.Key.A], g.Nodes[e.Key.B]
	return (a != nil && c.nodeInScope(a)) || (b != nil && c.nodeInScope(b))
}

// throughputMbps estimates edge throughput over its observation window.
// Returns false when the window is degenerate and no rate can be computed.
func throughputMbps(e *Edge) (float64, bool) {
	dur := e.LastSeen - e.FirstSeen
	if dur <= 0 {
		return 0, false
	}
	return float64(e.TotalBytes()*8) / (float64(dur) * 1_000_000), true
}

func (c Criteria) keepEdge(g *Graph, e *Edge) bool {
	if !c.edgeInScope(g, e) {
		return false
	}
	if e.TotalBytes() < c.MinTrafficBytes {
		return false
	}
	if c.Port > 0 && !e.Ports[c.Port] {
		return false
	}
	if c.MinThroughputMbps > 0 {
		mbps, ok := throughputMbps(e)
		// Unmeasurable edges fail closed when the filter is active.
		if !ok || mbps < c.MinThroughputMbps {
			return false
		}
	}
	return edgeMatchesLayers(e, c.Layers)
}

// Apply produces the renderable subgraph. The input graph is not mutated:
// nodes and edges are copied into the result.
func Apply(g *Graph, c Criteria) *Graph {
	out := NewGraph()

	for k, e := range g.Edges {
		if !c.keepEdge(g, e) {
			continue
		}
		cp := copyEdge(e)
		out.Edges[k] = cp
	}

	// Nodes survive either via a surviving edge or on their own scope
	// merit: an isolated in-subnet host is still shown.
	for id, n := range g.Nodes {
		incident := false
		for k := range out.Edges {
			if k.A == id || k.B == id {
				incident = true
				break
			}
		}
		if !incident && !c.nodeInScope(n) {
			continue
		}
		cp := *n
		out.Nodes[id] = &cp
	}

	// Drop edges that lost an endpoint to the node rule. Cannot happen
	// with the rules above, but the invariant is cheap to restore.
	for k := range out.Edges {
		if _, ok := out.Nodes[k.A]; !ok {
			delete(out.Edges, k)
			continue
		}
		if _, ok := out.Nodes[k.B]; !ok {
			delete(out.Edges, k)
		}
	}

	recountConnections(out)
	return out
}

func copyEdge(e *Edge) *Edge {
	cp := *e
	cp.Protocols = make(map[string]bool, len(e.Protocols))
	for p := range e.Protocols {
		cp.Protocols[p] = true
	}
	cp.DetectedL7s = make(map[string]bool, len(e.DetectedL7s))
	for p := range e.DetectedL7s {
		cp.DetectedL7s[p] = true
	}
	cp.Ports = make(map[int]bool, len(e.Ports))
	for p := range e.Ports {
		cp.Ports[p] = true
	}
	return &cp
}

func recountConnections(g *Graph) {
	for _, n := range g.Nodes {
		n.ConnectionCount = 0
	}
	for k := range g.Edges {
		g.Nodes[k.A].ConnectionCount++
		g.Nodes[k.B].ConnectionCount++
	}
}
