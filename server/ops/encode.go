package ops

import (
	"hash/fnv"
	"math"
	"sort"
	"time"

	"github.com/luno/flowmap/api"
	"github.com/luno/flowmap/api/draw"
	"github.com/luno/flowmap/server/ops/config"
)

const (
	baseNodeRadius = 8.0
	baseEdgeWidth  = 1.5
	maxCurvature   = 0.3

	// Non-connected elements are dimmed to this fraction of their
	// recency opacity while something else holds a highlight.
	dimFactor = 0.3
)

// Layer-indexed hues used when multiple OSI layers are active at once.
var layerColors = map[api.OSILayer]string{
	api.LayerL2: "#9b59b6", // purple
	api.LayerL4: "#2ecc71", // green
	api.LayerL5: "#00bcd4", // cyan
	api.LayerL7: "#e74c3c", // red
}

var protocolColors = map[string]string{
	"TCP":   "#2ecc71",
	"UDP":   "#f39c12",
	"ICMP":  "#e67e22",
	"HTTP":  "#e74c3c",
	"HTTPS": "#c0392b",
	"DNS":   "#3498db",
	"TLS":   "#00bcd4",
	"SSL":   "#00bcd4",
	"SSH":   "#8e44ad",
	"QUIC":  "#9b59b6",
	"MQTT":  "#16a085",
	"SMTP":  "#d35400",
}

var groupColors = map[MembershipGroup]string{
	GroupOnline:   "#2ecc71",
	GroupOffline:  "#7f8c8d",
	GroupPassive:  "#f1c40f",
	GroupExternal: "#e74c3c",
}

const (
	colorLayerMismatch = "#23262b" // near-invisible neutral
	colorBidirectional = "#1abc9c"
	colorDefaultEdge   = "#5d6d7e"
	colorSelectedHalo  = "#2ecc71"
	colorHoveredHalo   = "#00e5ff"
)

type RecencyTier int

const (
	TierActive RecencyTier = iota
	TierRecent
	TierStale
)

// Encoder maps graph + time + highlight state to draw commands. All methods
// are pure: the same inputs always produce the same frame.
type Encoder struct {
	Recency config.Recency
	Refresh time.Duration
	// Captured indicates the last refresh actually sampled packets
	// rather than inferring activity from aggregate counters.
	Captured bool
}

func (enc Encoder) tier(lastSeen int64, now time.Time) RecencyTier {
	if lastSeen <= 0 {
		return TierStale
	}
	elapsed := float64(now.Unix() - lastSeen)
	refresh := enc.Refresh.Seconds()
	switch {
	case elapsed < enc.Recency.ActiveMultiplier*refresh:
		return TierActive
	case elapsed < enc.Recency.RecentMultiplier*refresh:
		return TierRecent
	default:
		return TierStale
	}
}

func (enc Encoder) tierOpacity(t RecencyTier) float64 {
	switch t {
	case TierActive:
		if enc.Captured {
			return enc.Recency.ActiveCapturedOpacity
		}
		return enc.Recency.ActiveOpacity
	case TierRecent:
		return enc.Recency.RecentOpacity
	default:
		return enc.Recency.StaleOpacity
	}
}

// sizeBucket quantizes a ratio-to-max into 10% buckets. Quantized, not
// continuous: distinguishable size classes read faster than a smooth scale.
func sizeBucket(value, max float64) float64 {
	if max <= 0 {
		return 0
	}
	ratio := value / max
	if ratio > 1 {
		ratio = 1
	}
	if ratio < 0 {
		ratio = 0
	}
	return math.Floor(ratio*10) / 10
}

func nodeRadius(n *Node, maxDegree int) float64 {
	return baseNodeRadius * (1 + sizeBucket(float64(n.ConnectionCount), float64(maxDegree)))
}

func edgeWidth(e *Edge, maxBytes int64) float64 {
	return baseEdgeWidth * (1 + sizeBucket(float64(e.TotalBytes()), float64(maxBytes)))
}

// edgeCurvature derives a stable offset from the endpoint pair so the same
// pair always curves identically and colinear pairs separate visually.
func edgeCurvature(k EdgeKey) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(k.ID()))
	unit := float64(h.Sum64()%2001)/1000 - 1 // [-1, 1]
	return unit * maxCurvature
}

// edgeColor picks the base hue. Layer mismatch dominates everything else.
// With several layers active the hue indexes the edge's layer; with a
// single layer it follows the most specific protocol.
func edgeColor(e *Edge, c Criteria) string {
	if !edgeMatchesLayers(e, c.Layers) {
		return colorLayerMismatch
	}
	if len(c.Layers) > 1 {
		if l, ok := dominantLayer(e, c.Layers); ok {
			return layerColors[l]
		}
		return layerColors[api.LayerL4]
	}
	if p, ok := dominantProtocol(e); ok {
		if col, ok := protocolColors[p]; ok {
			return col
		}
	}
	if e.Bidirectional {
		return colorBidirectional
	}
	return colorDefaultEdge
}

// dominantLayer returns the highest active layer the edge carries,
// preferring the most specific (L7 first).
func dominantLayer(e *Edge, active map[api.OSILayer]bool) (api.OSILayer, bool) {
	order := []api.OSILayer{api.LayerL7, api.LayerL5, api.LayerL4, api.LayerL2}
	for _, want := range order {
		if !active[want] {
			continue
		}
		for p := range e.DetectedL7s {
			if l, ok := layerOf(p); ok && l == want {
				return want, true
			}
		}
		for p := range e.Protocols {
			if l, ok := layerOf(p); ok && l == want {
				return want, true
			}
		}
	}
	if len(e.DetectedL7s) == 0 && len(e.Protocols) == 0 && active[api.LayerL4] {
		return api.LayerL4, true
	}
	return "", false
}

// dominantProtocol prefers a detected L7 protocol over transport metadata.
func dominantProtocol(e *Edge) (string, bool) {
	if p, ok := firstSorted(e.DetectedL7s); ok {
		return p, true
	}
	return firstSorted(e.Protocols)
}

func firstSorted(set map[string]bool) (string, bool) {
	if len(set) == 0 {
		return "", false
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0], true
}

// EncodeFrame renders the filtered graph into one draw frame. Highlight
// precedence per element: click beats hover beats ambient recency; while
// any highlight is active, unrelated elements are dimmed.
func (enc Encoder) EncodeFrame(g *Graph, layout *Layout, now time.Time, hl *HighlightState, c Criteria, vp *draw.Viewport) draw.Frame {
	frame := draw.Frame{ServerTime: now.Unix(), Viewport: vp}
	anyHighlight := hl != nil && hl.Active()

	maxDeg := g.MaxDegree()
	maxBytes := g.MaxEdgeBytes()

	nodeIDs := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	nodeLastSeen := make(map[string]int64)
	for k, e := range g.Edges {
		if e.LastSeen > nodeLastSeen[k.A] {
			nodeLastSeen[k.A] = e.LastSeen
		}
		if e.LastSeen > nodeLastSeen[k.B] {
			nodeLastSeen[k.B] = e.LastSeen
		}
	}

	for _, id := range nodeIDs {
		n := g.Nodes[id]
		pos, _ := layout.Position(id)
		dn := draw.Node{
			ID:          id,
			DisplayName: n.DisplayName,
			X:           pos.X,
			Y:           pos.Y,
			Radius:      nodeRadius(n, maxDeg),
			Color:       groupColors[n.Group],
			Opacity:     enc.tierOpacity(enc.tier(nodeLastSeen[id], now)),
		}
		switch {
		case hl.NodeSelected(id):
			dn.Opacity = 1
			dn.Halo = draw.HaloSelected
			dn.Color = colorSelectedHalo
		case hl.NodeHovered(id):
			dn.Opacity = 1
			dn.Halo = draw.HaloHovered
			dn.Color = colorHoveredHalo
		case hl.NodeConnected(id):
			dn.Opacity = 1
		case anyHighlight:
			dn.Opacity *= dimFactor
		}
		frame.Nodes = append(frame.Nodes, dn)
	}

	edgeKeys := make([]EdgeKey, 0, len(g.Edges))
	for k := range g.Edges {
		edgeKeys = append(edgeKeys, k)
	}
	sort.Slice(edgeKeys, func(i, j int) bool { return edgeKeys[i].ID() < edgeKeys[j].ID() })

	for _, k := range edgeKeys {
		e := g.Edges[k]
		de := draw.Edge{
			ID:        k.ID(),
			Source:    k.A,
			Target:    k.B,
			Width:     edgeWidth(e, maxBytes),
			Color:     edgeColor(e, c),
			Opacity:   enc.tierOpacity(enc.tier(e.LastSeen, now)),
			Curvature: edgeCurvature(k),
		}
		switch {
		case hl.EdgeSelected(k.ID()):
			de.Opacity = 1
			de.Halo = draw.HaloSelected
		case hl.EdgeHovered(k.ID()):
			de.Opacity = 1
			de.Halo = draw.HaloHovered
		case hl.EdgeConnected(k.ID()):
			de.Opacity = 1
		case anyHighlight:
			de.Opacity *= dimFactor
		}
		frame.Edges = append(frame.Edges, de)
	}
	return frame
}
