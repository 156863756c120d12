package ops

// HighlightState tracks hover and click selection over nodes and edges.
// At most one element is hovered and, independently, at most one is
// click-selected. Derived connected sets are recomputed on every change.
//
// Precedence when rendering: click (green, persistent) beats hover (cyan,
// transient) beats ambient recency styling.
type HighlightState struct {
	hoveredNode string
	hoveredEdge string
	clickedNode string
	clickedEdge string

	connNodes map[string]bool
	connEdges map[string]bool
}

func NewHighlightState() *HighlightState {
	return &HighlightState{
		connNodes: make(map[string]bool),
		connEdges: make(map[string]bool),
	}
}

func (s *HighlightState) Active() bool {
	if s == nil {
		return false
	}
	return s.hoveredNode != "" || s.hoveredEdge != "" ||
		s.clickedNode != "" || s.clickedEdge != ""
}

func (s *HighlightState) NodeSelected(id string) bool {
	return s != nil && s.clickedNode == id && id != ""
}

func (s *HighlightState) NodeHovered(id string) bool {
	return s != nil && s.hoveredNode == id && id != ""
}

func (s *HighlightState) EdgeSelected(id string) bool {
	return s != nil && s.clickedEdge == id && id != ""
}

func (s *HighlightState) EdgeHovered(id string) bool {
	return s != nil && s.hoveredEdge == id && id != ""
}

// NodeConnected reports whether the node is in the connected set of the
// current hover or click selection.
func (s *HighlightState) NodeConnected(id string) bool {
	return s != nil && s.connNodes[id]
}

func (s *HighlightState) EdgeConnected(id string) bool {
	return s != nil && s.connEdges[id]
}

func (s *HighlightState) SelectedNode() string {
	if s == nil {
		return ""
	}
	return s.clickedNode
}

func (s *HighlightState) SelectedEdge() string {
	if s == nil {
		return ""
	}
	return s.clickedEdge
}

// HoverNode sets the transient hover target. Re-hovering the same node is
// a no-op so repeated pointer events cannot churn derived state.
func (s *HighlightState) HoverNode(g *Graph, id string) {
	if s.hoveredNode == id && s.hoveredEdge == "" {
		return
	}
	s.hoveredNode, s.hoveredEdge = id, ""
	s.recompute(g)
}

func (s *HighlightState) HoverEdge(g *Graph, id string) {
	if s.hoveredEdge == id && s.hoveredNode == "" {
		return
	}
	s.hoveredNode, s.hoveredEdge = "", id
	s.recompute(g)
}

func (s *HighlightState) ClearHover(g *Graph) {
	if s.hoveredNode == "" && s.hoveredEdge == "" {
		return
	}
	s.hoveredNode, s.hoveredEdge = "", ""
	s.recompute(g)
}

// ClickNode selects a node, clearing any edge selection. Clicking an
// already-selected node keeps the selection and reports true so the caller
// can open the context action surface instead of toggling off.
func (s *HighlightState) ClickNode(g *Graph, id string) (contextAction bool) {
	if s.clickedNode == id {
		return true
	}
	s.clickedNode, s.clickedEdge = id, ""
	s.recompute(g)
	return false
}

func (s *HighlightState) ClickEdge(g *Graph, id string) (contextAction bool) {
	if s.clickedEdge == id {
		return true
	}
	s.clickedNode, s.clickedEdge = "", id
	s.recompute(g)
	return false
}

// ClickEmpty clears click selection; hover is unaffected.
func (s *HighlightState) ClickEmpty(g *Graph) (cleared bool) {
	if s.clickedNode == "" && s.clickedEdge == "" {
		return false
	}
	s.clickedNode, s.clickedEdge = "", ""
	s.recompute(g)
	return true
}

// Refresh prunes selections that no longer exist in the graph and rebuilds
// the connected sets. Called after every aggregation/filter pass.
func (s *HighlightState) Refresh(g *Graph) {
	if s.clickedNode != "" {
		if _, ok := g.Nodes[s.clickedNode]; !ok {
			s.clickedNode = ""
		}
	}
	if s.hoveredNode != "" {
		if _, ok := g.Nodes[s.hoveredNode]; !ok {
			s.hoveredNode = ""
		}
	}
	if s.clickedEdge != "" {
		if !edgeExists(g, s.clickedEdge) {
			s.clickedEdge = ""
		}
	}
	if s.hoveredEdge != "" {
		if !edgeExists(g, s.hoveredEdge) {
			s.hoveredEdge = ""
		}
	}
	s.recompute(g)
}

func edgeExists(g *Graph, id string) bool {
	k, ok := EdgeKeyFromID(id)
	if !ok {
		return false
	}
	_, ok = g.Edges[k]
	return ok
}

func (s *HighlightState) recompute(g *Graph) {
	s.connNodes = make(map[string]bool)
	s.connEdges = make(map[string]bool)
	if g == nil {
		return
	}
	s.connectNode(g, s.clickedNode)
	s.connectNode(g, s.hoveredNode)
	s.connectEdge(g, s.clickedEdge)
	s.connectEdge(g, s.hoveredEdge)
}

// connectNode adds the node's incident edges and their far endpoints.
func (s *HighlightState) connectNode(g *Graph, id string) {
	if id == "" {
		return
	}
	for k := range g.Edges {
		if k.A != id && k.B != id {
			continue
		}
		s.connEdges[k.ID()] = true
		s.connNodes[k.A] = true
		s.connNodes[k.B] = true
	}
	delete(s.connNodes, id)
}

// connectEdge adds the edge's two endpoints.
func (s *HighlightState) connectEdge(g *Graph, id string) {
	if id == "" {
		return
	}
	k, ok := EdgeKeyFromID(id)
	if !ok {
		return
	}
	if _, exists := g.Edges[k]; !exists {
		return
	}
	s.connNodes[k.A] = true
	s.connNodes[k.B] = true
}
