package ops

import (
	"hash/fnv"
	"math"
	"sort"
	"time"

	"github.com/luno/flowmap/server/ops/config"
)

type LayoutPhase int

const (
	LayoutEmpty LayoutPhase = iota
	LayoutSimulating
	LayoutConverged
)

type Position struct {
	X, Y float64
	// Locked positions are never moved by the simulation, only by an
	// explicit Unpin.
	Locked bool
}

// Layout owns the cached position map for one open view. Positions live in
// an id-indexed cache rather than on the node objects so that nodes and
// edges can be rebuilt every refresh without disturbing the layout.
type Layout struct {
	cfg config.Simulation

	phase       LayoutPhase
	fingerprint string
	positions   map[string]Position
	now         func() time.Time
}

func NewLayout(cfg config.Simulation) *Layout {
	return &Layout{
		cfg:       cfg,
		positions: make(map[string]Position),
		now:       time.Now,
	}
}

func (l *Layout) Phase() LayoutPhase {
	return l.phase
}

func (l *Layout) Converged() bool {
	return l.phase == LayoutConverged
}

func (l *Layout) Position(id string) (Position, bool) {
	p, ok := l.positions[id]
	return p, ok
}

// Positions returns a copy of the cached position map.
func (l *Layout) Positions() map[string]Position {
	ret := make(map[string]Position, len(l.positions))
	for id, p := range l.positions {
		ret[id] = p
	}
	return ret
}

func (l *Layout) Unpin(id string) {
	p, ok := l.positions[id]
	if !ok {
		return
	}
	p.Locked = false
	l.positions[id] = p
}

// Update reconciles the layout with a freshly filtered graph. A changed
// criteria fingerprint is a structural change: the cache is discarded and
// the graph is re-simulated. Otherwise cached positions are reused so the
// operator's mental map stays stable while byte counts update underneath.
func (l *Layout) Update(g *Graph, fingerprint string) {
	if l.phase == LayoutEmpty || fingerprint != l.fingerprint {
		l.fingerprint = fingerprint
		l.positions = make(map[string]Position)
		l.phase = LayoutSimulating
		l.simulate(g)
		return
	}
	l.restore(g)
}

// restore places any node unseen by the converged layout deterministically
// on a ring around the cached centroid and prunes nodes that have left the
// graph. Existing positions are untouched.
func (l *Layout) restore(g *Graph) {
	for id := range l.positions {
		if _, ok := g.Nodes[id]; !ok {
			delete(l.positions, id)
		}
	}
	cx, cy := l.centroid()
	ring := l.cfg.BaseLinkDistance * 1.5
	for id := range g.Nodes {
		if _, ok := l.positions[id]; ok {
			continue
		}
		a := seedAngle(id)
		l.positions[id] = Position{
			X:      cx + ring*math.Cos(a),
			Y:      cy + ring*math.Sin(a),
			Locked: true,
		}
	}
}

func (l *Layout) centroid() (float64, float64) {
	if len(l.positions) == 0 {
		return l.cfg.Width / 2, l.cfg.Height / 2
	}
	var cx, cy float64
	for _, p := range l.positions {
		cx += p.X
		cy += p.Y
	}
	n := float64(len(l.positions))
	return cx / n, cy / n
}

// seedAngle derives a stable angle from a node id so initial placement is
// reproducible across runs.
func seedAngle(id string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return float64(h.Sum32()%3600) / 3600 * 2 * math.Pi
}

func (l *Layout) simulate(g *Graph) {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	cx, cy := l.cfg.Width/2, l.cfg.Height/2
	spread := l.cfg.BaseLinkDistance * math.Sqrt(float64(len(ids))+1) / 2
	for _, id := range ids {
		if _, ok := l.positions[id]; ok {
			continue
		}
		a := seedAngle(id)
		r := spread * (0.3 + 0.7*float64(g.Nodes[id].ConnectionCount%7)/7)
		l.positions[id] = Position{X: cx + r*math.Cos(a), Y: cy + r*math.Sin(a)}
	}

	deadline := l.now().Add(l.cfg.MaxDuration)
	alpha := l.cfg.Alpha
	for tick := 0; tick < l.cfg.MaxTicks; tick++ {
		moved := l.tick(g, ids, alpha)
		simulationTicks.Inc()
		alpha *= l.cfg.AlphaDecay
		if moved < l.cfg.Epsilon || l.now().After(deadline) {
			break
		}
	}

	// Convergence, natural or forced by budget: lock every position so
	// subsequent refreshes cannot disturb the map.
	for id, p := range l.positions {
		p.Locked = true
		l.positions[id] = p
	}
	l.phase = LayoutConverged
}

// tick runs one synchronous force pass and returns mean displacement.
// Positions are written back every tick so an interrupted simulation still
// leaves a usable partial layout.
func (l *Layout) tick(g *Graph, ids []string, alpha float64) float64 {
	n := len(ids)
	if n == 0 {
		return 0
	}
	fx := make(map[string]float64, n)
	fy := make(map[string]float64, n)

	// Pairwise repulsion, weaker per pair as the graph densifies and
	// capped in range to stay tractable.
	repulsion := l.cfg.RepulsionGain / float64(n)
	maxDist := l.cfg.MaxRepulsionDistance
	for i := 0; i < n; i++ {
		pi := l.positions[ids[i]]
		for j := i + 1; j < n; j++ {
			pj := l.positions[ids[j]]
			dx, dy := pi.X-pj.X, pi.Y-pj.Y
			d2 := dx*dx + dy*dy
			if d2 > maxDist*maxDist {
				continue
			}
			d := math.Sqrt(d2)
			if d < 1e-3 {
				// Coincident nodes: nudge apart deterministically.
				a := seedAngle(ids[i] + ids[j])
				dx, dy, d = math.Cos(a), math.Sin(a), 1
			}
			f := repulsion / (d * d)
			fx[ids[i]] += dx / d * f
			fy[ids[i]] += dy / d * f
			fx[ids[j]] -= dx / d * f
			fy[ids[j]] -= dy / d * f
		}
	}

	// Edge springs: rest length inversely proportional to log-normalized
	// traffic, so busy links orbit close and quiet ones drift out.
	maxBytes := g.MaxEdgeBytes()
	for k, e := range g.Edges {
		pa, pb := l.positions[k.A], l.positions[k.B]
		dx, dy := pb.X-pa.X, pb.Y-pa.Y
		d := math.Hypot(dx, dy)
		if d < 1e-3 {
			continue
		}
		target := l.restLength(e, maxBytes)
		f := (d - target) / d * 0.5
		fx[k.A] += dx * f
		fy[k.A] += dy * f
		fx[k.B] -= dx * f
		fy[k.B] -= dy * f
	}

	// Collision separation: breathing room grows in sparse graphs and
	// with the node's own rendered size.
	sep := l.minSeparation(n)
	maxDeg := g.MaxDegree()
	for i := 0; i < n; i++ {
		ri := sep + nodeRadius(g.Nodes[ids[i]], maxDeg)
		pi := l.positions[ids[i]]
		for j := i + 1; j < n; j++ {
			rj := sep + nodeRadius(g.Nodes[ids[j]], maxDeg)
			pj := l.positions[ids[j]]
			dx, dy := pi.X-pj.X, pi.Y-pj.Y
			d := math.Hypot(dx, dy)
			min := ri + rj
			if d >= min || d < 1e-3 {
				continue
			}
			push := (min - d) / d * 0.5
			fx[ids[i]] += dx * push
			fy[ids[i]] += dy * push
			fx[ids[j]] -= dx * push
			fy[ids[j]] -= dy * push
		}
	}

	// Weak centering pull keeps the component on the viewport.
	cx, cy := l.cfg.Width/2, l.cfg.Height/2
	for _, id := range ids {
		p := l.positions[id]
		fx[id] += (cx - p.X) * l.cfg.CenterGain
		fy[id] += (cy - p.Y) * l.cfg.CenterGain
	}

	var total float64
	for _, id := range ids {
		p := l.positions[id]
		if p.Locked {
			continue
		}
		dx, dy := fx[id]*alpha, fy[id]*alpha
		p.X += dx
		p.Y += dy
		l.positions[id] = p
		total += math.Hypot(dx, dy)
	}
	return total / float64(n)
}

func (l *Layout) restLength(e *Edge, maxBytes int64) float64 {
	norm := 0.0
	if maxBytes > 0 {
		norm = math.Log1p(float64(e.TotalBytes())) / math.Log1p(float64(maxBytes))
	}
	factor := l.cfg.MaxLinkFactor - norm*(l.cfg.MaxLinkFactor-l.cfg.MinLinkFactor)
	if factor < l.cfg.MinLinkFactor {
		factor = l.cfg.MinLinkFactor
	}
	if factor > l.cfg.MaxLinkFactor {
		factor = l.cfg.MaxLinkFactor
	}
	return l.cfg.BaseLinkDistance * factor
}

// minSeparation shrinks as node count grows: dense graphs trade breathing
// room for fitting on screen.
func (l *Layout) minSeparation(n int) float64 {
	if n <= 1 {
		return l.cfg.CollisionPadding
	}
	return l.cfg.CollisionPadding + 30/math.Sqrt(float64(n))
}

// HubNode returns the highest-degree node of the filtered graph, used to
// recenter the viewport after first convergence or on manual request.
// Ties break towards the smaller id for determinism.
func HubNode(g *Graph) (string, bool) {
	var best string
	bestDeg := -1
	for id, n := range g.Nodes {
		if n.ConnectionCount > bestDeg || (n.ConnectionCount == bestDeg && id < best) {
			best, bestDeg = id, n.ConnectionCount
		}
	}
	return best, bestDeg >= 0
}
