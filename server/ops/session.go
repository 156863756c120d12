package ops

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"

	"github.com/luno/flowmap/api"
	"github.com/luno/flowmap/api/draw"
	"github.com/luno/flowmap/server/ops/config"
)

// AssetInventory is the host inventory collaborator.
type AssetInventory interface {
	ListHosts(ctx context.Context) ([]api.Host, error)
}

// TrafficSource is the traffic stats collaborator.
type TrafficSource interface {
	GetAggregatedStats(ctx context.Context) (api.AggregatedStats, error)
	BurstCapture(ctx context.Context, duration time.Duration) (api.BurstResult, error)
}

// LivenessChecker is optionally implemented by traffic sources that can
// report interface liveness cheaply. Polled on the fast (~1s) ticker.
type LivenessChecker interface {
	Alive(ctx context.Context) bool
}

const (
	livenessPeriod = time.Second
	burstDuration  = 3 * time.Second
	fetchTimeout   = 10 * time.Second
)

type burstOutcome struct {
	res api.BurstResult
	err error
}

// Session drives one open topology view: it owns the filter criteria, the
// layout cache, the highlight state and the last good snapshot, refreshes
// data on a timer and hands frames to subscribers.
type Session struct {
	assets  AssetInventory
	traffic TrafficSource
	store   ViewStateStore

	namespace string
	conf      config.Config

	mu        sync.Mutex
	criteria  Criteria
	layout    *Layout
	highlight *HighlightState
	encoder   Encoder

	refresh         time.Duration
	containerHeight int

	live     bool
	online   bool
	loaded   bool
	viewport *draw.Viewport
	centered bool

	lastFlows []api.RawFlow
	lastHosts []api.Host
	current   *Graph
	frame     draw.Frame

	burstInFlight bool
	burstResults  chan burstOutcome

	frameSubs map[chan draw.Frame]bool
	eventSubs map[chan api.SelectionEvent]bool

	now func() time.Time
}

func NewSession(assets AssetInventory, traffic TrafficSource, store ViewStateStore, namespace string, conf config.Config) *Session {
	s := &Session{
		assets:       assets,
		traffic:      traffic,
		store:        store,
		namespace:    namespace,
		conf:         conf,
		criteria:     DefaultCriteria(),
		layout:       NewLayout(conf.Simulation),
		highlight:    NewHighlightState(),
		refresh:      conf.RefreshInterval(),
		current:      NewGraph(),
		burstResults: make(chan burstOutcome, 1),
		frameSubs:    make(map[chan draw.Frame]bool),
		eventSubs:    make(map[chan api.SelectionEvent]bool),
		now:          time.Now,
	}
	if conf.DefaultSubnet != "" {
		s.criteria.Subnet = conf.DefaultSubnet
	}
	s.encoder = Encoder{Recency: conf.Recency, Refresh: s.refresh}
	return s
}

// Restore loads persisted advisory view state, if any. Safe to skip.
func (s *Session) Restore(ctx context.Context) {
	if s.store == nil {
		return
	}
	st, ok, err := s.store.LoadViewState(ctx, s.namespace)
	if err != nil {
		log.Error(ctx, errors.Wrap(err, "load view state"))
		return
	}
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.applyToolbarLocked(st); err != nil {
		log.Error(ctx, errors.Wrap(err, "restore view state"))
	}
	if st.ViewportZoom > 0 {
		s.viewport = &draw.Viewport{X: st.ViewportX, Y: st.ViewportY, Zoom: st.ViewportZoom}
		// A saved viewport takes precedence over hub centering.
		s.centered = true
	}
}

// Run drives the two refresh timers until the view closes. Closing the
// context stops both tickers; an in-flight burst result is discarded with
// the session.
func (s *Session) Run(ctx context.Context) error {
	liveness := time.NewTicker(livenessPeriod)
	defer liveness.Stop()
	refresh := time.NewTicker(s.refreshInterval())
	defer refresh.Stop()

	s.RefreshNow(ctx)

	for {
		select {
		case <-refresh.C:
			s.refreshTick(ctx)
			refresh.Reset(s.refreshInterval())
		case out := <-s.burstResults:
			s.finishBurst(ctx, out)
		case <-liveness.C:
			s.pollLiveness(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) refreshInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refresh
}

// refreshTick picks the refresh strategy: burst capture when live mode is
// on, else a lightweight stats read. A tick is skipped entirely while a
// previous burst is still in flight.
func (s *Session) refreshTick(ctx context.Context) {
	s.mu.Lock()
	live, inFlight := s.live, s.burstInFlight
	if live && !inFlight {
		s.burstInFlight = true
	}
	s.mu.Unlock()

	if live {
		if inFlight {
			refreshPasses.WithLabelValues("burst", "skipped").Inc()
			return
		}
		go func() {
			bctx, cancel := context.WithTimeout(ctx, burstDuration+fetchTimeout)
			defer cancel()
			res, err := s.traffic.BurstCapture(bctx, burstDuration)
			select {
			case s.burstResults <- burstOutcome{res: res, err: err}:
			case <-ctx.Done():
			}
		}()
		return
	}
	s.RefreshNow(ctx)
}

func (s *Session) finishBurst(ctx context.Context, out burstOutcome) {
	s.mu.Lock()
	s.burstInFlight = false
	s.mu.Unlock()

	if out.err != nil {
		// Burst failure falls back to the lightweight path for this
		// tick; it must never block subsequent ticks.
		log.Error(ctx, errors.Wrap(out.err, "burst capture failed, falling back"))
		refreshPasses.WithLabelValues("burst", "fallback").Inc()
		s.RefreshNow(ctx)
		return
	}
	refreshPasses.WithLabelValues("burst", "ok").Inc()

	s.mu.Lock()
	flows := mergeFlows(s.lastFlows, out.res.Connections)
	s.mu.Unlock()
	s.rebuild(ctx, flows, true)
}

// RefreshNow runs a lightweight refresh pass immediately.
func (s *Session) RefreshNow(ctx context.Context) {
	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	stats, err := s.traffic.GetAggregatedStats(fctx)
	if err != nil {
		// Abandon the pass; the previous snapshot stays on screen.
		log.Error(ctx, errors.Wrap(err, "traffic stats unavailable"))
		refreshPasses.WithLabelValues("lightweight", "failed").Inc()
		return
	}
	refreshPasses.WithLabelValues("lightweight", "ok").Inc()
	s.rebuild(ctx, stats.Connections, false)
}

// rebuild reapplies aggregation, filtering, layout and encoding to a fresh
// flow set. Data refresh alone never resimulates: only a criteria change
// marks the layout dirty.
func (s *Session) rebuild(ctx context.Context, flows []api.RawFlow, captured bool) {
	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	hosts, err := s.assets.ListHosts(fctx)
	if err != nil {
		log.Error(ctx, errors.Wrap(err, "host inventory unavailable"))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastFlows = flows
	s.lastHosts = hosts
	full := Aggregate(flows, hosts)
	filtered := Apply(full, s.criteria)
	s.layout.Update(filtered, s.criteria.Fingerprint())
	s.highlight.Refresh(filtered)
	s.current = filtered
	s.encoder.Captured = captured
	s.loaded = true
	s.online = true

	// Center on the busiest hub once after first convergence, unless a
	// saved viewport already took precedence.
	if !s.centered && s.layout.Converged() {
		s.centerOnHubLocked()
	}

	s.encodeAndBroadcastLocked()
}

// CenterOnHub recenters the viewport on the highest-degree node.
func (s *Session) CenterOnHub() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.centerOnHubLocked()
	s.encodeAndBroadcastLocked()
}

func (s *Session) centerOnHubLocked() {
	hub, ok := HubNode(s.current)
	if !ok {
		return
	}
	pos, ok := s.layout.Position(hub)
	if !ok {
		return
	}
	zoom := 1.0
	if s.viewport != nil && s.viewport.Zoom > 0 {
		zoom = s.viewport.Zoom
	}
	s.viewport = &draw.Viewport{X: pos.X, Y: pos.Y, Zoom: zoom}
	s.centered = true
}

func (s *Session) pollLiveness(ctx context.Context) {
	lc, ok := s.traffic.(LivenessChecker)
	if !ok {
		return
	}
	alive := lc.Alive(ctx)
	s.mu.Lock()
	s.online = alive
	s.mu.Unlock()
}

// mergeFlows folds a burst sample into the previously read aggregate
// stats, so recency data freshens between lightweight polls. The
// aggregator dedups edges, so overlap only advances timestamps and counts.
func mergeFlows(existing, sample []api.RawFlow) []api.RawFlow {
	ret := make([]api.RawFlow, 0, len(existing)+len(sample))
	ret = append(ret, existing...)
	ret = append(ret, sample...)
	return ret
}

// Frame returns the last encoded frame.
func (s *Session) Frame() draw.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// Loaded reports whether any pass has succeeded since the view opened.
// Until then the shell shows a loading/empty state.
func (s *Session) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

func (s *Session) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Snapshot returns the current filtered graph. The caller must not mutate.
func (s *Session) Snapshot() *Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// WireGraph renders the current snapshot in its wire form, with layout
// positions folded in.
func (s *Session) WireGraph() api.GetGraphResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := api.GetGraphResponse{Loaded: s.loaded, Online: s.online}
	for id, n := range s.current.Nodes {
		pos, _ := s.layout.Position(id)
		resp.Nodes = append(resp.Nodes, api.GraphNode{
			ID:                n.ID,
			DisplayName:       n.DisplayName,
			MembershipGroup:   string(n.Group),
			Status:            string(n.Status),
			ConnectionCount:   n.ConnectionCount,
			TrafficRoleWeight: n.TrafficRoleWeight,
			X:                 pos.X,
			Y:                 pos.Y,
			Pinned:            pos.Locked,
		})
	}
	sort.Slice(resp.Nodes, func(i, j int) bool { return resp.Nodes[i].ID < resp.Nodes[j].ID })

	for k, e := range s.current.Edges {
		var l7s []string
		for p := range e.DetectedL7s {
			l7s = append(l7s, p)
		}
		sort.Strings(l7s)
		var ports []int
		for p := range e.Ports {
			ports = append(ports, p)
		}
		sort.Ints(ports)
		resp.Edges = append(resp.Edges, api.GraphEdge{
			Source:              k.A,
			Target:              k.B,
			ForwardBytes:        e.ForwardBytes,
			ReverseBytes:        e.ReverseBytes,
			Bidirectional:       e.Bidirectional,
			Protocols:           e.ProtocolList(),
			DetectedL7Protocols: l7s,
			PacketCount:         e.PacketCount,
			FirstSeen:           e.FirstSeen,
			LastSeen:            e.LastSeen,
			ObservedPorts:       ports,
			Encrypted:           e.Encrypted,
		})
	}
	sort.Slice(resp.Edges, func(i, j int) bool {
		if resp.Edges[i].Source != resp.Edges[j].Source {
			return resp.Edges[i].Source < resp.Edges[j].Source
		}
		return resp.Edges[i].Target < resp.Edges[j].Target
	})
	return resp
}

// --- Interaction. Handlers are synchronous and idempotent: replaying the
// same event leaves derived state unchanged.

func (s *Session) HoverNode(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.highlight.HoverNode(s.current, id)
	s.encodeAndBroadcastLocked()
}

func (s *Session) HoverEdge(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.highlight.HoverEdge(s.current, id)
	s.encodeAndBroadcastLocked()
}

func (s *Session) ClearHover() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.highlight.ClearHover(s.current)
	s.encodeAndBroadcastLocked()
}

// ClickNode selects a node. A second click on the selected node requests
// the context action surface instead of toggling the selection off.
func (s *Session) ClickNode(id string, x, y float64) {
	s.mu.Lock()
	contextAction := s.highlight.ClickNode(s.current, id)
	s.encodeAndBroadcastLocked()
	s.mu.Unlock()

	if contextAction {
		s.emit(api.SelectionEvent{Type: api.ContextAction, NodeID: id, X: x, Y: y})
		return
	}
	s.emit(api.SelectionEvent{Type: api.NodeSelected, NodeID: id, X: x, Y: y})
}

func (s *Session) ClickEdge(id string, x, y float64) {
	s.mu.Lock()
	contextAction := s.highlight.ClickEdge(s.current, id)
	s.encodeAndBroadcastLocked()
	s.mu.Unlock()

	if contextAction {
		s.emit(api.SelectionEvent{Type: api.ContextAction, EdgeID: id, X: x, Y: y})
		return
	}
	s.emit(api.SelectionEvent{Type: api.EdgeSelected, EdgeID: id, X: x, Y: y})
}

func (s *Session) ClickEmpty() {
	s.mu.Lock()
	cleared := s.highlight.ClickEmpty(s.current)
	s.encodeAndBroadcastLocked()
	s.mu.Unlock()

	if cleared {
		s.emit(api.SelectionEvent{Type: api.SelectionCleared})
	}
}

// SetViewport records the viewport on zoom-end and persists it so a
// refresh or reload does not jar the operator.
func (s *Session) SetViewport(ctx context.Context, vp draw.Viewport) {
	s.mu.Lock()
	s.viewport = &vp
	s.centered = true
	s.mu.Unlock()
	s.persist(ctx)
}

func (s *Session) SetLive(live bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = live
}

// ToolbarState exposes the control contract the shell renders.
func (s *Session) ToolbarState() api.ToolbarState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := api.ToolbarState{
		Mode:              s.criteria.Mode,
		Subnet:            s.criteria.Subnet,
		IPSubstring:       s.criteria.IPSubstring,
		Port:              s.criteria.Port,
		MinTrafficBytes:   s.criteria.MinTrafficBytes,
		MinThroughputMbps: s.criteria.MinThroughputMbps,
		Layers:            s.criteria.LayerList(),
		RefreshSeconds:    int(s.refresh / time.Second),
		Live:              s.live,
		ContainerHeight:   s.containerHeight,
	}
	if s.viewport != nil {
		st.ViewportX, st.ViewportY, st.ViewportZoom = s.viewport.X, s.viewport.Y, s.viewport.Zoom
	}
	return st
}

// ApplyToolbar validates and applies new control state. Degenerate states
// (no layers, unresolvable subnet) fail closed: the previous valid criteria
// stay in force and an error is returned.
func (s *Session) ApplyToolbar(ctx context.Context, st api.ToolbarState) error {
	s.mu.Lock()
	prevFP := s.criteria.Fingerprint()
	err := s.applyToolbarLocked(st)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	structural := s.criteria.Fingerprint() != prevFP
	if structural && s.current != nil {
		// Re-filter from the last aggregated data immediately; the
		// layout resets and resimulates on the new structure.
		s.refilterLocked()
	}
	s.mu.Unlock()

	s.persist(ctx)
	return nil
}

func (s *Session) applyToolbarLocked(st api.ToolbarState) error {
	c, err := criteriaFromToolbar(st, s.criteria)
	if err != nil {
		return err
	}
	s.criteria = c
	s.live = st.Live
	if st.ContainerHeight > 0 {
		s.containerHeight = st.ContainerHeight
	}
	if st.RefreshSeconds > 0 {
		d := time.Duration(st.RefreshSeconds) * time.Second
		if d < config.MinRefresh {
			d = config.MinRefresh
		}
		if d > config.MaxRefresh {
			d = config.MaxRefresh
		}
		s.refresh = d
		s.encoder.Refresh = d
	}
	return nil
}

func (s *Session) refilterLocked() {
	full := Aggregate(s.lastFlows, s.lastHosts)
	filtered := Apply(full, s.criteria)
	s.layout.Update(filtered, s.criteria.Fingerprint())
	s.highlight.Refresh(filtered)
	s.current = filtered
	s.encodeAndBroadcastLocked()
}

func criteriaFromToolbar(st api.ToolbarState, prev Criteria) (Criteria, error) {
	c := prev
	switch st.Mode {
	case api.FilterAll, api.FilterSubnet:
		c.Mode = st.Mode
	case "":
		c.Mode = api.FilterAll
	default:
		return prev, errors.New("unknown filter mode", j.KV("mode", st.Mode))
	}
	if c.Mode == api.FilterSubnet {
		if !validSubnetPrefix(st.Subnet) {
			return prev, errors.New("unresolvable subnet", j.KV("subnet", st.Subnet))
		}
		c.Subnet = st.Subnet
	}
	c.IPSubstring = st.IPSubstring
	c.Port = st.Port
	c.MinTrafficBytes = st.MinTrafficBytes
	c.MinThroughputMbps = st.MinThroughputMbps

	if len(st.Layers) == 0 {
		return prev, errors.Wrap(ErrLastLayer, "")
	}
	layers := make(map[api.OSILayer]bool, len(st.Layers))
	for _, l := range st.Layers {
		switch l {
		case api.LayerL2, api.LayerL4, api.LayerL5, api.LayerL7:
			layers[l] = true
		default:
			return prev, errors.New("unknown layer", j.KV("layer", l))
		}
	}
	c.Layers = layers
	return c, nil
}

// validSubnetPrefix checks a "a.b.c" first-three-octets prefix.
func validSubnetPrefix(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || p == "" || n < 0 || n > 255 {
			return false
		}
	}
	return true
}

func (s *Session) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	err := s.store.SaveViewState(ctx, s.namespace, s.ToolbarState())
	if err != nil {
		log.Error(ctx, errors.Wrap(err, "persist view state", j.KV("namespace", s.namespace)))
	}
}

// --- Subscriptions.

func (s *Session) SubscribeFrames() chan draw.Frame {
	ch := make(chan draw.Frame, 8)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frameSubs[ch] = true
	return ch
}

func (s *Session) UnsubscribeFrames(ch chan draw.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.frameSubs, ch)
}

func (s *Session) SubscribeEvents() chan api.SelectionEvent {
	ch := make(chan api.SelectionEvent, 8)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventSubs[ch] = true
	return ch
}

func (s *Session) UnsubscribeEvents(ch chan api.SelectionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.eventSubs, ch)
}

func (s *Session) emit(ev api.SelectionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.eventSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Session) encodeAndBroadcastLocked() {
	s.frame = s.encoder.EncodeFrame(s.current, s.layout, s.now(), s.highlight, s.criteria, s.viewport)
	for ch := range s.frameSubs {
		select {
		case ch <- s.frame:
		default:
			// Slow subscriber: drop the frame, the next one supersedes it.
		}
	}
}
