package ops

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luno/flowmap/api"
	"github.com/luno/flowmap/api/draw"
	"github.com/luno/flowmap/server/ops/config"
)

type fakeInventory struct {
	mu    sync.Mutex
	hosts []api.Host
	err   error
}

func (f *fakeInventory) ListHosts(context.Context) ([]api.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hosts, f.err
}

type fakeTraffic struct {
	mu    sync.Mutex
	flows []api.RawFlow
	err   error
	burst []api.RawFlow
}

func (f *fakeTraffic) GetAggregatedStats(context.Context) (api.AggregatedStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return api.AggregatedStats{}, f.err
	}
	return api.AggregatedStats{Connections: f.flows, CurrentTime: time.Now().Unix()}, nil
}

func (f *fakeTraffic) BurstCapture(context.Context, time.Duration) (api.BurstResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return api.BurstResult{}, f.err
	}
	return api.BurstResult{Connections: f.burst, ConnectionCount: len(f.burst)}, nil
}

func (f *fakeTraffic) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func newTestSession(inv *fakeInventory, tr *fakeTraffic) *Session {
	return NewSession(inv, tr, NewMemStore(), "test", config.Default())
}

func TestSessionEndToEnd(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Unix()

	inv := &fakeInventory{hosts: []api.Host{
		{IP: "10.0.0.1", Hostname: "gateway", Status: api.HostOnline},
		{IP: "10.0.0.2", Hostname: "web", Status: api.HostOnline},
	}}
	tr := &fakeTraffic{flows: []api.RawFlow{
		{
			SourceIP: "10.0.0.1", DestIP: "10.0.0.2",
			Protocols: []string{"TCP"}, Bytes: 2048, PacketCount: 10,
			FirstSeen: now - 30, LastSeen: now, DestPort: 443,
		},
		{
			SourceIP: "10.0.0.1", DestIP: "192.168.9.9",
			Protocols: []string{"TCP"}, Bytes: 100, FirstSeen: now - 30, LastSeen: now,
		},
	}}
	s := newTestSession(inv, tr)

	err := s.ApplyToolbar(ctx, api.ToolbarState{
		Mode:            api.FilterSubnet,
		Subnet:          "10.0.0",
		MinTrafficBytes: 1024,
		Layers:          []api.OSILayer{api.LayerL4},
		RefreshSeconds:  5,
	})
	jtest.RequireNil(t, err)

	s.RefreshNow(ctx)

	require.True(t, s.Loaded())
	require.True(t, s.Online())

	g := s.Snapshot()
	require.Len(t, g.Nodes, 2)
	require.Len(t, g.Edges, 1)
	e := g.Edges[EdgeKeyFor("10.0.0.1", "10.0.0.2")]
	require.NotNil(t, e)
	assert.Equal(t, []string{"TCP"}, e.ProtocolList())

	f := s.Frame()
	require.Len(t, f.Nodes, 2)
	require.Len(t, f.Edges, 1)
	edge := f.Edges[0]
	assert.Equal(t, protocolColors["TCP"], edge.Color)
	assert.Greater(t, edge.Width, baseEdgeWidth)
	// LastSeen is current, so the edge renders in the active tier.
	assert.Equal(t, config.Default().Recency.ActiveOpacity, edge.Opacity)

	wire := s.WireGraph()
	require.Len(t, wire.Edges, 1)
	assert.Equal(t, "10.0.0.1", wire.Edges[0].Source)
	assert.Equal(t, "10.0.0.2", wire.Edges[0].Target)
	assert.True(t, wire.Loaded)
	for _, n := range wire.Nodes {
		assert.True(t, n.Pinned, n.ID)
	}
}

func TestSessionFetchFailureKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Unix()

	inv := &fakeInventory{hosts: []api.Host{{IP: "10.0.0.1", Status: api.HostOnline}}}
	tr := &fakeTraffic{flows: []api.RawFlow{
		{SourceIP: "10.0.0.1", DestIP: "10.0.0.2", Protocols: []string{"TCP"}, Bytes: 100, LastSeen: now},
	}}
	s := newTestSession(inv, tr)

	s.RefreshNow(ctx)
	require.Len(t, s.Snapshot().Edges, 1)

	tr.setErr(errors.New("collector down"))
	s.RefreshNow(ctx)

	// The failed pass was abandoned; the previous snapshot survives.
	assert.True(t, s.Loaded())
	assert.Len(t, s.Snapshot().Edges, 1)
	assert.Len(t, s.Frame().Edges, 1)
}

func TestSessionToolbarFailsClosed(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(&fakeInventory{}, &fakeTraffic{})

	before := s.ToolbarState()

	err := s.ApplyToolbar(ctx, api.ToolbarState{Mode: api.FilterAll, Layers: nil})
	assert.ErrorIs(t, err, ErrLastLayer)

	err = s.ApplyToolbar(ctx, api.ToolbarState{
		Mode: api.FilterSubnet, Subnet: "nope",
		Layers: []api.OSILayer{api.LayerL4},
	})
	require.Error(t, err)

	err = s.ApplyToolbar(ctx, api.ToolbarState{
		Mode: api.FilterAll, Layers: []api.OSILayer{"L9"},
	})
	require.Error(t, err)

	// The previous criteria stay in force after every rejection.
	assert.Equal(t, before.Mode, s.ToolbarState().Mode)
	assert.Equal(t, before.Layers, s.ToolbarState().Layers)
}

func TestSessionToolbarRefiltersImmediately(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Unix()

	inv := &fakeInventory{hosts: []api.Host{{IP: "10.0.0.1", Status: api.HostOnline}}}
	tr := &fakeTraffic{flows: []api.RawFlow{
		{SourceIP: "10.0.0.1", DestIP: "10.0.0.2", Protocols: []string{"TCP"}, Bytes: 5000, LastSeen: now},
		{SourceIP: "10.0.0.1", DestIP: "10.0.0.3", Protocols: []string{"TCP"}, Bytes: 10, LastSeen: now},
	}}
	s := newTestSession(inv, tr)
	s.RefreshNow(ctx)
	require.Len(t, s.Snapshot().Edges, 2)

	err := s.ApplyToolbar(ctx, api.ToolbarState{
		Mode:            api.FilterAll,
		MinTrafficBytes: 1000,
		Layers:          []api.OSILayer{api.LayerL4},
		RefreshSeconds:  5,
	})
	jtest.RequireNil(t, err)

	// No refresh needed: the new criteria applied to the cached flows.
	assert.Len(t, s.Snapshot().Edges, 1)
}

func TestSessionRefreshClamped(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(&fakeInventory{}, &fakeTraffic{})

	err := s.ApplyToolbar(ctx, api.ToolbarState{
		Mode: api.FilterAll, Layers: []api.OSILayer{api.LayerL4}, RefreshSeconds: 9999,
	})
	jtest.RequireNil(t, err)
	assert.Equal(t, int(config.MaxRefresh/time.Second), s.ToolbarState().RefreshSeconds)
}

func TestSessionViewStatePersistsAndRestores(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	s := NewSession(&fakeInventory{}, &fakeTraffic{}, store, "ns", config.Default())
	err := s.ApplyToolbar(ctx, api.ToolbarState{
		Mode: api.FilterSubnet, Subnet: "10.0.0",
		Layers: []api.OSILayer{api.LayerL4, api.LayerL7}, RefreshSeconds: 10,
	})
	jtest.RequireNil(t, err)
	s.SetViewport(ctx, draw.Viewport{X: 50, Y: 60, Zoom: 2})

	// A new session over the same store picks the state back up.
	s2 := NewSession(&fakeInventory{}, &fakeTraffic{}, store, "ns", config.Default())
	s2.Restore(ctx)

	st := s2.ToolbarState()
	assert.Equal(t, api.FilterSubnet, st.Mode)
	assert.Equal(t, "10.0.0", st.Subnet)
	assert.Equal(t, []api.OSILayer{api.LayerL4, api.LayerL7}, st.Layers)
	assert.Equal(t, 10, st.RefreshSeconds)
	assert.Equal(t, 2.0, st.ViewportZoom)
}

func TestSessionSelectionEvents(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Unix()

	inv := &fakeInventory{hosts: []api.Host{{IP: "10.0.0.1", Status: api.HostOnline}}}
	tr := &fakeTraffic{flows: []api.RawFlow{
		{SourceIP: "10.0.0.1", DestIP: "10.0.0.2", Protocols: []string{"TCP"}, Bytes: 100, LastSeen: now},
	}}
	s := newTestSession(inv, tr)
	s.RefreshNow(ctx)

	events := s.SubscribeEvents()
	t.Cleanup(func() { s.UnsubscribeEvents(events) })

	s.ClickNode("10.0.0.1", 5, 7)
	ev := <-events
	assert.Equal(t, api.NodeSelected, ev.Type)
	assert.Equal(t, "10.0.0.1", ev.NodeID)
	assert.Equal(t, 5.0, ev.X)

	// Clicking the selected node again requests the context action.
	s.ClickNode("10.0.0.1", 5, 7)
	ev = <-events
	assert.Equal(t, api.ContextAction, ev.Type)

	s.ClickEmpty()
	ev = <-events
	assert.Equal(t, api.SelectionCleared, ev.Type)

	// Clearing an already empty selection emits nothing.
	s.ClickEmpty()
	select {
	case ev = <-events:
		t.Fatalf("unexpected event %v", ev.Type)
	default:
	}
}

func TestSessionFrameSubscription(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Unix()

	inv := &fakeInventory{hosts: []api.Host{{IP: "10.0.0.1", Status: api.HostOnline}}}
	tr := &fakeTraffic{flows: []api.RawFlow{
		{SourceIP: "10.0.0.1", DestIP: "10.0.0.2", Protocols: []string{"TCP"}, Bytes: 100, LastSeen: now},
	}}
	s := newTestSession(inv, tr)

	frames := s.SubscribeFrames()
	t.Cleanup(func() { s.UnsubscribeFrames(frames) })

	s.RefreshNow(ctx)
	f := <-frames
	assert.Len(t, f.Nodes, 2)
	assert.Len(t, f.Edges, 1)
}

func TestSessionRunLiveBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	now := time.Now().Unix()

	inv := &fakeInventory{hosts: []api.Host{{IP: "10.0.0.1", Status: api.HostOnline}}}
	tr := &fakeTraffic{
		flows: []api.RawFlow{
			{SourceIP: "10.0.0.1", DestIP: "10.0.0.2", Protocols: []string{"TCP"}, Bytes: 100, LastSeen: now - 60},
		},
		burst: []api.RawFlow{
			{SourceIP: "10.0.0.1", DestIP: "10.0.0.3", Protocols: []string{"UDP"}, Bytes: 50, LastSeen: now},
		},
	}

	conf := config.Default()
	conf.RefreshSeconds = 1
	s := NewSession(inv, tr, NewMemStore(), "test", conf)
	s.SetLive(true)

	frames := s.SubscribeFrames()
	t.Cleanup(func() { s.UnsubscribeFrames(frames) })

	go func() {
		err := s.Run(ctx)
		jtest.Assert(t, context.Canceled, err)
	}()

	// Wait for a frame containing the burst-discovered edge.
	deadline := time.After(10 * time.Second)
	for {
		select {
		case f := <-frames:
			if len(f.Edges) == 2 {
				return
			}
		case <-deadline:
			t.Fatal("burst edge never appeared")
		}
	}
}

func TestSessionCenterOnHub(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Unix()

	inv := &fakeInventory{}
	tr := &fakeTraffic{flows: []api.RawFlow{
		{SourceIP: "10.0.0.5", DestIP: "10.0.0.1", Protocols: []string{"TCP"}, Bytes: 1, LastSeen: now},
		{SourceIP: "10.0.0.5", DestIP: "10.0.0.2", Protocols: []string{"TCP"}, Bytes: 1, LastSeen: now},
		{SourceIP: "10.0.0.5", DestIP: "10.0.0.3", Protocols: []string{"TCP"}, Bytes: 1, LastSeen: now},
	}}
	s := newTestSession(inv, tr)
	s.RefreshNow(ctx)

	f := s.Frame()
	require.NotNil(t, f.Viewport)

	hubPos, ok := s.layout.Position("10.0.0.5")
	require.True(t, ok)
	assert.Equal(t, hubPos.X, f.Viewport.X)
	assert.Equal(t, hubPos.Y, f.Viewport.Y)
	assert.Equal(t, 1.0, f.Viewport.Zoom)
}
