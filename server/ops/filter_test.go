package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luno/flowmap/api"
)

func flowGraph(flows ...api.RawFlow) *Graph {
	return Aggregate(flows, nil)
}

func TestApplyIdempotent(t *testing.T) {
	g := flowGraph(
		api.RawFlow{SourceIP: "10.0.0.1", DestIP: "10.0.0.2", Protocols: []string{"TCP"}, Bytes: 5000},
		api.RawFlow{SourceIP: "10.0.0.1", DestIP: "10.0.1.9", Protocols: []string{"UDP"}, Bytes: 100},
		api.RawFlow{SourceIP: "10.0.0.2", DestIP: "8.8.8.8", Protocols: []string{"TCP"}, Bytes: 2000},
	)
	c := DefaultCriteria()
	c.Mode = api.FilterSubnet
	c.Subnet = "10.0.0"
	c.MinTrafficBytes = 1000

	once := Apply(g, c)
	twice := Apply(once, c)

	assert.Equal(t, len(once.Nodes), len(twice.Nodes))
	assert.Equal(t, len(once.Edges), len(twice.Edges))
	for k := range once.Edges {
		_, ok := twice.Edges[k]
		assert.True(t, ok, k.ID())
	}
}

func TestApplyLayerFilter(t *testing.T) {
	// SSH metadata only: no transport protocol tag, so the edge is L7.
	g := flowGraph(
		api.RawFlow{SourceIP: "10.0.0.1", DestIP: "10.0.0.2", DetectedL7Protocol: "SSH", Bytes: 100},
		api.RawFlow{SourceIP: "10.0.0.1", DestIP: "10.0.0.3", Protocols: []string{"TCP"}, Bytes: 100},
	)

	c := DefaultCriteria() // L4 only
	out := Apply(g, c)
	assert.Len(t, out.Edges, 1)
	_, ok := out.Edges[EdgeKeyFor("10.0.0.1", "10.0.0.3")]
	assert.True(t, ok)

	c.Layers = map[api.OSILayer]bool{api.LayerL7: true}
	out = Apply(g, c)
	assert.Len(t, out.Edges, 1)
	_, ok = out.Edges[EdgeKeyFor("10.0.0.1", "10.0.0.2")]
	assert.True(t, ok)
}

func TestApplyUntaggedEdgeIsTransport(t *testing.T) {
	g := flowGraph(
		api.RawFlow{SourceIP: "10.0.0.1", DestIP: "10.0.0.2", Bytes: 100},
	)

	c := DefaultCriteria()
	assert.Len(t, Apply(g, c).Edges, 1)

	c.Layers = map[api.OSILayer]bool{api.LayerL7: true}
	assert.Len(t, Apply(g, c).Edges, 0)
}

func TestApplyMinTraffic(t *testing.T) {
	g := flowGraph(
		api.RawFlow{SourceIP: "10.0.0.1", DestIP: "10.0.0.2", Protocols: []string{"TCP"}, Bytes: 2048},
		api.RawFlow{SourceIP: "10.0.0.1", DestIP: "10.0.0.3", Protocols: []string{"TCP"}, Bytes: 512},
	)
	c := DefaultCriteria()
	c.MinTrafficBytes = 1024

	out := Apply(g, c)
	require.Len(t, out.Edges, 1)
	_, ok := out.Edges[EdgeKeyFor("10.0.0.1", "10.0.0.2")]
	assert.True(t, ok)
}

func TestApplyPortFilter(t *testing.T) {
	g := flowGraph(
		api.RawFlow{SourceIP: "10.0.0.1", DestIP: "10.0.0.2", Protocols: []string{"TCP"}, Bytes: 10, DestPort: 443},
		api.RawFlow{SourceIP: "10.0.0.1", DestIP: "10.0.0.3", Protocols: []string{"TCP"}, Bytes: 10, DestPort: 22},
	)
	c := DefaultCriteria()
	c.Port = 443

	out := Apply(g, c)
	require.Len(t, out.Edges, 1)
	_, ok := out.Edges[EdgeKeyFor("10.0.0.1", "10.0.0.2")]
	assert.True(t, ok)
}

func TestApplyThroughputFailsClosed(t *testing.T) {
	g := flowGraph(
		// 1 MB over 1 second = 8 Mbps.
		api.RawFlow{
			SourceIP: "10.0.0.1", DestIP: "10.0.0.2", Protocols: []string{"TCP"},
			Bytes: 1_000_000, FirstSeen: 1700000000, LastSeen: 1700000001,
		},
		// Zero-length window: no rate can be computed.
		api.RawFlow{
			SourceIP: "10.0.0.1", DestIP: "10.0.0.3", Protocols: []string{"TCP"},
			Bytes: 1_000_000, FirstSeen: 1700000000, LastSeen: 1700000000,
		},
	)
	c := DefaultCriteria()
	c.MinThroughputMbps = 1

	out := Apply(g, c)
	require.Len(t, out.Edges, 1)
	_, ok := out.Edges[EdgeKeyFor("10.0.0.1", "10.0.0.2")]
	assert.True(t, ok)

	// Without the filter the unmeasurable edge is kept.
	c.MinThroughputMbps = 0
	assert.Len(t, Apply(g, c).Edges, 2)
}

func TestApplyKeepsIsolatedInScopeNode(t *testing.T) {
	hosts := []api.Host{
		{IP: "10.0.0.9", Status: api.HostOnline},
	}
	g := Aggregate([]api.RawFlow{
		{SourceIP: "10.0.1.1", DestIP: "10.0.1.2", Protocols: []string{"TCP"}, Bytes: 10},
	}, hosts)

	c := DefaultCriteria()
	c.Mode = api.FilterSubnet
	c.Subnet = "10.0.0"

	out := Apply(g, c)
	assert.Len(t, out.Edges, 0)
	require.Len(t, out.Nodes, 1)
	assert.Equal(t, 0, out.Nodes["10.0.0.9"].ConnectionCount)
}

func TestApplySubnetKeepsCrossBoundaryEdge(t *testing.T) {
	g := flowGraph(
		api.RawFlow{SourceIP: "10.0.0.1", DestIP: "192.168.1.5", Protocols: []string{"TCP"}, Bytes: 10},
		api.RawFlow{SourceIP: "192.168.1.5", DestIP: "192.168.1.6", Protocols: []string{"TCP"}, Bytes: 10},
	)
	c := DefaultCriteria()
	c.Mode = api.FilterSubnet
	c.Subnet = "10.0.0"

	out := Apply(g, c)
	// One endpoint in scope keeps the edge; fully out-of-scope edges drop.
	require.Len(t, out.Edges, 1)
	_, ok := out.Edges[EdgeKeyFor("10.0.0.1", "192.168.1.5")]
	assert.True(t, ok)
	assert.Len(t, out.Nodes, 2)
}

func TestApplySubstringMatchesHostname(t *testing.T) {
	hosts := []api.Host{
		{IP: "10.0.0.1", Hostname: "db-primary", Status: api.HostOnline},
		{IP: "10.0.0.2", Hostname: "web-1", Status: api.HostOnline},
	}
	g := Aggregate(nil, hosts)

	c := DefaultCriteria()
	c.IPSubstring = "DB"

	out := Apply(g, c)
	require.Len(t, out.Nodes, 1)
	assert.NotNil(t, out.Nodes["10.0.0.1"])
}

func TestToggleLayerRefusesLast(t *testing.T) {
	c := DefaultCriteria()
	err := c.ToggleLayer(api.LayerL4)
	assert.ErrorIs(t, err, ErrLastLayer)
	assert.True(t, c.Layers[api.LayerL4])

	require.NoError(t, c.ToggleLayer(api.LayerL7))
	require.NoError(t, c.ToggleLayer(api.LayerL4))
	assert.Equal(t, []api.OSILayer{api.LayerL7}, c.LayerList())
}

func TestFingerprintTracksStructuralCriteria(t *testing.T) {
	a := DefaultCriteria()
	b := DefaultCriteria()
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.MinTrafficBytes = 1024
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())

	b = DefaultCriteria()
	require.NoError(t, b.ToggleLayer(api.LayerL7))
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}
