package ops

import (
	"github.com/luno/flowmap/api"
)

// epochMillisCutoff: timestamps above this are epoch milliseconds.
// Collaborators are inconsistent about units, so we normalize on ingest.
const epochMillisCutoff = 1_000_000_000_000

func normalizeEpoch(ts int64) int64 {
	if ts > epochMillisCutoff {
		return ts / 1000
	}
	return ts
}

// Aggregate merges directional raw flow records into an undirected,
// metadata-rich graph. Flows with endpoints that are not valid IPv4
// addresses are dropped silently: they are usually internal identifiers,
// not network endpoints.
func Aggregate(flows []api.RawFlow, hosts []api.Host) *Graph {
	g := NewGraph()

	for _, h := range hosts {
		if !validIPv4(h.IP) {
			continue
		}
		g.Nodes[h.IP] = &Node{
			ID:          h.IP,
			DisplayName: displayName(h),
			Group:       hostGroup(h),
			Status:      h.Status,
		}
	}

	for _, f := range flows {
		if !validIPv4(f.SourceIP) || !validIPv4(f.DestIP) {
			droppedFlows.Inc()
			continue
		}
		ensureEndpoint(g, f.SourceIP)
		ensureEndpoint(g, f.DestIP)
		addFlow(g, f)
	}

	finalizeNodeStats(g)
	return g
}

func displayName(h api.Host) string {
	if h.Hostname != "" {
		return h.Hostname
	}
	return h.IP
}

// hostGroup maps inventory status to a membership group. Passive discovery
// takes precedence over online/offline.
func hostGroup(h api.Host) MembershipGroup {
	if h.DiscoveryMethod == api.DiscoveryPassive {
		return GroupPassive
	}
	if h.Status == api.HostOnline {
		return GroupOnline
	}
	return GroupOffline
}

// ensureEndpoint synthesizes a node for an IP observed in traffic but
// missing from the inventory.
func ensureEndpoint(g *Graph, ip string) {
	if _, ok := g.Nodes[ip]; ok {
		return
	}
	g.Nodes[ip] = &Node{
		ID:          ip,
		DisplayName: ip,
		Group:       GroupExternal,
		Status:      api.HostUnknown,
	}
}

func addFlow(g *Graph, f api.RawFlow) {
	key := EdgeKeyFor(f.SourceIP, f.DestIP)
	forward := f.SourceIP == key.A

	first := normalizeEpoch(f.FirstSeen)
	last := normalizeEpoch(f.LastSeen)

	e, ok := g.Edges[key]
	if !ok {
		e = &Edge{
			Key:         key,
			Protocols:   make(map[string]bool),
			DetectedL7s: make(map[string]bool),
			Ports:       make(map[int]bool),
			FirstSeen:   first,
			LastSeen:    last,
		}
		g.Edges[key] = e
	} else {
		if first > 0 && (e.FirstSeen == 0 || first < e.FirstSeen) {
			e.FirstSeen = first
		}
		if last > e.LastSeen {
			e.LastSeen = last
		}
	}

	if forward {
		e.ForwardBytes += f.Bytes
	} else {
		e.ReverseBytes += f.Bytes
	}
	if e.ForwardBytes > 0 && e.ReverseBytes > 0 {
		e.Bidirectional = true
	}

	for _, p := range f.Protocols {
		if p != "" {
			e.Protocols[p] = true
		}
	}
	if f.DetectedL7Protocol != "" {
		e.DetectedL7s[f.DetectedL7Protocol] = true
	}
	if f.SourcePort > 0 {
		e.Ports[f.SourcePort] = true
	}
	if f.DestPort > 0 {
		e.Ports[f.DestPort] = true
	}
	e.PacketCount += f.PacketCount
	if f.Encrypted {
		e.Encrypted = true
	}
}

func finalizeNodeStats(g *Graph) {
	var total int64
	perNode := make(map[string]int64)
	for k, e := range g.Edges {
		t := e.TotalBytes()
		total += t
		perNode[k.A] += t
		perNode[k.B] += t
		g.Nodes[k.A].ConnectionCount++
		g.Nodes[k.B].ConnectionCount++
	}
	if total == 0 {
		return
	}
	for id, n := range g.Nodes {
		n.TrafficRoleWeight = float64(perNode[id]) / float64(total)
	}
}
