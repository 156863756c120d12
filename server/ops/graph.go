package ops

import (
	"sort"
	"strconv"
	"strings"

	"github.com/luno/flowmap/api"
)

// MembershipGroup classifies how a node entered the graph.
type MembershipGroup string

const (
	GroupOnline   MembershipGroup = "online"
	GroupOffline  MembershipGroup = "offline"
	GroupPassive  MembershipGroup = "passive"
	GroupExternal MembershipGroup = "external"
)

type Node struct {
	// ID is the host IP and is unique within a graph snapshot.
	ID          string
	DisplayName string
	Group       MembershipGroup
	Status      api.HostStatus

	// TrafficRoleWeight is the node's share of total graph bytes, 0..1.
	TrafficRoleWeight float64
	ConnectionCount   int
}

// EdgeKey identifies the undirected edge between two endpoints.
// A < B by string comparison, so both flow directions map to the same key.
type EdgeKey struct {
	A, B string
}

func EdgeKeyFor(ip1, ip2 string) EdgeKey {
	if ip2 < ip1 {
		ip1, ip2 = ip2, ip1
	}
	return EdgeKey{A: ip1, B: ip2}
}

func (k EdgeKey) ID() string {
	return k.A + "|" + k.B
}

func EdgeKeyFromID(id string) (EdgeKey, bool) {
	a, b, ok := strings.Cut(id, "|")
	if !ok {
		return EdgeKey{}, false
	}
	return EdgeKeyFor(a, b), true
}

type Edge struct {
	Key EdgeKey

	// ForwardBytes counts traffic flowing A→B, ReverseBytes B→A.
	ForwardBytes int64
	ReverseBytes int64
	// Bidirectional is set the first time traffic is seen in both
	// directions within the aggregation window.
	Bidirectional bool

	Protocols   map[string]bool
	DetectedL7s map[string]bool
	PacketCount int64

	// FirstSeen/LastSeen are epoch seconds, normalized from whatever
	// unit the collaborator reported.
	FirstSeen int64
	LastSeen  int64

	Ports     map[int]bool
	Encrypted bool
}

func (e *Edge) TotalBytes() int64 {
	return e.ForwardBytes + e.ReverseBytes
}

// ProtocolList returns the merged protocol set in stable order.
func (e *Edge) ProtocolList() []string {
	ret := make([]string, 0, len(e.Protocols))
	for p := range e.Protocols {
		ret = append(ret, p)
	}
	sort.Strings(ret)
	return ret
}

type Graph struct {
	Nodes map[string]*Node
	Edges map[EdgeKey]*Edge
}

func NewGraph() *Graph {
	return &Graph{
		Nodes: make(map[string]*Node),
		Edges: make(map[EdgeKey]*Edge),
	}
}

// Degree returns the number of edges incident to the node.
func (g *Graph) Degree(nodeID string) int {
	var n int
	for k := range g.Edges {
		if k.A == nodeID || k.B == nodeID {
			n++
		}
	}
	return n
}

// MaxDegree returns the highest connection count in the graph.
func (g *Graph) MaxDegree() int {
	var ret int
	for _, n := range g.Nodes {
		if n.ConnectionCount > ret {
			ret = n.ConnectionCount
		}
	}
	return ret
}

// MaxEdgeBytes returns the largest total traffic on any edge.
func (g *Graph) MaxEdgeBytes() int64 {
	var ret int64
	for _, e := range g.Edges {
		if e.TotalBytes() > ret {
			ret = e.TotalBytes()
		}
	}
	return ret
}

// validIPv4 reports whether s is exactly four dot-separated decimal octets
// in 0..255. Anything else, including IPv6 and hostnames, is rejected.
func validIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}

// subnetPrefix returns the first three octets of an IPv4 address.
func subnetPrefix(ip string) string {
	idx := strings.LastIndex(ip, ".")
	if idx == -1 {
		return ip
	}
	return ip[:idx]
}
