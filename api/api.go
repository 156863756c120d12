package api

// HostStatus is the inventory's view of a host.
type HostStatus string

const (
	HostOnline  HostStatus = "online"
	HostOffline HostStatus = "offline"
	HostUnknown HostStatus = "unknown"
)

// DiscoveryPassive marks hosts that were never probed directly, only
// observed in traffic. Passive hosts render in their own membership group.
const DiscoveryPassive = "passive"

type Host struct {
	IP              string     `json:"ip"`
	Hostname        string     `json:"hostname,omitempty"`
	Status          HostStatus `json:"status"`
	DiscoveryMethod string     `json:"discovery_method,omitempty"`
}

type ListHostsResponse struct {
	Hosts []Host `json:"hosts"`
}

// RawFlow is one directional traffic observation between two endpoints.
// Immutable once emitted; one record per observation window per direction.
// FirstSeen/LastSeen may arrive as epoch seconds or milliseconds.
type RawFlow struct {
	SourceIP           string   `json:"source_ip"`
	DestIP             string   `json:"dest_ip"`
	Protocols          []string `json:"protocol"`
	DetectedL7Protocol string   `json:"detected_l7_protocol,omitempty"`
	Bytes              int64    `json:"bytes"`
	PacketCount        int64    `json:"packet_count"`
	FirstSeen          int64    `json:"first_seen"`
	LastSeen           int64    `json:"last_seen"`
	SourcePort         int      `json:"source_port,omitempty"`
	DestPort           int      `json:"dest_port,omitempty"`
	Encrypted          bool     `json:"is_encrypted,omitempty"`
}

type AggregatedStats struct {
	Connections []RawFlow `json:"connections"`
	CurrentTime int64     `json:"current_time"`
}

type BurstResult struct {
	Connections     []RawFlow `json:"connections"`
	ConnectionCount int       `json:"connection_count"`
	CurrentTime     int64     `json:"current_time"`
}

// OSILayer buckets protocols for selective display.
type OSILayer string

const (
	LayerL2 OSILayer = "L2"
	LayerL4 OSILayer = "L4"
	LayerL5 OSILayer = "L5"
	LayerL7 OSILayer = "L7"
)

type FilterMode string

const (
	FilterAll    FilterMode = "all"
	FilterSubnet FilterMode = "subnet"
)

// ToolbarState is the control contract rendered by the host page. All of it
// is advisory and safe to lose.
type ToolbarState struct {
	Mode              FilterMode `json:"mode"`
	Subnet            string     `json:"subnet,omitempty"`
	IPSubstring       string     `json:"ip_substring,omitempty"`
	Port              int        `json:"port,omitempty"`
	MinTrafficBytes   int64      `json:"min_traffic_bytes,omitempty"`
	MinThroughputMbps float64    `json:"min_throughput_mbps,omitempty"`
	Layers            []OSILayer `json:"layers"`
	RefreshSeconds    int        `json:"refresh_seconds"`
	Live              bool       `json:"live"`
	ContainerHeight   int        `json:"container_height,omitempty"`
	ViewportX         float64    `json:"viewport_x,omitempty"`
	ViewportY         float64    `json:"viewport_y,omitempty"`
	ViewportZoom      float64    `json:"viewport_zoom,omitempty"`
}

// GraphNode is the wire form of an aggregated, filtered topology node.
type GraphNode struct {
	ID                string  `json:"id"`
	DisplayName       string  `json:"display_name"`
	MembershipGroup   string  `json:"membership_group"`
	Status            string  `json:"status"`
	ConnectionCount   int     `json:"connection_count"`
	TrafficRoleWeight float64 `json:"traffic_role_weight"`
	X                 float64 `json:"x"`
	Y                 float64 `json:"y"`
	Pinned            bool    `json:"pinned"`
}

// GraphEdge is the wire form of the canonical undirected edge; Source is
// always the lesser endpoint by string order.
type GraphEdge struct {
	Source              string   `json:"node_a"`
	Target              string   `json:"node_b"`
	ForwardBytes        int64    `json:"forward_bytes"`
	ReverseBytes        int64    `json:"reverse_bytes"`
	Bidirectional       bool     `json:"bidirectional"`
	Protocols           []string `json:"protocols,omitempty"`
	DetectedL7Protocols []string `json:"detected_l7_protocols,omitempty"`
	PacketCount         int64    `json:"packet_count"`
	FirstSeen           int64    `json:"first_seen"`
	LastSeen            int64    `json:"last_seen"`
	ObservedPorts       []int    `json:"observed_ports,omitempty"`
	Encrypted           bool     `json:"is_encrypted,omitempty"`
}

type GetGraphResponse struct {
	Nodes  []GraphNode `json:"nodes"`
	Edges  []GraphEdge `json:"edges"`
	Loaded bool        `json:"loaded"`
	Online bool        `json:"online"`
}

// SelectionEvent is emitted to other page regions when the operator selects
// or deselects something on the map.
type SelectionEvent struct {
	Type   SelectionEventType `json:"type"`
	NodeID string             `json:"node_id,omitempty"`
	EdgeID string             `json:"edge_id,omitempty"`
	// Screen position supplied to the context-action surface.
	X float64 `json:"x,omitempty"`
	Y float64 `json:"y,omitempty"`
}

type SelectionEventType string

const (
	NodeSelected     SelectionEventType = "node_selected"
	EdgeSelected     SelectionEventType = "edge_selected"
	SelectionCleared SelectionEventType = "selection_cleared"
	ContextAction    SelectionEventType = "context_action"
)
