package ops

import (
	"strings"

	"github.com/luno/flowmap/api"
)

// protocolLayers maps protocol names to the OSI layer bucket used for
// filtering and coloring. Port-only connections with no protocol metadata
// default to the transport layer.
var protocolLayers = map[string]api.OSILayer{
	"ETHERNET": api.LayerL2,
	"ARP":      api.LayerL2,
	"VLAN":     api.LayerL2,
	"LLDP":     api.LayerL2,

	"TCP":    api.LayerL4,
	"UDP":    api.LayerL4,
	"ICMP":   api.LayerL4,
	"ICMPV6": api.LayerL4,
	"SCTP":   api.LayerL4,

	"TLS":     api.LayerL5,
	"SSL":     api.LayerL5,
	"SOCKS":   api.LayerL5,
	"NETBIOS": api.LayerL5,

	"HTTP":   api.LayerL7,
	"HTTPS":  api.LayerL7,
	"DNS":    api.LayerL7,
	"SSH":    api.LayerL7,
	"SMTP":   api.LayerL7,
	"FTP":    api.LayerL7,
	"MQTT":   api.LayerL7,
	"QUIC":   api.LayerL7,
	"SIP":    api.LayerL7,
	"RDP":    api.LayerL7,
	"SNMP":   api.LayerL7,
	"NTP":    api.LayerL7,
	"DHCP":   api.LayerL7,
	"MODBUS": api.LayerL7,
}

func layerOf(protocol string) (api.OSILayer, bool) {
	l, ok := protocolLayers[strings.ToUpper(protocol)]
	return l, ok
}

// edgeMatchesLayers reports whether any of the edge's protocols map to an
// active layer. Edges with no protocol metadata at all are treated as
// port-based transport connections and match whenever L4 is active.
func edgeMatchesLayers(e *Edge, active map[api.OSILayer]bool) bool {
	if len(active) == 0 {
		return false
	}
	var tagged bool
	for p := range e.DetectedL7s {
		tagged = true
		if l, ok := layerOf(p); ok && active[l] {
			return true
		}
	}
	for p := range e.Protocols {
		tagged = true
		if l, ok := layerOf(p); ok && active[l] {
			return true
		}
	}
	if !tagged {
		return active[api.LayerL4]
	}
	return false
}
