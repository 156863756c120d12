// Package traffic provides a local, capture-backed implementation of the
// traffic collaborator. It keeps a running flow table from live packets so
// a flowmap server can be pointed at an interface instead of a remote
// stats service.
package traffic

import (
	"context"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"

	"github.com/luno/flowmap/api"
)

const (
	snapLen     = 1600
	maxFlows    = 10000
	idleTimeout = 5 * time.Minute
)

// flowKey is a normalized 5-tuple: both directions map to the same key.
type flowKey struct {
	ip1, ip2     string
	port1, port2 int
	protocol     string
}

func makeFlowKey(srcIP, dstIP string, srcPort, dstPort int, protocol string) (flowKey, bool) {
	if srcIP < dstIP || (srcIP == dstIP && srcPort < dstPort) {
		return flowKey{ip1: srcIP, ip2: dstIP, port1: srcPort, port2: dstPort, protocol: protocol}, true
	}
	return flowKey{ip1: dstIP, ip2: srcIP, port1: dstPort, port2: srcPort, protocol: protocol}, false
}

type flowStat struct {
	srcIP, dstIP     string
	srcPort, dstPort int
	protocol         string
	l7               string
	encrypted        bool

	bytes     int64
	packets   int64
	firstSeen int64 // epoch seconds
	lastSeen  int64
}

// PcapSource sniffs one interface and serves the traffic collaborator
// contract from its flow table.
type PcapSource struct {
	iface  string
	filter string

	mu    sync.Mutex
	flows map[flowKey]*flowStat
	alive bool

	now func() time.Time
}

func NewPcapSource(iface, bpfFilter string) *PcapSource {
	return &PcapSource{
		iface:  iface,
		filter: bpfFilter,
		flows:  make(map[flowKey]*flowStat),
		now:    time.Now,
	}
}

// Run captures until the context is cancelled. Capture errors mark the
// source not-alive and are retried with backoff; the flow table survives.
func (p *PcapSource) Run(ctx context.Context) error {
	for {
		err := p.capture(ctx)
		if errors.Is(err, context.Canceled) {
			return err
		} else if err != nil {
			p.setAlive(false)
			log.Error(ctx, errors.Wrap(err, "capture failed", j.KV("interface", p.iface)))
		}
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *PcapSource) capture(ctx context.Context) error {
	handle, err := pcap.OpenLive(p.iface, snapLen, true, pcap.BlockForever)
	if err != nil {
		return errors.Wrap(err, "open interface")
	}
	defer handle.Close()

	if p.filter != "" {
		if err := handle.SetBPFFilter(p.filter); err != nil {
			return errors.Wrap(err, "set bpf filter")
		}
	}
	p.setAlive(true)
	log.Info(ctx, "capture started", j.KV("interface", p.iface))

	src := gopacket.NewPacketSource(handle, handle.LinkType())
	for {
		select {
		case pkt, ok := <-src.Packets():
			if !ok {
				return errors.New("packet source closed")
			}
			p.track(pkt)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *PcapSource) setAlive(alive bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = alive
}

// Alive implements the liveness poll: true while the capture handle is up.
func (p *PcapSource) Alive(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *PcapSource) track(pkt gopacket.Packet) {
	ip4, ok := pkt.NetworkLayer().(*layers.IPv4)
	if !ok {
		return
	}

	var srcPort, dstPort int
	var proto, l7 string
	var encrypted bool
	switch t := pkt.TransportLayer().(type) {
	case *layers.TCP:
		proto = "TCP"
		srcPort, dstPort = int(t.SrcPort), int(t.DstPort)
	case *layers.UDP:
		proto = "UDP"
		srcPort, dstPort = int(t.SrcPort), int(t.DstPort)
	default:
		if pkt.Layer(layers.LayerTypeICMPv4) != nil {
			proto = "ICMP"
		} else {
			return
		}
	}
	l7, encrypted = classifyL7(proto, srcPort, dstPort)

	length := int64(pkt.Metadata().Length)
	now := p.now().Unix()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.flows) >= maxFlows {
		p.evictIdle(now)
	}
	key, _ := makeFlowKey(ip4.SrcIP.String(), ip4.DstIP.String(), srcPort, dstPort, proto)
	f, ok := p.flows[key]
	if !ok {
		f = &flowStat{
			srcIP:     ip4.SrcIP.String(),
			dstIP:     ip4.DstIP.String(),
			srcPort:   srcPort,
			dstPort:   dstPort,
			protocol:  proto,
			l7:        l7,
			encrypted: encrypted,
			firstSeen: now,
		}
		p.flows[key] = f
	}
	f.bytes += length
	f.packets++
	f.lastSeen = now
}

// classifyL7 is a port-based heuristic. Deep inspection belongs to a real
// capture collaborator; well-known ports are enough for map coloring.
func classifyL7(proto string, srcPort, dstPort int) (string, bool) {
	for _, port := range []int{dstPort, srcPort} {
		switch {
		case port == 22:
			return "SSH", true
		case port == 53:
			return "DNS", false
		case port == 80:
			return "HTTP", false
		case port == 443 && proto == "UDP":
			return "QUIC", true
		case port == 443:
			return "HTTPS", true
		case port == 25:
			return "SMTP", false
		case port == 1883 || port == 8883:
			return "MQTT", port == 8883
		case port == 3389:
			return "RDP", true
		}
	}
	return "", false
}

func (p *PcapSource) evictIdle(now int64) {
	cutoff := now - int64(idleTimeout/time.Second)
	for key, f := range p.flows {
		if f.lastSeen < cutoff {
			delete(p.flows, key)
		}
	}
}

func (p *PcapSource) snapshot(since int64) []api.RawFlow {
	p.mu.Lock()
	defer p.mu.Unlock()
	ret := make([]api.RawFlow, 0, len(p.flows))
	for _, f := range p.flows {
		if f.lastSeen < since {
			continue
		}
		ret = append(ret, api.RawFlow{
			SourceIP:           f.srcIP,
			DestIP:             f.dstIP,
			Protocols:          []string{f.protocol},
			DetectedL7Protocol: f.l7,
			Bytes:              f.bytes,
			PacketCount:        f.packets,
			FirstSeen:          f.firstSeen,
			LastSeen:           f.lastSeen,
			SourcePort:         f.srcPort,
			DestPort:           f.dstPort,
			Encrypted:          f.encrypted,
		})
	}
	return ret
}

// GetAggregatedStats returns the whole flow table.
func (p *PcapSource) GetAggregatedStats(context.Context) (api.AggregatedStats, error) {
	return api.AggregatedStats{
		Connections: p.snapshot(0),
		CurrentTime: p.now().Unix(),
	}, nil
}

// BurstCapture waits out the sample window, then returns only the flows
// that saw traffic during it.
func (p *PcapSource) BurstCapture(ctx context.Context, duration time.Duration) (api.BurstResult, error) {
	start := p.now().Unix()
	select {
	case <-time.After(duration):
	case <-ctx.Done():
		return api.BurstResult{}, ctx.Err()
	}
	conns := p.snapshot(start)
	return api.BurstResult{
		Connections:     conns,
		ConnectionCount: len(conns),
		CurrentTime:     p.now().Unix(),
	}, nil
}
