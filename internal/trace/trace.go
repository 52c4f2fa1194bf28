// Package trace synthesizes a pcap file of relayed tunnel payloads for
// offline inspection in Wireshark or tcpdump. It never touches a live
// network interface: every packet it writes is a synthetic Ethernet/IP/UDP
// header wrapped around a datagram already relayed by the tunnel.
package trace

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// syntheticMAC is used for both link-layer addresses since the tunnel has
// no real Ethernet segment; it only exists to make the pcap file loadable
// by tools that expect a link layer.
var syntheticMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}

// Writer appends synthetic packets to a pcap file. Safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	f   *os.File
	w   *pcapgo.Writer
	buf gopacket.SerializeBuffer
	opt gopacket.SerializeOptions
}

// New creates (or truncates) the pcap file at path and writes its header.
func New(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("trace: create %q: %w", path, err)
	}

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("trace: write pcap header: %w", err)
	}

	return &Writer{
		f:   f,
		w:   w,
		buf: gopacket.NewSerializeBuffer(),
		opt: gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
	}, nil
}

// WriteUDP appends one synthetic Ethernet+IP+UDP packet carrying payload
// from src to dst.
func (t *Writer) WriteUDP(src, dst *net.UDPAddr, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	eth := &layers.Ethernet{
		SrcMAC:       syntheticMAC,
		DstMAC:       syntheticMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port),
		DstPort: layers.UDPPort(dst.Port),
	}

	var netLayer gopacket.SerializableLayer
	if ip4src, ip4dst := src.IP.To4(), dst.IP.To4(); ip4src != nil && ip4dst != nil {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    ip4src,
			DstIP:    ip4dst,
		}
		netLayer = ip
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return fmt.Errorf("trace: set checksum layer: %w", err)
		}
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      src.IP.To16(),
			DstIP:      dst.IP.To16(),
		}
		netLayer = ip
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return fmt.Errorf("trace: set checksum layer: %w", err)
		}
	}

	t.buf.Clear()
	if err := gopacket.SerializeLayers(t.buf, t.opt, eth, netLayer, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("trace: serialize: %w", err)
	}

	data := t.buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	return t.w.WritePacket(ci, data)
}

// Close flushes and closes the underlying pcap file.
func (t *Writer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.f.Close()
}
