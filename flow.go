package flowguard

import (
	"fmt"
	"strings"
)

// Protocol names as they appear on the flow stream.
const (
	ProtocolTCP  = "TCP"
	ProtocolUDP  = "UDP"
	ProtocolICMP = "ICMP"
)

// IP protocol numbers for translating binary flow exports.
const (
	protoNumICMP = 1
	protoNumTCP  = 6
	protoNumUDP  = 17
)

// FlowRecord is a summarized description of one network conversation as
// delivered on the flow.records queue or decoded from a NetFlow export.
type FlowRecord struct {
	SourceAddr  string `json:"source_ip"`
	DestAddr    string `json:"destination_ip"`
	SourcePort  int    `json:"source_port"`
	DestPort    int    `json:"destination_port"`
	Protocol    string `json:"protocol"`
	PacketCount int64  `json:"packets"`
	ByteCount   int64  `json:"bytes"`
	TCPFlags    string `json:"tcp_flags"`
}

// Validate reports whether the record carries the minimum fields required
// for per-source accounting. Records failing validation are dropped by the
// ingestor, never propagated as stream errors.
func (f *FlowRecord) Validate() error {
	if strings.TrimSpace(f.SourceAddr) == "" {
		return fmt.Errorf("flow record missing source address")
	}
	return nil
}

// normalize fills the defaults the stream contract allows senders to omit.
func (f *FlowRecord) normalize() {
	if f.PacketCount <= 0 {
		f.PacketCount = 1
	}
	if f.ByteCount < 0 {
		f.ByteCount = 0
	}
}

// hasFlag reports whether the flow's cumulative TCP flags include the named
// flag. Flag strings arrive as substrings such as "SYN" or "SYN|ACK".
func (f *FlowRecord) hasFlag(name string) bool {
	return strings.Contains(f.TCPFlags, name)
}

// protocolName maps an IP protocol number to the stream's protocol naming.
func protocolName(proto uint8) string {
	switch proto {
	case protoNumICMP:
		return ProtocolICMP
	case protoNumTCP:
		return ProtocolTCP
	case protoNumUDP:
		return ProtocolUDP
	default:
		return fmt.Sprintf("PROTO_%d", proto)
	}
}

// formatTCPFlags renders a cumulative TCP flag byte in the stream's
// pipe-separated naming so binary exports and JSON records look alike.
func formatTCPFlags(flags uint8) string {
	var names []string
	if flags&0x01 != 0 {
		names = append(names, "FIN")
	}
	if flags&0x02 != 0 {
		names = append(names, "SYN")
	}
	if flags&0x04 != 0 {
		names = append(names, "RST")
	}
	if flags&0x08 != 0 {
		names = append(names, "PSH")
	}
	if flags&0x10 != 0 {
		names = append(names, "ACK")
	}
	if flags&0x20 != 0 {
		names = append(names, "URG")
	}
	return strings.Join(names, "|")
}
