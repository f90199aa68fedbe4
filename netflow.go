package flowguard

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"
)

// NetFlow export versions seen on the wire.
const (
	netflowV5    = 5
	netflowV9    = 9
	netflowIPFIX = 10
)

const (
	netflowV5HeaderSize = 24
	netflowV5RecordSize = 48
)

// NetFlowParser decodes NetFlow v5 export packets into flow records.
// v9 and IPFIX exports are rejected: their template machinery is a separate
// concern, and the counters make the rejects visible.
type NetFlowParser struct {
	packetsParsed atomic.Uint64
	recordsParsed atomic.Uint64
	parseErrors   atomic.Uint64
}

func NewNetFlowParser() *NetFlowParser {
	return &NetFlowParser{}
}

// Parse decodes one export packet. A short or unsupported packet counts as
// a parse error and returns nil records.
func (p *NetFlowParser) Parse(data []byte) ([]FlowRecord, error) {
	if len(data) < 2 {
		p.parseErrors.Add(1)
		return nil, fmt.Errorf("netflow packet too short: %d bytes", len(data))
	}

	version := binary.BigEndian.Uint16(data[0:2])
	switch version {
	case netflowV5:
		return p.parseV5(data)
	case netflowV9, netflowIPFIX:
		p.parseErrors.Add(1)
		return nil, fmt.Errorf("netflow version %d not supported", version)
	default:
		p.parseErrors.Add(1)
		return nil, fmt.Errorf("unknown netflow version %d", version)
	}
}

func (p *NetFlowParser) parseV5(data []byte) ([]FlowRecord, error) {
	if len(data) < netflowV5HeaderSize {
		p.parseErrors.Add(1)
		return nil, fmt.Errorf("netflow v5 packet too short for header: %d bytes", len(data))
	}

	count := int(binary.BigEndian.Uint16(data[2:4]))
	expected := netflowV5HeaderSize + count*netflowV5RecordSize
	if len(data) < expected {
		p.parseErrors.Add(1)
		return nil, fmt.Errorf("netflow v5 size mismatch: got %d bytes, expected %d", len(data), expected)
	}

	// Lower 14 bits of the sampling field carry the sampling interval;
	// zero means unsampled.
	samplingRate := int64(binary.BigEndian.Uint16(data[22:24]) & 0x3FFF)
	if samplingRate == 0 {
		samplingRate = 1
	}

	flows := make([]FlowRecord, 0, count)
	offset := netflowV5HeaderSize
	for i := 0; i < count; i++ {
		record := data[offset : offset+netflowV5RecordSize]
		offset += netflowV5RecordSize

		packets := int64(binary.BigEndian.Uint32(record[16:20])) * samplingRate
		bytes := int64(binary.BigEndian.Uint32(record[20:24])) * samplingRate

		flows = append(flows, FlowRecord{
			SourceAddr:  net.IP(record[0:4]).String(),
			DestAddr:    net.IP(record[4:8]).String(),
			SourcePort:  int(binary.BigEndian.Uint16(record[32:34])),
			DestPort:    int(binary.BigEndian.Uint16(record[34:36])),
			Protocol:    protocolName(record[38]),
			PacketCount: packets,
			ByteCount:   bytes,
			TCPFlags:    formatTCPFlags(record[37]),
		})
	}

	p.packetsParsed.Add(1)
	p.recordsParsed.Add(uint64(len(flows)))
	return flows, nil
}

// Stats reports cumulative parser counters.
func (p *NetFlowParser) Stats() (packets, records, errors uint64) {
	return p.packetsParsed.Load(), p.recordsParsed.Load(), p.parseErrors.Load()
}
