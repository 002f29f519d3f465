package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"Go2NetSession/internal/model"
)

var (
	// ErrNotIP is returned for packets without an IPv4 or IPv6 layer (ARP, LLDP, ...).
	ErrNotIP = errors.New("not an IP packet")
	// ErrUndecodable is returned when gopacket failed before reaching the network layer.
	ErrUndecodable = errors.New("undecodable packet")
)

// ParsePacket extracts the capture timestamp, in UTC, and the network-layer
// addresses of a decoded packet. Addresses are rendered in their canonical
// text form.
func ParsePacket(packet gopacket.Packet) (model.FlowRecord, error) {
	rec := model.FlowRecord{Timestamp: time.Now().UTC()}
	if meta := packet.Metadata(); meta != nil && !meta.Timestamp.IsZero() {
		rec.Timestamp = meta.Timestamp.UTC()
	}

	if l := packet.Layer(layers.LayerTypeIPv4); l != nil {
		ip := l.(*layers.IPv4)
		rec.SrcAddr = ip.SrcIP.String()
		rec.DstAddr = ip.DstIP.String()
		return rec, nil
	}
	if l := packet.Layer(layers.LayerTypeIPv6); l != nil {
		ip := l.(*layers.IPv6)
		rec.SrcAddr = ip.SrcIP.String()
		rec.DstAddr = ip.DstIP.String()
		return rec, nil
	}

	if el := packet.ErrorLayer(); el != nil {
		return model.FlowRecord{}, fmt.Errorf("%w: %v", ErrUndecodable, el.Error())
	}
	return model.FlowRecord{}, ErrNotIP
}

// ParseData decodes raw bytes of the given link type and parses the result.
func ParseData(data []byte, linkType layers.LinkType, ci gopacket.CaptureInfo) (model.FlowRecord, error) {
	packet := gopacket.NewPacket(data, linkType, gopacket.Default)
	md := packet.Metadata()
	md.CaptureInfo = ci
	return ParsePacket(packet)
}
