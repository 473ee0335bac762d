package classifier

import (
	"encoding/binary"

	"github.com/google/gopacket/layers"
	"golang.org/x/net/ipv4"
)

const (
	ethHeaderLen  = 14
	ethTypeOffset = 12

	ipv4ProtoOffset = 9
	ipv4SrcOffset   = 12
	ipv4DstOffset   = 16

	tcpHeaderLen = 20
	udpHeaderLen = 8
)

// view holds the fields of one frame the classifier looks at. It lives on
// the caller's stack for a single call.
type view struct {
	src, dst     [4]byte
	proto        layers.IPProtocol
	sport, dport uint16
}

// parse fills v from an Ethernet frame. It reports false for anything that
// is not a complete Ethernet/IPv4/TCP-or-UDP header chain. Every read is
// preceded by a length check against pkt.
func (v *view) parse(pkt []byte) bool {
	if len(pkt) < ethHeaderLen {
		return false
	}
	if layers.EthernetType(binary.BigEndian.Uint16(pkt[ethTypeOffset:])) != layers.EthernetTypeIPv4 {
		return false
	}

	if len(pkt) < ethHeaderLen+ipv4.HeaderLen {
		return false
	}
	ip := pkt[ethHeaderLen : ethHeaderLen+ipv4.HeaderLen]
	ihl := int(ip[0]&0x0f) << 2
	if ihl < ipv4.HeaderLen {
		return false
	}
	v.proto = layers.IPProtocol(ip[ipv4ProtoOffset])
	copy(v.src[:], ip[ipv4SrcOffset:ipv4SrcOffset+4])
	copy(v.dst[:], ip[ipv4DstOffset:ipv4DstOffset+4])

	var need int
	switch v.proto {
	case layers.IPProtocolTCP:
		need = tcpHeaderLen
	case layers.IPProtocolUDP:
		need = udpHeaderLen
	default:
		return false
	}

	// ihl is at most 60, so off+need cannot overflow.
	off := ethHeaderLen + ihl
	if len(pkt) < off+need {
		return false
	}
	v.sport = binary.BigEndian.Uint16(pkt[off:])
	v.dport = binary.BigEndian.Uint16(pkt[off+2:])
	return true
}
