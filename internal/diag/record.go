// Package diag carries the classifier's diagnostic records from the packet
// path to the log.
package diag

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/gopacket/layers"
)

// Kind tells why a record was emitted.
type Kind uint8

const (
	// KindRedirect marks a packet that matched and was redirected.
	KindRedirect Kind = 1
	// KindMissingTarget marks a packet that matched while no tunnel target
	// was configured. It was passed.
	KindMissingTarget Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindRedirect:
		return "redirect"
	case KindMissingTarget:
		return "missing_target"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// RecordSize is the size of the wire form written by the kernel program.
//
//	0  saddr   [4]byte network order
//	4  daddr   [4]byte network order
//	8  sport   uint16  network order
//	10 dport   uint16  network order
//	12 proto   uint8
//	13 kind    uint8
//	14 padding
//	16 target  uint32  host order
const RecordSize = 20

// Record describes one matched packet. It is a fixed-size value.
type Record struct {
	Kind   Kind
	Proto  layers.IPProtocol
	Src    netip.AddrPort
	Dst    netip.AddrPort
	Target uint32
}

// ProtoName returns "tcp", "udp" or the protocol number.
func (r Record) ProtoName() string {
	switch r.Proto {
	case layers.IPProtocolTCP:
		return "tcp"
	case layers.IPProtocolUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto(%d)", uint8(r.Proto))
	}
}

func (r Record) String() string {
	return fmt.Sprintf("%s %s, %s => %s", r.Kind, r.ProtoName(), r.Src, r.Dst)
}

// Decode parses the kernel wire form of a record.
func Decode(raw []byte) (Record, error) {
	if len(raw) < RecordSize {
		return Record{}, fmt.Errorf("diag: short record: %d bytes", len(raw))
	}
	src := netip.AddrFrom4([4]byte(raw[0:4]))
	dst := netip.AddrFrom4([4]byte(raw[4:8]))
	return Record{
		Kind:   Kind(raw[13]),
		Proto:  layers.IPProtocol(raw[12]),
		Src:    netip.AddrPortFrom(src, binary.BigEndian.Uint16(raw[8:10])),
		Dst:    netip.AddrPortFrom(dst, binary.BigEndian.Uint16(raw[10:12])),
		Target: binary.NativeEndian.Uint32(raw[16:20]),
	}, nil
}

// Encode writes r in the kernel wire form. It is the inverse of Decode.
func (r Record) Encode() [RecordSize]byte {
	var b [RecordSize]byte
	s, d := r.Src.Addr().As4(), r.Dst.Addr().As4()
	copy(b[0:4], s[:])
	copy(b[4:8], d[:])
	binary.BigEndian.PutUint16(b[8:10], r.Src.Port())
	binary.BigEndian.PutUint16(b[10:12], r.Dst.Port())
	b[12] = uint8(r.Proto)
	b[13] = uint8(r.Kind)
	binary.NativeEndian.PutUint32(b[16:20], r.Target)
	return b
}
