// Package bpf builds and loads the kernel side of the classifier: a
// sched_cls program attached at tc egress and the maps it reads.
//
// The program is assembled at run time so that the sentinel address and the
// optional pid check can be fixed at load time without a C toolchain.
package bpf

import (
	"encoding/binary"
	"net/netip"

	"github.com/cilium/ebpf/asm"
	"github.com/google/gopacket/layers"

	"firestige.xyz/tunsidecar/internal/diag"
	"firestige.xyz/tunsidecar/internal/store"
)

// Map names. The table maps share their names with the store tables.
const (
	MapParams      = store.TableParams
	MapBypassMarks = store.TableBypassMarks
	MapBypassPids  = store.TableBypassPids
	MapEvents      = "events"
	MapRingDrops   = "ring_drops"
)

// ProgramName is the kernel name of the classifier and of its tc filter.
const ProgramName = "tun_sidecar"

// Return codes of a tc classifier in direct action mode.
const (
	// ActPipe hands the packet to the next filter, or lets it continue
	// normally when there is none.
	ActPipe = 3
	// ActRedirect is what bpf_redirect returns on success.
	ActRedirect = 7
)

// __sk_buff field offsets.
const (
	skbMark    = 8
	skbData    = 76
	skbDataEnd = 80
)

// Packet offsets relative to skb->data.
const (
	offEtherType = 12
	offIPv4      = 14
	offProto     = offIPv4 + 9
	offSaddr     = offIPv4 + 12
	offDaddr     = offIPv4 + 16
	minIPv4End   = offIPv4 + 20
)

// Stack layout. The record occupies the 20 bytes right below the frame
// pointer in diag wire format; the lookup key sits below it.
const (
	stackRecord = -diag.RecordSize
	stackKey    = stackRecord - 4

	recSaddr  = stackRecord
	recDaddr  = stackRecord + 4
	recSport  = stackRecord + 8
	recDport  = stackRecord + 10
	recProto  = stackRecord + 12
	recKind   = stackRecord + 13
	recPad    = stackRecord + 14
	recTarget = stackRecord + 16
)

const labelPass = "pass"

// ProgramOptions fixes the load-time behaviour of the program.
type ProgramOptions struct {
	// Sentinel is the destination that selects a packet.
	Sentinel netip.Addr
	// BypassPids adds the sending-process check. Leave it off when no pids
	// are configured.
	BypassPids bool
	// Diagnostics enables writing a record per matched packet to the
	// events ring buffer.
	Diagnostics bool
}

// Instructions assembles the classifier.
//
// Register use: R6 holds the context, R7 skb->data, R8 skb->data_end and
// R9 the start of the transport header once it is known.
func Instructions(opts ProgramOptions) asm.Instructions {
	sentinel := opts.Sentinel.Unmap().As4()
	// Packet fields are compared as loaded, so the constants are converted
	// to the same in-register form.
	etherTypeIPv4 := binary.NativeEndian.Uint16(binary.BigEndian.AppendUint16(nil, uint16(layers.EthernetTypeIPv4)))

	insns := asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),

		// Rule 1: bypass mark.
		asm.LoadMem(asm.R2, asm.R6, skbMark, asm.Word),
		asm.StoreMem(asm.RFP, stackKey, asm.R2, asm.Word),
	}
	insns = append(insns, lookup(MapBypassMarks)...)
	insns = append(insns, asm.JNE.Imm(asm.R0, 0, labelPass))

	if opts.BypassPids {
		insns = append(insns,
			asm.FnGetCurrentPidTgid.Call(),
			asm.RSh.Imm(asm.R0, 32),
			asm.StoreMem(asm.RFP, stackKey, asm.R0, asm.Word),
		)
		insns = append(insns, lookup(MapBypassPids)...)
		insns = append(insns, asm.JNE.Imm(asm.R0, 0, labelPass))
	}

	insns = append(insns,
		asm.LoadMem(asm.R7, asm.R6, skbData, asm.Word),
		asm.LoadMem(asm.R8, asm.R6, skbDataEnd, asm.Word),

		// Rule 2: Ethernet header and ether type.
		asm.Mov.Reg(asm.R2, asm.R7),
		asm.Add.Imm(asm.R2, offIPv4),
		asm.JGT.Reg(asm.R2, asm.R8, labelPass),
		asm.LoadMem(asm.R2, asm.R7, offEtherType, asm.Half),
		asm.JNE.Imm(asm.R2, int32(etherTypeIPv4), labelPass),

		// Rule 3: fixed IPv4 header.
		asm.Mov.Reg(asm.R2, asm.R7),
		asm.Add.Imm(asm.R2, minIPv4End),
		asm.JGT.Reg(asm.R2, asm.R8, labelPass),

		// Rule 4: header length in bytes, at least 20.
		asm.LoadMem(asm.R1, asm.R7, offIPv4, asm.Byte),
		asm.And.Imm(asm.R1, 0x0f),
		asm.LSh.Imm(asm.R1, 2),
		asm.JLT.Imm(asm.R1, 20, labelPass),

		// Rule 5: TCP or UDP. R5 is the transport header length.
		asm.LoadMem(asm.R4, asm.R7, offProto, asm.Byte),
		asm.Mov.Imm(asm.R5, 20),
		asm.JEq.Imm(asm.R4, int32(layers.IPProtocolTCP), "l4"),
		asm.Mov.Imm(asm.R5, 8),
		asm.JEq.Imm(asm.R4, int32(layers.IPProtocolUDP), "l4"),
		asm.Ja.Label(labelPass),

		// Rule 6: transport header present.
		asm.Mov.Reg(asm.R9, asm.R7).WithSymbol("l4"),
		asm.Add.Imm(asm.R9, offIPv4),
		asm.Add.Reg(asm.R9, asm.R1),
		asm.Mov.Reg(asm.R2, asm.R9),
		asm.Add.Reg(asm.R2, asm.R5),
		asm.JGT.Reg(asm.R2, asm.R8, labelPass),

		// Rules 7 and 8: the destination must be the sentinel.
		asm.LoadMem(asm.R2, asm.R7, offDaddr, asm.Word),
		asm.LoadImm(asm.R3, int64(binary.NativeEndian.Uint32(sentinel[:])), asm.DWord),
		asm.JNE.Reg(asm.R2, asm.R3, labelPass),
	)

	// The record is filled in before the params lookup clobbers R1-R5.
	insns = append(insns,
		asm.LoadMem(asm.R2, asm.R7, offSaddr, asm.Word),
		asm.StoreMem(asm.RFP, recSaddr, asm.R2, asm.Word),
		asm.LoadMem(asm.R2, asm.R7, offDaddr, asm.Word),
		asm.StoreMem(asm.RFP, recDaddr, asm.R2, asm.Word),
		asm.LoadMem(asm.R2, asm.R9, 0, asm.Half),
		asm.StoreMem(asm.RFP, recSport, asm.R2, asm.Half),
		asm.LoadMem(asm.R2, asm.R9, 2, asm.Half),
		asm.StoreMem(asm.RFP, recDport, asm.R2, asm.Half),
		asm.StoreMem(asm.RFP, recProto, asm.R4, asm.Byte),
		asm.StoreImm(asm.RFP, recKind, 0, asm.Byte),
		asm.StoreImm(asm.RFP, recPad, 0, asm.Half),
		asm.StoreImm(asm.RFP, recTarget, 0, asm.Word),

		// Rule 9: tunnel target.
		asm.StoreImm(asm.RFP, stackKey, int64(store.ParamTunnelIndex), asm.Word),
	)
	insns = append(insns, lookup(MapParams)...)
	insns = append(insns,
		asm.JEq.Imm(asm.R0, 0, "missing"),
		asm.LoadMem(asm.R7, asm.R0, 0, asm.Word),
		asm.StoreMem(asm.RFP, recTarget, asm.R7, asm.Word),
		asm.StoreImm(asm.RFP, recKind, int64(diag.KindRedirect), asm.Byte),
	)
	if opts.Diagnostics {
		insns = append(insns, emit("redirect")...)
	}
	insns = append(insns,
		asm.Mov.Reg(asm.R1, asm.R7).WithSymbol("redirect"),
		asm.Mov.Imm(asm.R2, 0),
		asm.FnRedirect.Call(),
		asm.Return(),

		asm.StoreImm(asm.RFP, recKind, int64(diag.KindMissingTarget), asm.Byte).WithSymbol("missing"),
	)
	if opts.Diagnostics {
		insns = append(insns, emit(labelPass)...)
	}
	insns = append(insns,
		asm.Mov.Imm(asm.R0, ActPipe).WithSymbol(labelPass),
		asm.Return(),
	)
	return insns
}

// lookup calls bpf_map_lookup_elem on the named map with the key slot.
func lookup(mapName string) asm.Instructions {
	return asm.Instructions{
		asm.LoadMapPtr(asm.R1, 0).WithReference(mapName),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, stackKey),
		asm.FnMapLookupElem.Call(),
	}
}

// emit copies the stack record into the events ring buffer and continues at
// done. A record the ring cannot take is counted in ring_drops. R6 to R9
// survive.
func emit(done string) asm.Instructions {
	insns := asm.Instructions{
		asm.LoadMapPtr(asm.R1, 0).WithReference(MapEvents),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, stackRecord),
		asm.Mov.Imm(asm.R3, diag.RecordSize),
		asm.Mov.Imm(asm.R4, 0),
		asm.FnRingbufOutput.Call(),
		asm.JEq.Imm(asm.R0, 0, done),
		asm.StoreImm(asm.RFP, stackKey, 0, asm.Word),
	}
	insns = append(insns, lookup(MapRingDrops)...)
	return append(insns,
		asm.JEq.Imm(asm.R0, 0, done),
		// Per-CPU slot, no other writer.
		asm.LoadMem(asm.R1, asm.R0, 0, asm.DWord),
		asm.Add.Imm(asm.R1, 1),
		asm.StoreMem(asm.R0, 0, asm.R1, asm.DWord),
	)
}
