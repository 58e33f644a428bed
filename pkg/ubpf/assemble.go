package ubpf

import (
	"bytes"
	"encoding/binary"

	"github.com/cilium/ebpf/asm"
)

// Offsets of the metadata fields as seen by a program through R3.
const (
	OffsetInputPort    = 0
	OffsetPacketLength = 4
	OffsetOutputAction = 8
	OffsetOutputPort   = 12
)

// Assemble encodes insns as little-endian bytecode accepted by Load.
func Assemble(insns asm.Instructions) ([]byte, error) {
	var buf bytes.Buffer
	if err := insns.Marshal(&buf, binary.LittleEndian); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ActionProgram returns a program that sets the same output action and port
// for every packet.
func ActionProgram(action, port uint32) asm.Instructions {
	return asm.Instructions{
		asm.StoreImm(asm.R3, OffsetOutputAction, int64(action), asm.Word),
		asm.StoreImm(asm.R3, OffsetOutputPort, int64(port), asm.Word),
		asm.Mov.Imm(asm.R0, 0),
		asm.Return(),
	}
}
