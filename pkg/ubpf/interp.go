package ubpf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/cilium/ebpf/asm"
)

var (
	errNotLoaded = errors.New("no program loaded")
	errStepLimit = errors.New("step limit exceeded")
)

// machine is the per-invocation state. It lives on the caller's stack so a
// VM can be shared by many workers.
type machine struct {
	regs  [11]uint64
	pkt   []byte
	md    [MetadataSize]byte
	stack [StackSize]byte
}

func (m *machine) memory(addr uint64, size int) ([]byte, error) {
	off := addr & 0xffffffff
	var region []byte
	switch addr >> 32 {
	case regionPacket:
		region = m.pkt
	case regionMetadata:
		region = m.md[:]
	case regionStack:
		region = m.stack[:]
	default:
		return nil, fmt.Errorf("invalid memory access at %#x", addr)
	}
	if off+uint64(size) > uint64(len(region)) {
		return nil, fmt.Errorf("out of bounds access at %#x size %d", addr, size)
	}
	return region[off : off+uint64(size)], nil
}

func (m *machine) load(addr uint64, sz asm.Size) (uint64, error) {
	n := sizeBytes(sz)
	b, err := m.memory(addr, n)
	if err != nil {
		return 0, err
	}
	switch n {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	default:
		return binary.LittleEndian.Uint64(b), nil
	}
}

func (m *machine) store(addr uint64, sz asm.Size, v uint64) error {
	n := sizeBytes(sz)
	b, err := m.memory(addr, n)
	if err != nil {
		return err
	}
	switch n {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
	return nil
}

func sizeBytes(sz asm.Size) int {
	switch sz {
	case asm.Byte:
		return 1
	case asm.Half:
		return 2
	case asm.Word:
		return 4
	}
	return 8
}

// Run executes the program against pkt. md.InputPort and md.PacketLength are
// passed in; OutputAction and OutputPort are filled from what the program
// wrote. The program's return value (R0) is returned.
//
// Calling convention: R1 packet, R2 packet length, R3 metadata, R10 frame
// pointer.
func (vm *VM) Run(pkt []byte, md *Metadata) (uint64, error) {
	prog := vm.prog.Load()
	if prog == nil {
		return 0, fmt.Errorf("vm %d: %w", vm.id, errNotLoaded)
	}
	limit := vm.StepLimit
	if limit <= 0 {
		limit = DefaultStepLimit
	}

	var m machine
	m.pkt = pkt
	md.PacketLength = uint32(len(pkt))
	md.encode(m.md[:])
	m.regs[asm.R1] = regionPacket << 32
	m.regs[asm.R2] = uint64(len(pkt))
	m.regs[asm.R3] = regionMetadata << 32
	m.regs[asm.R10] = regionStack<<32 | StackSize

	ret, err := m.exec(prog.insns, limit)
	if err != nil {
		return 0, fmt.Errorf("vm %d: %w", vm.id, err)
	}
	md.decode(m.md[:])
	return ret, nil
}

func (m *machine) exec(insns []asm.Instruction, limit int) (uint64, error) {
	r := &m.regs
	for pc, steps := 0, 0; ; steps++ {
		if steps >= limit {
			return 0, errStepLimit
		}
		if pc < 0 || pc >= len(insns) {
			return 0, fmt.Errorf("pc %d out of bounds", pc)
		}
		ins := insns[pc]
		op := ins.OpCode
		next := pc + 1

		switch cls := op.Class(); cls {
		case asm.ALU64Class:
			src := uint64(ins.Constant)
			if op.Source() == asm.RegSource {
				src = r[ins.Src]
			}
			if op.ALUOp() == asm.Swap {
				r[ins.Dst] = swap(r[ins.Dst], ins.Constant, true)
				break
			}
			r[ins.Dst] = alu64(op.ALUOp(), r[ins.Dst], src)

		case asm.ALUClass:
			if op.ALUOp() == asm.Swap {
				// host order is little-endian: only BE reverses
				r[ins.Dst] = swap(r[ins.Dst], ins.Constant, op.Endianness() == asm.BE)
				break
			}
			src := uint32(ins.Constant)
			if op.Source() == asm.RegSource {
				src = uint32(r[ins.Src])
			}
			r[ins.Dst] = uint64(alu32(op.ALUOp(), uint32(r[ins.Dst]), src))

		case asm.JumpClass, asm.Jump32Class:
			jop := op.JumpOp()
			if jop == asm.Exit {
				return r[asm.R0], nil
			}
			if jop == asm.Ja || cond(jop, cls == asm.Jump32Class, op.Source(), r[ins.Dst], r[ins.Src], ins.Constant) {
				next = pc + 1 + int(ins.Offset)
			}

		case asm.LdClass:
			r[ins.Dst] = uint64(ins.Constant)
			next = pc + 2

		case asm.LdXClass:
			v, err := m.load(r[ins.Src]+uint64(int64(ins.Offset)), op.Size())
			if err != nil {
				return 0, fmt.Errorf("insn %d: %w", pc, err)
			}
			r[ins.Dst] = v

		case asm.StXClass:
			if err := m.store(r[ins.Dst]+uint64(int64(ins.Offset)), op.Size(), r[ins.Src]); err != nil {
				return 0, fmt.Errorf("insn %d: %w", pc, err)
			}

		case asm.StClass:
			if err := m.store(r[ins.Dst]+uint64(int64(ins.Offset)), op.Size(), uint64(ins.Constant)); err != nil {
				return 0, fmt.Errorf("insn %d: %w", pc, err)
			}

		default:
			return 0, fmt.Errorf("insn %d: unsupported opcode %#x", pc, uint8(op))
		}
		pc = next
	}
}

func alu64(op asm.ALUOp, dst, src uint64) uint64 {
	switch op {
	case asm.Add:
		return dst + src
	case asm.Sub:
		return dst - src
	case asm.Mul:
		return dst * src
	case asm.Div:
		if src == 0 {
			return 0
		}
		return dst / src
	case asm.Mod:
		if src == 0 {
			return dst
		}
		return dst % src
	case asm.Or:
		return dst | src
	case asm.And:
		return dst & src
	case asm.Xor:
		return dst ^ src
	case asm.LSh:
		return dst << (src & 63)
	case asm.RSh:
		return dst >> (src & 63)
	case asm.ArSh:
		return uint64(int64(dst) >> (src & 63))
	case asm.Neg:
		return -dst
	case asm.Mov:
		return src
	}
	return dst
}

func alu32(op asm.ALUOp, dst, src uint32) uint32 {
	switch op {
	case asm.Add:
		return dst + src
	case asm.Sub:
		return dst - src
	case asm.Mul:
		return dst * src
	case asm.Div:
		if src == 0 {
			return 0
		}
		return dst / src
	case asm.Mod:
		if src == 0 {
			return dst
		}
		return dst % src
	case asm.Or:
		return dst | src
	case asm.And:
		return dst & src
	case asm.Xor:
		return dst ^ src
	case asm.LSh:
		return dst << (src & 31)
	case asm.RSh:
		return dst >> (src & 31)
	case asm.ArSh:
		return uint32(int32(dst) >> (src & 31))
	case asm.Neg:
		return -dst
	case asm.Mov:
		return src
	}
	return dst
}

// swap converts v to the requested byte order on a little-endian host.
// When reverse is false the value is only truncated to width.
func swap(v uint64, width int64, reverse bool) uint64 {
	switch width {
	case 16:
		x := uint16(v)
		if reverse {
			x = bits.ReverseBytes16(x)
		}
		return uint64(x)
	case 32:
		x := uint32(v)
		if reverse {
			x = bits.ReverseBytes32(x)
		}
		return uint64(x)
	default:
		if reverse {
			return bits.ReverseBytes64(v)
		}
		return v
	}
}

func cond(op asm.JumpOp, narrow bool, source asm.Source, dst, srcReg uint64, imm int64) bool {
	src := uint64(imm)
	if source == asm.RegSource {
		src = srcReg
	}
	if narrow {
		a, b := uint32(dst), uint32(src)
		switch op {
		case asm.JEq:
			return a == b
		case asm.JNE:
			return a != b
		case asm.JGT:
			return a > b
		case asm.JGE:
			return a >= b
		case asm.JLT:
			return a < b
		case asm.JLE:
			return a <= b
		case asm.JSet:
			return a&b != 0
		case asm.JSGT:
			return int32(a) > int32(b)
		case asm.JSGE:
			return int32(a) >= int32(b)
		case asm.JSLT:
			return int32(a) < int32(b)
		case asm.JSLE:
			return int32(a) <= int32(b)
		}
		return false
	}
	switch op {
	case asm.JEq:
		return dst == src
	case asm.JNE:
		return dst != src
	case asm.JGT:
		return dst > src
	case asm.JGE:
		return dst >= src
	case asm.JLT:
		return dst < src
	case asm.JLE:
		return dst <= src
	case asm.JSet:
		return dst&src != 0
	case asm.JSGT:
		return int64(dst) > int64(src)
	case asm.JSGE:
		return int64(dst) >= int64(src)
	case asm.JSLT:
		return int64(dst) < int64(src)
	case asm.JSLE:
		return int64(dst) <= int64(src)
	}
	return false
}
