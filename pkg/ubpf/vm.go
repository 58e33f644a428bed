// Package ubpf is a small userspace eBPF virtual machine used by the
// programmable datapath to classify packets.
//
// Programs are loaded from raw little-endian bytecode, validated once at
// load time and then executed against a packet and a fixed-size metadata
// record. Helper calls are not supported.
package ubpf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cilium/ebpf/asm"
	"golang.org/x/sys/unix"
)

const (
	// MaxInstructions is the largest program accepted by Load, counted in
	// 8-byte instruction slots.
	MaxInstructions = 65536

	// StackSize is the size of the per-invocation stack addressed through R10.
	StackSize = 512

	// MetadataSize is the encoded size of Metadata.
	MetadataSize = 16

	// DefaultStepLimit bounds the number of instructions a single Run may
	// execute before it is aborted.
	DefaultStepLimit = 1 << 20

	insnSize = 8
)

// Memory regions are tagged in the upper 32 bits of a VM address.
const (
	regionPacket   = 1
	regionMetadata = 2
	regionStack    = 3
)

// ErrInvalidProgram is returned (wrapped together with EINVAL) when bytecode
// fails validation.
var ErrInvalidProgram = errors.New("invalid program")

// Metadata is the record passed to a program in R3. The program reads
// InputPort and PacketLength and writes OutputAction and OutputPort.
type Metadata struct {
	InputPort    uint32
	PacketLength uint32
	OutputAction uint32
	OutputPort   uint32
}

func (m *Metadata) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], m.InputPort)
	binary.LittleEndian.PutUint32(b[4:], m.PacketLength)
	binary.LittleEndian.PutUint32(b[8:], m.OutputAction)
	binary.LittleEndian.PutUint32(b[12:], m.OutputPort)
}

func (m *Metadata) decode(b []byte) {
	m.InputPort = binary.LittleEndian.Uint32(b[0:])
	m.PacketLength = binary.LittleEndian.Uint32(b[4:])
	m.OutputAction = binary.LittleEndian.Uint32(b[8:])
	m.OutputPort = binary.LittleEndian.Uint32(b[12:])
}

// VM holds one compiled program. A VM is loaded at most once and may then be
// run concurrently from any number of goroutines.
type VM struct {
	id uint32

	// StepLimit overrides DefaultStepLimit when non-zero. Set before Load.
	StepLimit int

	mu     sync.Mutex // serializes Load and Destroy
	loaded bool

	// prog is immutable once published; Run only loads the pointer.
	prog atomic.Pointer[program]
}

type program struct {
	insns []asm.Instruction // indexed by raw slot; second half of ldimm64 is zero
	size  int
}

// New creates an empty VM tagged with id.
func New(id uint32) *VM {
	return &VM{id: id}
}

// ID returns the id the VM was created with.
func (vm *VM) ID() uint32 { return vm.id }

// Size returns the length in bytes of the loaded bytecode.
func (vm *VM) Size() int {
	if p := vm.prog.Load(); p != nil {
		return p.size
	}
	return 0
}

// Instructions returns the number of instruction slots of the loaded program.
func (vm *VM) Instructions() int {
	if p := vm.prog.Load(); p != nil {
		return len(p.insns)
	}
	return 0
}

// Load decodes and validates code. On failure the VM stays empty and the
// error wraps both ErrInvalidProgram and EINVAL.
func (vm *VM) Load(code []byte) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.loaded {
		return fmt.Errorf("vm %d: program already loaded: %w", vm.id, unix.EEXIST)
	}
	insns, err := decode(code)
	if err != nil {
		return fmt.Errorf("vm %d: %w: %w", vm.id, ErrInvalidProgram, err)
	}
	if err := validate(insns); err != nil {
		return fmt.Errorf("vm %d: %w: %w", vm.id, ErrInvalidProgram, err)
	}
	vm.prog.Store(&program{insns: insns, size: len(code)})
	vm.loaded = true
	return nil
}

// Destroy releases the program. Running a destroyed VM returns an error.
func (vm *VM) Destroy() {
	vm.mu.Lock()
	vm.prog.Store(nil)
	vm.loaded = false
	vm.mu.Unlock()
}

func invalid(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, unix.EINVAL)...)
}

// decode splits raw bytecode into instructions, one per 8-byte slot.
func decode(code []byte) ([]asm.Instruction, error) {
	if len(code) == 0 {
		return nil, invalid("empty program")
	}
	if len(code)%insnSize != 0 {
		return nil, invalid("program length %d is not a multiple of %d", len(code), insnSize)
	}
	n := len(code) / insnSize
	if n > MaxInstructions {
		return nil, invalid("program has %d instructions, limit is %d", n, MaxInstructions)
	}

	insns := make([]asm.Instruction, n)
	for i := 0; i < n; i++ {
		raw := code[i*insnSize : (i+1)*insnSize]
		ins := asm.Instruction{
			OpCode:   asm.OpCode(raw[0]),
			Dst:      asm.Register(raw[1] & 0x0f),
			Src:      asm.Register(raw[1] >> 4),
			Offset:   int16(binary.LittleEndian.Uint16(raw[2:])),
			Constant: int64(int32(binary.LittleEndian.Uint32(raw[4:]))),
		}
		if ins.OpCode == asm.LoadImmOp(asm.DWord) {
			if i+1 >= n {
				return nil, invalid("insn %d: incomplete lddw", i)
			}
			next := code[(i+1)*insnSize : (i+2)*insnSize]
			if next[0] != 0 || next[1] != 0 || next[2] != 0 || next[3] != 0 {
				return nil, invalid("insn %d: malformed lddw second half", i)
			}
			lo := uint64(binary.LittleEndian.Uint32(raw[4:]))
			hi := uint64(binary.LittleEndian.Uint32(next[4:]))
			ins.Constant = int64(hi<<32 | lo)
			insns[i] = ins
			i++
			continue
		}
		insns[i] = ins
	}
	return insns, nil
}

func isLddw(ins asm.Instruction) bool {
	return ins.OpCode == asm.LoadImmOp(asm.DWord)
}

func validSize(sz asm.Size) bool {
	switch sz {
	case asm.Byte, asm.Half, asm.Word, asm.DWord:
		return true
	}
	return false
}

// validate checks every instruction before the program is accepted.
func validate(insns []asm.Instruction) error {
	n := len(insns)
	second := make([]bool, n)
	for i := 0; i < n; i++ {
		if isLddw(insns[i]) {
			second[i+1] = true
			i++
		}
	}

	last := n - 1
	if second[last] {
		last--
	}
	switch op := insns[last].OpCode; {
	case op.Class() == asm.JumpClass && (op.JumpOp() == asm.Exit || op.JumpOp() == asm.Ja):
	default:
		return invalid("program does not end with exit or jump")
	}

	for pc := 0; pc < n; pc++ {
		if second[pc] {
			continue
		}
		ins := insns[pc]
		if ins.Dst > asm.R10 || ins.Src > asm.R10 {
			return invalid("insn %d: invalid register", pc)
		}
		op := ins.OpCode
		switch cls := op.Class(); cls {
		case asm.ALUClass, asm.ALU64Class:
			if ins.Dst == asm.R10 {
				return invalid("insn %d: write to frame pointer", pc)
			}
			if ins.Offset != 0 {
				return invalid("insn %d: signed alu variants are not supported", pc)
			}
			switch op.ALUOp() {
			case asm.Add, asm.Sub, asm.Mul, asm.Or, asm.And, asm.LSh, asm.RSh,
				asm.Neg, asm.Xor, asm.Mov, asm.ArSh:
			case asm.Div, asm.Mod:
				if op.Source() == asm.ImmSource && ins.Constant == 0 {
					return invalid("insn %d: division by zero", pc)
				}
			case asm.Swap:
				switch ins.Constant {
				case 16, 32, 64:
				default:
					return invalid("insn %d: invalid swap width %d", pc, ins.Constant)
				}
			default:
				return invalid("insn %d: unknown alu op %#x", pc, uint8(op))
			}
		case asm.JumpClass, asm.Jump32Class:
			jop := op.JumpOp()
			switch jop {
			case asm.Exit:
				if cls != asm.JumpClass {
					return invalid("insn %d: exit in jmp32 class", pc)
				}
				continue
			case asm.Call:
				return invalid("insn %d: helper calls are not supported", pc)
			case asm.Ja:
				if cls != asm.JumpClass {
					return invalid("insn %d: unsupported jmp32 ja", pc)
				}
			case asm.JEq, asm.JGT, asm.JGE, asm.JSet, asm.JNE, asm.JSGT, asm.JSGE,
				asm.JLT, asm.JLE, asm.JSLT, asm.JSLE:
			default:
				return invalid("insn %d: unknown jump op %#x", pc, uint8(op))
			}
			target := pc + 1 + int(ins.Offset)
			if target < 0 || target >= n {
				return invalid("insn %d: jump target %d out of bounds", pc, target)
			}
			if second[target] {
				return invalid("insn %d: jump into the middle of lddw", pc)
			}
		case asm.LdClass:
			if !isLddw(ins) {
				return invalid("insn %d: unsupported load mode", pc)
			}
			if ins.Dst == asm.R10 {
				return invalid("insn %d: write to frame pointer", pc)
			}
		case asm.LdXClass:
			if op.Mode() != asm.MemMode || !validSize(op.Size()) {
				return invalid("insn %d: unsupported ldx", pc)
			}
			if ins.Dst == asm.R10 {
				return invalid("insn %d: write to frame pointer", pc)
			}
		case asm.StClass, asm.StXClass:
			if op.Mode() != asm.MemMode || !validSize(op.Size()) {
				return invalid("insn %d: unsupported store", pc)
			}
		default:
			return invalid("insn %d: unknown class", pc)
		}
	}
	return nil
}
