// Package hinavm is a small stack-machine interpreter the kernel can run
// as a task's entry point: the program is copied into a physical page the
// task owns, and the interpreter executes it in kernel context. It exists
// so a task can be created from a handful of instructions without loading
// an ELF image into user memory.
package hinavm

import (
	"encoding/binary"
	"fmt"

	"github.com/zuki/hinaos/internal/defs"
	"github.com/zuki/hinaos/internal/klog"
	"github.com/zuki/hinaos/internal/mem"
	"github.com/zuki/hinaos/internal/task"
)

// Op_t is one instruction opcode.
type Op_t uint8

const (
	OpNop Op_t = iota
	// OpPush pushes the operand.
	OpPush
	// OpPop discards the top of stack.
	OpPop
	// OpDup duplicates the top of stack.
	OpDup
	// OpAdd, OpSub, OpMul, OpDiv pop two values and push the result.
	OpAdd
	OpSub
	OpMul
	OpDiv
	// OpJump sets the program counter to the operand.
	OpJump
	// OpJumpIfZero pops one value and jumps when it is zero.
	OpJumpIfZero
	// OpPrint pops one value and logs it.
	OpPrint
	// OpExit pops the exit code and stops the program.
	OpExit
)

// Insn_t is one decoded instruction.
type Insn_t struct {
	Op      Op_t
	Operand int32
}

// InsnSize is the wire size of one encoded instruction: opcode byte plus
// a little-endian 32-bit operand.
const InsnSize = 5

// MaxInsns bounds a program to what fits in one page.
const MaxInsns = defs.PageSize / InsnSize

// stackMax bounds the operand stack.
const stackMax = 64

// Phys_i is the kernel's direct view of physical memory, used to copy the
// program into its page and read it back at run time.
type Phys_i interface {
	WritePhys(paddr defs.Pa_t, b []byte) error
	ReadPhys(paddr defs.Pa_t, b []byte) error
}

// Encode packs prog into its wire form.
func Encode(prog []Insn_t) []byte {
	b := make([]byte, len(prog)*InsnSize)
	for i, in := range prog {
		b[i*InsnSize] = byte(in.Op)
		binary.LittleEndian.PutUint32(b[i*InsnSize+1:], uint32(in.Operand))
	}
	return b
}

// Decode unpacks n instructions from b.
func Decode(b []byte, n int) ([]Insn_t, error) {
	if n < 0 || n*InsnSize > len(b) {
		return nil, fmt.Errorf("hinavm: truncated program")
	}
	prog := make([]Insn_t, n)
	for i := range prog {
		prog[i].Op = Op_t(b[i*InsnSize])
		prog[i].Operand = int32(binary.LittleEndian.Uint32(b[i*InsnSize+1:]))
	}
	return prog, nil
}

// Machine_t is one program bound to the task created to run it.
type Machine_t struct {
	Task  *task.Task_t
	Paddr defs.Pa_t

	numInsns int
	phys     Phys_i
}

// Create allocates a page for prog, copies the encoded program into it,
// creates the task, and hands the page's ownership to the new task. The
// allocation happens before the task exists, so ownership is assigned
// retroactively with OwnPage.
func Create(tb *task.Table_t, pm *mem.Physmem_t, phys Phys_i, name string, prog []Insn_t, pager *task.Task_t) (*Machine_t, defs.Err_t) {
	if len(prog) == 0 || len(prog) > MaxInsns {
		return nil, defs.ErrInvalidArg
	}
	paddr := pm.Alloc(defs.PageSize, nil, defs.PMZeroed)
	if paddr == 0 {
		return nil, defs.ErrNoMemory
	}
	if err := phys.WritePhys(paddr, Encode(prog)); err != nil {
		pm.Free(paddr, defs.PageSize)
		return nil, defs.ErrInvalidPaddr
	}
	t, kerr := tb.Create(name, 0, pager)
	if kerr != defs.OK {
		pm.Free(paddr, defs.PageSize)
		return nil, kerr
	}
	if kerr := pm.OwnPage(paddr, t); kerr != defs.OK {
		panic("hinavm: fresh program page not ownable")
	}
	return &Machine_t{Task: t, Paddr: paddr, numInsns: len(prog), phys: phys}, defs.OK
}

// Run executes the program for at most maxSteps instructions and returns
// the value passed to OpExit. A program that runs off the end exits 0.
// Stack misuse, division by zero and an out-of-range jump stop the
// program with ErrInvalidArg.
func (m *Machine_t) Run(maxSteps int) (int32, defs.Err_t) {
	raw := make([]byte, m.numInsns*InsnSize)
	if err := m.phys.ReadPhys(m.Paddr, raw); err != nil {
		return 0, defs.ErrInvalidPaddr
	}
	prog, err := Decode(raw, m.numInsns)
	if err != nil {
		return 0, defs.ErrInvalidArg
	}

	var stack []int32
	pop := func() (int32, bool) {
		if len(stack) == 0 {
			return 0, false
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, true
	}

	pc := 0
	for step := 0; step < maxSteps; step++ {
		if pc < 0 || pc >= len(prog) {
			return 0, defs.OK
		}
		in := prog[pc]
		pc++
		switch in.Op {
		case OpNop:
		case OpPush:
			if len(stack) == stackMax {
				return 0, defs.ErrInvalidArg
			}
			stack = append(stack, in.Operand)
		case OpPop:
			if _, ok := pop(); !ok {
				return 0, defs.ErrInvalidArg
			}
		case OpDup:
			if len(stack) == 0 || len(stack) == stackMax {
				return 0, defs.ErrInvalidArg
			}
			stack = append(stack, stack[len(stack)-1])
		case OpAdd, OpSub, OpMul, OpDiv:
			b, ok1 := pop()
			a, ok2 := pop()
			if !ok1 || !ok2 {
				return 0, defs.ErrInvalidArg
			}
			var v int32
			switch in.Op {
			case OpAdd:
				v = a + b
			case OpSub:
				v = a - b
			case OpMul:
				v = a * b
			case OpDiv:
				if b == 0 {
					return 0, defs.ErrInvalidArg
				}
				v = a / b
			}
			stack = append(stack, v)
		case OpJump:
			if int(in.Operand) < 0 || int(in.Operand) >= len(prog) {
				return 0, defs.ErrInvalidArg
			}
			pc = int(in.Operand)
		case OpJumpIfZero:
			v, ok := pop()
			if !ok {
				return 0, defs.ErrInvalidArg
			}
			if v == 0 {
				if int(in.Operand) < 0 || int(in.Operand) >= len(prog) {
					return 0, defs.ErrInvalidArg
				}
				pc = int(in.Operand)
			}
		case OpPrint:
			v, ok := pop()
			if !ok {
				return 0, defs.ErrInvalidArg
			}
			klog.Trace("hinavm %q: %d", m.Task.Name, v)
		case OpExit:
			v, ok := pop()
			if !ok {
				return 0, defs.ErrInvalidArg
			}
			return v, defs.OK
		default:
			return 0, defs.ErrInvalidArg
		}
	}
	klog.Warn("hinavm %q: step limit exhausted", m.Task.Name)
	return 0, defs.ErrTryAgain
}
