package cpu

import (
	"github.com/valerio/go-jeebie/jeebie/addr"
	"github.com/valerio/go-jeebie/jeebie/bit"
	"github.com/valerio/go-jeebie/jeebie/memory"
)

// Flag is one of the 4 possible flags used in the flag register (high part of AF)
type Flag uint8

const (
	zeroFlag      Flag = 0x80
	subFlag       Flag = 0x40
	halfCarryFlag Flag = 0x20
	carryFlag     Flag = 0x10
)

// bus is the minimal surface the CPU needs from the system bus: direct byte
// access plus the ability to advance the rest of the system (timer, PPU,
// APU, DMA) by a number of T-states during a multi-cycle instruction.
type bus interface {
	Read(address uint16) byte
	Write(address uint16, value byte)
	Tick(cycles int)
}

// CPU is the main struct holding Sharp LR35902 state. Registers are kept as
// flat fields rather than packed 16 bit pairs since almost every opcode
// addresses them individually; getBC/getDE/getHL/getAF combine them on
// demand for the handful of 16 bit operations that need it.
type CPU struct {
	a, b, c, d, e, h, l, f uint8
	sp, pc                 uint16

	memory *memory.MMU
	bus    bus

	interruptsEnabled bool
	eiPending         bool
	halted            bool
	haltBug           bool
	stopped           bool

	currentOpcode uint16
	cycles        uint64
}

// New returns a CPU with pc set to the post-bootrom entry point (0x100),
// matching the state the console hands off to a cartridge once its internal
// boot ROM has finished running.
func New(mem *memory.MMU) *CPU {
	return &CPU{
		memory: mem,
		bus:    mem,
		pc:     0x100,
		sp:     0xFFFE,
	}
}

// Exec fetches and runs a single instruction, returning the number of
// T-states (1/4194304th of a second) it took. It does not handle interrupts
// or HALT/STOP - callers wanting full CPU semantics should use Tick.
func (c *CPU) Exec() int {
	opcodeByte := c.readImmediate()
	opcode := uint16(opcodeByte)

	if opcodeByte == 0xCB {
		opcode = 0xCB00 | uint16(c.readImmediate())
	}

	c.currentOpcode = opcode
	fn := decode(opcode)
	cycles := fn(c)

	if (opcode & 0xCB00) != 0xCB00 {
		c.bus.Tick(cycles)
	}

	return cycles
}

// Tick advances the CPU by one instruction (or one idle cycle while halted
// or stopped), servicing pending interrupts and implementing the HALT bug.
// It returns the number of T-states consumed.
func (c *CPU) Tick() int {
	if c.stopped {
		if c.handleInterrupts() {
			c.stopped = false
		}
		c.bus.Tick(4)
		return 4
	}

	if c.halted {
		imeBefore := c.interruptsEnabled
		interruptPending := c.handleInterrupts()
		if !interruptPending {
			c.bus.Tick(4)
			return 4
		}

		c.halted = false
		if !imeBefore {
			c.haltBug = true
		} else {
			// handleInterrupts already dispatched: pc jumped to the handler,
			// IME was cleared and the 20 cycle dispatch cost was ticked.
			return 20
		}
	} else {
		imeBefore := c.interruptsEnabled
		if c.handleInterrupts() && imeBefore {
			return 20
		}
	}

	cycles := 0
	if c.haltBug {
		// The byte at pc is fetched twice: pc does not advance after the
		// first fetch, so the following instruction reads its own opcode
		// as an operand.
		c.haltBug = false
		opcodeByte := c.memory.Read(c.pc)
		opcode := uint16(opcodeByte)
		if opcodeByte == 0xCB {
			opcode = 0xCB00 | uint16(c.memory.Read(c.pc+1))
		}
		c.currentOpcode = opcode
		cycles = decode(opcode)(c)
		if (opcode & 0xCB00) != 0xCB00 {
			c.bus.Tick(cycles)
		}
	} else {
		cycles = c.Exec()
	}

	if c.eiPending {
		c.eiPending = false
		c.interruptsEnabled = true
	}

	return cycles
}

// handleInterrupts checks IE & IF for a pending interrupt regardless of IME,
// returning whether one is pending. It only dispatches (pushes pc, jumps to
// the handler, clears IME and the serviced IF bit) when interrupts are
// enabled, since HALT needs to know about a pending interrupt even with
// IME=0 in order to wake up.
func (c *CPU) handleInterrupts() bool {
	ie := c.memory.Read(addr.IE)
	iflag := c.memory.Read(addr.IF)
	pending := ie & iflag & 0x1F

	if pending == 0 {
		return false
	}

	if !c.interruptsEnabled {
		return true
	}

	for bitPos := uint8(0); bitPos < 5; bitPos++ {
		mask := uint8(1) << bitPos
		if pending&mask == 0 {
			continue
		}

		c.interruptsEnabled = false
		c.memory.Write(addr.IF, iflag&^mask)
		c.pushStack(c.pc)
		c.pc = 0x40 + uint16(bitPos)*8
		c.cycles += 20
		c.bus.Tick(20)
		break
	}

	return true
}

func (c *CPU) setFlag(flag Flag) {
	c.f |= uint8(flag)
}

func (c *CPU) resetFlag(flag Flag) {
	c.f &^= uint8(flag)
}

func (c *CPU) setFlagToCondition(flag Flag, condition bool) {
	if condition {
		c.setFlag(flag)
		return
	}
	c.resetFlag(flag)
}

func (c CPU) isSetFlag(flag Flag) bool {
	return c.f&uint8(flag) != 0
}

// flagToBit returns 1 if flag is set, 0 otherwise.
func (c *CPU) flagToBit(flag Flag) uint8 {
	if c.isSetFlag(flag) {
		return 1
	}
	return 0
}

func (c *CPU) getBC() uint16 { return bit.Combine(c.b, c.c) }
func (c *CPU) setBC(v uint16) {
	c.b = bit.High(v)
	c.c = bit.Low(v)
}

func (c *CPU) getDE() uint16 { return bit.Combine(c.d, c.e) }
func (c *CPU) setDE(v uint16) {
	c.d = bit.High(v)
	c.e = bit.Low(v)
}

func (c *CPU) getHL() uint16 { return bit.Combine(c.h, c.l) }
func (c *CPU) setHL(v uint16) {
	c.h = bit.High(v)
	c.l = bit.Low(v)
}

// getAF returns register A combined with F; the low nibble of F is always 0.
func (c *CPU) getAF() uint16 { return bit.Combine(c.a, c.f&0xF0) }
func (c *CPU) setAF(v uint16) {
	c.a = bit.High(v)
	c.f = bit.Low(v) & 0xF0
}

// peekImmediate returns the byte at pc without advancing it.
func (c *CPU) peekImmediate() uint8 {
	return c.memory.Read(c.pc)
}

// peekImmediateWord returns the little-endian word at pc without advancing it.
func (c *CPU) peekImmediateWord() uint16 {
	low := c.memory.Read(c.pc)
	high := c.memory.Read(c.pc + 1)
	return bit.Combine(high, low)
}

// readImmediate returns the byte at pc and advances pc past it.
func (c *CPU) readImmediate() uint8 {
	value := c.peekImmediate()
	c.pc++
	return value
}

// readImmediateWord returns the little-endian word at pc and advances pc past it.
func (c *CPU) readImmediateWord() uint16 {
	value := c.peekImmediateWord()
	c.pc += 2
	return value
}

// readSignedImmediate returns the byte at pc, interpreted as a signed
// two's-complement value, and advances pc past it.
func (c *CPU) readSignedImmediate() int8 {
	return int8(c.readImmediate())
}

// GetPC returns the current program counter, mainly used by the debugger
// and disassembler.
func (c *CPU) GetPC() uint16 { return c.pc }

// GetSP returns the current stack pointer.
func (c *CPU) GetSP() uint16 { return c.sp }

// GetA returns the accumulator register.
func (c *CPU) GetA() uint8 { return c.a }

// GetB returns register B.
func (c *CPU) GetB() uint8 { return c.b }

// GetC returns register C.
func (c *CPU) GetC() uint8 { return c.c }

// GetD returns register D.
func (c *CPU) GetD() uint8 { return c.d }

// GetE returns register E.
func (c *CPU) GetE() uint8 { return c.e }

// GetF returns the flag register.
func (c *CPU) GetF() uint8 { return c.f }

// GetH returns register H.
func (c *CPU) GetH() uint8 { return c.h }

// GetL returns register L.
func (c *CPU) GetL() uint8 { return c.l }

// GetIME returns whether interrupts are currently enabled.
func (c *CPU) GetIME() bool { return c.interruptsEnabled }

// GetHalted returns whether the CPU is in the HALT state.
func (c *CPU) GetHalted() bool { return c.halted }

// GetStopped returns whether the CPU is in the STOP state.
func (c *CPU) GetStopped() bool { return c.stopped }

// Restore sets the full architectural register/flag state, for savestate loading.
func (c *CPU) Restore(a, b, cReg, d, e, h, l, f uint8, sp, pc uint16, ime, halted, stopped bool) {
	c.a, c.b, c.c, c.d, c.e, c.h, c.l, c.f = a, b, cReg, d, e, h, l, f
	c.sp, c.pc = sp, pc
	c.interruptsEnabled = ime
	c.halted = halted
	c.stopped = stopped
}

// GetFlagString returns a 4 character representation of the flag register,
// one of "ZNHC" per set flag and "-" otherwise, useful for debug logging.
func (c *CPU) GetFlagString() string {
	flags := [4]byte{'-', '-', '-', '-'}
	if c.isSetFlag(zeroFlag) {
		flags[0] = 'Z'
	}
	if c.isSetFlag(subFlag) {
		flags[1] = 'N'
	}
	if c.isSetFlag(halfCarryFlag) {
		flags[2] = 'H'
	}
	if c.isSetFlag(carryFlag) {
		flags[3] = 'C'
	}
	return string(flags[:])
}
