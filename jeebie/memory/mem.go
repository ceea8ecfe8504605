package memory

import (
	"fmt"
	"log/slog"

	"github.com/valerio/go-jeebie/jeebie/addr"
	"github.com/valerio/go-jeebie/jeebie/audio"
	"github.com/valerio/go-jeebie/jeebie/bit"
	"github.com/valerio/go-jeebie/jeebie/errs"
	"github.com/valerio/go-jeebie/jeebie/serial"
)

type memRegion uint8

const (
	regionROM memRegion = iota
	regionVRAM
	regionExtRAM
	regionWRAM
	regionEcho
	regionOAM
	regionUnused
	regionIO
	regionHRAM
)

// SerialPort is the minimal interface for a serial device connected to SB/SC.
// Implementations MUST only accept reads/writes to addr.SB and addr.SC.
type SerialPort interface {
	Write(address uint16, value byte)
	Read(address uint16) byte
	Tick(cycles int)
	Reset()
}

// MMU allows access to all memory mapped I/O and data/registers
type MMU struct {
	cart      *Cartridge
	mbc       MBC
	memory    []byte
	APU       *audio.APU
	regionMap [256]memRegion

	joypad *Joypad

	serial SerialPort
	timer  Timer
	dma    *DMAController

	// CGB state. isCGB gates whether any of this has an effect; on a DMG
	// cartridge these registers read back fixed/ignored values.
	isCGB       bool
	vram        [2][0x2000]byte // bank-switched 8000-9FFF, selected by vbk
	wram        [8][0x1000]byte // bank 0 fixed at C000-CFFF, banks 1-7 switchable at D000-DFFF
	vbk         uint8
	svbk        uint8
	key1        uint8 // bit 0: speed switch armed, bit 7: current speed (1=double)
	doubleSpeed bool
	bgPalette   [64]byte // 8 palettes * 4 colors * 2 bytes
	objPalette  [64]byte
	bcps        uint8
	ocps        uint8
}

// New creates a new memory unity with default data, i.e. nothing cartridge loaded.
// Equivalent to turning on a Gameboy without a cartridge in.
func New() *MMU {
	mmu := &MMU{
		memory: make([]byte, 0x10000),
		cart:   NewCartridge(),
		APU:    audio.New(),
		joypad: NewJoypad(),
		svbk:   1,
	}
	mmu.serial = serial.NewLogSink(func() { mmu.RequestInterrupt(addr.SerialInterrupt) })
	mmu.timer.TimerInterruptHandler = func() { mmu.RequestInterrupt(addr.TimerInterrupt) }
	mmu.dma = NewDMAController(mmu.dmaRead, mmu.dmaWrite)
	initRegionMap(mmu)
	return mmu
}

// tickableMBC is implemented by MBC types that need to advance internal
// state (currently only MBC3's real-time clock) as the system clock runs.
type tickableMBC interface {
	Tick(cycles int)
}

// Tick advances any i/o that needs it, if any.
func (m *MMU) Tick(cycles int) {
	m.timer.Tick(cycles)
	if m.serial != nil {
		m.serial.Tick(cycles)
	}
	if rtc, ok := m.mbc.(tickableMBC); ok {
		rtc.Tick(cycles)
	}
	// cycles are T-cycles; the DMA engine steps once per machine cycle
	m.dma.Tick(cycles / 4)
}

// NotifyHBlank lets the PPU announce an HBlank period started, driving any
// in-progress HBlank-mode HDMA transfer forward by one 16-byte block.
func (m *MMU) NotifyHBlank() {
	m.dma.OnHBlank()
}

// DMABlocksCPU reports whether the CPU is restricted to HRAM-only access
// right now, during OAM-DMA or a general-purpose HDMA transfer.
func (m *MMU) DMABlocksCPU() bool {
	return m.dma.BlocksCPU()
}

// IsDoubleSpeed reports whether the CGB double-speed mode is currently active.
func (m *MMU) IsDoubleSpeed() bool {
	return m.doubleSpeed
}

// IsCGB reports whether the loaded cartridge declares Game Boy Color support.
func (m *MMU) IsCGB() bool {
	return m.isCGB
}

// CartridgeTitle returns the loaded cartridge's title, as read from its header.
func (m *MMU) CartridgeTitle() string {
	return m.cart.Title()
}

// ReadVRAMBank reads a byte directly from the given VRAM bank (0 or 1),
// independent of the bank currently selected by VBK. CGB tile-map
// attribute bytes always live in bank 1 at the same offsets the tile
// indices occupy in bank 0, and a tile's own pixel data can specify its own
// bank via that attribute byte, so rendering needs bank-explicit access.
func (m *MMU) ReadVRAMBank(bank uint8, address uint16) byte {
	return m.vram[bank&0x01][address-0x8000]
}

// BGPaletteColor returns the raw 15-bit RGB555 color (packed little-endian,
// matching how BCPD writes store it) for the given background palette
// (0-7) and color index (0-3).
func (m *MMU) BGPaletteColor(palette, color uint8) uint16 {
	base := (palette&0x07)*8 + (color&0x03)*2
	return uint16(m.bgPalette[base]) | uint16(m.bgPalette[base+1])<<8
}

// OBJPaletteColor is BGPaletteColor's counterpart for sprite palettes.
func (m *MMU) OBJPaletteColor(palette, color uint8) uint16 {
	base := (palette&0x07)*8 + (color&0x03)*2
	return uint16(m.objPalette[base]) | uint16(m.objPalette[base+1])<<8
}

// batteryBackedMBC is implemented by MBC types whose external RAM should be
// persisted to a .sram file when the cartridge has a battery.
type batteryBackedMBC interface {
	RAM() []uint8
	LoadRAM([]uint8)
}

// ExternalRAM returns the cartridge's battery-backed RAM contents, or nil
// if the loaded MBC has no persistable RAM (NoMBC, or RAM-less carts).
func (m *MMU) ExternalRAM() []byte {
	if backed, ok := m.mbc.(batteryBackedMBC); ok {
		return backed.RAM()
	}
	return nil
}

// LoadExternalRAM restores previously saved RAM contents into the loaded MBC.
func (m *MMU) LoadExternalRAM(data []byte) {
	if backed, ok := m.mbc.(batteryBackedMBC); ok {
		backed.LoadRAM(data)
	}
}

// HasBatteryBackedRAM reports whether the loaded cartridge should have its
// RAM persisted across sessions.
func (m *MMU) HasBatteryBackedRAM() bool {
	return m.cart != nil && m.cart.HasBattery()
}

// Snapshot captures everything this component owns for a savestate: the
// flat IO/OAM/HRAM block, banked VRAM/WRAM, CGB registers and palette RAM,
// joypad line state, the timer, and MBC bank-select/RTC registers.
type Snapshot struct {
	Memory     []byte
	VRAM       [2][0x2000]byte
	WRAM       [8][0x1000]byte
	VBK, SVBK  byte
	KEY1       byte
	BCPS, OCPS byte
	BGPalette  [64]byte
	OBJPalette [64]byte
	Buttons    uint8
	Dpad       uint8
	Timer      TimerState
	MBCState   []byte
	APU        audio.APUState
}

// Snapshot returns a deep copy of the MMU's serializable state.
func (m *MMU) Snapshot() Snapshot {
	s := Snapshot{
		Memory:     append([]byte(nil), m.memory...),
		VRAM:       m.vram,
		WRAM:       m.wram,
		VBK:        m.vbk,
		SVBK:       m.svbk,
		KEY1:       m.key1,
		BCPS:       m.bcps,
		OCPS:       m.ocps,
		BGPalette:  m.bgPalette,
		OBJPalette: m.objPalette,
		Buttons:    m.joypad.buttons,
		Dpad:       m.joypad.dpad,
		Timer:      m.timer.Snapshot(),
		APU:        m.APU.Snapshot(),
	}
	if snap, ok := m.mbc.(snapshotableMBC); ok {
		s.MBCState = snap.SnapshotBytes()
	}
	return s
}

// Restore replaces the MMU's serializable state with a previously captured
// snapshot; the cartridge ROM/RAM contents and MBC type are left untouched,
// since those come from the ROM file and the .sram file respectively.
func (m *MMU) Restore(s Snapshot) {
	copy(m.memory, s.Memory)
	m.vram = s.VRAM
	m.wram = s.WRAM
	m.vbk = s.VBK
	m.svbk = s.SVBK
	m.key1 = s.KEY1
	m.doubleSpeed = s.KEY1&0x80 != 0
	m.bcps = s.BCPS
	m.ocps = s.OCPS
	m.bgPalette = s.BGPalette
	m.objPalette = s.OBJPalette
	m.joypad.buttons = s.Buttons
	m.joypad.dpad = s.Dpad
	m.timer.Restore(s.Timer)
	m.APU.Restore(s.APU)
	if snap, ok := m.mbc.(snapshotableMBC); ok && s.MBCState != nil {
		snap.RestoreBytes(s.MBCState)
	}
}

// dmaRead/dmaWrite give the DMA controller direct memory access that
// bypasses the CPU's HRAM-only restriction while a transfer is active,
// since that restriction exists to keep the CPU out of the DMA's way, not
// the DMA controller itself.
func (m *MMU) dmaRead(address uint16) byte {
	return m.readRaw(address)
}

func (m *MMU) dmaWrite(address uint16, value byte) {
	m.writeRaw(address, value)
}

// SetTimerSeed initializes the internal timer divider seed and DIV register.
func (m *MMU) SetTimerSeed(seed uint16) {
	m.timer.SetSeed(seed)
}

// NewWithCartridge creates a new memory unit with the provided cartridge data loaded.
// Equivalent to turning on a Gameboy with a cartridge in.
func NewWithCartridge(cart *Cartridge) (*MMU, error) {
	mmu := New()
	mmu.cart = cart
	mmu.isCGB = cart.IsCGB()

	switch cart.mbcType {
	case NoMBCType:
		mmu.mbc = NewNoMBC(cart.data)
	case MBC1Type, MBC1MultiType:
		// FIXME: MBC1MultiType (MMM01/multicart) uses the same bank
		// registers as plain MBC1 but reinterprets them once >1MB of ROM
		// is present; not implemented, falls back to plain MBC1 banking.
		mmu.mbc = NewMBC1(cart.data, cart.hasBattery, cart.ramBankCount)
	case MBC2Type:
		mmu.mbc = NewMBC2(cart.data, cart.hasBattery)
	case MBC3Type:
		mmu.mbc = NewMBC3(cart.data, cart.hasBattery, cart.hasRTC, cart.ramBankCount)
	case MBC5Type:
		mmu.mbc = NewMBC5(cart.data, cart.hasBattery, cart.hasRumble, cart.ramBankCount)
	default:
		return nil, &errs.UnsupportedCartridgeType{Type: cart.cartType}
	}

	return mmu, nil
}

func initRegionMap(m *MMU) {
	// ROM: 0x0000-0x7FFF
	for i := 0x00; i <= 0x7F; i++ {
		m.regionMap[i] = regionROM
	}
	// VRAM: 0x8000-0x9FFF
	for i := 0x80; i <= 0x9F; i++ {
		m.regionMap[i] = regionVRAM
	}
	// External RAM: 0xA000-0xBFFF
	for i := 0xA0; i <= 0xBF; i++ {
		m.regionMap[i] = regionExtRAM
	}
	// Work RAM: 0xC000-0xDFFF
	for i := 0xC0; i <= 0xDF; i++ {
		m.regionMap[i] = regionWRAM
	}
	// Echo RAM: 0xE000-0xFDFF
	for i := 0xE0; i <= 0xFD; i++ {
		m.regionMap[i] = regionEcho
	}
	// OAM: 0xFE00-0xFE9F, Unused: 0xFEA0-0xFEFF
	m.regionMap[0xFE] = regionOAM
	// IO + HRAM: 0xFF00-0xFFFF
	m.regionMap[0xFF] = regionIO
}

// RequestInterrupt sets the interrupt flag (IF register) of the chosen interrupt to 1.
func (m *MMU) RequestInterrupt(interrupt addr.Interrupt) {
	interruptFlags := m.Read(addr.IF)

	var bitPos uint8
	switch interrupt {
	case addr.VBlankInterrupt:
		bitPos = 0
	case addr.LCDSTATInterrupt:
		bitPos = 1
	case addr.TimerInterrupt:
		bitPos = 2
	case addr.SerialInterrupt:
		bitPos = 3
	case addr.JoypadInterrupt:
		bitPos = 4
	default:
		panic(fmt.Sprintf("Unknown interrupt: 0x%02X", uint8(interrupt)))
	}

	newFlags := bit.Set(bitPos, interruptFlags)

	m.Write(addr.IF, newFlags)
}

func (m *MMU) ReadBit(index uint8, address uint16) bool {
	return bit.IsSet(index, m.Read(address))
}

func (m *MMU) SetBit(index uint8, address uint16, set bool) {
	value := m.Read(address)
	if set {
		value = bit.Set(index, value)
	} else {
		value = bit.Reset(index, value)
	}
	m.Write(address, value)
}

// wramBankIndex resolves SVBK to the active switchable bank (1-7); 0 reads
// back as bank 1, matching real hardware.
func (m *MMU) wramBankIndex() uint8 {
	bank := m.svbk & 0x07
	if bank == 0 {
		bank = 1
	}
	return bank
}

// hramOnly reports whether address is in the range the CPU may still reach
// while an OAM-DMA or general-purpose HDMA transfer is in progress (HRAM
// plus the IE register, which sits right above it).
func hramOnly(address uint16) bool {
	return address >= 0xFF80
}

func (m *MMU) Read(address uint16) byte {
	if m.dma.BlocksCPU() && !hramOnly(address) {
		return 0xFF
	}
	return m.readRaw(address)
}

func (m *MMU) readRaw(address uint16) byte {
	switch m.regionMap[address>>8] {
	case regionROM, regionExtRAM:
		if m.mbc == nil {
			slog.Warn("Reading from ROM/external RAM with no cartridge", "addr", fmt.Sprintf("0x%04X", address))
			return 0xFF
		}
		return m.mbc.Read(address)
	case regionVRAM:
		bank := m.vbk & 0x01
		return m.vram[bank][address-0x8000]
	case regionWRAM:
		if address <= 0xCFFF {
			return m.wram[0][address-0xC000]
		}
		return m.wram[m.wramBankIndex()][address-0xD000]
	case regionEcho:
		return m.readWRAMMirror(address - 0x2000)
	case regionOAM:
		if address <= 0xFE9F {
			return m.memory[address]
		}
		// Unused area 0xFEA0-0xFEFF
		return m.memory[address]
	case regionIO:
		if address == addr.SB || address == addr.SC {
			return m.serial.Read(address)
		}
		if address == addr.DIV || address == addr.TIMA || address == addr.TMA || address == addr.TAC {
			return m.timer.Read(address)
		}
		if address >= 0xFF10 && address <= 0xFF3F {
			return m.APU.ReadRegister(address)
		}
		// Just in case, we always read the upper 3 bits of IF as 1.
		// They're not used, but have caused me some headaches when checking for
		// when the halt bug triggers (IF != 0).
		if address == addr.IF {
			return m.memory[address] | 0xE0
		}
		if b, ok := m.readCGBRegister(address); ok {
			return b
		}
		if address >= 0xFF80 {
			// HRAM
			return m.memory[address]
		}
		// Other IO registers
		return m.memory[address]
	default:
		panic(fmt.Sprintf("Attempted read at unmapped address: 0x%X", address))
	}
}

// readWRAMMirror reads the WRAM address that an echo-RAM address (already
// offset by -0x2000) mirrors; it goes through the same banking as a direct
// WRAM access.
func (m *MMU) readWRAMMirror(wramAddr uint16) byte {
	if wramAddr <= 0xCFFF {
		return m.wram[0][wramAddr-0xC000]
	}
	return m.wram[m.wramBankIndex()][wramAddr-0xD000]
}

func (m *MMU) writeWRAMMirror(wramAddr uint16, value byte) {
	if wramAddr <= 0xCFFF {
		m.wram[0][wramAddr-0xC000] = value
		return
	}
	m.wram[m.wramBankIndex()][wramAddr-0xD000] = value
}

func (m *MMU) Write(address uint16, value byte) {
	if m.dma.BlocksCPU() && !hramOnly(address) {
		return
	}
	m.writeRaw(address, value)
}

func (m *MMU) writeRaw(address uint16, value byte) {
	switch m.regionMap[address>>8] {
	case regionROM:
		if m.mbc == nil {
			slog.Warn("Writing to ROM with no cartridge", "addr", fmt.Sprintf("0x%04X", address), "value", fmt.Sprintf("0x%02X", value))
			return
		}
		m.mbc.Write(address, value)
	case regionVRAM:
		bank := m.vbk & 0x01
		m.vram[bank][address-0x8000] = value
	case regionExtRAM:
		if m.mbc == nil {
			slog.Warn("Writing to external RAM with no cartridge", "addr", fmt.Sprintf("0x%04X", address), "value", fmt.Sprintf("0x%02X", value))
			return
		}
		m.mbc.Write(address, value)
	case regionWRAM:
		if address <= 0xCFFF {
			m.wram[0][address-0xC000] = value
		} else {
			m.wram[m.wramBankIndex()][address-0xD000] = value
		}
	case regionEcho:
		m.writeWRAMMirror(address-0x2000, value)
	case regionOAM:
		if address <= 0xFE9F {
			m.memory[address] = value
		} else {
			// Unused area 0xFEA0-0xFEFF
			m.memory[address] = value
		}
	case regionIO:
		if address == addr.P1 {
			m.writeJoypad(value)
			return
		}
		if address == addr.SB || address == addr.SC {
			m.serial.Write(address, value)
			return
		}
		if address == addr.DIV || address == addr.TIMA || address == addr.TMA || address == addr.TAC {
			m.timer.Write(address, value)
			return
		}
		if address >= 0xFF10 && address <= 0xFF3F {
			m.APU.WriteRegister(address, value)
			return
		}
		if address == addr.IF {
			// This goddamn register has its upper 3 bits always set as 1...
			// Beware if you're trying to match halt bug behavior.
			m.memory[address] = value | 0xE0
			return
		}
		if address == addr.DMA {
			m.memory[address] = value
			m.dma.StartOAM(value)
			return
		}
		if m.writeCGBRegister(address, value) {
			return
		}
		if address >= 0xFF80 {
			// HRAM
			m.memory[address] = value
			return
		}
		// Other IO registers
		m.memory[address] = value
	default:
		panic(fmt.Sprintf("Attempted write at unmapped address: 0x%X", address))
	}
}

// readCGBRegister handles reads of the CGB-only register block; it returns
// ok=false for anything it doesn't own so the caller falls through to the
// generic IO path. On DMG cartridges these still read back, since the
// underlying registers are harmless if a game peeks at them regardless of
// the CGB flag.
func (m *MMU) readCGBRegister(address uint16) (byte, bool) {
	switch address {
	case addr.VBK:
		return m.vbk | 0xFE, true
	case addr.SVBK:
		return m.svbk | 0xF8, true
	case addr.KEY1:
		return m.key1, true
	case addr.HDMA5:
		return m.dma.RemainingLength(), true
	case addr.BCPS:
		return m.bcps, true
	case addr.BCPD:
		return m.bgPalette[m.bcps&0x3F], true
	case addr.OCPS:
		return m.ocps, true
	case addr.OCPD:
		return m.objPalette[m.ocps&0x3F], true
	default:
		return 0, false
	}
}

// writeCGBRegister handles writes to the CGB-only register block, returning
// true if it owned the address.
func (m *MMU) writeCGBRegister(address uint16, value byte) bool {
	switch address {
	case addr.VBK:
		m.vbk = value & 0x01
		return true
	case addr.SVBK:
		m.svbk = value & 0x07
		return true
	case addr.KEY1:
		m.key1 = (m.key1 & 0x80) | (value & 0x01)
		return true
	case addr.HDMA1, addr.HDMA2, addr.HDMA3, addr.HDMA4:
		m.memory[address] = value
		return true
	case addr.HDMA5:
		if m.dma.Active() && value&0x80 == 0 {
			m.dma.Terminate()
			return true
		}
		m.dma.StartVRAM(m.memory[addr.HDMA1], m.memory[addr.HDMA2], m.memory[addr.HDMA3], m.memory[addr.HDMA4], value)
		return true
	case addr.BCPS:
		m.bcps = value & 0xBF
		return true
	case addr.BCPD:
		m.bgPalette[m.bcps&0x3F] = value
		if m.bcps&0x80 != 0 {
			m.bcps = (m.bcps & 0x80) | ((m.bcps + 1) & 0x3F)
		}
		return true
	case addr.OCPS:
		m.ocps = value & 0xBF
		return true
	case addr.OCPD:
		m.objPalette[m.ocps&0x3F] = value
		if m.ocps&0x80 != 0 {
			m.ocps = (m.ocps & 0x80) | ((m.ocps + 1) & 0x3F)
		}
		return true
	default:
		return false
	}
}

// CommitSpeedSwitch toggles the CGB double-speed flag if armed by a KEY1
// write, as STOP does on real hardware. Returns whether a switch happened.
func (m *MMU) CommitSpeedSwitch() bool {
	if m.key1&0x01 == 0 {
		return false
	}
	m.doubleSpeed = !m.doubleSpeed
	m.key1 &^= 0x01
	if m.doubleSpeed {
		m.key1 |= 0x80
	} else {
		m.key1 &^= 0x80
	}
	return true
}

// updateJoypadRegister sets the joypad register (P1) according to selection bits
// and hardware (buttons) status.
//
// In real hw, this register is actually just a selector (bits 4-5) that control
// to which set of buttons the low bits (0-3) are mapped to.
//
// The mapping:
//   - if bit 4 is 0, bits 0-3 are mapped to the 4 d-pad directions
//   - if bit 5 is 0, bits 0-3 are mapped to A, B, Start, Select
//   - if both are 0, hw does an AND of both button sets
//   - if both are 1, return 0x0F (high impedence state)
//
// This function is called whenever:
//   - there is a write to the P1 register (only set bits 4-5)
//   - a button is pressed or released (tracked separately)
//
// Note that 1 -> button released, 0 -> button pressed.
// Bits 6-7 are unused, they always read as 1 on real hardware.
func (m *MMU) updateJoypadRegister() {
	p1 := m.memory[addr.P1]
	result := uint8(0b11000000) // Bits 6-7 are always read as 1
	result |= p1 & 0b00110000   // Keep selection bits 4-5

	// A button group is selected if the corresponding bit is 0
	selectDpad := !bit.IsSet(4, p1)
	selectButtons := !bit.IsSet(5, p1)

	switch {
	case selectButtons && !selectDpad:
		result |= m.joypad.buttons & 0x0F
	case selectDpad && !selectButtons:
		result |= m.joypad.dpad & 0x0F
	case selectButtons && selectDpad:
		result |= m.joypad.buttons & m.joypad.dpad & 0x0F
	default:
		// no selection
		result |= 0x0F
	}

	m.memory[addr.P1] = result
}

func (m *MMU) writeJoypad(value uint8) {
	// Only bits 4-5 are writable (selection bits)
	m.memory[addr.P1] = value & 0b00110000
	m.updateJoypadRegister()
}

func (m *MMU) HandleKeyPress(key JoypadKey) {
	oldButtons := m.joypad.buttons
	oldDpad := m.joypad.dpad

	m.joypad.Press(key)

	buttonTransitions := oldButtons & ^m.joypad.buttons
	dpadTransitions := oldDpad & ^m.joypad.dpad
	if buttonTransitions|dpadTransitions != 0 {
		m.RequestInterrupt(addr.JoypadInterrupt)
	}

	m.updateJoypadRegister()
}

func (m *MMU) HandleKeyRelease(key JoypadKey) {
	m.joypad.Release(key)
	m.updateJoypadRegister()
}
