package memory

import "github.com/valerio/go-jeebie/jeebie/addr"

// dmaTransferKind distinguishes the two DMA engines that share the same
// ticked-controller shape but run at different granularities.
type dmaTransferKind uint8

const (
	dmaNone dmaTransferKind = iota
	dmaOAM
	dmaGeneral
	dmaHBlank
)

// DMAController models the OAM-DMA and VRAM (G)HDMA transfer engines as
// ticked state machines, rather than the instantaneous memcopy a naive
// implementation would use. Real hardware takes 160 M-cycles to run an
// OAM-DMA transfer, one byte per cycle, and the CPU may only access HRAM
// for the duration; HDMA transfers 16 bytes per HBlank (or the whole
// block at once in general-purpose mode) and stalls the CPU meanwhile.
type DMAController struct {
	kind dmaTransferKind

	index    uint16
	srcStart uint16
	destStart uint16
	nBytes   uint16 // bytes transferred per step (1 for OAM, 2 for HDMA)
	cyclesRemaining int

	length uint16 // total bytes for the current HDMA transfer, for status reads

	read  func(uint16) byte
	write func(uint16, byte)
}

// NewDMAController creates a controller bound to the given memory accessors.
// The accessors bypass the MMU's own DMA dispatch to avoid reentrancy.
func NewDMAController(read func(uint16) byte, write func(uint16, byte)) *DMAController {
	return &DMAController{read: read, write: write}
}

// Active reports whether a transfer (OAM, or HDMA general/HBlank) is in flight.
func (d *DMAController) Active() bool {
	return d.kind != dmaNone && d.cyclesRemaining > 0
}

// BlocksCPU reports whether the CPU should be restricted to HRAM-only
// access right now: true during OAM-DMA, and during a general-purpose
// HDMA transfer (which runs to completion without yielding to the CPU).
func (d *DMAController) BlocksCPU() bool {
	return d.kind == dmaOAM || d.kind == dmaGeneral
}

// StartOAM begins an OAM-DMA transfer sourced from dmaRegisterValue<<8.
func (d *DMAController) StartOAM(dmaRegisterValue uint8) {
	d.kind = dmaOAM
	d.index = 0
	d.destStart = addr.OAMStart
	d.srcStart = uint16(dmaRegisterValue) << 8
	d.nBytes = 1
	d.cyclesRemaining = 160
}

// StartVRAM begins a GDMA/HDMA transfer from the HDMA1-5 register values.
// hdma5 bit 7 selects HBlank mode (16 bytes per HBlank) vs general-purpose
// (the whole block transferred immediately).
func (d *DMAController) StartVRAM(hdma1, hdma2, hdma3, hdma4, hdma5 uint8) {
	srcHigh := hdma1
	srcLow := hdma2 & 0xF0
	destHigh := hdma3 & 0x1F
	destLow := hdma4 & 0xF0

	d.index = 0
	d.destStart = 0x8000 + (uint16(destHigh) << 8) + uint16(destLow)
	d.srcStart = (uint16(srcHigh) << 8) + uint16(srcLow)
	d.nBytes = 2

	transferLength := (uint16(hdma5&0x7F) + 1) * 0x10
	d.length = transferLength
	d.cyclesRemaining = int(transferLength / d.nBytes)

	if hdma5&0x80 != 0 {
		d.kind = dmaHBlank
	} else {
		d.kind = dmaGeneral
	}
}

// Terminate stops an in-progress HBlank-mode HDMA transfer early, as
// writing 0 to HDMA5 bit 7 does on real hardware.
func (d *DMAController) Terminate() {
	if d.kind == dmaHBlank {
		d.kind = dmaNone
		d.cyclesRemaining = 0
	}
}

// RemainingLength reports the HDMA5 readback value: bit 7 clear once the
// transfer completes, bits 0-6 the remaining (length/16)-1 count.
func (d *DMAController) RemainingLength() uint8 {
	if !d.Active() || d.kind == dmaOAM {
		return 0xFF
	}
	blocksLeft := uint16(d.cyclesRemaining) * d.nBytes / 0x10
	if blocksLeft == 0 {
		return 0xFF
	}
	return uint8(blocksLeft - 1)
}

// Tick advances OAM-DMA and general-purpose HDMA transfers by one step
// per cycle; HBlank-mode HDMA only moves bytes via OnHBlank.
func (d *DMAController) Tick(cycles int) {
	if d.kind != dmaOAM && d.kind != dmaGeneral {
		return
	}
	for i := 0; i < cycles && d.cyclesRemaining > 0; i++ {
		d.transferStep()
		d.cyclesRemaining--
	}
	if d.cyclesRemaining <= 0 {
		d.kind = dmaNone
	}
}

// OnHBlank transfers one 16-byte block for an HBlank-mode HDMA transfer.
func (d *DMAController) OnHBlank() {
	if d.kind != dmaHBlank || d.cyclesRemaining <= 0 {
		return
	}
	for i := 0; i < 8; i++ { // 16 bytes == 8 steps of 2 bytes each
		d.transferStep()
		d.cyclesRemaining--
	}
	if d.cyclesRemaining <= 0 {
		d.kind = dmaNone
	}
}

func (d *DMAController) transferStep() {
	for i := uint16(0); i < d.nBytes; i++ {
		b := d.read(d.srcStart + d.index)
		d.write(d.destStart+d.index, b)
		d.index++
	}
}
