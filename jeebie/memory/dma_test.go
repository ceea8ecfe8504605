package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestDMAController() (*DMAController, []byte) {
	mem := make([]byte, 0x10000)
	read := func(addr uint16) byte { return mem[addr] }
	write := func(addr uint16, v byte) { mem[addr] = v }
	return NewDMAController(read, write), mem
}

func TestOAMDMATakes160Cycles(t *testing.T) {
	dma, mem := newTestDMAController()
	for i := 0; i < 160; i++ {
		mem[0xC000+i] = byte(i + 1)
	}

	dma.StartOAM(0xC0)
	assert.True(t, dma.Active())
	assert.True(t, dma.BlocksCPU())

	for i := 0; i < 159; i++ {
		dma.Tick(1)
		assert.True(t, dma.Active(), "transfer should still be active at cycle %d", i)
	}
	dma.Tick(1)
	assert.False(t, dma.Active())
	assert.False(t, dma.BlocksCPU())

	for i := 0; i < 160; i++ {
		assert.Equal(t, byte(i+1), mem[0xFE00+i], "OAM byte %d", i)
	}
}

func TestOAMDMACopiesOneByteAtATime(t *testing.T) {
	dma, mem := newTestDMAController()
	for i := range 160 {
		mem[0xD000+i] = 0xAA
	}

	dma.StartOAM(0xD0)
	dma.Tick(1)

	assert.Equal(t, byte(0xAA), mem[0xFE00])
	for i := 1; i < 160; i++ {
		assert.Equal(t, byte(0), mem[0xFE00+i], "byte %d should not be copied yet", i)
	}
}

func TestHBlankHDMATransfers16BytesPerBlank(t *testing.T) {
	dma, mem := newTestDMAController()
	for i := 0; i < 0x40; i++ {
		mem[0x4000+i] = byte(i)
	}

	// source 0x4000, dest 0x8000, length 0x30 (3 blocks of 16), HBlank mode
	dma.StartVRAM(0x40, 0x00, 0x00, 0x00, 0x80|0x02)

	assert.True(t, dma.Active())
	assert.True(t, dma.kind == dmaHBlank)
	assert.False(t, dma.BlocksCPU(), "HBlank HDMA should not block the CPU between blanks")

	dma.OnHBlank()
	for i := 0; i < 16; i++ {
		assert.Equal(t, byte(i), mem[0x8000+i])
	}
	assert.Equal(t, byte(0), mem[0x8000+16], "second block should not have transferred yet")

	dma.OnHBlank()
	dma.OnHBlank()
	assert.False(t, dma.Active())
	for i := 0; i < 0x30; i++ {
		assert.Equal(t, byte(i), mem[0x8000+i])
	}
}

func TestGeneralPurposeHDMABlocksCPU(t *testing.T) {
	dma, _ := newTestDMAController()
	dma.StartVRAM(0x40, 0x00, 0x00, 0x00, 0x01) // bit 7 clear: general purpose, 2 blocks

	assert.True(t, dma.BlocksCPU())
	assert.Equal(t, dmaGeneral, dma.kind)
}

func TestTerminateStopsHBlankTransferEarly(t *testing.T) {
	dma, _ := newTestDMAController()
	dma.StartVRAM(0x40, 0x00, 0x00, 0x00, 0x80|0x05)
	assert.True(t, dma.Active())

	dma.Terminate()
	assert.False(t, dma.Active())
	assert.Equal(t, uint8(0xFF), dma.RemainingLength())
}
