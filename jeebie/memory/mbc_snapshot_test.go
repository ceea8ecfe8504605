package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMBC1SnapshotRoundTrip(t *testing.T) {
	rom := make([]uint8, 0x20000)
	mbc := NewMBC1(rom, true, 4)

	mbc.Write(0x2000, 0x05) // select ROM bank 5
	mbc.Write(0x4000, 0x02) // select RAM bank 2
	mbc.Write(0x0000, 0x0A) // enable RAM

	snap := mbc.SnapshotBytes()

	restored := NewMBC1(rom, true, 4)
	restored.RestoreBytes(snap)

	assert.Equal(t, mbc.romBank, restored.romBank)
	assert.Equal(t, mbc.ramBank, restored.ramBank)
	assert.Equal(t, mbc.ramEnabled, restored.ramEnabled)
	assert.Equal(t, mbc.bankingMode, restored.bankingMode)
}

func TestMBC3SnapshotRoundTripIncludesRTC(t *testing.T) {
	rom := make([]uint8, 0x20000)
	mbc := NewMBC3(rom, true, true, 4)

	mbc.Write(0x0000, 0x0A) // enable RAM+RTC
	mbc.Write(0x4000, 0x09) // select RTC minutes register
	mbc.Tick(4 * 30)        // advance RTC a bit

	snap := mbc.SnapshotBytes()

	restored := NewMBC3(rom, true, true, 4)
	restored.RestoreBytes(snap)

	assert.Equal(t, mbc.rtcRunningSeconds, restored.rtcRunningSeconds)
	assert.Equal(t, mbc.rtcCycles, restored.rtcCycles)
	assert.Equal(t, mbc.romBank, restored.romBank)
	assert.Equal(t, mbc.ramBank, restored.ramBank)
	assert.Equal(t, mbc.latched, restored.latched)
}

func TestMBC5SnapshotRoundTrip(t *testing.T) {
	rom := make([]uint8, 0x80000)
	mbc := NewMBC5(rom, true, false, 8)

	mbc.Write(0x2000, 0x34)
	mbc.Write(0x3000, 0x01)
	mbc.Write(0x4000, 0x03)
	mbc.Write(0x0000, 0x0A)

	snap := mbc.SnapshotBytes()

	restored := NewMBC5(rom, true, false, 8)
	restored.RestoreBytes(snap)

	assert.Equal(t, mbc.romBank, restored.romBank)
	assert.Equal(t, mbc.ramBank, restored.ramBank)
	assert.Equal(t, mbc.ramEnabled, restored.ramEnabled)
}

func TestBatteryBackedRAMPersistence(t *testing.T) {
	rom := make([]uint8, 0x20000)
	mbc := NewMBC1(rom, true, 4)

	mbc.Write(0x0000, 0x0A) // enable RAM
	mbc.Write(0xA000, 0x42)
	mbc.Write(0xA001, 0x99)

	saved := append([]uint8(nil), mbc.RAM()...)

	fresh := NewMBC1(rom, true, 4)
	fresh.Write(0x0000, 0x0A)
	fresh.LoadRAM(saved)

	assert.Equal(t, byte(0x42), fresh.Read(0xA000))
	assert.Equal(t, byte(0x99), fresh.Read(0xA001))
}
