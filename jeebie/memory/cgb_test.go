package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valerio/go-jeebie/jeebie/addr"
)

func TestVRAMBankSwitching(t *testing.T) {
	m := New()

	m.Write(addr.VBK, 0x00)
	m.Write(0x8000, 0x11)

	m.Write(addr.VBK, 0x01)
	m.Write(0x8000, 0x22)

	assert.Equal(t, byte(0x22), m.Read(0x8000))

	m.Write(addr.VBK, 0x00)
	assert.Equal(t, byte(0x11), m.Read(0x8000))
}

func TestVBKReadbackOnlyExposesBit0(t *testing.T) {
	m := New()
	m.Write(addr.VBK, 0xFF)
	assert.Equal(t, byte(0xFF), m.Read(addr.VBK))
	m.Write(addr.VBK, 0x00)
	assert.Equal(t, byte(0xFE), m.Read(addr.VBK))
}

func TestWRAMBankSwitching(t *testing.T) {
	m := New()

	m.Write(0xC000, 0xAA) // fixed bank, unaffected by SVBK
	m.Write(addr.SVBK, 0x02)
	m.Write(0xD000, 0x01)
	m.Write(addr.SVBK, 0x03)
	m.Write(0xD000, 0x02)

	assert.Equal(t, byte(0xAA), m.Read(0xC000))

	m.Write(addr.SVBK, 0x02)
	assert.Equal(t, byte(0x01), m.Read(0xD000))
	m.Write(addr.SVBK, 0x03)
	assert.Equal(t, byte(0x02), m.Read(0xD000))
}

func TestSVBKZeroReadsBackAsBankOne(t *testing.T) {
	m := New()
	m.Write(addr.SVBK, 0x00)
	m.Write(0xD000, 0x42)

	m.Write(addr.SVBK, 0x01)
	assert.Equal(t, byte(0x42), m.Read(0xD000), "SVBK=0 should alias bank 1")
}

func TestEchoRAMMirrorsBankedWRAM(t *testing.T) {
	m := New()
	m.Write(addr.SVBK, 0x05)
	m.Write(0xD123, 0x77)

	assert.Equal(t, byte(0x77), m.Read(0xF123), "echo RAM should mirror the active WRAM bank")
}

func TestKEY1ArmAndCommitSpeedSwitch(t *testing.T) {
	m := New()
	assert.False(t, m.IsDoubleSpeed())

	m.Write(addr.KEY1, 0x01)
	assert.Equal(t, byte(0x01), m.Read(addr.KEY1))

	switched := m.CommitSpeedSwitch()
	assert.True(t, switched)
	assert.True(t, m.IsDoubleSpeed())
	assert.Equal(t, byte(0x80), m.Read(addr.KEY1), "speed bit should be set and armed bit cleared")

	assert.False(t, m.CommitSpeedSwitch(), "committing with no pending switch should be a no-op")
}

func TestBCPSAutoIncrement(t *testing.T) {
	m := New()
	m.Write(addr.BCPS, 0x80) // index 0, auto-increment

	m.Write(addr.BCPD, 0x11)
	m.Write(addr.BCPD, 0x22)

	assert.Equal(t, byte(0x82), m.Read(addr.BCPS))

	m.Write(addr.BCPS, 0x00)
	assert.Equal(t, byte(0x11), m.Read(addr.BCPD))
	m.Write(addr.BCPS, 0x01)
	assert.Equal(t, byte(0x22), m.Read(addr.BCPD))
}

func TestOCPSIndependentFromBCPS(t *testing.T) {
	m := New()
	m.Write(addr.BCPS, 0x80)
	m.Write(addr.BCPD, 0x11)

	m.Write(addr.OCPS, 0x80)
	m.Write(addr.OCPD, 0x99)

	m.Write(addr.BCPS, 0x00)
	assert.Equal(t, byte(0x11), m.Read(addr.BCPD))
	m.Write(addr.OCPS, 0x00)
	assert.Equal(t, byte(0x99), m.Read(addr.OCPD))
}
