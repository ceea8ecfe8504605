package savestate

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valerio/go-jeebie/jeebie"
	"github.com/valerio/go-jeebie/jeebie/addr"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	emu := jeebie.New()

	// Run a handful of frames so CPU/PPU/timer state is non-trivial.
	for i := 0; i < 3; i++ {
		emu.RunUntilFrame()
	}

	wantPC := emu.GetCPU().GetPC()
	wantA := emu.GetCPU().GetA()
	wantLY := emu.GetMMU().Read(addr.LY)

	var buf bytes.Buffer
	require.NoError(t, Save(emu, &buf))

	// Mutate the live emulator so a failed restore would be observable.
	emu.GetCPU().Restore(0, 0, 0, 0, 0, 0, 0, 0, 0, 0, false, false, false)
	emu.GetMMU().Write(addr.LY, 0)

	require.NoError(t, Load(emu, bytes.NewReader(buf.Bytes())))

	assert.Equal(t, wantPC, emu.GetCPU().GetPC())
	assert.Equal(t, wantA, emu.GetCPU().GetA())
	assert.Equal(t, wantLY, emu.GetMMU().Read(addr.LY))
}

func TestLoadRejectsTruncatedStream(t *testing.T) {
	emu := jeebie.New()

	var buf bytes.Buffer
	require.NoError(t, Save(emu, &buf))

	truncated := buf.Bytes()[:len(buf.Bytes())/2]
	err := Load(emu, bytes.NewReader(truncated))
	assert.Error(t, err)
}

func TestLoadWarnsOnVersionMismatch(t *testing.T) {
	emu := jeebie.New()

	var buf bytes.Buffer
	require.NoError(t, Save(emu, &buf))

	data := buf.Bytes()
	// Version byte sits right after the flags byte.
	data[1] = Version + 1

	// A version mismatch is a warning, not a load failure.
	assert.NoError(t, Load(emu, bytes.NewReader(data)))
}

func TestSaveFileLoadFileRoundTrip(t *testing.T) {
	emu := jeebie.New()
	for i := 0; i < 2; i++ {
		emu.RunUntilFrame()
	}

	path := t.TempDir() + "/test.state"
	require.NoError(t, SaveFile(emu, path))

	wantPC := emu.GetCPU().GetPC()

	other := jeebie.New()
	require.NoError(t, LoadFile(other, path))
	assert.Equal(t, wantPC, other.GetCPU().GetPC())
}
