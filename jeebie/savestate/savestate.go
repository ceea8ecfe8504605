// Package savestate serializes and restores a running emulator's full
// mutable state to a byte-sequential stream: a flag byte, version, cartridge
// title, interrupt state, optional SRAM, then every component's state.
package savestate

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"os"

	"github.com/valerio/go-jeebie/jeebie"
	"github.com/valerio/go-jeebie/jeebie/addr"
	"github.com/valerio/go-jeebie/jeebie/audio"
	"github.com/valerio/go-jeebie/jeebie/errs"
	"github.com/valerio/go-jeebie/jeebie/memory"
	"github.com/valerio/go-jeebie/jeebie/video"
)

// Version identifies the savestate binary format written by this build.
// Bumped whenever the layout below changes incompatibly.
const Version uint8 = 1

const titleLength = 12

// flag bits, in the header's single flag byte.
const (
	flagCGBMode byte = 1 << iota
	flagStopped
	flagHalted
	flagHasSRAM
)

// cpuState is the minimal surface savestate needs from jeebie/cpu.CPU.
type cpuState interface {
	GetA() uint8
	GetB() uint8
	GetC() uint8
	GetD() uint8
	GetE() uint8
	GetF() uint8
	GetH() uint8
	GetL() uint8
	GetSP() uint16
	GetPC() uint16
	GetIME() bool
	GetHalted() bool
	GetStopped() bool
	Restore(a, b, c, d, e, h, l, f uint8, sp, pc uint16, ime, halted, stopped bool)
}

// Save serializes the emulator's current state to w.
func Save(e *jeebie.Emulator, w io.Writer) error {
	cpu := e.GetCPU()
	mem := e.GetMMU()
	gpu := e.GetGPU()

	var buf bytes.Buffer

	var flags byte
	if mem.IsCGB() {
		flags |= flagCGBMode
	}
	if cpu.GetStopped() {
		flags |= flagStopped
	}
	if cpu.GetHalted() {
		flags |= flagHalted
	}
	sram := mem.ExternalRAM()
	hasSRAM := mem.HasBatteryBackedRAM() && sram != nil
	if hasSRAM {
		flags |= flagHasSRAM
	}
	buf.WriteByte(flags)
	buf.WriteByte(Version)

	title := make([]byte, titleLength)
	copy(title, mem.CartridgeTitle())
	buf.Write(title)

	buf.WriteByte(mem.Read(addr.IE))
	buf.WriteByte(boolByte(cpu.GetIME()))

	if hasSRAM {
		writeUint32(&buf, uint32(len(sram)))
		buf.Write(sram)
	}

	writeCPUState(&buf, cpu)
	writeMemorySnapshot(&buf, mem.Snapshot())
	writeGPUState(&buf, gpu.Snapshot())

	_, err := w.Write(buf.Bytes())
	return err
}

// SaveFile writes a savestate to path atomically (temp file + rename).
func SaveFile(e *jeebie.Emulator, path string) error {
	var buf bytes.Buffer
	if err := Save(e, &buf); err != nil {
		return &errs.IOFailure{Op: "serialize savestate", Err: err}
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o644); err != nil {
		return &errs.IOFailure{Op: "write savestate", Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &errs.IOFailure{Op: "write savestate", Err: err}
	}
	return nil
}

// Load restores the emulator's state from r. A version mismatch is logged
// as a warning and the load proceeds on a best-effort basis, per this
// project's error-handling convention of never treating it as fatal.
func Load(e *jeebie.Emulator, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return &errs.IOFailure{Op: "read savestate", Err: err}
	}
	br := bytes.NewReader(data)

	flags, err := br.ReadByte()
	if err != nil {
		return &errs.IOFailure{Op: "parse savestate", Err: err}
	}
	version, err := br.ReadByte()
	if err != nil {
		return &errs.IOFailure{Op: "parse savestate", Err: err}
	}
	if version != Version {
		slog.Warn((&errs.SavestateVersionMismatch{Found: version, Want: Version}).Error())
	}

	title := make([]byte, titleLength)
	if _, err := io.ReadFull(br, title); err != nil {
		return &errs.IOFailure{Op: "parse savestate", Err: err}
	}

	ie, err := br.ReadByte()
	if err != nil {
		return &errs.IOFailure{Op: "parse savestate", Err: err}
	}
	imeByte, err := br.ReadByte()
	if err != nil {
		return &errs.IOFailure{Op: "parse savestate", Err: err}
	}
	ime := imeByte != 0

	mem := e.GetMMU()

	if flags&flagHasSRAM != 0 {
		sramLen, err := readUint32(br)
		if err != nil {
			return &errs.IOFailure{Op: "parse savestate", Err: err}
		}
		sram := make([]byte, sramLen)
		if _, err := io.ReadFull(br, sram); err != nil {
			return &errs.IOFailure{Op: "parse savestate", Err: err}
		}
		mem.LoadExternalRAM(sram)
	}

	cpu := e.GetCPU()
	if err := readCPUState(br, cpu, flags, ime); err != nil {
		return &errs.IOFailure{Op: "parse savestate", Err: err}
	}

	snap, err := readMemorySnapshot(br)
	if err != nil {
		return &errs.IOFailure{Op: "parse savestate", Err: err}
	}
	mem.Restore(snap)
	mem.Write(addr.IE, ie)

	gpuState, err := readGPUState(br)
	if err != nil {
		return &errs.IOFailure{Op: "parse savestate", Err: err}
	}
	e.GetGPU().Restore(gpuState)

	return nil
}

// LoadFile restores the emulator's state from a savestate file on disk.
func LoadFile(e *jeebie.Emulator, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &errs.IOFailure{Op: "open savestate", Err: err}
	}
	defer f.Close()
	return Load(e, f)
}

func writeCPUState(buf *bytes.Buffer, c cpuState) {
	buf.Write([]byte{c.GetA(), c.GetB(), c.GetC(), c.GetD(), c.GetE(), c.GetH(), c.GetL(), c.GetF()})
	writeUint16(buf, c.GetSP())
	writeUint16(buf, c.GetPC())
}

func readCPUState(br *bytes.Reader, cpu cpuState, flags byte, ime bool) error {
	regs := make([]byte, 8)
	if _, err := io.ReadFull(br, regs); err != nil {
		return err
	}
	sp, err := readUint16(br)
	if err != nil {
		return err
	}
	pc, err := readUint16(br)
	if err != nil {
		return err
	}

	a, b, c, d, e, h, l, f := regs[0], regs[1], regs[2], regs[3], regs[4], regs[5], regs[6], regs[7]
	halted := flags&flagHalted != 0
	stopped := flags&flagStopped != 0
	cpu.Restore(a, b, c, d, e, h, l, f, sp, pc, ime, halted, stopped)
	return nil
}

func writeMemorySnapshot(buf *bytes.Buffer, s memory.Snapshot) {
	buf.Write(s.Memory)
	for _, bank := range s.VRAM {
		buf.Write(bank[:])
	}
	for _, bank := range s.WRAM {
		buf.Write(bank[:])
	}
	buf.Write([]byte{s.VBK, s.SVBK, s.KEY1, s.BCPS, s.OCPS})
	buf.Write(s.BGPalette[:])
	buf.Write(s.OBJPalette[:])
	buf.Write([]byte{s.Buttons, s.Dpad})

	writeUint16(buf, s.Timer.SystemCounter)
	buf.WriteByte(boolByte(s.Timer.LastTimerBit))
	writeInt32(buf, int32(s.Timer.TimaOverflow))
	buf.WriteByte(boolByte(s.Timer.TimaDelayInt))
	buf.Write([]byte{s.Timer.Div, s.Timer.Tima, s.Timer.Tma, s.Timer.Tac})

	writeUint16(buf, uint16(len(s.MBCState)))
	buf.Write(s.MBCState)

	writeAPUState(buf, s.APU)
}

func readMemorySnapshot(br *bytes.Reader) (memory.Snapshot, error) {
	var s memory.Snapshot

	s.Memory = make([]byte, 0x10000)
	if _, err := io.ReadFull(br, s.Memory); err != nil {
		return s, err
	}
	for i := range s.VRAM {
		if _, err := io.ReadFull(br, s.VRAM[i][:]); err != nil {
			return s, err
		}
	}
	for i := range s.WRAM {
		if _, err := io.ReadFull(br, s.WRAM[i][:]); err != nil {
			return s, err
		}
	}

	hdr := make([]byte, 5)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return s, err
	}
	s.VBK, s.SVBK, s.KEY1, s.BCPS, s.OCPS = hdr[0], hdr[1], hdr[2], hdr[3], hdr[4]

	if _, err := io.ReadFull(br, s.BGPalette[:]); err != nil {
		return s, err
	}
	if _, err := io.ReadFull(br, s.OBJPalette[:]); err != nil {
		return s, err
	}

	joy := make([]byte, 2)
	if _, err := io.ReadFull(br, joy); err != nil {
		return s, err
	}
	s.Buttons, s.Dpad = joy[0], joy[1]

	systemCounter, err := readUint16(br)
	if err != nil {
		return s, err
	}
	s.Timer.SystemCounter = systemCounter

	b, err := br.ReadByte()
	if err != nil {
		return s, err
	}
	s.Timer.LastTimerBit = b != 0

	timaOverflow, err := readInt32(br)
	if err != nil {
		return s, err
	}
	s.Timer.TimaOverflow = int(timaOverflow)

	b, err = br.ReadByte()
	if err != nil {
		return s, err
	}
	s.Timer.TimaDelayInt = b != 0

	timerRegs := make([]byte, 4)
	if _, err := io.ReadFull(br, timerRegs); err != nil {
		return s, err
	}
	s.Timer.Div, s.Timer.Tima, s.Timer.Tma, s.Timer.Tac = timerRegs[0], timerRegs[1], timerRegs[2], timerRegs[3]

	mbcLen, err := readUint16(br)
	if err != nil {
		return s, err
	}
	if mbcLen > 0 {
		s.MBCState = make([]byte, mbcLen)
		if _, err := io.ReadFull(br, s.MBCState); err != nil {
			return s, err
		}
	}

	apuState, err := readAPUState(br)
	if err != nil {
		return s, err
	}
	s.APU = apuState

	return s, nil
}

func writeChannelState(buf *bytes.Buffer, s audio.ChannelState) {
	buf.WriteByte(boolByte(s.Enabled))
	buf.WriteByte(boolByte(s.Left))
	buf.WriteByte(boolByte(s.Right))
	buf.Write([]byte{s.Duty, s.Timer})
	writeUint16(buf, s.Length)
	buf.WriteByte(s.Volume)
	buf.WriteByte(s.SweepPeriod)
	buf.WriteByte(boolByte(s.SweepDown))
	buf.WriteByte(s.SweepStep)
	buf.WriteByte(boolByte(s.SweepEnabled))
	buf.WriteByte(s.SweepTimer)
	writeUint16(buf, s.ShadowFreq)
	buf.WriteByte(boolByte(s.SweepNegUsed))
	buf.WriteByte(s.EnvelopePace)
	buf.WriteByte(boolByte(s.EnvelopeUp))
	buf.WriteByte(s.EnvelopeCounter)
	buf.WriteByte(boolByte(s.EnvelopeLatched))
	writeUint16(buf, s.Period)
	buf.WriteByte(boolByte(s.LengthEnable))
	writeInt32(buf, int32(s.FreqTimer))
	buf.WriteByte(s.DutyStep)
	buf.WriteByte(s.WaveIndex)
	buf.WriteByte(s.WaveSample)
	writeInt32(buf, int32(s.NoiseTimer))
	writeUint16(buf, s.LFSR)
	buf.WriteByte(boolByte(s.Use7BitLFSR))
	buf.WriteByte(s.Shift)
	buf.WriteByte(s.Divider)
	buf.WriteByte(boolByte(s.DACEnabled))
}

func readChannelState(br *bytes.Reader) (audio.ChannelState, error) {
	var s audio.ChannelState

	b, err := br.ReadByte()
	if err != nil {
		return s, err
	}
	s.Enabled = b != 0
	if b, err = br.ReadByte(); err != nil {
		return s, err
	}
	s.Left = b != 0
	if b, err = br.ReadByte(); err != nil {
		return s, err
	}
	s.Right = b != 0

	duty := make([]byte, 2)
	if _, err := io.ReadFull(br, duty); err != nil {
		return s, err
	}
	s.Duty, s.Timer = duty[0], duty[1]

	length, err := readUint16(br)
	if err != nil {
		return s, err
	}
	s.Length = length

	if s.Volume, err = br.ReadByte(); err != nil {
		return s, err
	}
	if s.SweepPeriod, err = br.ReadByte(); err != nil {
		return s, err
	}
	if b, err = br.ReadByte(); err != nil {
		return s, err
	}
	s.SweepDown = b != 0
	if s.SweepStep, err = br.ReadByte(); err != nil {
		return s, err
	}
	if b, err = br.ReadByte(); err != nil {
		return s, err
	}
	s.SweepEnabled = b != 0
	if s.SweepTimer, err = br.ReadByte(); err != nil {
		return s, err
	}

	shadowFreq, err := readUint16(br)
	if err != nil {
		return s, err
	}
	s.ShadowFreq = shadowFreq

	if b, err = br.ReadByte(); err != nil {
		return s, err
	}
	s.SweepNegUsed = b != 0
	if s.EnvelopePace, err = br.ReadByte(); err != nil {
		return s, err
	}
	if b, err = br.ReadByte(); err != nil {
		return s, err
	}
	s.EnvelopeUp = b != 0
	if s.EnvelopeCounter, err = br.ReadByte(); err != nil {
		return s, err
	}
	if b, err = br.ReadByte(); err != nil {
		return s, err
	}
	s.EnvelopeLatched = b != 0

	period, err := readUint16(br)
	if err != nil {
		return s, err
	}
	s.Period = period

	if b, err = br.ReadByte(); err != nil {
		return s, err
	}
	s.LengthEnable = b != 0

	freqTimer, err := readInt32(br)
	if err != nil {
		return s, err
	}
	s.FreqTimer = int(freqTimer)

	wave := make([]byte, 3)
	if _, err := io.ReadFull(br, wave); err != nil {
		return s, err
	}
	s.DutyStep, s.WaveIndex, s.WaveSample = wave[0], wave[1], wave[2]

	noiseTimer, err := readInt32(br)
	if err != nil {
		return s, err
	}
	s.NoiseTimer = int(noiseTimer)

	lfsr, err := readUint16(br)
	if err != nil {
		return s, err
	}
	s.LFSR = lfsr

	if b, err = br.ReadByte(); err != nil {
		return s, err
	}
	s.Use7BitLFSR = b != 0

	tail := make([]byte, 2)
	if _, err := io.ReadFull(br, tail); err != nil {
		return s, err
	}
	s.Shift, s.Divider = tail[0], tail[1]

	if b, err = br.ReadByte(); err != nil {
		return s, err
	}
	s.DACEnabled = b != 0

	return s, nil
}

func writeAPUState(buf *bytes.Buffer, s audio.APUState) {
	buf.WriteByte(boolByte(s.Enabled))
	for _, ch := range s.Channels {
		writeChannelState(buf, ch)
	}
	buf.WriteByte(boolByte(s.VinLeft))
	buf.WriteByte(boolByte(s.VinRight))
	buf.Write([]byte{s.VolLeft, s.VolRight})
	writeInt32(buf, int32(s.Step))
	writeInt32(buf, int32(s.Cycles))
	buf.Write([]byte{
		s.NR10, s.NR11, s.NR12, s.NR13, s.NR14,
		s.NR21, s.NR22, s.NR23, s.NR24,
		s.NR30, s.NR31, s.NR32, s.NR33, s.NR34,
		s.NR41, s.NR42, s.NR43, s.NR44,
		s.NR50, s.NR51, s.NR52,
	})
	buf.Write(s.WaveRAM[:])
}

func readAPUState(br *bytes.Reader) (audio.APUState, error) {
	var s audio.APUState

	b, err := br.ReadByte()
	if err != nil {
		return s, err
	}
	s.Enabled = b != 0

	for i := range s.Channels {
		ch, err := readChannelState(br)
		if err != nil {
			return s, err
		}
		s.Channels[i] = ch
	}

	if b, err = br.ReadByte(); err != nil {
		return s, err
	}
	s.VinLeft = b != 0
	if b, err = br.ReadByte(); err != nil {
		return s, err
	}
	s.VinRight = b != 0

	vol := make([]byte, 2)
	if _, err := io.ReadFull(br, vol); err != nil {
		return s, err
	}
	s.VolLeft, s.VolRight = vol[0], vol[1]

	step, err := readInt32(br)
	if err != nil {
		return s, err
	}
	s.Step = int(step)

	cycles, err := readInt32(br)
	if err != nil {
		return s, err
	}
	s.Cycles = int(cycles)

	regs := make([]byte, 21)
	if _, err := io.ReadFull(br, regs); err != nil {
		return s, err
	}
	s.NR10, s.NR11, s.NR12, s.NR13, s.NR14 = regs[0], regs[1], regs[2], regs[3], regs[4]
	s.NR21, s.NR22, s.NR23, s.NR24 = regs[5], regs[6], regs[7], regs[8]
	s.NR30, s.NR31, s.NR32, s.NR33, s.NR34 = regs[9], regs[10], regs[11], regs[12], regs[13]
	s.NR41, s.NR42, s.NR43, s.NR44 = regs[14], regs[15], regs[16], regs[17]
	s.NR50, s.NR51, s.NR52 = regs[18], regs[19], regs[20]

	if _, err := io.ReadFull(br, s.WaveRAM[:]); err != nil {
		return s, err
	}

	return s, nil
}

func writeGPUState(buf *bytes.Buffer, s video.GPUState) {
	writeInt32(buf, int32(s.Mode))
	writeInt32(buf, int32(s.Line))
	writeInt32(buf, int32(s.Cycles))
	writeInt32(buf, int32(s.ModeCounterAux))
	writeInt32(buf, int32(s.VBlankLine))
	writeInt32(buf, int32(s.PixelCounter))
	writeInt32(buf, int32(s.TileCycleCounter))
	buf.WriteByte(boolByte(s.IsScanLineTransfered))
	writeInt32(buf, int32(s.WindowLine))
}

func readGPUState(br *bytes.Reader) (video.GPUState, error) {
	var s video.GPUState

	mode, err := readInt32(br)
	if err != nil {
		return s, err
	}
	line, err := readInt32(br)
	if err != nil {
		return s, err
	}
	cycles, err := readInt32(br)
	if err != nil {
		return s, err
	}
	modeCounterAux, err := readInt32(br)
	if err != nil {
		return s, err
	}
	vBlankLine, err := readInt32(br)
	if err != nil {
		return s, err
	}
	pixelCounter, err := readInt32(br)
	if err != nil {
		return s, err
	}
	tileCycleCounter, err := readInt32(br)
	if err != nil {
		return s, err
	}
	b, err := br.ReadByte()
	if err != nil {
		return s, err
	}
	windowLine, err := readInt32(br)
	if err != nil {
		return s, err
	}

	s.Mode = video.GpuMode(mode)
	s.Line = int(line)
	s.Cycles = int(cycles)
	s.ModeCounterAux = int(modeCounterAux)
	s.VBlankLine = int(vBlankLine)
	s.PixelCounter = int(pixelCounter)
	s.TileCycleCounter = int(tileCycleCounter)
	s.IsScanLineTransfered = b != 0
	s.WindowLine = int(windowLine)
	return s, nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func readUint16(br *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(br, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(br *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(br, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeInt32(buf *bytes.Buffer, v int32) {
	writeUint32(buf, uint32(v))
}

func readInt32(br *bytes.Reader) (int32, error) {
	v, err := readUint32(br)
	return int32(v), err
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
