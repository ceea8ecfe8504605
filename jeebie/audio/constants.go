package audio

// Timing constants
// Reference: https://gbdev.io/pandocs/Audio_details.html
const (
	// cyclesPerStep is the number of CPU cycles per frame sequencer tick.
	// The frame sequencer runs at 512 Hz: 4194304 Hz / 512 Hz = 8192 t-cycles
	cyclesPerStep = 8192
)

// Channel constants
const (
	// waveRAMSize is the size of wave pattern RAM in bytes (16 bytes = 32 nibbles)
	waveRAMSize = 16
)

// maxPCMBufferSamples bounds how many interleaved stereo samples can sit
// unconsumed in pcmBuffer before the oldest are dropped. Only the SDL2
// backend calls GetSamples; a session running any other backend (terminal,
// headless) would otherwise grow the buffer without limit for the lifetime
// of the process.
const maxPCMBufferSamples = 44100 * 2 // ~1 second of stereo audio at 44.1kHz
