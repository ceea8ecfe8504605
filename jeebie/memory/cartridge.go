package memory

import (
	"errors"

	"github.com/valerio/go-jeebie/jeebie/bit"
	"github.com/valerio/go-jeebie/jeebie/errs"
)

var errShortROM = errors.New("ROM data too short to contain a valid header")

const titleLength = 11

const (
	entryPointAddress       = 0x100
	logoAddress             = 0x104
	titleAddress            = 0x134
	manufacturerCodeAddress = 0x13F
	cgbFlagAddress          = 0x143
	newLicenseCodeAddress   = 0x144
	sgbFlagAddress          = 0x146
	cartridgeTypeAddress    = 0x147
	romSizeAddress          = 0x148
	ramSizeAddress          = 0x149
	destinationCodeAddress  = 0x14A
	oldLicenseCodeAddress   = 0x14B
	versionNumberAddress    = 0x14C
	headerChecksumAddress   = 0x14D
	globalChecksumAddress   = 0x14E
)

// MBCType identifies which memory bank controller a cartridge header asks
// for, derived from the byte at cartridgeTypeAddress.
type MBCType uint8

const (
	NoMBCType MBCType = iota
	MBC1Type
	MBC1MultiType
	MBC2Type
	MBC3Type
	MBC5Type
	MBCUnknownType
)

// mbcTypeFromHeader maps the raw cartridge type byte (0x147) to one of the
// controller families this emulator implements, following the standard
// header table.
func mbcTypeFromHeader(cartridgeType uint8) MBCType {
	switch {
	case cartridgeType == 0x00 || cartridgeType == 0x08 || cartridgeType == 0x09:
		return NoMBCType
	case cartridgeType >= 0x01 && cartridgeType <= 0x03:
		return MBC1Type
	case cartridgeType >= 0x05 && cartridgeType <= 0x06:
		return MBC2Type
	case cartridgeType >= 0x0F && cartridgeType <= 0x13:
		return MBC3Type
	case cartridgeType >= 0x19 && cartridgeType <= 0x1E:
		return MBC5Type
	default:
		return MBCUnknownType
	}
}

// hasBatteryFromHeader reports whether the cartridge type byte names a
// battery-backed variant of its MBC (RAM+BATTERY, RAM+BATTERY+RTC, etc).
func hasBatteryFromHeader(cartridgeType uint8) bool {
	switch cartridgeType {
	case 0x03, 0x06, 0x09, 0x0D, 0x0F, 0x10, 0x13, 0x1B, 0x1E:
		return true
	default:
		return false
	}
}

// hasRTCFromHeader reports whether the cartridge type byte names an MBC3
// variant with a real-time clock.
func hasRTCFromHeader(cartridgeType uint8) bool {
	return cartridgeType == 0x0F || cartridgeType == 0x10
}

// hasRumbleFromHeader reports whether the cartridge type byte names an
// MBC5 variant with a rumble motor.
func hasRumbleFromHeader(cartridgeType uint8) bool {
	switch cartridgeType {
	case 0x1C, 0x1D, 0x1E:
		return true
	default:
		return false
	}
}

// romBankCountFromHeader decodes the ROM size byte (0x148) into a bank
// count, 16KB per bank.
func romBankCountFromHeader(romSize uint8) uint16 {
	if romSize <= 0x08 {
		return 2 << romSize
	}
	// 0x52-0x54 (1.1/1.2/1.5 MB) are seen on a handful of non-standard
	// carts; treat anything else unrecognized as the smallest size.
	switch romSize {
	case 0x52:
		return 72
	case 0x53:
		return 80
	case 0x54:
		return 96
	default:
		return 2
	}
}

// ramBankCountFromHeader decodes the RAM size byte (0x149) into a bank
// count, 8KB per bank (MBC2's built-in RAM is handled separately and
// ignores this field).
func ramBankCountFromHeader(ramSize uint8) uint8 {
	switch ramSize {
	case 0x00:
		return 0
	case 0x01:
		// 2KB, smaller than a full bank; callers treat this as one
		// partial 8KB bank and the MBC masks addresses accordingly.
		return 1
	case 0x02:
		return 1
	case 0x03:
		return 4
	case 0x04:
		return 16
	case 0x05:
		return 8
	default:
		return 0
	}
}

// Cartridge holds ROM data and the header-derived metadata that determines
// which MBC to wire up and how to size its RAM.
type Cartridge struct {
	data []byte

	title          string
	headerChecksum uint16
	globalChecksum uint16
	version        uint8
	cartType       uint8
	romSize        uint8
	ramSize        uint8

	mbcType      MBCType
	hasBattery   bool
	hasRTC       bool
	hasRumble    bool
	romBankCount uint16
	ramBankCount uint8
	isCGB        bool
}

// NewCartridge creates an empty cartridge, useful only for debugging purposes.
func NewCartridge() *Cartridge {
	return &Cartridge{
		data:    make([]byte, 0x10000),
		mbcType: NoMBCType,
	}
}

// NewCartridgeWithData initializes a new Cartridge from a slice of bytes,
// parsing the header to determine MBC type, RAM/ROM bank counts, and the
// battery/RTC/rumble/CGB flags.
func NewCartridgeWithData(raw []byte) (*Cartridge, error) {
	if len(raw) <= globalChecksumAddress+1 {
		return nil, &errs.IOFailure{Op: "parse cartridge header", Err: errShortROM}
	}

	titleBytes := raw[titleAddress : titleAddress+titleLength]
	cartridgeType := raw[cartridgeTypeAddress]

	mbcType := mbcTypeFromHeader(cartridgeType)
	if mbcType == MBCUnknownType {
		return nil, &errs.UnsupportedCartridgeType{Type: cartridgeType}
	}

	cart := &Cartridge{
		data:           make([]byte, len(raw)),
		title:          cleanGameboyTitle(titleBytes),
		headerChecksum: uint16(raw[headerChecksumAddress]),
		globalChecksum: bit.Combine(raw[globalChecksumAddress], raw[globalChecksumAddress+1]),
		version:        raw[versionNumberAddress],
		cartType:       cartridgeType,
		romSize:        raw[romSizeAddress],
		ramSize:        raw[ramSizeAddress],

		mbcType:      mbcType,
		hasBattery:   hasBatteryFromHeader(cartridgeType),
		hasRTC:       hasRTCFromHeader(cartridgeType),
		hasRumble:    hasRumbleFromHeader(cartridgeType),
		romBankCount: romBankCountFromHeader(raw[romSizeAddress]),
		ramBankCount: ramBankCountFromHeader(raw[ramSizeAddress]),
		isCGB:        raw[cgbFlagAddress]&0x80 != 0,
	}

	if mbcType == MBC2Type {
		// MBC2's RAM is a fixed 512x4bit block built into the MBC itself,
		// not described by the RAM size header byte.
		cart.ramBankCount = 0
	}

	copy(cart.data, raw)

	return cart, nil
}

// Title returns the cleaned cartridge title from the header.
func (c *Cartridge) Title() string { return c.title }

// IsCGB reports whether the header's CGB flag marks this cartridge as
// CGB-enhanced or CGB-only.
func (c *Cartridge) IsCGB() bool { return c.isCGB }

// HasBattery reports whether the cartridge's RAM (or RTC) should be
// persisted across sessions.
func (c *Cartridge) HasBattery() bool { return c.hasBattery }

// ReadByte reads a byte at the specified address. Does not check bounds, so the caller must make sure the
// address is valid for the cartridge.
func (c Cartridge) ReadByte(addr uint16) uint8 {
	return c.data[addr]
}

// WriteByte does not modify the cartridge data; it returns the byte currently stored at addr.
// Bank switching and external RAM writes go through the MBC.
func (c Cartridge) WriteByte(addr uint16, value uint8) uint8 {
	return c.data[addr]
}
