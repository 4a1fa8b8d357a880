package adc

import "fmt"

// Module base addresses.
const (
	ADC0Base uint32 = 0x4003b000
	ADC1Base uint32 = 0x400bb000
)

// Register offsets from the module base.
const (
	RegSC1A uint32 = 0x00
	RegSC1B uint32 = 0x04
	RegCFG1 uint32 = 0x08
	RegCFG2 uint32 = 0x0c
	RegRA   uint32 = 0x10
	RegRB   uint32 = 0x14
	RegSC2  uint32 = 0x20
	RegSC3  uint32 = 0x24
	RegPGA  uint32 = 0x50
)

// CFG1 fields.
const (
	CFG1ADICLKMask = 0x3 << 0
	CFG1MODEMask   = 0x3 << 2
	CFG1ADLSMP     = 1 << 4
	CFG1ADIVMask   = 0x3 << 5
	CFG1ADLPC      = 1 << 7
)

// CFG2 fields.
const (
	CFG2ADLSTSMask = 0x3 << 0
	CFG2ADHSC      = 1 << 2
	CFG2ADACKEN    = 1 << 3
	CFG2MUXSEL     = 1 << 4
)

// SC2 fields.
const (
	SC2REFSELMask = 0x3 << 0
	SC2DMAEN      = 1 << 2
	SC2ADTRG      = 1 << 6
)

// SC3 fields.
const (
	SC3AVGSMask = 0x3 << 0
	SC3AVGE     = 1 << 2
	SC3ADCO     = 1 << 3
	SC3CAL      = 1 << 7
)

// PGA fields.
const (
	PGAPGAGMask = 0xf << 16
	PGAPGALPB   = 1 << 20
	PGAPGAEN    = 1 << 23
)

// Base returns the register base of the given module.
func Base(adcNum uint8) (uint32, error) {
	switch adcNum {
	case 0:
		return ADC0Base, nil
	case 1:
		return ADC1Base, nil
	}
	return 0, fmt.Errorf("no such ADC: %d", adcNum)
}

// SC1AAddr returns the channel select register address of an ADC.
func SC1AAddr(adcNum uint8) uint32 {
	base, _ := Base(adcNum)
	return base + RegSC1A
}

// RAAddr returns the result register address of an ADC.
func RAAddr(adcNum uint8) uint32 {
	base, _ := Base(adcNum)
	return base + RegRA
}

// Write is a masked read-modify-write of one register: the bits in Mask are
// replaced by Value.
type Write struct {
	Offset uint32
	Mask   uint32
	Value  uint32
}

// Apply returns reg with the write applied.
func (w Write) Apply(reg uint32) uint32 {
	return reg&^w.Mask | w.Value&w.Mask
}

func (w Write) String() string {
	return fmt.Sprintf("[0x%02x] &^0x%x |0x%x", w.Offset, w.Mask, w.Value&w.Mask)
}

// Mux selects the A or B bank of channels.
type Mux uint8

const (
	MuxA Mux = 0
	MuxB Mux = 1
)

// MuxSelect selects the channel bank in CFG2[MUXSEL].
func MuxSelect(m Mux) Write {
	w := Write{Offset: RegCFG2, Mask: CFG2MUXSEL}
	if m == MuxB {
		w.Value = CFG2MUXSEL
	}
	return w
}

// DMAEnable sets SC2[DMAEN] so conversion complete raises a DMA request.
func DMAEnable() Write {
	return Write{Offset: RegSC2, Mask: SC2DMAEN, Value: SC2DMAEN}
}

// Reference is the SC2[REFSEL] voltage reference selection.
type Reference uint8

const (
	RefDefault   Reference = 0 // VREFH/VREFL pins
	RefAlternate Reference = 1 // VREF_OUT
)

// ParseReference parses a reference name as used in configuration files.
func ParseReference(s string) (Reference, error) {
	switch s {
	case "", "default", "3v3":
		return RefDefault, nil
	case "alt", "alternate", "1v2", "ext":
		return RefAlternate, nil
	}
	return 0, fmt.Errorf("unknown ADC reference %q", s)
}
