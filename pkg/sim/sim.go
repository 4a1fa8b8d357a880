// Package sim holds the system integration module clock gate registers.
package sim

// Register addresses.
const (
	SCGC3Addr uint32 = 0x40048030
	SCGC6Addr uint32 = 0x4004803c
	SCGC7Addr uint32 = 0x40048040
)

// SCGC6 gate bits.
const (
	SCGC6FTFL   = 1 << 0
	SCGC6DMAMUX = 1 << 1
	SCGC6PIT    = 1 << 23
	SCGC6PDB    = 1 << 22
	SCGC6ADC0   = 1 << 27
)

// SCGC7 gate bits.
const SCGC7DMA = 1 << 1

// SCGC3 gate bits.
const SCGC3ADC1 = 1 << 27

// SCGC6 selects clock gates to enable in SIM_SCGC6. Gates left false are not
// touched.
type SCGC6 struct {
	DMAMUX bool
	PIT    bool
	PDB    bool
	ADC0   bool
}

// Mask returns the bits to set.
func (g SCGC6) Mask() uint32 {
	var m uint32
	if g.DMAMUX {
		m |= SCGC6DMAMUX
	}
	if g.PIT {
		m |= SCGC6PIT
	}
	if g.PDB {
		m |= SCGC6PDB
	}
	if g.ADC0 {
		m |= SCGC6ADC0
	}
	return m
}

// SCGC7 selects clock gates to enable in SIM_SCGC7.
type SCGC7 struct {
	DMA bool
}

// Mask returns the bits to set.
func (g SCGC7) Mask() uint32 {
	if g.DMA {
		return SCGC7DMA
	}
	return 0
}

// SCGC6FromMask decodes the gates set in m.
func SCGC6FromMask(m uint32) SCGC6 {
	return SCGC6{
		DMAMUX: m&SCGC6DMAMUX != 0,
		PIT:    m&SCGC6PIT != 0,
		PDB:    m&SCGC6PDB != 0,
		ADC0:   m&SCGC6ADC0 != 0,
	}
}

// SCGC7FromMask decodes the gates set in m.
func SCGC7FromMask(m uint32) SCGC7 {
	return SCGC7{DMA: m&SCGC7DMA != 0}
}
