// Package pdb describes the programmable delay block used as the sample
// pacing timer.
package pdb

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Register addresses.
const (
	SC   uint32 = 0x40036000
	MOD  uint32 = 0x40036004
	CNT  uint32 = 0x40036008
	IDLY uint32 = 0x4003600c
)

// SC register fields.
const (
	SCLDOK      = 1 << 0
	SCCONT      = 1 << 1
	SCPDBIE     = 1 << 5
	SCPDBIF     = 1 << 6
	SCPDBEN     = 1 << 7
	SCDMAEN     = 1 << 15
	SCSWTRIG    = 1 << 16
	SCPDBEIE    = 1 << 17
	TrgSoftware = 15
)

// MaxMod is the largest period count the 16-bit modulus register holds.
const MaxMod = 1 << 16

var ErrRateOutOfRange = errors.New("sample rate out of range")

var multFactors = [4]uint32{1, 10, 20, 40}

func SCTRGSEL(n uint32) uint32    { return (n & 0xf) << 8 }
func SCPRESCALER(n uint32) uint32 { return (n & 0x7) << 12 }
func SCMULT(n uint32) uint32      { return (n & 0x3) << 2 }
func SCLDMOD(n uint32) uint32     { return (n & 0x3) << 18 }

// Divider is a prescaler/multiplier/modulus setting dividing the bus clock
// down to the trigger rate.
type Divider struct {
	Prescaler uint32 // divide by 1<<Prescaler
	Mult      uint32 // index into 1, 10, 20, 40
	Mod       uint32 // bus ticks per period after prescaling, 1..MaxMod
}

// Divisor returns the total prescaler divisor.
func (d Divider) Divisor() uint32 {
	return (1 << d.Prescaler) * multFactors[d.Mult&0x3]
}

// Rate returns the trigger rate produced from busClock.
func (d Divider) Rate(busClock float64) float64 {
	if d.Mod == 0 {
		return 0
	}
	return busClock / float64(d.Divisor()) / float64(d.Mod)
}

// Config returns the SC value for a continuous, software triggered run with
// DMA requests enabled. SWTRIG is left clear; Start sets it.
func (d Divider) Config() uint32 {
	return SCTRGSEL(TrgSoftware) | SCPDBEN | SCCONT | SCLDMOD(0) |
		SCPRESCALER(d.Prescaler) | SCMULT(d.Mult) | SCDMAEN | SCLDOK
}

// Start returns the SC value that launches a run configured by config.
func Start(config uint32) uint32 {
	return config | SCSWTRIG
}

// FromSC recovers the divider bits from an SC value; Mod must come from the
// MOD register.
func FromSC(sc, mod uint32) Divider {
	return Divider{
		Prescaler: (sc >> 12) & 0x7,
		Mult:      (sc >> 2) & 0x3,
		Mod:       mod + 1,
	}
}

type divisor struct {
	prescaler, mult, value uint32
}

var divisors = func() []divisor {
	var ds []divisor
	for p := uint32(0); p < 8; p++ {
		for m := uint32(0); m < 4; m++ {
			ds = append(ds, divisor{p, m, (1 << p) * multFactors[m]})
		}
	}
	sort.SliceStable(ds, func(i, j int) bool { return ds[i].value < ds[j].value })
	return ds
}()

// Divide finds the divider closest to rate with the finest period
// resolution, i.e. the smallest prescaler whose modulus still fits.
func Divide(busClock, rate float64) (Divider, error) {
	if busClock <= 0 || rate <= 0 || math.IsInf(rate, 0) || math.IsNaN(rate) {
		return Divider{}, fmt.Errorf("%w: %v Hz", ErrRateOutOfRange, rate)
	}
	for _, d := range divisors {
		mod := math.Round(busClock / (float64(d.value) * rate))
		if mod < 1 {
			break
		}
		if mod <= MaxMod {
			return Divider{Prescaler: d.prescaler, Mult: d.mult, Mod: uint32(mod)}, nil
		}
	}
	return Divider{}, fmt.Errorf("%w: %v Hz with %v Hz bus clock", ErrRateOutOfRange, rate, busClock)
}
