package device

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/itohio/teensydaq/pkg/adc"
	"github.com/itohio/teensydaq/pkg/dma"
	"github.com/itohio/teensydaq/pkg/pdb"
)

func (m *Mock) adcReg(adcNum uint8, offset uint32) (uint32, error) {
	base, err := adc.Base(adcNum)
	if err != nil {
		return 0, err
	}
	return base + offset, nil
}

// modifyADC applies masked writes to ADC registers, triggering conversions
// on SC1A writes.
func (m *Mock) modifyADC(adcNum uint8, writes ...adc.Write) error {
	if err := m.checkConnected(); err != nil {
		return err
	}
	for _, w := range writes {
		addr, err := m.adcReg(adcNum, w.Offset)
		if err != nil {
			return err
		}
		m.regs[addr] = w.Apply(m.regs[addr])
		if w.Offset == adc.RegSC1A {
			m.convert(adcNum)
			m.drain()
		}
	}
	return nil
}

func (m *Mock) UpdateADCRegisters(adcNum uint8, writes ...adc.Write) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modifyADC(adcNum, writes...)
}

func (m *Mock) EnableDMA(adcNum uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modifyADC(adcNum, adc.DMAEnable())
}

func (m *Mock) SetReference(ref adc.Reference, adcNum uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modifyADC(adcNum, adc.Write{Offset: adc.RegSC2, Mask: adc.SC2REFSELMask, Value: uint32(ref)})
}

func (m *Mock) SetAveraging(count int, adcNum uint8) error {
	w := adc.Write{Offset: adc.RegSC3, Mask: adc.SC3AVGE | adc.SC3AVGSMask}
	switch count {
	case 0, 1:
	case 4:
		w.Value = adc.SC3AVGE | 0
	case 8:
		w.Value = adc.SC3AVGE | 1
	case 16:
		w.Value = adc.SC3AVGE | 2
	case 32:
		w.Value = adc.SC3AVGE | 3
	default:
		return fmt.Errorf("unsupported averaging count %d", count)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modifyADC(adcNum, w)
}

func (m *Mock) SetResolution(bits int, adcNum uint8) error {
	var mode uint32
	switch bits {
	case 8, 9:
		mode = 0
	case 12, 13:
		mode = 1
	case 10, 11:
		mode = 2
	case 16:
		mode = 3
	default:
		return fmt.Errorf("unsupported resolution %d", bits)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modifyADC(adcNum, adc.Write{Offset: adc.RegCFG1, Mask: adc.CFG1MODEMask, Value: mode << 2})
}

// resolution decodes the conversion width from CFG1[MODE].
func (m *Mock) resolution(adcNum uint8) int {
	addr, _ := m.adcReg(adcNum, adc.RegCFG1)
	switch (m.regs[addr] & adc.CFG1MODEMask) >> 2 {
	case 0:
		return 8
	case 1:
		return 12
	case 2:
		return 10
	}
	return 16
}

// convert runs a conversion for the code just written to SC1A.
func (m *Mock) convert(adcNum uint8) {
	sc1a, _ := m.adcReg(adcNum, adc.RegSC1A)
	code := m.regs[sc1a]
	ch := code & adc.SC1AADCHMask
	if ch == adc.SC1AADCHDisabled {
		return
	}
	ra, _ := m.adcReg(adcNum, adc.RegRA)
	m.regs[ra] = uint32(m.sample(adcNum, ch))
	m.regs[sc1a] = code | adc.SC1ACOCO

	sc2, _ := m.adcReg(adcNum, adc.RegSC2)
	if m.regs[sc2]&adc.SC2DMAEN != 0 {
		m.request(dma.SourceForADC(adcNum))
	}
}

// sample produces the conversion result for input ch at the current trigger.
// The ramp waveform encodes the input in the high byte and the trigger index
// in the low byte.
func (m *Mock) sample(adcNum uint8, ch uint32) uint16 {
	if m.cfg.Waveform == "ramp" {
		return uint16(ch)<<8 | uint16(m.triggers&0xff)
	}

	full := float32(uint32(1)<<uint(m.resolution(adcNum)) - 1)
	t := float32(m.triggers) / float32(m.triggerRate())
	phase := float32(ch) * math32.Pi / 8
	v := 0.5 + float32(m.cfg.Amplitude)/2*math32.Sin(2*math32.Pi*float32(m.cfg.Frequency)*t+phase)
	v += (math32.Sin(t*1000) + math32.Cos(t*1300)) * float32(m.cfg.NoiseLevel) * 0.5

	v *= full
	if v < 0 {
		v = 0
	} else if v > full {
		v = full
	}
	return uint16(v)
}

// triggerRate returns the programmed pacing rate.
func (m *Mock) triggerRate() float64 {
	d := pdb.FromSC(m.regs[pdb.SC], m.regs[pdb.MOD])
	rate := d.Rate(m.cfg.BusClock)
	if rate <= 0 {
		return 1
	}
	return rate
}
