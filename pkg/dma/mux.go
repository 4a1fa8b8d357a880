package dma

// Hardware descriptor slots and channel mux base addresses.
const (
	HWTCDBase    uint32 = 0x40009000
	MuxBase      uint32 = 0x40021000
	ChannelCount        = 16
)

// DMA request sources routed through DMAMUX0_CHCFGn.
const (
	SourceDisabled uint8 = 0
	SourceADC0     uint8 = 40
	SourceADC1     uint8 = 41
	SourcePDB      uint8 = 48
)

// HWTCDAddr returns the address of the hardware descriptor slot for channel.
func HWTCDAddr(channel uint8) uint32 {
	return HWTCDBase + TCDSize*uint32(channel)
}

// SourceForADC returns the request source raised by a conversion complete on
// the given ADC.
func SourceForADC(adcNum uint8) uint8 {
	if adcNum == 1 {
		return SourceADC1
	}
	return SourceADC0
}

// MuxConfig is a DMAMUX channel configuration register.
type MuxConfig struct {
	SOURCE uint8 // 6 bits
	TRIG   bool
	ENBL   bool
}

// Value packs the configuration into its byte layout.
func (m MuxConfig) Value() uint8 {
	v := m.SOURCE & 0x3f
	if m.TRIG {
		v |= 1 << 6
	}
	if m.ENBL {
		v |= 1 << 7
	}
	return v
}

// MuxConfigFrom decodes a DMAMUX channel configuration byte.
func MuxConfigFrom(v uint8) MuxConfig {
	return MuxConfig{
		SOURCE: v & 0x3f,
		TRIG:   v&(1<<6) != 0,
		ENBL:   v&(1<<7) != 0,
	}
}
