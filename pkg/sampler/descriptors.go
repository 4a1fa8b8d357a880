package sampler

import (
	"fmt"

	"github.com/itohio/teensydaq/pkg/adc"
	"github.com/itohio/teensydaq/pkg/dma"
)

// Layout holds the device buffers of a session.
type Layout struct {
	Channels int    // C
	Samples  int    // S
	ADC      uint8  // converter the chain drives
	Scan     uint32 // one scan across all channels, N bytes
	Codes    uint32 // C channel select codes, 4 bytes each
	Buffer   uint32 // S*N bytes, channel major
	Table    uint32 // S scatter descriptors, 32-byte aligned
}

// ScanBytes returns N, the size of one scan across all channels.
func (l Layout) ScanBytes() uint32 {
	return uint32(2 * l.Channels)
}

// BufferBytes returns the size of the sample buffer.
func (l Layout) BufferBytes() uint32 {
	return uint32(l.Samples) * l.ScanBytes()
}

// TableAddr returns the device address of scatter descriptor i.
func (l Layout) TableAddr(i int) uint32 {
	return l.Table + uint32(i)*dma.TCDSize
}

// ChannelSelectTCD copies the channel select codes into SC1A, one code per
// request. Each write starts a conversion on the selected input.
func ChannelSelectTCD(l Layout) dma.TCD {
	c := uint16(l.Channels)
	return dma.TCD{
		SADDR:  l.Codes,
		SOFF:   4,
		ATTR:   dma.Attr{SSIZE: dma.Size32Bit, DSIZE: dma.Size32Bit},
		NBYTES: 4,
		SLAST:  -4 * int32(l.Channels),
		DADDR:  adc.SC1AAddr(l.ADC),
		CITER:  dma.Iteration{ITER: c},
		BITER:  dma.Iteration{ITER: c},
	}
}

// ConversionTCD copies each result into the scan buffer. Every minor loop
// links channelSelect to start the next conversion, and the completed scan
// links scatter.
func ConversionTCD(l Layout, channelSelect, scatter uint8) dma.TCD {
	it := dma.Iteration{ELINK: true, LINKCH: channelSelect, ITER: uint16(l.Channels)}
	return dma.TCD{
		SADDR:    adc.RAAddr(l.ADC),
		ATTR:     dma.Attr{SSIZE: dma.Size16Bit, DSIZE: dma.Size16Bit},
		NBYTES:   2,
		DADDR:    l.Scan,
		DOFF:     2,
		CITER:    it,
		DLASTSGA: -int32(l.ScanBytes()),
		CSR:      dma.CSR{MAJORELINK: true, MAJORLINKCH: scatter},
		BITER:    it,
	}
}

// ScatterDescriptor is one entry of the scatter chain. Next is the index of
// the entry the hardware loads after this one.
type ScatterDescriptor struct {
	Index int
	Next  int
	TCD   dma.TCD // DLASTSGA is filled in by Link
}

// ScatterChain is the circular list of per-sample scatter descriptors.
type ScatterChain []ScatterDescriptor

// NewScatterChain builds one descriptor per sample index. Descriptor i copies
// the scan buffer into sample slot i of every channel column; the last one
// raises the major loop interrupt.
func NewScatterChain(l Layout) ScatterChain {
	n := l.ScanBytes()
	chain := make(ScatterChain, l.Samples)
	for i := range chain {
		chain[i] = ScatterDescriptor{
			Index: i,
			Next:  (i + 1) % l.Samples,
			TCD: dma.TCD{
				SADDR:  l.Scan,
				SOFF:   2,
				ATTR:   dma.Attr{SSIZE: dma.Size16Bit, DSIZE: dma.Size16Bit},
				NBYTES: n,
				SLAST:  -int32(n),
				DADDR:  l.Buffer + uint32(2*i),
				DOFF:   int16(2 * l.Samples),
				CITER:  dma.Iteration{ITER: 1},
				BITER:  dma.Iteration{ITER: 1},
				CSR: dma.CSR{
					ESG:      true,
					INTMAJOR: i == l.Samples-1,
				},
			},
		}
	}
	return chain
}

// Link resolves Next into table addresses.
func (c ScatterChain) Link(l Layout) []dma.TCD {
	out := make([]dma.TCD, len(c))
	for i, d := range c {
		t := d.TCD
		t.DLASTSGA = int32(l.TableAddr(d.Next))
		out[i] = t
	}
	return out
}

// Records encodes linked descriptors as one contiguous table image.
func Records(tcds []dma.TCD) ([]byte, error) {
	out := make([]byte, 0, len(tcds)*dma.TCDSize)
	for i, t := range tcds {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("descriptor %d: %w", i, err)
		}
		r := t.Record()
		out = append(out, r[:]...)
	}
	return out, nil
}
