package sampler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/teensydaq/pkg/adc"
	"github.com/itohio/teensydaq/pkg/dma"
)

func testLayout(channels, samples int) Layout {
	return Layout{
		Channels: channels,
		Samples:  samples,
		Scan:     0x1fff8000,
		Codes:    0x1fff8010,
		Buffer:   0x1fff8100,
		Table:    0x1fff9000,
	}
}

func TestScatterChain(t *testing.T) {
	tests := []struct {
		name     string
		channels int
		samples  int
	}{
		{"single sample", 1, 1},
		{"two channels", 2, 4},
		{"odd sizes", 3, 5},
		{"long", 8, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := testLayout(tt.channels, tt.samples)
			chain := NewScatterChain(l)
			require.Len(t, chain, tt.samples)

			n := l.ScanBytes()
			for i, d := range chain {
				assert.Equal(t, i, d.Index)
				assert.Equal(t, (i+1)%tt.samples, d.Next)
				assert.Equal(t, l.Scan, d.TCD.SADDR)
				assert.Equal(t, n, d.TCD.NBYTES)
				assert.Equal(t, -int32(n), d.TCD.SLAST)
				assert.Equal(t, l.Buffer+uint32(2*i), d.TCD.DADDR)
				assert.Equal(t, int16(2*tt.samples), d.TCD.DOFF)
				assert.Equal(t, uint16(1), d.TCD.CITER.ITER)
				assert.True(t, d.TCD.CSR.ESG)
				assert.Equal(t, i == tt.samples-1, d.TCD.CSR.INTMAJOR, "descriptor %d", i)
			}

			// following Next from entry 0 visits every entry once
			seen := make(map[int]bool)
			for i, k := 0, 0; k < tt.samples; k++ {
				assert.False(t, seen[i])
				seen[i] = true
				i = chain[i].Next
				if k == tt.samples-1 {
					assert.Equal(t, 0, i)
				}
			}
			assert.Len(t, seen, tt.samples)

			linked := chain.Link(l)
			for i, tcd := range linked {
				assert.Equal(t, int32(l.Table+uint32(32*((i+1)%tt.samples))), tcd.DLASTSGA)
				assert.Zero(t, uint32(tcd.DLASTSGA)%dma.TCDAlignment)
				assert.NoError(t, tcd.Validate())
			}
		})
	}
}

func TestRecords(t *testing.T) {
	l := testLayout(2, 3)
	linked := NewScatterChain(l).Link(l)

	table, err := Records(linked)
	require.NoError(t, err)
	require.Len(t, table, 3*dma.TCDSize)
	for i, want := range linked {
		got, err := dma.ParseRecord(table[i*dma.TCDSize : (i+1)*dma.TCDSize])
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	bad := append([]dma.TCD(nil), linked...)
	bad[1].BITER.ITER = 7
	_, err = Records(bad)
	assert.ErrorContains(t, err, "descriptor 1")
}

func TestChannelTCDs(t *testing.T) {
	l := testLayout(3, 16)
	l.ADC = 1

	cs := ChannelSelectTCD(l)
	assert.Equal(t, l.Codes, cs.SADDR)
	assert.Equal(t, int16(4), cs.SOFF)
	assert.Equal(t, uint32(4), cs.NBYTES)
	assert.Equal(t, int32(-12), cs.SLAST)
	assert.Equal(t, adc.SC1AAddr(1), cs.DADDR)
	assert.Zero(t, cs.DOFF)
	assert.Equal(t, dma.Iteration{ITER: 3}, cs.CITER)
	assert.Equal(t, cs.CITER, cs.BITER)
	assert.NoError(t, cs.Validate())

	conv := ConversionTCD(l, 1, 0)
	assert.Equal(t, adc.RAAddr(1), conv.SADDR)
	assert.Zero(t, conv.SOFF)
	assert.Equal(t, uint32(2), conv.NBYTES)
	assert.Equal(t, l.Scan, conv.DADDR)
	assert.Equal(t, int16(2), conv.DOFF)
	assert.Equal(t, int32(-6), conv.DLASTSGA)
	assert.Equal(t, dma.Iteration{ELINK: true, LINKCH: 1, ITER: 3}, conv.CITER)
	assert.Equal(t, conv.CITER, conv.BITER)
	assert.True(t, conv.CSR.MAJORELINK)
	assert.Equal(t, uint8(0), conv.CSR.MAJORLINKCH)
	assert.False(t, conv.CSR.ESG)
	assert.NoError(t, conv.Validate())
}
