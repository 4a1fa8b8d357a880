package device

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/teensydaq/pkg/adc"
	"github.com/itohio/teensydaq/pkg/config"
	"github.com/itohio/teensydaq/pkg/dma"
	"github.com/itohio/teensydaq/pkg/pdb"
	"github.com/itohio/teensydaq/pkg/sim"
)

func newTestMock(t *testing.T) *Mock {
	t.Helper()
	cfg := config.Default().Mock
	cfg.Waveform = "ramp"
	m := NewMock(&cfg)
	require.NoError(t, m.Connect())
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMock_NotConnected(t *testing.T) {
	m := NewMock(nil)

	_, err := m.MemAlloc(16)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = m.ReadConfig()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, m.IsConnected())
}

func TestMock_Allocator(t *testing.T) {
	m := newTestMock(t)
	total, err := m.RAMFree()
	require.NoError(t, err)
	assert.Equal(t, uint32(64*1024), total)

	a, err := m.MemAlloc(10)
	require.NoError(t, err)
	assert.Equal(t, SRAMBase, a)

	b, err := m.MemAlignedAlloc(32, 64)
	require.NoError(t, err)
	assert.Zero(t, b%32)
	assert.GreaterOrEqual(t, b, a+10)

	free, err := m.RAMFree()
	require.NoError(t, err)
	assert.Equal(t, total-74, free)
	assert.Equal(t, 2, m.Allocations())

	assert.Error(t, m.MemFree(b), "aligned block freed with MemFree")
	assert.Error(t, m.MemFree(a+1), "unallocated address")
	require.NoError(t, m.MemAlignedFree(b))
	require.NoError(t, m.MemFree(a))
	assert.Zero(t, m.Allocations())

	// freed space is reused
	c, err := m.MemAlloc(8)
	require.NoError(t, err)
	assert.Equal(t, SRAMBase, c)

	_, err = m.MemAlloc(1 << 20)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestMock_FailAllocation(t *testing.T) {
	m := newTestMock(t)
	m.FailAllocation(2)

	_, err := m.MemAlloc(4)
	require.NoError(t, err)
	_, err = m.MemAlloc(4)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	_, err = m.MemAlloc(4)
	assert.NoError(t, err)
}

func TestMock_AllocAndSet(t *testing.T) {
	m := newTestMock(t)
	m.MisalignAllocations(4)

	addr, err := m.MemAlignedAllocAndSet(32, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, uint32(4), addr%32)

	got, err := m.MemCopyDeviceToHost(addr, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestMock_Fill(t *testing.T) {
	m := newTestMock(t)
	addr, err := m.MemAlloc(16)
	require.NoError(t, err)

	require.NoError(t, m.MemFillUint16(addr, 0xbeef, 4))
	require.NoError(t, m.MemFillUint32(addr+8, 0x01020304, 2))
	got, err := m.MemCopyDeviceToHost(addr, 16)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xbeef), binary.LittleEndian.Uint16(got[6:]))
	assert.Equal(t, uint32(0x01020304), binary.LittleEndian.Uint32(got[12:]))

	m.FailWritesTo(addr + 3)
	assert.Error(t, m.MemFillUint8(addr, 0, 16))
	assert.NoError(t, m.MemFillUint8(addr+4, 0, 4))
}

func TestMock_ClockGates(t *testing.T) {
	m := newTestMock(t)

	// Connect enables the DMA gates only
	assert.NoError(t, m.ResetDMATCD(3))
	assert.Error(t, m.StartDMAADC(pdb.Start(0), SRAMBase, 4, 1))
	_, err := m.MemCopyDeviceToHost(pdb.SC, 4)
	assert.Error(t, err)

	require.NoError(t, m.UpdateSIMSCGC6(sim.SCGC6{PDB: true}))
	_, err = m.MemCopyDeviceToHost(pdb.SC, 4)
	assert.NoError(t, err)

	_, err = m.MemCopyDeviceToHost(0x00000000, 4)
	assert.Error(t, err, "bus error")
}

func TestMock_Conversion(t *testing.T) {
	m := newTestMock(t)
	code, err := adc.ChannelCode("A1")
	require.NoError(t, err)

	require.NoError(t, m.UpdateADCRegisters(0, adc.Write{Offset: adc.RegSC1A, Mask: 0xffffffff, Value: code}))
	ra, err := m.MemCopyDeviceToHost(adc.RAAddr(0), 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(code)<<8, binary.LittleEndian.Uint32(ra))

	sc1a, err := m.MemCopyDeviceToHost(adc.SC1AAddr(0), 4)
	require.NoError(t, err)
	assert.NotZero(t, binary.LittleEndian.Uint32(sc1a)&adc.SC1ACOCO)
}

func TestMock_ADCSettings(t *testing.T) {
	m := newTestMock(t)

	require.NoError(t, m.SetResolution(12, 1))
	assert.Equal(t, 12, m.resolution(1))
	assert.Equal(t, 8, m.resolution(0))
	assert.Error(t, m.SetResolution(14, 0))
	assert.Error(t, m.SetAveraging(3, 0))
	assert.NoError(t, m.SetAveraging(32, 0))
	assert.Error(t, m.EnableDMA(2))
}

func TestMock_SoftwareStart(t *testing.T) {
	m := newTestMock(t)
	src, err := m.MemAlignedAllocAndSet(4, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.NoError(t, err)
	dst, err := m.MemAlignedAlloc(4, 8)
	require.NoError(t, err)

	tcd := dma.TCD{
		SADDR:  src,
		SOFF:   4,
		ATTR:   dma.Attr{SSIZE: dma.Size32Bit, DSIZE: dma.Size32Bit},
		NBYTES: 8,
		SLAST:  -8,
		DADDR:  dst,
		DOFF:   4,
		CITER:  dma.Iteration{ITER: 1},
		BITER:  dma.Iteration{ITER: 1},
		CSR:    dma.CSR{INTMAJOR: true},
	}
	require.NoError(t, m.UpdateDMATCD(5, tcd))
	require.NoError(t, m.UpdateDMARegisters(dma.Command{Op: dma.OpSSRT, Channel: 5}))

	got, err := m.MemCopyDeviceToHost(dst, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, got)

	after, err := m.ReadDMATCD(5)
	require.NoError(t, err)
	assert.True(t, after.CSR.DONE)
	assert.Equal(t, src, after.SADDR)

	regs, err := m.DMARegisters()
	require.NoError(t, err)
	assert.Equal(t, uint32(1<<5), regs.INT)
	assert.Nil(t, regs.Errors())

	require.NoError(t, m.UpdateDMARegisters(dma.CINT(5), dma.CDNE(5)))
	regs, err = m.DMARegisters()
	require.NoError(t, err)
	assert.Zero(t, regs.INT)
}

func TestMock_DMAErrors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(m *Mock)
		channel uint8
		flags   uint32
	}{
		{
			name:    "injected",
			setup:   func(m *Mock) { m.InjectDMAError(2, dma.ESDBE) },
			channel: 2,
			flags:   dma.ESDBE,
		},
		{
			name:    "empty descriptor",
			setup:   func(m *Mock) {},
			channel: 7,
			flags:   dma.ESNCE,
		},
		{
			name: "misaligned scatter gather",
			setup: func(m *Mock) {
				m.UpdateDMATCD(4, dma.TCD{
					SADDR:    SRAMBase,
					ATTR:     dma.Attr{SSIZE: dma.Size16Bit, DSIZE: dma.Size16Bit},
					NBYTES:   2,
					DADDR:    SRAMBase,
					CITER:    dma.Iteration{ITER: 1},
					BITER:    dma.Iteration{ITER: 1},
					DLASTSGA: int32(SRAMBase + 8),
					CSR:      dma.CSR{ESG: true},
				})
			},
			channel: 4,
			flags:   dma.ESSGE,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMock(t)
			tt.setup(m)
			require.NoError(t, m.UpdateDMARegisters(dma.SERQ(tt.channel)))

			regs, err := m.DMARegisters()
			require.NoError(t, err)
			assert.NotZero(t, regs.ES&dma.ESVLD)
			assert.NotZero(t, regs.ES&tt.flags)
			assert.Equal(t, tt.channel, dma.ESErrChn(regs.ES))
			assert.Equal(t, uint32(1)<<tt.channel, regs.ERR)
			assert.Zero(t, regs.ERQ)
			assert.NotEmpty(t, regs.Errors())

			require.NoError(t, m.UpdateDMARegisters(dma.CERR(tt.channel)))
			regs, err = m.DMARegisters()
			require.NoError(t, err)
			assert.Nil(t, regs.Errors())
		})
	}
}

func TestMock_NodeConfig(t *testing.T) {
	m := newTestMock(t)
	cfg := NodeConfig{SerialNumber: 42, BaudRate: 921600, I2CAddress: 0x10}

	require.NoError(t, m.UpdateConfig(cfg, false))
	got, err := m.ReadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
	assert.Equal(t, NodeConfig{}, m.SavedConfig())

	require.NoError(t, m.UpdateConfig(cfg, true))
	assert.Equal(t, cfg, m.SavedConfig())

	assert.Error(t, m.UpdateConfig(NodeConfig{I2CAddress: 0x80}, true))
}
