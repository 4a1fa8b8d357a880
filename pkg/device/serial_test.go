package device

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/teensydaq/pkg/adc"
	"github.com/itohio/teensydaq/pkg/dma"
	"github.com/itohio/teensydaq/pkg/stream"
)

// newTestLink serves a mock over an in-memory pipe and connects a Serial
// client to it.
func newTestLink(t *testing.T) (*Serial, *Mock) {
	t.Helper()
	m := newTestMock(t)
	host, node := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- Serve(ctx, node, m) }()

	d := NewSerialConn(host, time.Second)
	require.NoError(t, d.Connect())
	t.Cleanup(func() {
		d.Close()
		cancel()
		assert.NoError(t, <-served)
	})
	return d, m
}

func TestSerial_Memory(t *testing.T) {
	d, m := newTestLink(t)

	addr, err := d.MemAlloc(10000)
	require.NoError(t, err)
	assert.Equal(t, SRAMBase, addr)

	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	require.NoError(t, d.MemCopyHostToDevice(addr, data))
	got, err := d.MemCopyDeviceToHost(addr, uint32(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	direct, err := m.MemCopyDeviceToHost(addr+5000, 16)
	require.NoError(t, err)
	assert.Equal(t, data[5000:5016], direct)

	aligned, err := d.MemAlignedAllocAndSet(32, []byte{9, 8, 7, 6})
	require.NoError(t, err)
	assert.Zero(t, aligned%32)

	free, err := d.RAMFree()
	require.NoError(t, err)
	assert.Equal(t, uint32(64*1024-10004), free)

	require.NoError(t, d.MemFillUint32(addr, 0xdeadbeef, 2))
	got, err = d.MemCopyDeviceToHost(addr, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xef, 0xbe, 0xad, 0xde, 0xef, 0xbe, 0xad, 0xde}, got)

	require.NoError(t, d.MemAlignedFree(aligned))
	require.NoError(t, d.MemFree(addr))
	assert.Error(t, d.MemFree(addr))

	_, err = d.MemAlloc(1 << 20)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestSerial_DMA(t *testing.T) {
	d, m := newTestLink(t)

	n, err := d.DMAChannelCount()
	require.NoError(t, err)
	assert.Equal(t, dma.ChannelCount, n)

	tcd := dma.TCD{
		SADDR:    SRAMBase,
		SOFF:     2,
		ATTR:     dma.Attr{SSIZE: dma.Size16Bit, DSIZE: dma.Size16Bit},
		NBYTES:   4,
		SLAST:    -4,
		DADDR:    SRAMBase + 0x100,
		DOFF:     8,
		CITER:    dma.Iteration{ITER: 1},
		BITER:    dma.Iteration{ITER: 1},
		DLASTSGA: int32(SRAMBase + 0x200),
		CSR:      dma.CSR{ESG: true, INTMAJOR: true},
	}
	require.NoError(t, d.UpdateDMATCD(3, tcd))
	got, err := d.ReadDMATCD(3)
	require.NoError(t, err)
	assert.Equal(t, tcd, got)

	require.NoError(t, d.UpdateDMAMuxChcfg(3, dma.MuxConfig{SOURCE: dma.SourcePDB, ENBL: true}))

	m.InjectDMAError(3, dma.ESSAE)
	require.NoError(t, d.UpdateDMARegisters(dma.SERQ(3)))
	regs, err := d.DMARegisters()
	require.NoError(t, err)
	want, err := m.DMARegisters()
	require.NoError(t, err)
	assert.Equal(t, want, regs)
	assert.Equal(t, uint8(3), dma.ESErrChn(regs.ES))

	require.NoError(t, d.UpdateDMARegisters(dma.CERR(3), dma.Command{Op: dma.OpCERQ, All: true}))
	regs, err = d.DMARegisters()
	require.NoError(t, err)
	assert.Nil(t, regs.Errors())
}

func TestSerial_ADC(t *testing.T) {
	d, m := newTestLink(t)

	require.NoError(t, d.SetResolution(10, 1))
	assert.Equal(t, 10, m.resolution(1))
	require.NoError(t, d.SetAveraging(32, 1))
	require.NoError(t, d.SetReference(adc.RefAlternate, 1))
	require.NoError(t, d.EnableDMA(1))
	assert.Error(t, d.SetAveraging(5, 1))

	code, err := adc.ChannelCode("A3")
	require.NoError(t, err)
	require.NoError(t, d.UpdateADCRegisters(1, adc.Write{Offset: adc.RegSC1A, Mask: adc.SC1AADCHMask, Value: code}))
	ra, err := d.MemCopyDeviceToHost(adc.RAAddr(1), 2)
	require.NoError(t, err)
	assert.Equal(t, byte(code), ra[1])
}

func TestSerial_Stream(t *testing.T) {
	d, m := newTestLink(t)

	m.Stream().Put(stream.Entry{Arrival: time.Now(), StreamID: 17, Payload: []byte{1, 2, 3, 4}})

	select {
	case <-d.Stream().Notify():
	case <-time.After(2 * time.Second):
		t.Fatal("stream packet not delivered")
	}
	entries := d.Stream().Take(nil)
	require.Len(t, entries, 1)
	assert.Equal(t, uint32(17), entries[0].StreamID)
	assert.Equal(t, []byte{1, 2, 3, 4}, entries[0].Payload)
}

func TestSerial_LargeStream(t *testing.T) {
	d, m := newTestLink(t)

	big := make([]byte, MaxPayload+1000)
	for i := range big {
		big[i] = byte(i)
	}
	m.Stream().Put(stream.Entry{Arrival: time.Now(), StreamID: 5, Payload: big})
	m.Stream().Put(stream.Entry{Arrival: time.Now(), StreamID: 6, Payload: []byte{1}})

	var entries []stream.Entry
	deadline := time.After(2 * time.Second)
	for len(entries) < 2 {
		select {
		case <-d.Stream().Notify():
			entries = append(entries, d.Stream().Take(nil)...)
		case <-deadline:
			t.Fatalf("got %d of 2 stream packets", len(entries))
		}
	}
	assert.Equal(t, uint32(5), entries[0].StreamID)
	assert.Equal(t, big, entries[0].Payload)
	assert.Equal(t, uint32(6), entries[1].StreamID)
	assert.Equal(t, []byte{1}, entries[1].Payload)
}

func TestSerial_NodeConfig(t *testing.T) {
	d, m := newTestLink(t)
	cfg := NodeConfig{SerialNumber: 1234, BaudRate: 460800, I2CAddress: 0x21}

	require.NoError(t, d.UpdateConfig(cfg, false))
	assert.Equal(t, NodeConfig{}, m.SavedConfig())

	require.NoError(t, d.UpdateConfig(cfg, true))
	assert.Equal(t, cfg, m.SavedConfig())

	got, err := d.ReadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestSerial_UnknownCommand(t *testing.T) {
	d, _ := newTestLink(t)

	_, err := d.call(command(0x77), nil)
	assert.ErrorContains(t, err, "cmd(0x77)")

	// short arguments are rejected
	_, err = d.call(cmdMemFree, []byte{1})
	assert.ErrorContains(t, err, "short payload")
}

func TestSerial_Timeout(t *testing.T) {
	host, node := net.Pipe()
	go io.Copy(io.Discard, node)

	d := NewSerialConn(host, 50*time.Millisecond)
	err := d.Connect()
	assert.ErrorContains(t, err, "no reply")
	assert.False(t, d.IsConnected())

	_, err = d.MemAlloc(4)
	assert.ErrorIs(t, err, ErrNotConnected)
}
