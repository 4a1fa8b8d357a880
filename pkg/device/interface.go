package device

import (
	"errors"
	"fmt"

	"github.com/itohio/teensydaq/pkg/adc"
	"github.com/itohio/teensydaq/pkg/dma"
	"github.com/itohio/teensydaq/pkg/sim"
	"github.com/itohio/teensydaq/pkg/stream"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrOutOfMemory  = errors.New("device out of memory")
)

// Memory is the device heap and raw memory access.
type Memory interface {
	MemAlloc(size uint32) (uint32, error)
	MemAlignedAlloc(alignment, size uint32) (uint32, error)
	MemAlignedAllocAndSet(alignment uint32, data []byte) (uint32, error)
	MemFree(addr uint32) error
	MemAlignedFree(addr uint32) error
	MemCopyHostToDevice(addr uint32, data []byte) error
	MemCopyDeviceToHost(addr, length uint32) ([]byte, error)
	MemFillUint8(addr uint32, value uint8, count uint32) error
	MemFillUint16(addr uint32, value uint16, count uint32) error
	MemFillUint32(addr uint32, value uint32, count uint32) error
	RAMFree() (uint32, error)
}

// DMA controls the eDMA engine and its channel mux.
type DMA interface {
	UpdateDMATCD(channel uint8, tcd dma.TCD) error
	ReadDMATCD(channel uint8) (dma.TCD, error)
	ResetDMATCD(channel uint8) error
	UpdateDMAMuxChcfg(channel uint8, cfg dma.MuxConfig) error
	UpdateDMARegisters(cmds ...dma.Command) error
	DMARegisters() (dma.Registers, error)
	DMAChannelCount() (int, error)
	AttachDMAInterrupt(channel uint8) error
}

// ADC controls the converters.
type ADC interface {
	UpdateADCRegisters(adcNum uint8, writes ...adc.Write) error
	EnableDMA(adcNum uint8) error
	SetReference(ref adc.Reference, adcNum uint8) error
	SetAveraging(count int, adcNum uint8) error
	SetResolution(bits int, adcNum uint8) error
}

// Clock enables peripheral clock gates.
type Clock interface {
	UpdateSIMSCGC6(g sim.SCGC6) error
	UpdateSIMSCGC7(g sim.SCGC7) error
}

// Acquisition starts paced runs and delivers their completion packets.
type Acquisition interface {
	// StartDMAADC writes pdbConfig to the pacing timer. When the run
	// completes the device halts the timer and pushes length bytes from
	// samplesAddr to the stream tagged with streamID.
	StartDMAADC(pdbConfig, samplesAddr, length, streamID uint32) error
	Stream() *stream.Queue
}

// NodeConfig is the persistent node configuration.
type NodeConfig struct {
	SerialNumber uint32 `yaml:"serial_number"`
	BaudRate     uint32 `yaml:"baud_rate"`
	I2CAddress   uint8  `yaml:"i2c_address"`
}

// Validate checks field ranges.
func (c NodeConfig) Validate() error {
	if c.I2CAddress > 0x7f {
		return fmt.Errorf("invalid I2C address 0x%02x", c.I2CAddress)
	}
	return nil
}

// Device is a Teensy running the acquisition firmware, real or mocked.
type Device interface {
	Memory
	DMA
	ADC
	Clock
	Acquisition

	// UpdateConfig replaces the node configuration; save also persists it.
	UpdateConfig(cfg NodeConfig, save bool) error
	ReadConfig() (NodeConfig, error)

	Connect() error
	Close() error
	IsConnected() bool
}

// Ensure Serial implements Device.
var _ Device = (*Serial)(nil)

// Ensure Mock implements Device.
var _ Device = (*Mock)(nil)

// InitDMA enables the DMA clock gates and resets every channel descriptor.
func InitDMA(dev Device) error {
	if err := dev.UpdateSIMSCGC6(sim.SCGC6{DMAMUX: true}); err != nil {
		return fmt.Errorf("failed to enable DMAMUX clock: %w", err)
	}
	if err := dev.UpdateSIMSCGC7(sim.SCGC7{DMA: true}); err != nil {
		return fmt.Errorf("failed to enable DMA clock: %w", err)
	}
	n, err := dev.DMAChannelCount()
	if err != nil {
		return fmt.Errorf("failed to read DMA channel count: %w", err)
	}
	for ch := 0; ch < n; ch++ {
		if err := dev.ResetDMATCD(uint8(ch)); err != nil {
			return fmt.Errorf("failed to reset TCD %d: %w", ch, err)
		}
	}
	return nil
}
