package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/itohio/teensydaq/pkg/config"
	"github.com/itohio/teensydaq/pkg/dma"
	"github.com/itohio/teensydaq/pkg/sim"
	"github.com/itohio/teensydaq/pkg/stream"
)

// SRAMBase is the start of the simulated heap.
const SRAMBase uint32 = 0x1fff8000

// Mock simulates a Teensy 3.x running the acquisition firmware: heap, the
// peripheral registers used by the sampler, an eDMA engine executing
// descriptors, ADC conversions and the pacing timer.
type Mock struct {
	cfg *config.MockConfig

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	wg        sync.WaitGroup

	queue *stream.Queue

	node      NodeConfig
	savedNode NodeConfig

	// memory
	sram   []byte
	blocks []block
	regs   map[uint32]uint32
	tcds   []byte
	mux    []byte

	// eDMA
	erq, eei, intr, errs uint32
	es                   uint32
	attached             []bool
	pending              []uint8

	// acquisition
	run      *mockRun
	pacing   bool
	triggers uint64

	// fault injection
	allocCalls  int
	failAllocAt int
	failWrites  []uint32
	misalign    uint32
	dmaFaults   map[uint8]uint32
}

type mockRun struct {
	samplesAddr uint32
	length      uint32
	streamID    uint32
}

// NewMock creates a new mocked device instance.
func NewMock(cfg *config.MockConfig) *Mock {
	def := config.Default().Mock
	if cfg == nil {
		cfg = &def
	}
	c := *cfg
	if c.RAMSize == 0 {
		c.RAMSize = def.RAMSize
	}
	if c.ChannelCount <= 0 || c.ChannelCount > dma.ChannelCount {
		c.ChannelCount = dma.ChannelCount
	}
	if c.BusClock == 0 {
		c.BusClock = def.BusClock
	}
	cfg = &c

	ctx, cancel := context.WithCancel(context.Background())

	m := &Mock{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		queue:     stream.NewQueue(),
		dmaFaults: make(map[uint8]uint32),
	}
	m.powerOn()
	return m
}

// powerOn puts memory and registers into their reset state.
func (m *Mock) powerOn() {
	m.sram = make([]byte, m.cfg.RAMSize)
	m.blocks = nil
	m.regs = map[uint32]uint32{
		// the core enables both converters before the sketch runs
		sim.SCGC6Addr: sim.SCGC6ADC0 | sim.SCGC6FTFL,
		sim.SCGC3Addr: sim.SCGC3ADC1,
	}
	m.tcds = make([]byte, dma.ChannelCount*dma.TCDSize)
	m.mux = make([]byte, dma.ChannelCount)
	m.attached = make([]bool, dma.ChannelCount)
	m.erq, m.eei, m.intr, m.errs, m.es = 0, 0, 0, 0, 0
	m.pending = nil
	m.run = nil
	m.triggers = 0
}

// Connect simulates connecting to the device and initialises the DMA engine.
func (m *Mock) Connect() error {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	if m.ctx.Err() != nil {
		m.ctx, m.cancel = context.WithCancel(context.Background())
	}
	m.connected = true
	m.mu.Unlock()

	return InitDMA(m)
}

// Close stops the mocked device. Queued stream entries stay readable.
func (m *Mock) Close() error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil
	}
	m.cancel()
	m.connected = false
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

// IsConnected returns whether the device is currently connected.
func (m *Mock) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Stream returns the completion packet queue.
func (m *Mock) Stream() *stream.Queue {
	return m.queue
}

// UpdateConfig replaces the node configuration.
func (m *Mock) UpdateConfig(cfg NodeConfig, save bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	m.node = cfg
	if save {
		m.savedNode = cfg
	}
	return nil
}

// ReadConfig returns the active node configuration.
func (m *Mock) ReadConfig() (NodeConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return NodeConfig{}, ErrNotConnected
	}
	return m.node, nil
}

// SavedConfig returns the persisted node configuration.
func (m *Mock) SavedConfig() NodeConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.savedNode
}

// FailAllocation makes the k-th allocation from now fail; 0 disables.
func (m *Mock) FailAllocation(k int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocCalls = 0
	m.failAllocAt = k
}

// FailWritesTo makes host writes covering addr fail.
func (m *Mock) FailWritesTo(addr uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = append(m.failWrites, addr)
}

// MisalignAllocations offsets every aligned allocation by offset bytes.
func (m *Mock) MisalignAllocations(offset uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misalign = offset
}

// InjectDMAError latches the given DMA_ES flags the next time requests are
// enabled on channel.
func (m *Mock) InjectDMAError(channel uint8, flags uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dmaFaults[channel] = flags
}

func (m *Mock) checkConnected() error {
	if !m.connected {
		return ErrNotConnected
	}
	return nil
}

func (m *Mock) gated(addr, mask uint32, name string) error {
	if m.regs[addr]&mask == 0 {
		glog.V(2).Infof("mock: access to %s with clock gate disabled", name)
		return fmt.Errorf("%s clock gate disabled", name)
	}
	return nil
}
