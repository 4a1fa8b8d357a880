package device

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/itohio/teensydaq/pkg/adc"
	"github.com/itohio/teensydaq/pkg/dma"
	"github.com/itohio/teensydaq/pkg/pdb"
	"github.com/itohio/teensydaq/pkg/sim"
)

const (
	periphBase uint32 = 0x40000000
	periphEnd  uint32 = 0x40100000

	mallocAlignment = 8
)

type block struct {
	addr    uint32
	size    uint32
	aligned bool
}

func alignUp(v, align uint32) uint32 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

// alloc places size bytes at the lowest free address with the requested
// alignment.
func (m *Mock) alloc(size, align uint32, aligned bool) (uint32, error) {
	if err := m.checkConnected(); err != nil {
		return 0, err
	}
	m.allocCalls++
	if m.failAllocAt > 0 && m.allocCalls == m.failAllocAt {
		m.failAllocAt = 0
		return 0, fmt.Errorf("%w: injected failure allocating %d bytes", ErrOutOfMemory, size)
	}
	if size == 0 {
		return 0, fmt.Errorf("%w: zero sized allocation", ErrOutOfMemory)
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("alignment %d is not a power of two", align)
	}

	skew := uint32(0)
	if aligned {
		skew = m.misalign
	}
	end := SRAMBase + uint32(len(m.sram))
	start := SRAMBase
	idx := 0
	for ; idx <= len(m.blocks); idx++ {
		limit := end
		if idx < len(m.blocks) {
			limit = m.blocks[idx].addr
		}
		candidate := alignUp(start, align) + skew
		if uint64(candidate)+uint64(size) <= uint64(limit) {
			b := block{addr: candidate, size: size, aligned: aligned}
			m.blocks = append(m.blocks, block{})
			copy(m.blocks[idx+1:], m.blocks[idx:])
			m.blocks[idx] = b
			return candidate, nil
		}
		if idx < len(m.blocks) {
			start = m.blocks[idx].addr + m.blocks[idx].size
		}
	}
	return 0, fmt.Errorf("%w: %d bytes requested, %d free", ErrOutOfMemory, size, m.ramFree())
}

func (m *Mock) free(addr uint32, aligned bool) error {
	if err := m.checkConnected(); err != nil {
		return err
	}
	i := sort.Search(len(m.blocks), func(i int) bool { return m.blocks[i].addr >= addr })
	if i == len(m.blocks) || m.blocks[i].addr != addr {
		return fmt.Errorf("free of unallocated address 0x%08x", addr)
	}
	if m.blocks[i].aligned != aligned {
		return fmt.Errorf("mismatched free of 0x%08x", addr)
	}
	m.blocks = append(m.blocks[:i], m.blocks[i+1:]...)
	return nil
}

func (m *Mock) ramFree() uint32 {
	used := uint32(0)
	for _, b := range m.blocks {
		used += b.size
	}
	return uint32(len(m.sram)) - used
}

func (m *Mock) MemAlloc(size uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alloc(size, mallocAlignment, false)
}

func (m *Mock) MemAlignedAlloc(alignment, size uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alloc(size, alignment, true)
}

func (m *Mock) MemAlignedAllocAndSet(alignment uint32, data []byte) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr, err := m.alloc(uint32(len(data)), alignment, true)
	if err != nil {
		return 0, err
	}
	if err := m.store(addr, data); err != nil {
		_ = m.free(addr, true)
		return 0, err
	}
	return addr, nil
}

func (m *Mock) MemFree(addr uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.free(addr, false)
}

func (m *Mock) MemAlignedFree(addr uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.free(addr, true)
}

// RAMFree reports the unallocated heap size.
func (m *Mock) RAMFree() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkConnected(); err != nil {
		return 0, err
	}
	return m.ramFree(), nil
}

// Allocations returns the number of live heap blocks.
func (m *Mock) Allocations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

func (m *Mock) MemCopyHostToDevice(addr uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.hostWrite(addr, len(data)); err != nil {
		return err
	}
	return m.store(addr, data)
}

func (m *Mock) MemCopyDeviceToHost(addr, length uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkConnected(); err != nil {
		return nil, err
	}
	return m.load(addr, int(length))
}

func (m *Mock) MemFillUint8(addr uint32, value uint8, count uint32) error {
	data := make([]byte, count)
	for i := range data {
		data[i] = value
	}
	return m.fill(addr, data)
}

func (m *Mock) MemFillUint16(addr uint32, value uint16, count uint32) error {
	data := make([]byte, 2*count)
	for i := uint32(0); i < count; i++ {
		binary.LittleEndian.PutUint16(data[2*i:], value)
	}
	return m.fill(addr, data)
}

func (m *Mock) MemFillUint32(addr uint32, value uint32, count uint32) error {
	data := make([]byte, 4*count)
	for i := uint32(0); i < count; i++ {
		binary.LittleEndian.PutUint32(data[4*i:], value)
	}
	return m.fill(addr, data)
}

func (m *Mock) fill(addr uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.hostWrite(addr, len(data)); err != nil {
		return err
	}
	return m.store(addr, data)
}

// hostWrite checks connection state and injected write faults.
func (m *Mock) hostWrite(addr uint32, n int) error {
	if err := m.checkConnected(); err != nil {
		return err
	}
	for _, f := range m.failWrites {
		if f >= addr && uint64(f) < uint64(addr)+uint64(n) {
			return fmt.Errorf("write to 0x%08x failed", f)
		}
	}
	return nil
}

func (m *Mock) UpdateSIMSCGC6(g sim.SCGC6) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkConnected(); err != nil {
		return err
	}
	m.regs[sim.SCGC6Addr] |= g.Mask()
	return nil
}

func (m *Mock) UpdateSIMSCGC7(g sim.SCGC7) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkConnected(); err != nil {
		return err
	}
	m.regs[sim.SCGC7Addr] |= g.Mask()
	return nil
}

func inRange(addr uint32, n int, base, size uint32) bool {
	return addr >= base && uint64(addr)+uint64(n) <= uint64(base)+uint64(size)
}

// checkGate rejects bus accesses to peripherals whose clock is off.
func (m *Mock) checkGate(addr uint32, n int) error {
	switch {
	case inRange(addr, n, dma.HWTCDBase, dma.ChannelCount*dma.TCDSize),
		inRange(addr, n, dma.ControllerBase, 0x100):
		return m.gated(sim.SCGC7Addr, sim.SCGC7DMA, "DMA")
	case inRange(addr, n, dma.MuxBase, dma.ChannelCount):
		return m.gated(sim.SCGC6Addr, sim.SCGC6DMAMUX, "DMAMUX")
	case inRange(addr, n, pdb.SC, 0x1a0):
		return m.gated(sim.SCGC6Addr, sim.SCGC6PDB, "PDB")
	}
	return nil
}

// load reads n bytes from the simulated address space.
func (m *Mock) load(addr uint32, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid length %d", n)
	}
	out := make([]byte, n)
	switch {
	case inRange(addr, n, SRAMBase, uint32(len(m.sram))):
		copy(out, m.sram[addr-SRAMBase:])
	case inRange(addr, n, periphBase, periphEnd-periphBase):
		if err := m.checkGate(addr, n); err != nil {
			return nil, err
		}
		switch {
		case inRange(addr, n, dma.HWTCDBase, uint32(len(m.tcds))):
			copy(out, m.tcds[addr-dma.HWTCDBase:])
		case inRange(addr, n, dma.MuxBase, uint32(len(m.mux))):
			copy(out, m.mux[addr-dma.MuxBase:])
		default:
			for i := range out {
				a := addr + uint32(i)
				out[i] = byte(m.word(a&^3) >> (8 * (a & 3)))
			}
		}
	default:
		return nil, fmt.Errorf("bus error reading %d bytes at 0x%08x", n, addr)
	}
	return out, nil
}

// store writes data into the simulated address space and runs register
// side effects.
func (m *Mock) store(addr uint32, data []byte) error {
	n := len(data)
	switch {
	case inRange(addr, n, SRAMBase, uint32(len(m.sram))):
		copy(m.sram[addr-SRAMBase:], data)
	case inRange(addr, n, periphBase, periphEnd-periphBase):
		if err := m.checkGate(addr, n); err != nil {
			return err
		}
		switch {
		case inRange(addr, n, dma.HWTCDBase, uint32(len(m.tcds))):
			copy(m.tcds[addr-dma.HWTCDBase:], data)
		case inRange(addr, n, dma.MuxBase, uint32(len(m.mux))):
			copy(m.mux[addr-dma.MuxBase:], data)
		default:
			for i, b := range data {
				a := addr + uint32(i)
				w, sh := a&^3, 8*(a&3)
				m.setWord(w, m.word(w)&^(0xff<<sh)|uint32(b)<<sh)
			}
			for w := addr &^ 3; w < addr+uint32(n); w += 4 {
				m.wordWritten(w)
			}
		}
	default:
		return fmt.Errorf("bus error writing %d bytes at 0x%08x", n, addr)
	}
	return nil
}

// word reads a 32-bit peripheral register.
func (m *Mock) word(addr uint32) uint32 {
	switch addr {
	case dma.ControllerBase + dma.RegES:
		return m.es
	case dma.ControllerBase + dma.RegERQ:
		return m.erq
	case dma.ControllerBase + dma.RegEEI:
		return m.eei
	case dma.ControllerBase + dma.RegINT:
		return m.intr
	case dma.ControllerBase + dma.RegERR:
		return m.errs
	}
	return m.regs[addr]
}

func (m *Mock) setWord(addr, v uint32) {
	if inRange(addr, 4, dma.ControllerBase, 0x100) {
		// controller state changes only through channel commands
		return
	}
	m.regs[addr] = v
}

func (m *Mock) wordWritten(addr uint32) {
	switch addr {
	case adc.SC1AAddr(0):
		m.convert(0)
	case adc.SC1AAddr(1):
		m.convert(1)
	case pdb.SC:
		m.pdbWritten()
	}
}

func (m *Mock) read32(addr uint32) uint32 {
	b, err := m.load(addr, 4)
	if err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}
