package device

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/itohio/teensydaq/pkg/dma"
	"github.com/itohio/teensydaq/pkg/sim"
)

// maxServices bounds one drain of the request queue so a descriptor graph
// that links forever cannot wedge the mock.
const maxServices = 1 << 20

func (m *Mock) checkChannel(ch uint8) error {
	if int(ch) >= m.cfg.ChannelCount {
		return fmt.Errorf("DMA channel %d out of range", ch)
	}
	return nil
}

func (m *Mock) dmaReady(ch uint8) error {
	if err := m.checkConnected(); err != nil {
		return err
	}
	if err := m.gated(sim.SCGC7Addr, sim.SCGC7DMA, "DMA"); err != nil {
		return err
	}
	return m.checkChannel(ch)
}

func (m *Mock) tcd(ch uint8) dma.TCD {
	off := int(ch) * dma.TCDSize
	t, _ := dma.ParseRecord(m.tcds[off : off+dma.TCDSize])
	return t
}

func (m *Mock) setTCD(ch uint8, t dma.TCD) {
	r := t.Record()
	copy(m.tcds[int(ch)*dma.TCDSize:], r[:])
}

func (m *Mock) UpdateDMATCD(channel uint8, tcd dma.TCD) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.dmaReady(channel); err != nil {
		return err
	}
	m.setTCD(channel, tcd)
	return nil
}

func (m *Mock) ReadDMATCD(channel uint8) (dma.TCD, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.dmaReady(channel); err != nil {
		return dma.TCD{}, err
	}
	return m.tcd(channel), nil
}

func (m *Mock) ResetDMATCD(channel uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.dmaReady(channel); err != nil {
		return err
	}
	m.setTCD(channel, dma.TCD{})
	return nil
}

func (m *Mock) UpdateDMAMuxChcfg(channel uint8, cfg dma.MuxConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkConnected(); err != nil {
		return err
	}
	if err := m.gated(sim.SCGC6Addr, sim.SCGC6DMAMUX, "DMAMUX"); err != nil {
		return err
	}
	if err := m.checkChannel(channel); err != nil {
		return err
	}
	m.mux[channel] = cfg.Value()
	return nil
}

func (m *Mock) UpdateDMARegisters(cmds ...dma.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.dmaReady(0); err != nil {
		return err
	}
	for _, c := range cmds {
		if !c.All {
			if err := m.checkChannel(c.Channel); err != nil {
				return err
			}
		}
		mask := uint32(1) << c.Channel
		if c.All {
			mask = 1<<uint(m.cfg.ChannelCount) - 1
		}
		switch c.Op {
		case dma.OpSERQ:
			m.erq |= mask
			m.forEach(mask, m.activate)
		case dma.OpCERQ:
			m.erq &^= mask
		case dma.OpSEEI:
			m.eei |= mask
		case dma.OpCEEI:
			m.eei &^= mask
		case dma.OpCINT:
			m.intr &^= mask
		case dma.OpCERR:
			m.errs &^= mask
			if m.errs == 0 {
				m.es = 0
			}
		case dma.OpCDNE:
			m.forEach(mask, func(ch uint8) {
				t := m.tcd(ch)
				t.CSR.DONE = false
				m.setTCD(ch, t)
			})
		case dma.OpSSRT:
			m.forEach(mask, m.enqueue)
			m.drain()
		default:
			return fmt.Errorf("unknown DMA command %s", c)
		}
	}
	return nil
}

func (m *Mock) forEach(mask uint32, fn func(ch uint8)) {
	for ch := 0; ch < m.cfg.ChannelCount; ch++ {
		if mask&(1<<uint(ch)) != 0 {
			fn(uint8(ch))
		}
	}
}

// activate validates a channel's descriptor when requests get enabled.
func (m *Mock) activate(ch uint8) {
	if flags, ok := m.dmaFaults[ch]; ok {
		delete(m.dmaFaults, ch)
		m.dmaError(ch, flags)
		return
	}
	if flags := tcdErrors(m.tcd(ch)); flags != 0 {
		m.dmaError(ch, flags)
	}
}

func (m *Mock) DMARegisters() (dma.Registers, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.dmaReady(0); err != nil {
		return dma.Registers{}, err
	}
	return dma.Registers{
		ES:  m.es,
		ERQ: m.erq,
		EEI: m.eei,
		INT: m.intr,
		ERR: m.errs,
	}, nil
}

func (m *Mock) DMAChannelCount() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkConnected(); err != nil {
		return 0, err
	}
	return m.cfg.ChannelCount, nil
}

func (m *Mock) AttachDMAInterrupt(channel uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.dmaReady(channel); err != nil {
		return err
	}
	m.attached[channel] = true
	return nil
}

// tcdErrors returns the DMA_ES configuration error flags for t.
func tcdErrors(t dma.TCD) uint32 {
	var flags uint32
	ssize, dsize := t.ATTR.SSIZE.Bytes(), t.ATTR.DSIZE.Bytes()
	if ssize == 0 || t.SADDR%uint32(ssize) != 0 {
		flags |= dma.ESSAE
	}
	if dsize == 0 || t.DADDR%uint32(dsize) != 0 {
		flags |= dma.ESDAE
	}
	if ssize != 0 && int(t.SOFF)%ssize != 0 {
		flags |= dma.ESSOE
	}
	if dsize != 0 && int(t.DOFF)%dsize != 0 {
		flags |= dma.ESDOE
	}
	if t.NBYTES == 0 || t.CITER.ITER == 0 || t.CITER.ELINK != t.BITER.ELINK ||
		(ssize != 0 && t.NBYTES%uint32(ssize) != 0) ||
		(dsize != 0 && t.NBYTES%uint32(dsize) != 0) {
		flags |= dma.ESNCE
	}
	if t.CSR.ESG && uint32(t.DLASTSGA)%dma.TCDAlignment != 0 {
		flags |= dma.ESSGE
	}
	return flags
}

func (m *Mock) dmaError(ch uint8, flags uint32) {
	glog.V(1).Infof("mock: DMA channel %d error 0x%x", ch, flags)
	m.es = dma.ESVLD | flags | uint32(ch&0xf)<<8
	m.errs |= 1 << ch
	m.erq &^= 1 << ch
}

func (m *Mock) enqueue(ch uint8) {
	m.pending = append(m.pending, ch)
}

// request raises a hardware request from source on every channel routed to
// it with requests enabled.
func (m *Mock) request(source uint8) {
	for ch := 0; ch < m.cfg.ChannelCount; ch++ {
		cfg := dma.MuxConfigFrom(m.mux[ch])
		if cfg.ENBL && cfg.SOURCE == source && m.erq&(1<<uint(ch)) != 0 {
			m.enqueue(uint8(ch))
		}
	}
}

// drain services queued channel activations until none remain.
func (m *Mock) drain() {
	for n := 0; len(m.pending) > 0; n++ {
		if n >= maxServices {
			glog.Warningf("mock: DMA request storm, dropping %d requests", len(m.pending))
			m.pending = nil
			return
		}
		ch := m.pending[0]
		m.pending = m.pending[1:]
		m.service(ch)
	}
}

// service executes one minor loop of channel ch.
func (m *Mock) service(ch uint8) {
	if m.errs&(1<<ch) != 0 {
		return
	}
	t := m.tcd(ch)
	if flags := tcdErrors(t); flags != 0 {
		m.dmaError(ch, flags)
		return
	}

	ssize, dsize := t.ATTR.SSIZE.Bytes(), t.ATTR.DSIZE.Bytes()
	buf := make([]byte, 0, t.NBYTES)
	saddr, daddr := t.SADDR, t.DADDR
	for n := uint32(0); n < t.NBYTES; n += uint32(ssize) {
		b, err := m.load(saddr, ssize)
		if err != nil {
			m.dmaError(ch, dma.ESSBE)
			return
		}
		buf = append(buf, b...)
		saddr += uint32(int32(t.SOFF))
	}
	for n := uint32(0); n < t.NBYTES; n += uint32(dsize) {
		if err := m.store(daddr, buf[n:n+uint32(dsize)]); err != nil {
			m.dmaError(ch, dma.ESDBE)
			return
		}
		daddr += uint32(int32(t.DOFF))
	}

	t.CITER.ITER--
	if t.CITER.ITER > 0 {
		t.SADDR, t.DADDR = saddr, daddr
		m.setTCD(ch, t)
		if t.CITER.ELINK {
			m.enqueue(t.CITER.LINKCH)
		}
		return
	}

	// major loop complete
	csr := t.CSR
	if csr.ESG {
		raw, err := m.load(uint32(t.DLASTSGA), dma.TCDSize)
		if err != nil {
			m.dmaError(ch, dma.ESSGE)
			return
		}
		next, _ := dma.ParseRecord(raw)
		m.setTCD(ch, next)
	} else {
		t.SADDR = saddr + uint32(t.SLAST)
		t.DADDR = daddr + uint32(t.DLASTSGA)
		t.CITER = t.BITER
		t.CSR.DONE = true
		m.setTCD(ch, t)
	}
	if csr.INTMAJOR {
		m.interrupt(ch)
	}
	if csr.MAJORELINK {
		m.enqueue(csr.MAJORLINKCH)
	}
}

func (m *Mock) interrupt(ch uint8) {
	m.intr |= 1 << ch
	if m.attached[ch] {
		m.complete()
	}
}
