package device

import (
	"context"
	"encoding/binary"
	"runtime"
	"time"

	"github.com/golang/glog"

	"github.com/itohio/teensydaq/pkg/dma"
	"github.com/itohio/teensydaq/pkg/pdb"
	"github.com/itohio/teensydaq/pkg/sim"
	"github.com/itohio/teensydaq/pkg/stream"
)

// StartDMAADC arms the completion handler for the sample buffer and writes
// the pacing timer control register.
func (m *Mock) StartDMAADC(pdbConfig, samplesAddr, length, streamID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkConnected(); err != nil {
		return err
	}
	if err := m.gated(sim.SCGC6Addr, sim.SCGC6PDB, "PDB"); err != nil {
		return err
	}
	m.run = &mockRun{samplesAddr: samplesAddr, length: length, streamID: streamID}
	m.triggers = 0

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], pdbConfig)
	return m.store(pdb.SC, b[:])
}

// pdbWritten handles a write to the PDB status and control register.
func (m *Mock) pdbWritten() {
	sc := m.regs[pdb.SC]
	if sc&pdb.SCSWTRIG == 0 {
		return
	}
	m.regs[pdb.SC] = sc &^ pdb.SCSWTRIG
	if sc&pdb.SCPDBEN == 0 || m.pacing {
		return
	}
	m.pacing = true
	m.wg.Add(1)
	go m.pace(m.ctx)
}

// pace emits pacing timer triggers until the timer is disabled.
func (m *Mock) pace(ctx context.Context) {
	defer m.wg.Done()

	for {
		m.mu.Lock()
		sc := m.regs[pdb.SC]
		if !m.connected || sc&pdb.SCPDBEN == 0 {
			m.pacing = false
			m.mu.Unlock()
			return
		}
		if sc&pdb.SCDMAEN != 0 {
			m.request(dma.SourcePDB)
			m.drain()
		}
		m.triggers++
		if sc&pdb.SCCONT == 0 {
			m.pacing = false
			m.mu.Unlock()
			return
		}
		period := time.Duration(float64(time.Second) / m.triggerRate())
		m.mu.Unlock()

		if !m.cfg.Paced {
			runtime.Gosched()
			continue
		}
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.pacing = false
			m.mu.Unlock()
			return
		case <-time.After(period):
		}
	}
}

// complete is the firmware's scatter channel interrupt handler: halt the
// timer and publish the sample buffer.
func (m *Mock) complete() {
	m.regs[pdb.SC] &^= pdb.SCPDBEN
	if m.run == nil {
		return
	}
	run := m.run
	m.run = nil

	payload, err := m.load(run.samplesAddr, int(run.length))
	if err != nil {
		glog.Errorf("mock: failed to read sample buffer: %v", err)
		return
	}
	m.queue.Put(stream.Entry{
		Arrival:  time.Now(),
		StreamID: run.streamID,
		Payload:  payload,
	})
}
