// Package sampler acquires multi-channel ADC sample runs on the device with
// three chained DMA channels paced by the programmable delay block.
//
// Per trigger of the delay block the channel select channel writes the next
// input code to SC1A, the conversion channel stores each result in the scan
// buffer and links back to channel select until every input is converted,
// then its major loop links the scatter channel. The scatter channel walks a
// circular table of descriptors, one per sample index, copying the scan into
// the channel major sample buffer. The last descriptor interrupts the device,
// which halts the timer and streams the buffer to the host.
package sampler

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.uber.org/multierr"

	"github.com/itohio/teensydaq/pkg/adc"
	"github.com/itohio/teensydaq/pkg/device"
	"github.com/itohio/teensydaq/pkg/dma"
	"github.com/itohio/teensydaq/pkg/pdb"
	"github.com/itohio/teensydaq/pkg/sim"
)

// DefaultPollInterval is the completion polling period used by Wait.
const DefaultPollInterval = time.Millisecond

// State is the acquisition state of a Sampler.
type State int

const (
	Unconfigured State = iota
	Configured
	Armed
	Running
	Complete
	Stopped
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Configured:
		return "configured"
	case Armed:
		return "armed"
	case Running:
		return "running"
	case Complete:
		return "complete"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// DMAChannels assigns physical DMA channels to the three roles.
type DMAChannels struct {
	Scatter       uint8
	ChannelSelect uint8
	Conversion    uint8
}

// DefaultDMAChannels returns the {0, 1, 2} assignment.
func DefaultDMAChannels() DMAChannels {
	return DMAChannels{Scatter: 0, ChannelSelect: 1, Conversion: 2}
}

// Validate checks that the channels are distinct and below count.
func (d DMAChannels) Validate(count int) error {
	if d.Scatter == d.ChannelSelect || d.Scatter == d.Conversion || d.ChannelSelect == d.Conversion {
		return fmt.Errorf("DMA channels must be distinct: %+v", d)
	}
	for _, ch := range []uint8{d.Scatter, d.ChannelSelect, d.Conversion} {
		if int(ch) >= count {
			return fmt.Errorf("DMA channel %d out of range, device has %d", ch, count)
		}
	}
	return nil
}

// Options describe a session.
type Options struct {
	Channels    []string // analog input labels, e.g. A0
	SampleCount int
	DMA         *DMAChannels // nil selects DefaultDMAChannels
	ADC         uint8

	// Timing, when set, is applied to the converter and selects the
	// differential channel codes for differential rows.
	Timing    *adc.Selection
	Reference *adc.Reference
}

// Sampler drives one acquisition session on a device it borrows.
type Sampler struct {
	dev      device.Device
	busClock float64

	// PollInterval is the status polling period used by Wait.
	PollInterval time.Duration

	state    State
	channels []string
	dmaCh    DMAChannels
	layout   Layout
	allocs   *Allocations

	sampleRate float64
	streamID   uint32
}

// New creates an unconfigured sampler. busClock is the peripheral bus clock
// the pacing timer divides.
func New(dev device.Device, busClock float64) *Sampler {
	if busClock <= 0 {
		busClock = adc.DefaultBusClock
	}
	return &Sampler{
		dev:          dev,
		busClock:     busClock,
		PollInterval: DefaultPollInterval,
		allocs:       NewAllocations(dev),
	}
}

// State returns the current acquisition state.
func (s *Sampler) State() State { return s.state }

// Channels returns the channel labels of the session.
func (s *Sampler) Channels() []string { return append([]string(nil), s.channels...) }

// Layout returns the device buffers of the session.
func (s *Sampler) Layout() Layout { return s.layout }

// DMAChannels returns the DMA channel assignment of the session.
func (s *Sampler) DMAChannels() DMAChannels { return s.dmaCh }

// Allocations returns the live device allocations of the session.
func (s *Sampler) Allocations() []Allocation { return s.allocs.List() }

// SampleRate returns the rate of the last started run.
func (s *Sampler) SampleRate() float64 { return s.sampleRate }

func (s *Sampler) expect(op string, states ...State) error {
	for _, st := range states {
		if s.state == st {
			return nil
		}
	}
	return fmt.Errorf("%w: %s while %s", ErrInvalidState, op, s.state)
}

// Configure allocates the session buffers, uploads the descriptor chain and
// wires the DMA channels. On failure every allocation is released and the
// sampler stays unconfigured.
func (s *Sampler) Configure(opts Options) error {
	if err := s.expect("configure", Unconfigured); err != nil {
		return err
	}

	dmaCh := DefaultDMAChannels()
	if opts.DMA != nil {
		dmaCh = *opts.DMA
	}
	if err := s.validate(opts, dmaCh); err != nil {
		return err
	}
	differential := opts.Timing != nil && opts.Timing.Mode == adc.Differential
	codes, err := adc.ChannelCodes(opts.Channels, differential)
	if err != nil {
		return err
	}

	if err := s.dev.UpdateSIMSCGC6(sim.SCGC6{PDB: true}); err != nil {
		return fmt.Errorf("failed to enable PDB clock: %w", err)
	}

	layout, err := s.allocate(opts, codes)
	if err != nil {
		return err
	}
	s.layout = layout
	s.dmaCh = dmaCh
	s.channels = append([]string(nil), opts.Channels...)

	err = s.reset()
	if err == nil {
		err = s.configureADC(opts)
	}
	if err == nil {
		err = s.configureDMA()
	}
	if err != nil {
		err = multierr.Combine(err, s.disable(), s.allocs.Release())
		s.layout, s.channels = Layout{}, nil
		return err
	}

	s.state = Configured
	glog.Infof("sampler: configured %d channels x %d samples on ADC%d, DMA %+v",
		layout.Channels, layout.Samples, layout.ADC, dmaCh)
	return nil
}

func (s *Sampler) validate(opts Options, dmaCh DMAChannels) error {
	if len(opts.Channels) == 0 {
		return fmt.Errorf("no channels")
	}
	// the conversion channel links on every minor loop
	if limit := int(dma.Iteration{ELINK: true}.MaxIter()); len(opts.Channels) > limit {
		return fmt.Errorf("%d channels exceeds %d", len(opts.Channels), limit)
	}
	// the scatter destination stride 2*S is a signed 16-bit offset
	if opts.SampleCount <= 0 || 2*opts.SampleCount > 0x7fff {
		return fmt.Errorf("sample count %d out of range", opts.SampleCount)
	}
	if _, err := adc.Base(opts.ADC); err != nil {
		return err
	}
	if opts.Timing != nil {
		if err := adc.ValidateGain(opts.Timing.Mode, opts.Timing.Gain); err != nil {
			return err
		}
	}
	n, err := s.dev.DMAChannelCount()
	if err != nil {
		return fmt.Errorf("failed to read DMA channel count: %w", err)
	}
	return dmaCh.Validate(n)
}

// allocate reserves the scan buffer, the channel select codes, the sample
// buffer and the scatter table, in that order.
func (s *Sampler) allocate(opts Options, codes []uint32) (Layout, error) {
	l := Layout{Channels: len(codes), Samples: opts.SampleCount, ADC: opts.ADC}

	raw := make([]byte, 0, 4*len(codes))
	for _, c := range codes {
		raw = binary.LittleEndian.AppendUint32(raw, c)
	}

	var err error
	if l.Scan, err = s.allocs.Alloc("scan", l.ScanBytes()); err != nil {
		return Layout{}, err
	}
	if l.Codes, err = s.allocs.AlignedAllocAndSet("codes", 4, raw); err != nil {
		return Layout{}, err
	}
	if l.Buffer, err = s.allocs.Alloc("samples", l.BufferBytes()); err != nil {
		return Layout{}, err
	}
	if l.Table, err = s.allocs.AlignedAlloc("tcds", dma.TCDAlignment, uint32(l.Samples)*dma.TCDSize); err != nil {
		return Layout{}, err
	}
	if l.Table%dma.TCDAlignment != 0 {
		err := fmt.Errorf("%w: descriptor table at 0x%08x is not %d-byte aligned",
			ErrSessionAllocationFailed, l.Table, dma.TCDAlignment)
		return Layout{}, multierr.Append(err, s.allocs.Release())
	}
	return l, nil
}

func (s *Sampler) configureADC(opts Options) error {
	writes := []adc.Write{adc.MuxSelect(adc.MuxB)}
	if opts.Timing != nil {
		writes = append(writes, opts.Timing.Registers()...)
	}
	if err := s.dev.UpdateADCRegisters(opts.ADC, writes...); err != nil {
		return fmt.Errorf("failed to configure ADC%d: %w", opts.ADC, err)
	}
	if opts.Reference != nil {
		if err := s.dev.SetReference(*opts.Reference, opts.ADC); err != nil {
			return fmt.Errorf("failed to set ADC%d reference: %w", opts.ADC, err)
		}
	}
	return nil
}

// configureDMA wires the three channels, checking the DMA error status after
// every step.
func (s *Sampler) configureDMA() error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"conversion mux", s.configureConversionMux},
		{"scatter chain", s.configureScatter},
		{"channel select descriptor", s.configureChannelSelect},
		{"conversion descriptor", s.configureConversion},
		{"channel select mux", s.configureChannelSelectMux},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
		if err := s.checkDMA(step.name); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sampler) checkDMA(step string) error {
	regs, err := s.dev.DMARegisters()
	if err != nil {
		return fmt.Errorf("failed to read DMA registers after %s: %w", step, err)
	}
	if fields := regs.Errors(); len(fields) > 0 {
		return &DMAError{Step: step, Fields: fields}
	}
	glog.V(1).Infof("sampler: %s ok", step)
	return nil
}

func (s *Sampler) configureConversionMux() error {
	mux := dma.MuxConfig{SOURCE: dma.SourceForADC(s.layout.ADC), ENBL: true}
	if err := s.dev.UpdateDMAMuxChcfg(s.dmaCh.Conversion, mux); err != nil {
		return err
	}
	return s.dev.EnableDMA(s.layout.ADC)
}

// configureScatter uploads the descriptor table, loads entry 0 into the
// scatter channel and attaches its completion interrupt.
func (s *Sampler) configureScatter() error {
	linked := NewScatterChain(s.layout).Link(s.layout)
	table, err := Records(linked)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDescriptorUploadFailed, err)
	}
	if err := s.dev.MemCopyHostToDevice(s.layout.Table, table); err != nil {
		return fmt.Errorf("%w: table: %w", ErrDescriptorUploadFailed, err)
	}
	if err := s.dev.UpdateDMATCD(s.dmaCh.Scatter, linked[0]); err != nil {
		return fmt.Errorf("%w: channel %d: %w", ErrDescriptorUploadFailed, s.dmaCh.Scatter, err)
	}
	return s.dev.AttachDMAInterrupt(s.dmaCh.Scatter)
}

func (s *Sampler) configureChannelSelect() error {
	return s.upload(s.dmaCh.ChannelSelect, ChannelSelectTCD(s.layout))
}

func (s *Sampler) configureConversion() error {
	if err := s.upload(s.dmaCh.Conversion, ConversionTCD(s.layout, s.dmaCh.ChannelSelect, s.dmaCh.Scatter)); err != nil {
		return err
	}
	return s.dev.UpdateDMARegisters(dma.SERQ(s.dmaCh.Conversion))
}

func (s *Sampler) configureChannelSelectMux() error {
	mux := dma.MuxConfig{SOURCE: dma.SourcePDB, ENBL: true}
	if err := s.dev.UpdateDMAMuxChcfg(s.dmaCh.ChannelSelect, mux); err != nil {
		return err
	}
	return s.dev.UpdateDMARegisters(dma.SERQ(s.dmaCh.ChannelSelect))
}

// rearm reloads the three channel descriptors after a run was stopped part
// way through its major loops.
func (s *Sampler) rearm() error {
	linked := NewScatterChain(s.layout).Link(s.layout)
	if err := s.upload(s.dmaCh.Scatter, linked[0]); err != nil {
		return err
	}
	if err := s.configureChannelSelect(); err != nil {
		return err
	}
	if err := s.upload(s.dmaCh.Conversion, ConversionTCD(s.layout, s.dmaCh.ChannelSelect, s.dmaCh.Scatter)); err != nil {
		return err
	}
	return s.checkDMA("rearm")
}

func (s *Sampler) upload(ch uint8, t dma.TCD) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: channel %d: %w", ErrDescriptorUploadFailed, ch, err)
	}
	glog.V(1).Infof("sampler: TCD%d %+v", ch, t)
	if err := s.dev.UpdateDMATCD(ch, t); err != nil {
		return fmt.Errorf("%w: channel %d: %w", ErrDescriptorUploadFailed, ch, err)
	}
	return nil
}

// ConfigureTimer programs the pacing timer for rate and returns the SC value
// it wrote. The software trigger bit is left clear.
func (s *Sampler) ConfigureTimer(rate float64) (uint32, error) {
	if err := s.expect("configure timer", Configured, Armed, Complete, Stopped); err != nil {
		return 0, err
	}
	d, err := pdb.Divide(s.busClock, rate)
	if err != nil {
		return 0, err
	}
	config := d.Config()
	for _, w := range []struct{ addr, v uint32 }{
		{pdb.IDLY, 1},
		{pdb.MOD, d.Mod - 1},
		{pdb.SC, config},
	} {
		if err := s.writeRegister(w.addr, w.v); err != nil {
			return 0, fmt.Errorf("failed to program pacing timer: %w", err)
		}
	}
	glog.V(1).Infof("sampler: pacing %v Hz: %+v, SC=0x%08x", rate, d, config)
	return config, nil
}

func (s *Sampler) writeRegister(addr, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return s.dev.MemCopyHostToDevice(addr, b[:])
}

func (s *Sampler) readRegister(addr uint32) (uint32, error) {
	b, err := s.dev.MemCopyDeviceToHost(addr, 4)
	if err != nil {
		return 0, err
	}
	if len(b) != 4 {
		return 0, fmt.Errorf("short register read at 0x%08x", addr)
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Start launches a run at rate, tagging its completion packet with streamID.
// The device halts the timer after the last sample.
func (s *Sampler) Start(rate float64, streamID uint32) error {
	if err := s.expect("start", Configured, Complete, Stopped); err != nil {
		return err
	}
	prev := s.state
	s.state = Armed

	var err error
	if prev == Stopped {
		err = s.rearm()
	}
	if err == nil {
		err = s.dev.AttachDMAInterrupt(s.dmaCh.Scatter)
	}
	var config uint32
	if err == nil {
		config, err = s.ConfigureTimer(rate)
	}
	if err == nil {
		err = s.dev.StartDMAADC(pdb.Start(config), s.layout.Buffer, s.layout.BufferBytes(), streamID)
	}
	if err != nil {
		s.state = prev
		return fmt.Errorf("failed to start acquisition: %w", err)
	}

	s.sampleRate = rate
	s.streamID = streamID
	s.state = Running
	glog.V(1).Infof("sampler: running at %v Hz, stream %d", rate, streamID)
	return nil
}

// Wait polls the pacing timer until the device halts it after the last
// sample. It returns ErrAcquisitionTimeout when ctx ends first; the run may
// still complete later.
func (s *Sampler) Wait(ctx context.Context) error {
	if s.state == Complete {
		return nil
	}
	if err := s.expect("wait", Running); err != nil {
		return err
	}

	poll := s.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		sc, err := s.readRegister(pdb.SC)
		if err != nil {
			return fmt.Errorf("failed to poll pacing timer: %w", err)
		}
		if sc&pdb.SCPDBEN == 0 {
			s.state = Complete
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrAcquisitionTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop halts the pacing timer of a running acquisition. The sample buffer
// keeps whatever the chain wrote so far.
func (s *Sampler) Stop() error {
	switch s.state {
	case Unconfigured:
		return fmt.Errorf("%w: stop while %s", ErrInvalidState, s.state)
	case Running, Armed:
	default:
		return nil
	}
	sc, err := s.readRegister(pdb.SC)
	if err == nil {
		err = s.writeRegister(pdb.SC, sc&^(pdb.SCPDBEN|pdb.SCSWTRIG))
	}
	if err != nil {
		return fmt.Errorf("failed to stop pacing timer: %w", err)
	}
	s.state = Stopped
	return nil
}

// Reset zero fills the scan and sample buffers. A stopped chain is rewound
// to its first descriptor.
func (s *Sampler) Reset() error {
	if err := s.expect("reset", Configured, Complete, Stopped); err != nil {
		return err
	}
	if s.state == Stopped {
		if err := s.rearm(); err != nil {
			return err
		}
	}
	if err := s.reset(); err != nil {
		return err
	}
	s.state = Configured
	return nil
}

func (s *Sampler) reset() error {
	if err := s.dev.MemFillUint8(s.layout.Scan, 0, s.layout.ScanBytes()); err != nil {
		return fmt.Errorf("failed to clear scan buffer: %w", err)
	}
	if err := s.dev.MemFillUint8(s.layout.Buffer, 0, s.layout.BufferBytes()); err != nil {
		return fmt.Errorf("failed to clear sample buffer: %w", err)
	}
	return nil
}

// Close stops a running acquisition, disables the session's DMA channels and
// frees its buffers. Closing an unconfigured sampler does nothing.
func (s *Sampler) Close() error {
	if s.state == Unconfigured {
		return nil
	}
	var err error
	if s.state == Running || s.state == Armed {
		err = multierr.Append(err, s.Stop())
	}
	err = multierr.Combine(err, s.disable(), s.allocs.Release())

	s.state = Unconfigured
	s.layout, s.channels = Layout{}, nil
	if err != nil {
		glog.Warningf("sampler: teardown: %v", err)
	}
	return err
}

// disable detaches the paced channels from their request sources and clears
// the latched status flags of all three session channels.
func (s *Sampler) disable() error {
	cmds := []dma.Command{dma.CERQ(s.dmaCh.ChannelSelect), dma.CERQ(s.dmaCh.Conversion)}
	for _, ch := range []uint8{s.dmaCh.Scatter, s.dmaCh.ChannelSelect, s.dmaCh.Conversion} {
		cmds = append(cmds, dma.CERR(ch), dma.CDNE(ch), dma.CINT(ch))
	}
	err := s.dev.UpdateDMARegisters(cmds...)
	for _, ch := range []uint8{s.dmaCh.ChannelSelect, s.dmaCh.Conversion} {
		err = multierr.Append(err, s.dev.UpdateDMAMuxChcfg(ch, dma.MuxConfig{}))
	}
	return err
}
