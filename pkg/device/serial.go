package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.bug.st/serial"

	"github.com/itohio/teensydaq/pkg/adc"
	"github.com/itohio/teensydaq/pkg/dma"
	"github.com/itohio/teensydaq/pkg/sim"
	"github.com/itohio/teensydaq/pkg/stream"
)

const (
	// DefaultBaudRate is ignored by the Teensy USB serial but required to open the port.
	DefaultBaudRate = 115200
	// DefaultTimeout bounds the wait for each reply.
	DefaultTimeout = 2 * time.Second
)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}

// Serial is an RPC connection to the acquisition firmware.
type Serial struct {
	port     string
	baudRate int
	timeout  time.Duration
	open     func() (io.ReadWriteCloser, error)

	conn      io.ReadWriteCloser
	queue     *stream.Queue
	replies   chan frame
	mu        sync.RWMutex
	callMu    sync.Mutex
	seq       uint8
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool
}

// NewSerial creates a connection to the firmware on a serial port.
func NewSerial(port string, baudRate int, timeout time.Duration) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	d := newSerial(timeout)
	d.port = port
	d.baudRate = baudRate
	d.open = func() (io.ReadWriteCloser, error) { return OpenPort(port, baudRate) }
	return d
}

// OpenPort opens a serial port in raw mode.
func OpenPort(port string, baudRate int) (io.ReadWriteCloser, error) {
	p, err := serial.Open(port, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", port, err)
	}
	return p, nil
}

// NewSerialConn speaks the protocol over an already open stream, such as a
// TCP connection to a node served with Serve.
func NewSerialConn(conn io.ReadWriteCloser, timeout time.Duration) *Serial {
	d := newSerial(timeout)
	d.port = "conn"
	d.open = func() (io.ReadWriteCloser, error) { return conn, nil }
	return d
}

func newSerial(timeout time.Duration) *Serial {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Serial{
		timeout: timeout,
		queue:   stream.NewQueue(),
	}
}

// Connect opens the port, starts the reader and initialises the DMA engine.
func (d *Serial) Connect() error {
	d.mu.Lock()
	if d.connected {
		d.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	conn, err := d.open()
	if err != nil {
		d.mu.Unlock()
		return err
	}
	d.conn = conn
	d.replies = make(chan frame, 1)
	d.done = make(chan struct{})
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.connected = true
	go d.readLoop(d.ctx, conn, d.done)
	d.mu.Unlock()

	if err := InitDMA(d); err != nil {
		_ = d.Close()
		return err
	}
	return nil
}

// Close closes the connection and stops the reader.
func (d *Serial) Close() error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return nil
	}
	d.cancel()
	d.connected = false
	err := d.conn.Close()
	done := d.done
	d.mu.Unlock()

	<-done
	if err != nil {
		return fmt.Errorf("failed to close %s: %w", d.port, err)
	}
	return nil
}

// IsConnected returns whether the device is currently connected.
func (d *Serial) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// Stream returns the queue of completion packets received from the device.
func (d *Serial) Stream() *stream.Queue {
	return d.queue
}

// readLoop routes replies to the pending call and stream packets to the queue.
func (d *Serial) readLoop(ctx context.Context, conn io.Reader, done chan struct{}) {
	defer close(done)

	r := bufio.NewReader(conn)
	packets := newStreamAssembler()
	for {
		f, err := readFrame(r)
		if err != nil {
			if errors.Is(err, errBadFrame) {
				glog.Warningf("serial %s: dropping frame: %v", d.port, err)
				continue
			}
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				glog.Errorf("serial %s: read failed: %v", d.port, err)
			}
			return
		}

		if f.cmd == cmdStream {
			e, ok, err := packets.add(f.payload, time.Now())
			if err != nil {
				glog.Warningf("serial %s: dropping stream packet: %v", d.port, err)
			} else if ok {
				d.queue.Put(e)
			}
			continue
		}

		select {
		case d.replies <- f:
		case <-ctx.Done():
			return
		default:
			glog.Warningf("serial %s: unexpected reply seq=%d cmd=%s", d.port, f.seq, f.cmd)
		}
	}
}

// call sends one request and waits for its reply.
func (d *Serial) call(cmd command, args []byte) ([]byte, error) {
	d.mu.RLock()
	if !d.connected {
		d.mu.RUnlock()
		return nil, ErrNotConnected
	}
	conn, ctx := d.conn, d.ctx
	d.mu.RUnlock()

	d.callMu.Lock()
	defer d.callMu.Unlock()

	d.seq++
	seq := d.seq
	msg, err := encodeFrame(frame{seq: seq, cmd: cmd, payload: args})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	if _, err := conn.Write(msg); err != nil {
		return nil, fmt.Errorf("%s: failed to write request: %w", cmd, err)
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	for {
		select {
		case f := <-d.replies:
			if f.seq != seq || f.cmd != cmd {
				glog.Warningf("serial %s: stale reply seq=%d cmd=%s while waiting for seq=%d", d.port, f.seq, f.cmd, seq)
				continue
			}
			return replyPayload(cmd, f.payload)
		case <-timer.C:
			return nil, fmt.Errorf("%s: no reply after %v", cmd, d.timeout)
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", cmd, ErrNotConnected)
		}
	}
}

func replyPayload(cmd command, p []byte) ([]byte, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("%s: empty reply", cmd)
	}
	switch p[0] {
	case statusOK:
		return p[1:], nil
	case statusOutOfMemory:
		return nil, fmt.Errorf("%s: %w", cmd, ErrOutOfMemory)
	}
	return nil, fmt.Errorf("%s: device error %d: %s", cmd, p[0], string(p[1:]))
}

func (d *Serial) callU32(cmd command, args []byte) (uint32, error) {
	resp, err := d.call(cmd, args)
	if err != nil {
		return 0, err
	}
	dec := decoder{b: resp}
	v := dec.u32()
	return v, dec.err
}

func (d *Serial) callAlloc(cmd command, args []byte) (uint32, error) {
	addr, err := d.callU32(cmd, args)
	if err != nil {
		return 0, err
	}
	if addr == 0 {
		return 0, fmt.Errorf("%s: %w", cmd, ErrOutOfMemory)
	}
	return addr, nil
}

func (d *Serial) MemAlloc(size uint32) (uint32, error) {
	return d.callAlloc(cmdMemAlloc, (&encoder{}).u32(size).b)
}

func (d *Serial) MemAlignedAlloc(alignment, size uint32) (uint32, error) {
	return d.callAlloc(cmdMemAlignedAlloc, (&encoder{}).u32(alignment).u32(size).b)
}

func (d *Serial) MemAlignedAllocAndSet(alignment uint32, data []byte) (uint32, error) {
	if len(data) > maxChunk {
		return 0, fmt.Errorf("%s: %d bytes exceeds %d", cmdMemAlignedAllocAndSet, len(data), maxChunk)
	}
	return d.callAlloc(cmdMemAlignedAllocAndSet, (&encoder{}).u32(alignment).raw(data).b)
}

func (d *Serial) MemFree(addr uint32) error {
	_, err := d.call(cmdMemFree, (&encoder{}).u32(addr).b)
	return err
}

func (d *Serial) MemAlignedFree(addr uint32) error {
	_, err := d.call(cmdMemAlignedFree, (&encoder{}).u32(addr).b)
	return err
}

// MemCopyHostToDevice writes data in chunks that fit a frame.
func (d *Serial) MemCopyHostToDevice(addr uint32, data []byte) error {
	for off := 0; ; off += maxChunk {
		end := min(off+maxChunk, len(data))
		args := (&encoder{}).u32(addr + uint32(off)).raw(data[off:end]).b
		if _, err := d.call(cmdMemCopyHostToDevice, args); err != nil {
			return err
		}
		if end == len(data) {
			return nil
		}
	}
}

// MemCopyDeviceToHost reads length bytes in chunks that fit a frame.
func (d *Serial) MemCopyDeviceToHost(addr, length uint32) ([]byte, error) {
	out := make([]byte, 0, length)
	for off := uint32(0); off < length; off += maxChunk {
		n := length - off
		if n > maxChunk {
			n = maxChunk
		}
		resp, err := d.call(cmdMemCopyDeviceToHost, (&encoder{}).u32(addr+off).u32(n).b)
		if err != nil {
			return nil, err
		}
		if uint32(len(resp)) != n {
			return nil, fmt.Errorf("%s: got %d bytes, expected %d", cmdMemCopyDeviceToHost, len(resp), n)
		}
		out = append(out, resp...)
	}
	return out, nil
}

func (d *Serial) MemFillUint8(addr uint32, value uint8, count uint32) error {
	_, err := d.call(cmdMemFillUint8, (&encoder{}).u32(addr).u8(value).u32(count).b)
	return err
}

func (d *Serial) MemFillUint16(addr uint32, value uint16, count uint32) error {
	_, err := d.call(cmdMemFillUint16, (&encoder{}).u32(addr).u16(value).u32(count).b)
	return err
}

func (d *Serial) MemFillUint32(addr uint32, value uint32, count uint32) error {
	_, err := d.call(cmdMemFillUint32, (&encoder{}).u32(addr).u32(value).u32(count).b)
	return err
}

func (d *Serial) RAMFree() (uint32, error) {
	return d.callU32(cmdRAMFree, nil)
}

func (d *Serial) UpdateDMATCD(channel uint8, tcd dma.TCD) error {
	r := tcd.Record()
	_, err := d.call(cmdUpdateDMATCD, (&encoder{}).u8(channel).raw(r[:]).b)
	return err
}

func (d *Serial) ReadDMATCD(channel uint8) (dma.TCD, error) {
	resp, err := d.call(cmdReadDMATCD, (&encoder{}).u8(channel).b)
	if err != nil {
		return dma.TCD{}, err
	}
	return dma.ParseRecord(resp)
}

func (d *Serial) ResetDMATCD(channel uint8) error {
	_, err := d.call(cmdResetDMATCD, (&encoder{}).u8(channel).b)
	return err
}

func (d *Serial) UpdateDMAMuxChcfg(channel uint8, cfg dma.MuxConfig) error {
	_, err := d.call(cmdUpdateDMAMuxChcfg, (&encoder{}).u8(channel).u8(cfg.Value()).b)
	return err
}

func (d *Serial) UpdateDMARegisters(cmds ...dma.Command) error {
	e := (&encoder{}).u8(uint8(len(cmds)))
	for _, c := range cmds {
		e.u8(uint8(c.Op)).u8(c.Value())
	}
	_, err := d.call(cmdUpdateDMARegisters, e.b)
	return err
}

func (d *Serial) DMARegisters() (dma.Registers, error) {
	resp, err := d.call(cmdReadDMARegisters, nil)
	if err != nil {
		return dma.Registers{}, err
	}
	dec := decoder{b: resp}
	regs := dma.Registers{
		CR:  dec.u32(),
		ES:  dec.u32(),
		ERQ: dec.u32(),
		EEI: dec.u32(),
		INT: dec.u32(),
		ERR: dec.u32(),
		HRS: dec.u32(),
	}
	return regs, dec.err
}

func (d *Serial) DMAChannelCount() (int, error) {
	resp, err := d.call(cmdDMAChannelCount, nil)
	if err != nil {
		return 0, err
	}
	dec := decoder{b: resp}
	n := dec.u8()
	return int(n), dec.err
}

func (d *Serial) AttachDMAInterrupt(channel uint8) error {
	_, err := d.call(cmdAttachDMAInterrupt, (&encoder{}).u8(channel).b)
	return err
}

func (d *Serial) UpdateADCRegisters(adcNum uint8, writes ...adc.Write) error {
	e := (&encoder{}).u8(adcNum).u8(uint8(len(writes)))
	for _, w := range writes {
		e.u32(w.Offset).u32(w.Mask).u32(w.Value)
	}
	_, err := d.call(cmdUpdateADCRegisters, e.b)
	return err
}

func (d *Serial) EnableDMA(adcNum uint8) error {
	_, err := d.call(cmdEnableDMA, (&encoder{}).u8(adcNum).b)
	return err
}

func (d *Serial) SetReference(ref adc.Reference, adcNum uint8) error {
	_, err := d.call(cmdSetReference, (&encoder{}).u8(uint8(ref)).u8(adcNum).b)
	return err
}

func (d *Serial) SetAveraging(count int, adcNum uint8) error {
	_, err := d.call(cmdSetAveraging, (&encoder{}).u8(uint8(count)).u8(adcNum).b)
	return err
}

func (d *Serial) SetResolution(bits int, adcNum uint8) error {
	_, err := d.call(cmdSetResolution, (&encoder{}).u8(uint8(bits)).u8(adcNum).b)
	return err
}

func (d *Serial) UpdateSIMSCGC6(g sim.SCGC6) error {
	_, err := d.call(cmdUpdateSCGC6, (&encoder{}).u32(g.Mask()).b)
	return err
}

func (d *Serial) UpdateSIMSCGC7(g sim.SCGC7) error {
	_, err := d.call(cmdUpdateSCGC7, (&encoder{}).u32(g.Mask()).b)
	return err
}

func (d *Serial) StartDMAADC(pdbConfig, samplesAddr, length, streamID uint32) error {
	args := (&encoder{}).u32(pdbConfig).u32(samplesAddr).u32(length).u32(streamID).b
	_, err := d.call(cmdStartDMAADC, args)
	return err
}

// UpdateConfig sends the node configuration and, when save is set, asks
// the node to persist it.
func (d *Serial) UpdateConfig(cfg NodeConfig, save bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := d.call(cmdUpdateConfig, encodeNodeConfig(cfg)); err != nil {
		return err
	}
	if save {
		if _, err := d.call(cmdSaveConfig, nil); err != nil {
			return err
		}
	}
	return nil
}

func (d *Serial) ReadConfig() (NodeConfig, error) {
	resp, err := d.call(cmdReadConfig, nil)
	if err != nil {
		return NodeConfig{}, err
	}
	return decodeNodeConfig(resp)
}

func encodeNodeConfig(cfg NodeConfig) []byte {
	return (&encoder{}).u32(cfg.SerialNumber).u32(cfg.BaudRate).u8(cfg.I2CAddress).b
}

func decodeNodeConfig(b []byte) (NodeConfig, error) {
	dec := decoder{b: b}
	cfg := NodeConfig{
		SerialNumber: dec.u32(),
		BaudRate:     dec.u32(),
		I2CAddress:   dec.u8(),
	}
	return cfg, dec.err
}
