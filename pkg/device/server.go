package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/glog"

	"github.com/itohio/teensydaq/pkg/adc"
	"github.com/itohio/teensydaq/pkg/dma"
	"github.com/itohio/teensydaq/pkg/sim"
)

// errUnknownCommand is answered with statusUnknownCommand.
var errUnknownCommand = errors.New("unknown command")

// Serve answers protocol requests read from conn by calling dev, and forwards
// dev's completion packets as stream frames. It returns when ctx is done or
// conn fails; conn is closed on return. dev must already be connected.
func Serve(ctx context.Context, conn io.ReadWriteCloser, dev Device) error {
	ctx, cancel := context.WithCancel(ctx)
	s := &server{conn: conn, dev: dev}

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer wg.Done()
		s.forwardStream(ctx)
	}()

	r := bufio.NewReader(conn)
	for {
		f, err := readFrame(r)
		if err != nil {
			if errors.Is(err, errBadFrame) {
				glog.Warningf("serve: dropping frame: %v", err)
				continue
			}
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read request: %w", err)
		}

		status, data := s.handle(f)
		if err := s.write(frame{seq: f.seq, cmd: f.cmd, payload: append([]byte{status}, data...)}); err != nil {
			return err
		}
	}
}

type server struct {
	conn io.Writer
	dev  Device

	mu sync.Mutex
}

func (s *server) write(f frame) error {
	msg, err := encodeFrame(f)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.conn.Write(msg); err != nil {
		return fmt.Errorf("failed to write %s: %w", f.cmd, err)
	}
	return nil
}

func (s *server) forwardStream(ctx context.Context) {
	q := s.dev.Stream()
	for {
		for _, e := range q.Take(nil) {
			for _, f := range streamFrames(e.StreamID, e.Payload) {
				if err := s.write(f); err != nil {
					glog.Errorf("serve: failed to forward stream %d: %v", e.StreamID, err)
					break
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-q.Notify():
		}
	}
}

// handle runs one request and returns the reply status and data.
func (s *server) handle(f frame) (uint8, []byte) {
	glog.V(3).Infof("serve: %s seq=%d len=%d", f.cmd, f.seq, len(f.payload))

	dec := &decoder{b: f.payload}
	data, err := s.dispatch(f.cmd, dec)
	switch {
	case dec.err != nil:
		return statusBadRequest, []byte(dec.err.Error())
	case err == nil:
		return statusOK, data
	case errors.Is(err, errUnknownCommand):
		return statusUnknownCommand, []byte(f.cmd.String())
	case errors.Is(err, ErrOutOfMemory):
		return statusOutOfMemory, nil
	}
	return statusError, []byte(err.Error())
}

func u32Reply(v uint32, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	return (&encoder{}).u32(v).b, nil
}

func (s *server) dispatch(cmd command, dec *decoder) ([]byte, error) {
	dev := s.dev
	switch cmd {
	case cmdMemAlloc:
		return u32Reply(dev.MemAlloc(dec.u32()))
	case cmdMemAlignedAlloc:
		align := dec.u32()
		return u32Reply(dev.MemAlignedAlloc(align, dec.u32()))
	case cmdMemAlignedAllocAndSet:
		align := dec.u32()
		return u32Reply(dev.MemAlignedAllocAndSet(align, dec.rest()))
	case cmdMemFree:
		return nil, dev.MemFree(dec.u32())
	case cmdMemAlignedFree:
		return nil, dev.MemAlignedFree(dec.u32())
	case cmdMemCopyHostToDevice:
		addr := dec.u32()
		return nil, dev.MemCopyHostToDevice(addr, dec.rest())
	case cmdMemCopyDeviceToHost:
		addr := dec.u32()
		n := dec.u32()
		if dec.err != nil {
			return nil, dec.err
		}
		if n > maxChunk {
			return nil, fmt.Errorf("read of %d bytes exceeds %d", n, maxChunk)
		}
		return dev.MemCopyDeviceToHost(addr, n)
	case cmdMemFillUint8:
		addr, v := dec.u32(), dec.u8()
		return nil, dev.MemFillUint8(addr, v, dec.u32())
	case cmdMemFillUint16:
		addr, v := dec.u32(), dec.u16()
		return nil, dev.MemFillUint16(addr, v, dec.u32())
	case cmdMemFillUint32:
		addr, v := dec.u32(), dec.u32()
		return nil, dev.MemFillUint32(addr, v, dec.u32())
	case cmdRAMFree:
		return u32Reply(dev.RAMFree())

	case cmdUpdateDMATCD:
		ch := dec.u8()
		tcd, err := dma.ParseRecord(dec.rest())
		if err != nil {
			return nil, err
		}
		return nil, dev.UpdateDMATCD(ch, tcd)
	case cmdReadDMATCD:
		tcd, err := dev.ReadDMATCD(dec.u8())
		if err != nil {
			return nil, err
		}
		r := tcd.Record()
		return r[:], nil
	case cmdResetDMATCD:
		return nil, dev.ResetDMATCD(dec.u8())
	case cmdUpdateDMAMuxChcfg:
		ch := dec.u8()
		return nil, dev.UpdateDMAMuxChcfg(ch, dma.MuxConfigFrom(dec.u8()))
	case cmdUpdateDMARegisters:
		n := int(dec.u8())
		cmds := make([]dma.Command, 0, n)
		for i := 0; i < n; i++ {
			op := dma.Op(dec.u8())
			cmds = append(cmds, dma.CommandFrom(op, dec.u8()))
		}
		if dec.err != nil {
			return nil, dec.err
		}
		return nil, dev.UpdateDMARegisters(cmds...)
	case cmdReadDMARegisters:
		r, err := dev.DMARegisters()
		if err != nil {
			return nil, err
		}
		return (&encoder{}).u32(r.CR).u32(r.ES).u32(r.ERQ).u32(r.EEI).u32(r.INT).u32(r.ERR).u32(r.HRS).b, nil
	case cmdDMAChannelCount:
		n, err := dev.DMAChannelCount()
		if err != nil {
			return nil, err
		}
		return []byte{uint8(n)}, nil
	case cmdAttachDMAInterrupt:
		return nil, dev.AttachDMAInterrupt(dec.u8())

	case cmdUpdateADCRegisters:
		adcNum := dec.u8()
		n := int(dec.u8())
		writes := make([]adc.Write, 0, n)
		for i := 0; i < n; i++ {
			writes = append(writes, adc.Write{Offset: dec.u32(), Mask: dec.u32(), Value: dec.u32()})
		}
		if dec.err != nil {
			return nil, dec.err
		}
		return nil, dev.UpdateADCRegisters(adcNum, writes...)
	case cmdEnableDMA:
		return nil, dev.EnableDMA(dec.u8())
	case cmdSetReference:
		ref := adc.Reference(dec.u8())
		return nil, dev.SetReference(ref, dec.u8())
	case cmdSetAveraging:
		count := int(dec.u8())
		return nil, dev.SetAveraging(count, dec.u8())
	case cmdSetResolution:
		bits := int(dec.u8())
		return nil, dev.SetResolution(bits, dec.u8())
	case cmdUpdateSCGC6:
		return nil, dev.UpdateSIMSCGC6(sim.SCGC6FromMask(dec.u32()))
	case cmdUpdateSCGC7:
		return nil, dev.UpdateSIMSCGC7(sim.SCGC7FromMask(dec.u32()))
	case cmdStartDMAADC:
		config, addr, length, id := dec.u32(), dec.u32(), dec.u32(), dec.u32()
		if dec.err != nil {
			return nil, dec.err
		}
		return nil, dev.StartDMAADC(config, addr, length, id)

	case cmdUpdateConfig:
		cfg, err := decodeNodeConfig(dec.rest())
		if err != nil {
			return nil, err
		}
		return nil, dev.UpdateConfig(cfg, false)
	case cmdSaveConfig:
		cfg, err := dev.ReadConfig()
		if err != nil {
			return nil, err
		}
		return nil, dev.UpdateConfig(cfg, true)
	case cmdReadConfig:
		cfg, err := dev.ReadConfig()
		if err != nil {
			return nil, err
		}
		return encodeNodeConfig(cfg), nil
	}
	return nil, errUnknownCommand
}
