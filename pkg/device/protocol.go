package device

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/itohio/teensydaq/pkg/stream"
)

// Frame layout: sync | len (u16 LE) | seq | cmd | payload | crc16 (BE).
// The CRC covers everything between sync and the CRC.
const (
	frameSync        = 0x7e
	frameHeaderSize  = 5
	frameTrailerSize = 2

	// MaxPayload is the largest frame payload.
	MaxPayload = 32 * 1024
	// maxChunk is the memory copy chunk size.
	maxChunk = 4096
)

var errBadFrame = errors.New("bad frame")

type command uint8

const (
	cmdMemAlloc command = iota + 1
	cmdMemAlignedAlloc
	cmdMemAlignedAllocAndSet
	cmdMemFree
	cmdMemAlignedFree
	cmdMemCopyHostToDevice
	cmdMemCopyDeviceToHost
	cmdMemFillUint8
	cmdMemFillUint16
	cmdMemFillUint32
	cmdRAMFree
	cmdUpdateDMATCD
	cmdReadDMATCD
	cmdResetDMATCD
	cmdUpdateDMAMuxChcfg
	cmdUpdateDMARegisters
	cmdReadDMARegisters
	cmdDMAChannelCount
	cmdAttachDMAInterrupt
	cmdUpdateADCRegisters
	cmdEnableDMA
	cmdSetReference
	cmdSetAveraging
	cmdSetResolution
	cmdUpdateSCGC6
	cmdUpdateSCGC7
	cmdStartDMAADC
	cmdUpdateConfig
	cmdSaveConfig
	cmdReadConfig

	// cmdStream marks unsolicited completion packets.
	cmdStream command = 0xf0
)

var commandNames = map[command]string{
	cmdMemAlloc:              "mem_alloc",
	cmdMemAlignedAlloc:       "mem_aligned_alloc",
	cmdMemAlignedAllocAndSet: "mem_aligned_alloc_and_set",
	cmdMemFree:               "mem_free",
	cmdMemAlignedFree:        "mem_aligned_free",
	cmdMemCopyHostToDevice:   "mem_cpy_host_to_device",
	cmdMemCopyDeviceToHost:   "mem_cpy_device_to_host",
	cmdMemFillUint8:          "mem_fill_uint8",
	cmdMemFillUint16:         "mem_fill_uint16",
	cmdMemFillUint32:         "mem_fill_uint32",
	cmdRAMFree:               "ram_free",
	cmdUpdateDMATCD:          "update_dma_TCD",
	cmdReadDMATCD:            "read_dma_TCD",
	cmdResetDMATCD:           "reset_dma_TCD",
	cmdUpdateDMAMuxChcfg:     "update_dma_mux_chcfg",
	cmdUpdateDMARegisters:    "update_dma_registers",
	cmdReadDMARegisters:      "read_dma_registers",
	cmdDMAChannelCount:       "dma_channel_count",
	cmdAttachDMAInterrupt:    "attach_dma_interrupt",
	cmdUpdateADCRegisters:    "update_adc_registers",
	cmdEnableDMA:             "enableDMA",
	cmdSetReference:          "setReference",
	cmdSetAveraging:          "setAveraging",
	cmdSetResolution:         "setResolution",
	cmdUpdateSCGC6:           "update_sim_SCGC6",
	cmdUpdateSCGC7:           "update_sim_SCGC7",
	cmdStartDMAADC:           "start_dma_adc",
	cmdUpdateConfig:          "update_config",
	cmdSaveConfig:            "save_config",
	cmdReadConfig:            "read_config",
	cmdStream:                "stream",
}

func (c command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("cmd(0x%02x)", uint8(c))
}

// Reply status codes carried in the first payload byte.
const (
	statusOK uint8 = iota
	statusError
	statusOutOfMemory
	statusUnknownCommand
	statusBadRequest
)

type frame struct {
	seq     uint8
	cmd     command
	payload []byte
}

// crc16 is the CCITT variant used by Klipper style serial protocols.
func crc16(data []byte) uint16 {
	crc := uint16(0xffff)
	for _, b := range data {
		b ^= uint8(crc & 0xff)
		b ^= b << 4
		b16 := uint16(b)
		crc = (b16<<8 | crc>>8) ^ (b16 >> 4) ^ (b16 << 3)
	}
	return crc
}

func encodeFrame(f frame) ([]byte, error) {
	if len(f.payload) > MaxPayload {
		return nil, fmt.Errorf("payload too long: %d bytes (max %d)", len(f.payload), MaxPayload)
	}
	out := make([]byte, 0, frameHeaderSize+len(f.payload)+frameTrailerSize)
	out = append(out, frameSync)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(f.payload)))
	out = append(out, f.seq, uint8(f.cmd))
	out = append(out, f.payload...)
	out = binary.BigEndian.AppendUint16(out, crc16(out[1:]))
	return out, nil
}

// readFrame reads the next frame, skipping bytes until a sync byte. A frame
// with a bad length or CRC returns errBadFrame; the caller may keep reading.
func readFrame(r *bufio.Reader) (frame, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return frame{}, err
		}
		if b == frameSync {
			break
		}
	}

	var hdr [frameHeaderSize - 1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}
	n := int(binary.LittleEndian.Uint16(hdr[0:]))
	if n > MaxPayload {
		return frame{}, fmt.Errorf("%w: length %d", errBadFrame, n)
	}
	body := make([]byte, n+frameTrailerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return frame{}, err
	}

	crc := crc16(append(hdr[:], body[:n]...))
	if got := binary.BigEndian.Uint16(body[n:]); got != crc {
		return frame{}, fmt.Errorf("%w: crc 0x%04x, expected 0x%04x", errBadFrame, got, crc)
	}
	return frame{seq: hdr[2], cmd: command(hdr[3]), payload: body[:n]}, nil
}

// Stream frames carry id (u32) | total (u32) | offset (u32) | chunk. A
// completion packet is sent as consecutive chunks of at most maxChunk bytes.
const streamHeaderSize = 12

// streamFrames splits a completion packet into stream frames. An empty packet
// still yields one frame.
func streamFrames(id uint32, payload []byte) []frame {
	var frames []frame
	for off := 0; off == 0 || off < len(payload); off += maxChunk {
		end := min(off+maxChunk, len(payload))
		b := (&encoder{}).u32(id).u32(uint32(len(payload))).u32(uint32(off)).raw(payload[off:end]).b
		frames = append(frames, frame{cmd: cmdStream, payload: b})
	}
	return frames
}

type partialPacket struct {
	arrival time.Time
	total   int
	buf     []byte
}

// streamAssembler rebuilds completion packets from stream frames. Chunks of
// one packet must arrive in order; a gap drops the packet.
type streamAssembler struct {
	partial map[uint32]*partialPacket
}

func newStreamAssembler() *streamAssembler {
	return &streamAssembler{partial: make(map[uint32]*partialPacket)}
}

// add consumes one stream frame payload and returns the packet it completes.
// The entry is stamped with the arrival of its first chunk.
func (a *streamAssembler) add(payload []byte, now time.Time) (stream.Entry, bool, error) {
	if len(payload) < streamHeaderSize {
		return stream.Entry{}, false, fmt.Errorf("%w: stream header of %d bytes", errBadFrame, len(payload))
	}
	dec := decoder{b: payload}
	id, total, off := dec.u32(), int(dec.u32()), int(dec.u32())
	chunk := dec.rest()

	p := a.partial[id]
	if off == 0 {
		p = &partialPacket{arrival: now, total: total, buf: make([]byte, 0, total)}
		a.partial[id] = p
	}
	switch {
	case p == nil:
		return stream.Entry{}, false, fmt.Errorf("stream %d: chunk at %d without start", id, off)
	case p.total != total || len(p.buf) != off || off+len(chunk) > total:
		delete(a.partial, id)
		return stream.Entry{}, false, fmt.Errorf("stream %d: chunk %d+%d does not follow %d of %d bytes",
			id, off, len(chunk), len(p.buf), p.total)
	}
	p.buf = append(p.buf, chunk...)
	if len(p.buf) < p.total {
		return stream.Entry{}, false, nil
	}
	delete(a.partial, id)
	return stream.Entry{Arrival: p.arrival, StreamID: id, Payload: p.buf}, true, nil
}

// encoder builds little endian argument payloads.
type encoder struct {
	b []byte
}

func (e *encoder) u8(v uint8) *encoder {
	e.b = append(e.b, v)
	return e
}

func (e *encoder) u16(v uint16) *encoder {
	e.b = binary.LittleEndian.AppendUint16(e.b, v)
	return e
}

func (e *encoder) u32(v uint32) *encoder {
	e.b = binary.LittleEndian.AppendUint32(e.b, v)
	return e
}

func (e *encoder) raw(v []byte) *encoder {
	e.b = append(e.b, v...)
	return e
}

// decoder reads little endian arguments, remembering the first short read.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return make([]byte, n)
	}
	if len(d.b) < n {
		d.err = fmt.Errorf("short payload: need %d bytes, have %d", n, len(d.b))
		return make([]byte, n)
	}
	v := d.b[:n]
	d.b = d.b[n:]
	return v
}

func (d *decoder) u8() uint8   { return d.take(1)[0] }
func (d *decoder) u16() uint16 { return binary.LittleEndian.Uint16(d.take(2)) }
func (d *decoder) u32() uint32 { return binary.LittleEndian.Uint32(d.take(4)) }

func (d *decoder) rest() []byte {
	v := d.b
	d.b = nil
	return v
}
