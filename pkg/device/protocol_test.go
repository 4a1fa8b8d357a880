package device

import (
	"bufio"
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC16(t *testing.T) {
	// CRC-16/MCRF4XX check value
	assert.Equal(t, uint16(0x6f91), crc16([]byte("123456789")))
	assert.Equal(t, uint16(0xffff), crc16(nil))
}

func TestReadFrame(t *testing.T) {
	good, err := encodeFrame(frame{seq: 7, cmd: cmdMemAlloc, payload: []byte{1, 2, 3, 4}})
	require.NoError(t, err)
	bad := bytes.Clone(good)
	bad[6] ^= 0xff

	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x13, 0x37}) // line noise
	buf.Write(bad)
	buf.Write(good)
	r := bufio.NewReader(&buf)

	_, err = readFrame(r)
	assert.ErrorIs(t, err, errBadFrame)

	f, err := readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, uint8(7), f.seq)
	assert.Equal(t, cmdMemAlloc, f.cmd)
	assert.Equal(t, []byte{1, 2, 3, 4}, f.payload)

	_, err = readFrame(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrame_TooLong(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{frameSync, 0xff, 0xff, 0, 0}))
	_, err := readFrame(r)
	assert.ErrorIs(t, err, errBadFrame)

	_, err = encodeFrame(frame{payload: make([]byte, MaxPayload+1)})
	assert.Error(t, err)
}

func TestDecoder(t *testing.T) {
	b := (&encoder{}).u8(1).u16(0x0203).u32(0x04050607).raw([]byte("xy")).b
	assert.Equal(t, []byte{1, 3, 2, 7, 6, 5, 4, 'x', 'y'}, b)

	dec := decoder{b: b}
	assert.Equal(t, uint8(1), dec.u8())
	assert.Equal(t, uint16(0x0203), dec.u16())
	assert.Equal(t, uint32(0x04050607), dec.u32())
	assert.Equal(t, []byte("xy"), dec.rest())
	assert.NoError(t, dec.err)

	assert.Zero(t, dec.u32())
	assert.Error(t, dec.err)
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "mem_alloc", cmdMemAlloc.String())
	assert.Equal(t, "cmd(0x77)", command(0x77).String())
}

func TestStreamFrames(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		frames int
	}{
		{"empty", 0, 1},
		{"one chunk", maxChunk, 1},
		{"split", maxChunk + 1, 2},
		{"beyond one frame", MaxPayload + 100, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := make([]byte, tt.size)
			for i := range payload {
				payload[i] = byte(i * 7)
			}
			frames := streamFrames(3, payload)
			require.Len(t, frames, tt.frames)

			a := newStreamAssembler()
			start := time.Now()
			for i, f := range frames {
				_, err := encodeFrame(f)
				require.NoError(t, err)
				e, ok, err := a.add(f.payload, start.Add(time.Duration(i)*time.Millisecond))
				require.NoError(t, err)
				require.Equal(t, i == len(frames)-1, ok, "frame %d", i)
				if ok {
					assert.Equal(t, uint32(3), e.StreamID)
					assert.Equal(t, start, e.Arrival)
					assert.Equal(t, payload, e.Payload)
				}
			}
			assert.Empty(t, a.partial)
		})
	}
}

func TestStreamAssembler_Gaps(t *testing.T) {
	payload := make([]byte, 3*maxChunk)
	frames := streamFrames(1, payload)
	require.Len(t, frames, 3)
	now := time.Now()

	a := newStreamAssembler()
	_, _, err := a.add(frames[0].payload, now)
	require.NoError(t, err)
	_, _, err = a.add(frames[2].payload, now)
	assert.Error(t, err)
	assert.Empty(t, a.partial)

	// a continuation without its start
	_, _, err = a.add(frames[1].payload, now)
	assert.Error(t, err)

	_, _, err = a.add([]byte{1, 2, 3}, now)
	assert.ErrorIs(t, err, errBadFrame)

	// the next complete packet still goes through
	frames = streamFrames(2, []byte{9, 8, 7})
	require.Len(t, frames, 1)
	e, ok, err := a.add(frames[0].payload, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{9, 8, 7}, e.Payload)
}
