package sampler

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/itohio/teensydaq/pkg/stream"
)

// Results is one run read back from the sample buffer. Samples holds one
// row per channel in configuration order.
type Results struct {
	Channels []string
	Samples  [][]uint16
}

// Column returns the samples of the channel labelled label.
func (r Results) Column(label string) ([]uint16, bool) {
	for i, c := range r.Channels {
		if c == label {
			return r.Samples[i], true
		}
	}
	return nil, false
}

// decode splits a channel major buffer into per channel rows.
func decode(buf []byte, channels, samples int) [][]uint16 {
	out := make([][]uint16, channels)
	for c := range out {
		row := make([]uint16, samples)
		base := 2 * c * samples
		for i := range row {
			row[i] = binary.LittleEndian.Uint16(buf[base+2*i:])
		}
		out[c] = row
	}
	return out
}

// GetResults reads the sample buffer as it is now. It does not wait for a
// running acquisition; call Wait first.
func (s *Sampler) GetResults() (Results, error) {
	if s.state == Unconfigured {
		return Results{}, fmt.Errorf("%w: get results while %s", ErrInvalidState, s.state)
	}
	n := s.layout.BufferBytes()
	buf, err := s.dev.MemCopyDeviceToHost(s.layout.Buffer, n)
	if err != nil {
		return Results{}, fmt.Errorf("failed to read sample buffer: %w", err)
	}
	if uint32(len(buf)) != n {
		return Results{}, fmt.Errorf("short sample buffer read: %d of %d bytes", len(buf), n)
	}
	return Results{
		Channels: s.Channels(),
		Samples:  decode(buf, s.layout.Channels, s.layout.Samples),
	}, nil
}

// StreamFilter selects completion packets by stream id.
type StreamFilter func(id uint32) bool

// AnyStream accepts every packet sized for the session. Packets of another
// size belong to other sessions on the device and stay queued.
var AnyStream StreamFilter

// Stream accepts packets tagged with id.
func Stream(id uint32) StreamFilter {
	return func(got uint32) bool { return got == id }
}

// StreamRow is one sample index of a streamed run.
type StreamRow struct {
	StreamID uint32
	Time     time.Time
	Values   []uint16 // one per channel
}

// StreamResults is the table of rows decoded from completion packets.
type StreamResults struct {
	Channels []string
	Rows     []StreamRow
}

// GetResultsAsync takes every queued completion packet accepted by filter
// and decodes it into rows. Sample i of a packet is stamped with the packet's
// arrival plus i sample periods. Packets filtered out stay queued. A packet
// selected by stream id but of the wrong size is dropped.
func (s *Sampler) GetResultsAsync(filter StreamFilter) (StreamResults, error) {
	if s.state == Unconfigured {
		return StreamResults{}, fmt.Errorf("%w: get results while %s", ErrInvalidState, s.state)
	}
	want := int(s.layout.BufferBytes())
	match := func(e stream.Entry) bool { return len(e.Payload) == want }
	if filter != nil {
		match = func(e stream.Entry) bool { return filter(e.StreamID) }
	}

	res := StreamResults{Channels: s.Channels()}
	var period time.Duration
	if s.sampleRate > 0 {
		period = time.Duration(float64(time.Second) / s.sampleRate)
	}

	for _, e := range s.dev.Stream().Take(match) {
		if len(e.Payload) != want {
			glog.Warningf("sampler: dropping stream %d packet of %d bytes, expected %d",
				e.StreamID, len(e.Payload), want)
			continue
		}
		cols := decode(e.Payload, s.layout.Channels, s.layout.Samples)
		for i := 0; i < s.layout.Samples; i++ {
			row := StreamRow{
				StreamID: e.StreamID,
				Time:     e.Arrival.Add(time.Duration(i) * period),
				Values:   make([]uint16, len(cols)),
			}
			for c := range cols {
				row.Values[c] = cols[c][i]
			}
			res.Rows = append(res.Rows, row)
		}
	}
	return res, nil
}

// WaitResults blocks until at least one completion packet accepted by filter
// has been decoded, or ctx ends. Packets can trail completion on a serial
// link.
func (s *Sampler) WaitResults(ctx context.Context, filter StreamFilter) (StreamResults, error) {
	for {
		res, err := s.GetResultsAsync(filter)
		if err != nil || len(res.Rows) > 0 {
			return res, err
		}
		select {
		case <-ctx.Done():
			return res, fmt.Errorf("%w: no completion packet: %w", ErrAcquisitionTimeout, ctx.Err())
		case <-s.dev.Stream().Notify():
		}
	}
}
