// Package sample turns streamed acquisition rows into voltages and
// summaries.
package sample

import (
	"time"

	"github.com/golang/glog"

	"github.com/itohio/teensydaq/pkg/sampler"
)

// Sample is one sample index of a run converted to volts, one value per
// channel.
type Sample struct {
	Timestamp time.Time
	StreamID  uint32
	Values    []float64 // V
}

// Scale converts raw conversion results to volts.
type Scale struct {
	VRef         float64 // V at full scale
	Bits         int     // conversion width
	Differential bool    // results are two's complement, -VRef..VRef
}

// Volts converts one result.
func (s Scale) Volts(code uint16) float64 {
	bits := s.Bits
	if bits <= 0 || bits > 16 {
		bits = 16
	}
	if s.Differential {
		// sign extend from the conversion width
		shift := 16 - bits
		v := int16(code<<shift) >> shift
		full := float64(int(1)<<(bits-1)) - 1
		return float64(v) / full * s.VRef
	}
	full := float64(int(1)<<bits) - 1
	return float64(code) / full * s.VRef
}

// Convert converts one streamed row.
func (s Scale) Convert(row sampler.StreamRow) Sample {
	out := Sample{Timestamp: row.Time, StreamID: row.StreamID, Values: make([]float64, len(row.Values))}
	for i, v := range row.Values {
		out.Values[i] = s.Volts(v)
	}
	return out
}

// Converter turns a channel of streamed rows into a channel of samples.
type Converter func(in <-chan sampler.StreamRow) <-chan Sample

// NewConverter creates a converter applying scale to every row.
func NewConverter(scale Scale, bufSize int) Converter {
	if bufSize <= 0 {
		bufSize = 100
	}

	return func(in <-chan sampler.StreamRow) <-chan Sample {
		out := make(chan Sample, bufSize)

		go func() {
			defer close(out)

			for row := range in {
				select {
				case out <- scale.Convert(row):
				case <-time.After(time.Second):
					glog.Warning("sample: converter output full, dropping sample")
				}
			}
		}()

		return out
	}
}

// Rows feeds the rows of a streamed result table into a channel that is
// closed after the last row.
func Rows(res sampler.StreamResults) <-chan sampler.StreamRow {
	out := make(chan sampler.StreamRow, len(res.Rows))
	for _, r := range res.Rows {
		out <- r
	}
	close(out)
	return out
}
