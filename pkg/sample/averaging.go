package sample

import (
	"time"

	"github.com/itohio/teensydaq/pkg/sampler"
)

// NewAveragingConverter creates a converter that averages every windowSize
// consecutive rows of the same stream into one sample. A partial window is
// flushed when the stream id changes or the input closes.
func NewAveragingConverter(scale Scale, windowSize int, bufSize int) Converter {
	if windowSize <= 0 {
		windowSize = 1 // No averaging if invalid
	}
	if bufSize <= 0 {
		bufSize = 100
	}

	convert := NewConverter(scale, bufSize)
	return func(in <-chan sampler.StreamRow) <-chan Sample {
		return Average(convert(in), windowSize, bufSize)
	}
}

// Average averages every windowSize consecutive samples of the same stream.
// The result carries the timestamp of the first sample of its window.
func Average(in <-chan Sample, windowSize int, bufSize int) <-chan Sample {
	if windowSize <= 0 {
		windowSize = 1
	}
	if bufSize <= 0 {
		bufSize = 100
	}
	out := make(chan Sample, bufSize)

	go func() {
		defer close(out)

		var window []Sample
		flush := func() {
			if len(window) == 0 {
				return
			}
			out <- averageSamples(window)
			window = window[:0]
		}

		for s := range in {
			if len(window) > 0 && window[0].StreamID != s.StreamID {
				flush()
			}
			window = append(window, s)
			if len(window) == windowSize {
				flush()
			}
		}
		flush()
	}()

	return out
}

// averageSamples averages a non-empty window channel by channel.
func averageSamples(samples []Sample) Sample {
	first := samples[0]
	avg := Sample{
		Timestamp: first.Timestamp,
		StreamID:  first.StreamID,
		Values:    make([]float64, len(first.Values)),
	}
	for _, s := range samples {
		for c := range avg.Values {
			if c < len(s.Values) {
				avg.Values[c] += s.Values[c]
			}
		}
	}
	n := float64(len(samples))
	for c := range avg.Values {
		avg.Values[c] /= n
	}
	return avg
}

// Span returns the time covered by samples.
func Span(samples []Sample) time.Duration {
	if len(samples) < 2 {
		return 0
	}
	return samples[len(samples)-1].Timestamp.Sub(samples[0].Timestamp)
}
