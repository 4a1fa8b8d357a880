package sample

import (
	"fmt"
	"math"
)

// Stats summarises one channel of a run.
type Stats struct {
	Count  int
	Min    float64
	Max    float64
	Mean   float64
	RMS    float64
	StdDev float64 // population, i.e. AC RMS
}

func (s Stats) String() string {
	return fmt.Sprintf("n=%d min=%.4f max=%.4f mean=%.4f rms=%.4f std=%.4f",
		s.Count, s.Min, s.Max, s.Mean, s.RMS, s.StdDev)
}

// Summarize computes statistics of values.
func Summarize(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	st := Stats{Count: len(values), Min: math.Inf(1), Max: math.Inf(-1)}
	var sum, sumSq float64
	for _, v := range values {
		st.Min = math.Min(st.Min, v)
		st.Max = math.Max(st.Max, v)
		sum += v
		sumSq += v * v
	}
	n := float64(len(values))
	st.Mean = sum / n
	st.RMS = math.Sqrt(sumSq / n)
	// clamp rounding below zero for constant inputs
	st.StdDev = math.Sqrt(math.Max(0, sumSq/n-st.Mean*st.Mean))
	return st
}

// SummarizeChannels computes statistics for every channel of samples.
func SummarizeChannels(samples []Sample) []Stats {
	if len(samples) == 0 {
		return nil
	}
	out := make([]Stats, len(samples[0].Values))
	var col []float64
	for c := range out {
		col = Column(col, samples, c)
		out[c] = Summarize(col)
	}
	return out
}
