package sample

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/teensydaq/pkg/sampler"
)

func TestScaleVolts(t *testing.T) {
	tests := []struct {
		name  string
		scale Scale
		code  uint16
		want  float64
	}{
		{"zero", Scale{VRef: 3.3, Bits: 12}, 0, 0},
		{"full 12 bit", Scale{VRef: 3.3, Bits: 12}, 4095, 3.3},
		{"half 12 bit", Scale{VRef: 3.3, Bits: 12}, 2047, 1.65},
		{"full 16 bit", Scale{VRef: 1.2, Bits: 16}, 0xffff, 1.2},
		{"default width", Scale{VRef: 3.3}, 0x8000, 1.65},
		{"differential positive", Scale{VRef: 3.3, Bits: 13, Differential: true}, 4095, 3.3},
		{"differential negative", Scale{VRef: 3.3, Bits: 13, Differential: true}, 0x1000, -3.3},
		{"differential 16 bit", Scale{VRef: 3.3, Bits: 16, Differential: true}, 0xc000, -1.65},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.scale.Volts(tt.code), 0.01)
		})
	}
}

func testRows(n int, streamID uint32) []sampler.StreamRow {
	now := time.Now()
	rows := make([]sampler.StreamRow, n)
	for i := range rows {
		rows[i] = sampler.StreamRow{
			StreamID: streamID,
			Time:     now.Add(time.Duration(i) * time.Millisecond),
			Values:   []uint16{uint16(i), 255},
		}
	}
	return rows
}

func TestConverter(t *testing.T) {
	rows := testRows(5, 3)
	conv := NewConverter(Scale{VRef: 2.55, Bits: 8}, 0)

	var got []Sample
	for s := range conv(Rows(sampler.StreamResults{Rows: rows})) {
		got = append(got, s)
	}
	require.Len(t, got, 5)
	for i, s := range got {
		assert.Equal(t, rows[i].Time, s.Timestamp)
		assert.Equal(t, uint32(3), s.StreamID)
		assert.InDelta(t, float64(i)*0.01, s.Values[0], 1e-9)
		assert.InDelta(t, 2.55, s.Values[1], 1e-9)
	}
	assert.Equal(t, 4*time.Millisecond, Span(got))
}

func TestConverter_ClosesOutput(t *testing.T) {
	in := make(chan sampler.StreamRow)
	out := NewConverter(Scale{VRef: 3.3, Bits: 12}, 1)(in)
	close(in)

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("output not closed")
	}
}

func TestAveragingConverter(t *testing.T) {
	rows := append(testRows(5, 1), testRows(2, 2)...)
	conv := NewAveragingConverter(Scale{VRef: 255, Bits: 8}, 2, 0)

	var got []Sample
	for s := range conv(Rows(sampler.StreamResults{Rows: rows})) {
		got = append(got, s)
	}
	// stream 1: {0,1} {2,3} {4}; stream 2: {0,1}
	require.Len(t, got, 4)
	want := []float64{0.5, 2.5, 4, 0.5}
	for i, s := range got {
		assert.InDelta(t, want[i], s.Values[0], 1e-9, "sample %d", i)
		assert.InDelta(t, 255, s.Values[1], 1e-9)
	}
	assert.Equal(t, uint32(1), got[2].StreamID)
	assert.Equal(t, uint32(2), got[3].StreamID)
	assert.Equal(t, rows[2].Time, got[1].Timestamp)
}
