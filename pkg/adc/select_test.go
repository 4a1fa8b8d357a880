package adc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func row(bits, avg int, mode Mode, rate float64) TimingConfig {
	return TimingConfig{
		BitWidth:       bits,
		AverageNum:     avg,
		Mode:           mode,
		ADICLK:         1,
		ConversionRate: rate,
		ConversionTime: 1 / rate,
	}
}

func TestSelect_PicksLowestQualifyingRate(t *testing.T) {
	target := row(12, 1, SingleEnded, 250000)
	c := NewCatalog([]TimingConfig{
		row(12, 1, SingleEnded, 400000),
		target,
		row(12, 1, SingleEnded, 90000),
		row(10, 1, SingleEnded, 150000),
		row(12, 4, SingleEnded, 120000),
		row(13, 1, Differential, 110000),
	})

	sel, err := c.Select(Query{Mode: SingleEnded, Resolution: 12, Averaging: 1, MinSampleRate: 100000})
	require.NoError(t, err)
	assert.Equal(t, target, sel.TimingConfig)
	assert.Equal(t, 12, sel.Resolution)
}

func TestSelect_DifferentialEvenResolution(t *testing.T) {
	c := NewCatalog([]TimingConfig{
		row(12, 1, Differential, 100000),
		row(13, 1, Differential, 200000),
		row(16, 1, Differential, 50000),
	})

	sel, err := c.Select(Query{Mode: Differential, Resolution: 12, Averaging: 1})
	require.NoError(t, err)
	assert.Equal(t, 13, sel.BitWidth)
	assert.Equal(t, 12, sel.Resolution)

	sel, err = c.Select(Query{Mode: Differential, Resolution: 16, Averaging: 1})
	require.NoError(t, err)
	assert.Equal(t, 16, sel.BitWidth)
}

func TestSelect_NoMatch(t *testing.T) {
	c := GenerateCatalog(DefaultBusClock, DefaultADCClock)

	tests := []struct {
		name string
		q    Query
	}{
		{"averaging not in catalog", Query{Mode: SingleEnded, Averaging: 2}},
		{"unsupported resolution", Query{Mode: SingleEnded, Resolution: 14, Averaging: 1}},
		{"rate too high", Query{Mode: SingleEnded, Resolution: 16, Averaging: 32, MinSampleRate: 1e6}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Select(tt.q)
			assert.True(t, errors.Is(err, ErrNoMatchingConfiguration), "got %v", err)
		})
	}
}

func TestSelect_MatchesBruteForce(t *testing.T) {
	c := GenerateCatalog(DefaultBusClock, DefaultADCClock)
	rows := c.Rows()

	for _, mode := range []Mode{SingleEnded, Differential} {
		for _, res := range []int{0, 8, 10, 12, 16} {
			for _, avg := range averageNums {
				for _, minRate := range []float64{0, 1e4, 1e5, 3e5, 6e5} {
					q := Query{Mode: mode, Resolution: res, Averaging: avg, MinSampleRate: minRate}

					width := 0
					if res != 0 {
						width, _ = searchWidth(mode, res)
					}
					var want *TimingConfig
					for i := range rows {
						r := &rows[i]
						if r.Mode != mode || r.AverageNum != avg {
							continue
						}
						if width != 0 && r.BitWidth != width {
							continue
						}
						if r.ConversionRate < minRate {
							continue
						}
						if want == nil || r.ConversionRate < want.ConversionRate {
							want = r
						}
					}

					sel, err := c.Select(q)
					if want == nil {
						assert.True(t, errors.Is(err, ErrNoMatchingConfiguration), "%+v", q)
						continue
					}
					require.NoError(t, err, "%+v", q)
					assert.Equal(t, want.ConversionRate, sel.ConversionRate, "%+v", q)
					assert.GreaterOrEqual(t, sel.ConversionRate, minRate)
				}
			}
		}
	}
}

func TestValidateGain(t *testing.T) {
	tests := []struct {
		name    string
		mode    Mode
		gain    Gain
		wantErr bool
	}{
		{"disabled", SingleEnded, Gain{}, false},
		{"differential", Differential, Gain{Enabled: true, Power: 3}, false},
		{"single ended", SingleEnded, Gain{Enabled: true, Power: 1}, true},
		{"negative", Differential, Gain{Enabled: true, Power: -1}, true},
		{"too large", Differential, Gain{Enabled: true, Power: 8}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGain(tt.mode, tt.gain)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidGainConfiguration))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSelect_GainRejected(t *testing.T) {
	c := GenerateCatalog(DefaultBusClock, DefaultADCClock)
	_, err := c.Select(Query{Mode: SingleEnded, Averaging: 1, Gain: Gain{Enabled: true, Power: 2}})
	assert.True(t, errors.Is(err, ErrInvalidGainConfiguration))
}

func TestSelection_Registers(t *testing.T) {
	sel := Selection{
		TimingConfig: row(13, 1, Differential, 100000),
		Gain:         Gain{Enabled: true, Power: 2},
	}
	w := sel.Registers()
	require.Len(t, w, 4)
	pga := w[3].Apply(0)
	assert.Equal(t, uint32(PGAPGAEN|2<<16), pga)
}

func TestChannelCodes(t *testing.T) {
	codes, err := ChannelCodes([]string{"A0", "a1", "TEMP"}, false)
	require.NoError(t, err)
	assert.Equal(t, []uint32{5, 14, 26}, codes)

	codes, err = ChannelCodes([]string{"A10"}, true)
	require.NoError(t, err)
	assert.Equal(t, []uint32{SC1ADIFF}, codes)

	_, err = ChannelCodes([]string{"B7"}, false)
	assert.Error(t, err)
}
