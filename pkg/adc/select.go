package adc

import (
	"errors"
	"fmt"
)

var (
	ErrNoMatchingConfiguration  = errors.New("no matching ADC configuration")
	ErrInvalidGainConfiguration = errors.New("invalid gain configuration")
)

// Gain requests the programmable gain amplifier. Gain is 1<<Power.
type Gain struct {
	Enabled bool
	Power   int
}

// ValidateGain checks that a gain request is usable in the given mode.
func ValidateGain(mode Mode, g Gain) error {
	if !g.Enabled {
		return nil
	}
	if mode != Differential {
		return fmt.Errorf("%w: PGA requires differential mode, got %s", ErrInvalidGainConfiguration, mode)
	}
	if g.Power < 0 || g.Power >= 8 {
		return fmt.Errorf("%w: gain power %d not in [0, 8)", ErrInvalidGainConfiguration, g.Power)
	}
	return nil
}

// Registers returns the PGA register write for the gain request.
func (g Gain) Registers() []Write {
	w := Write{Offset: RegPGA, Mask: PGAPGAEN | PGAPGAGMask}
	if g.Enabled {
		w.Value = PGAPGAEN | uint32(g.Power&0xf)<<16
	}
	return []Write{w}
}

// Query describes the constraints a timing configuration has to meet.
// Resolution and MinSampleRate are optional and ignored when zero.
type Query struct {
	Mode          Mode
	Resolution    int
	Averaging     int
	MinSampleRate float64
	Gain          Gain
}

// Selection is the chosen catalog row together with the resolution the
// caller asked for.
type Selection struct {
	TimingConfig
	Resolution int
	Gain       Gain
}

// Registers returns every register write needed to apply the selection.
func (s Selection) Registers() []Write {
	w := s.TimingConfig.Registers()
	if s.Gain.Enabled {
		w = append(w, s.Gain.Registers()...)
	}
	return w
}

// searchWidth returns the catalog bit width serving a requested resolution.
// Differential conversions spend one bit on the sign, so even requests below
// 16 bits use the next odd width.
func searchWidth(mode Mode, resolution int) (int, error) {
	switch resolution {
	case 8, 10, 12:
		if mode == Differential {
			return resolution + 1, nil
		}
		return resolution, nil
	case 16:
		return 16, nil
	}
	return 0, fmt.Errorf("%w: unsupported resolution %d", ErrNoMatchingConfiguration, resolution)
}

// Select returns the row with the lowest conversion rate that satisfies q.
func (c *Catalog) Select(q Query) (Selection, error) {
	if err := ValidateGain(q.Mode, q.Gain); err != nil {
		return Selection{}, err
	}

	width := 0
	if q.Resolution != 0 {
		w, err := searchWidth(q.Mode, q.Resolution)
		if err != nil {
			return Selection{}, err
		}
		width = w
	}

	best := -1
	for i, row := range c.rows {
		if row.Mode != q.Mode || row.AverageNum != q.Averaging {
			continue
		}
		if width != 0 && row.BitWidth != width {
			continue
		}
		if q.MinSampleRate > 0 && row.ConversionRate < q.MinSampleRate {
			continue
		}
		if best < 0 || row.ConversionRate < c.rows[best].ConversionRate {
			best = i
		}
	}
	if best < 0 {
		return Selection{}, fmt.Errorf("%w: mode=%s resolution=%d averaging=%d min rate=%v",
			ErrNoMatchingConfiguration, q.Mode, q.Resolution, q.Averaging, q.MinSampleRate)
	}

	sel := Selection{TimingConfig: c.rows[best], Resolution: q.Resolution, Gain: q.Gain}
	if sel.Resolution == 0 {
		sel.Resolution = sel.BitWidth
	}
	return sel, nil
}
