package adc

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Default clocks used to compute conversion times.
const (
	DefaultBusClock = 48e6
	DefaultADCClock = 22e6

	// MaxADCClock16Bit is the highest ADC clock allowed for 16-bit conversions.
	MaxADCClock16Bit = 11e6
	// HighSpeedADCClock is the ADC clock at and above which ADHSC must be set.
	HighSpeedADCClock = 8e6
)

// Mode is the input mode of a conversion.
type Mode uint8

const (
	SingleEnded Mode = iota
	Differential
)

func (m Mode) String() string {
	switch m {
	case SingleEnded:
		return "single-ended"
	case Differential:
		return "differential"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "single-ended", "single", "se":
		*m = SingleEnded
	case "differential", "diff":
		*m = Differential
	default:
		return fmt.Errorf("unknown ADC mode %q", string(b))
	}
	return nil
}

// TimingConfig is one row of the conversion timing catalog.
type TimingConfig struct {
	BitWidth   int  `yaml:"bit_width"`
	AverageNum int  `yaml:"average_num"`
	Mode       Mode `yaml:"mode"`

	ADICLK  uint8 `yaml:"adiclk"`
	ADIV    uint8 `yaml:"adiv"`
	ADLSMP  bool  `yaml:"adlsmp"`
	ADLSTS  uint8 `yaml:"adlsts"`
	ADHSC   bool  `yaml:"adhsc"`
	ADACKEN bool  `yaml:"adacken"`

	// Conversion time components: bus clock cycles, fixed microseconds and
	// ADC clock cycles.
	BusCycles    float64 `yaml:"bus_cycles"`
	ExtraMicros  float64 `yaml:"extra_us"`
	ADCK         float64 `yaml:"adck"`
	ADCKBCT      float64 `yaml:"adck_bct"`
	ADCKLSTAdder float64 `yaml:"adck_lst_adder"`
	ADCKHSCAdder float64 `yaml:"adck_hsc_adder"`

	ADCClock       float64 `yaml:"adc_clock"`
	ConversionTime float64 `yaml:"conversion_time"`
	ConversionRate float64 `yaml:"conversion_rate"`
}

// Catalog is an immutable table of timing configurations sorted by
// conversion time.
type Catalog struct {
	rows []TimingConfig
}

// Rows returns a copy of the catalog rows.
func (c *Catalog) Rows() []TimingConfig {
	return append([]TimingConfig(nil), c.rows...)
}

// Len returns the number of rows.
func (c *Catalog) Len() int {
	return len(c.rows)
}

// NewCatalog wraps rows that already carry their conversion times.
func NewCatalog(rows []TimingConfig) *Catalog {
	rows = append([]TimingConfig(nil), rows...)
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].ConversionTime < rows[j].ConversionTime
	})
	return &Catalog{rows: rows}
}

var (
	singleEndedWidths  = []int{8, 10, 12, 16}
	differentialWidths = []int{9, 11, 13, 16}
	averageNums        = []int{1, 4, 8, 16, 32}
	lstAdders          = [4]float64{20, 12, 6, 2}
)

// Base conversion time in ADC clocks.
func baseConversionCycles(mode Mode, bits int) float64 {
	if mode == Differential {
		switch bits {
		case 9:
			return 27
		case 11, 13:
			return 30
		default:
			return 34
		}
	}
	switch bits {
	case 8:
		return 17
	case 10, 12:
		return 20
	default:
		return 25
	}
}

// GenerateCatalog enumerates every bus-clock driven timing configuration and
// computes conversion times for the given clocks.
func GenerateCatalog(busClock, adcClock float64) *Catalog {
	var raw []TimingConfig
	for _, mode := range []Mode{SingleEnded, Differential} {
		widths := singleEndedWidths
		if mode == Differential {
			widths = differentialWidths
		}
		for _, bits := range widths {
			for _, avg := range averageNums {
				for lst := -1; lst < 4; lst++ {
					for _, hsc := range []bool{false, true} {
						row := TimingConfig{
							BitWidth:   bits,
							AverageNum: avg,
							Mode:       mode,
							ADICLK:     1,
							ADHSC:      hsc,
							BusCycles:  5,
							ADCK:       3,
							ADCKBCT:    baseConversionCycles(mode, bits),
						}
						if lst >= 0 {
							row.ADLSMP = true
							row.ADLSTS = uint8(lst)
						}
						raw = append(raw, row)
					}
				}
			}
		}
	}
	return prepare(raw, busClock, adcClock)
}

// LoadCatalog reads raw catalog rows from a YAML file and computes their
// conversion times.
func LoadCatalog(path string, busClock, adcClock float64) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	var raw []TimingConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}
	c := prepare(raw, busClock, adcClock)
	if c.Len() == 0 {
		return nil, fmt.Errorf("catalog %s has no usable rows", path)
	}
	return c, nil
}

// SaveCatalog writes the catalog rows to a YAML file.
func SaveCatalog(path string, c *Catalog) error {
	data, err := yaml.Marshal(c.rows)
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write catalog file: %w", err)
	}
	return nil
}

// prepare keeps rows clocked from bus/2 without the asynchronous clock,
// applies the clock limits, computes conversion times and drops duplicates.
func prepare(raw []TimingConfig, busClock, adcClock float64) *Catalog {
	seen := make(map[TimingConfig]bool)
	var rows []TimingConfig
	for _, row := range raw {
		if row.ADACKEN || row.ADICLK != 1 {
			continue
		}
		row.ADIV = 0
		row.ADCClock = adcClock
		if row.BitWidth >= 16 && row.ADCClock > MaxADCClock16Bit {
			row.ADCClock = MaxADCClock16Bit
		}
		if row.ADCClock >= HighSpeedADCClock {
			row.ADHSC = true
		}
		row.ADCKLSTAdder = 0
		if row.ADLSMP {
			row.ADCKLSTAdder = lstAdders[row.ADLSTS&0x3]
		}
		row.ADCKHSCAdder = 0
		if row.ADHSC {
			row.ADCKHSCAdder = 2
		}
		row.ConversionTime = row.BusCycles/busClock + row.ExtraMicros*1e-6 +
			(row.ADCK+float64(row.AverageNum)*(row.ADCKBCT+row.ADCKLSTAdder+row.ADCKHSCAdder))/row.ADCClock
		row.ConversionRate = 1 / row.ConversionTime

		if seen[row] {
			continue
		}
		seen[row] = true
		rows = append(rows, row)
	}
	return NewCatalog(rows)
}

// mode encodes CFG1[MODE] for the row's bit width.
func (t TimingConfig) mode() uint32 {
	switch t.BitWidth {
	case 8, 9:
		return 0
	case 12, 13:
		return 1
	case 10, 11:
		return 2
	}
	return 3
}

// Registers returns the CFG1, CFG2 and SC3 writes that apply this timing
// configuration.
func (t TimingConfig) Registers() []Write {
	cfg1 := uint32(t.ADICLK)&0x3 | t.mode()<<2 | uint32(t.ADIV&0x3)<<5
	if t.ADLSMP {
		cfg1 |= CFG1ADLSMP
	}

	cfg2 := uint32(t.ADLSTS & 0x3)
	if t.ADHSC {
		cfg2 |= CFG2ADHSC
	}
	if t.ADACKEN {
		cfg2 |= CFG2ADACKEN
	}

	var sc3 uint32
	if t.AverageNum > 1 {
		sc3 = SC3AVGE | averagingSelect(t.AverageNum)
	}

	return []Write{
		{Offset: RegCFG1, Mask: CFG1ADICLKMask | CFG1MODEMask | CFG1ADLSMP | CFG1ADIVMask, Value: cfg1},
		{Offset: RegCFG2, Mask: CFG2ADLSTSMask | CFG2ADHSC | CFG2ADACKEN, Value: cfg2},
		{Offset: RegSC3, Mask: SC3AVGE | SC3AVGSMask, Value: sc3},
	}
}

func averagingSelect(n int) uint32 {
	switch {
	case n <= 4:
		return 0
	case n <= 8:
		return 1
	case n <= 16:
		return 2
	}
	return 3
}
