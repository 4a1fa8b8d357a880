package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/itohio/teensydaq/pkg/adc"
)

// Config represents the application configuration.
type Config struct {
	Serial  SerialConfig  `yaml:"serial"`
	Catalog CatalogConfig `yaml:"catalog"`
	ADC     ADCConfig     `yaml:"adc"`
	Sampler SamplerConfig `yaml:"sampler"`
	Mock    MockConfig    `yaml:"mock"`
	Output  OutputConfig  `yaml:"output"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Port     string        `yaml:"port"`
	BaudRate int           `yaml:"baud_rate"`
	Timeout  time.Duration `yaml:"timeout"` // Per call reply timeout
}

// CatalogConfig selects the ADC timing catalog.
type CatalogConfig struct {
	Path     string  `yaml:"path"` // Empty generates the catalog
	BusClock float64 `yaml:"bus_clock"`
	ADCClock float64 `yaml:"adc_clock"`
}

// ADCConfig contains the conversion constraints.
type ADCConfig struct {
	Number        uint8      `yaml:"number"`
	Mode          adc.Mode   `yaml:"mode"`
	Resolution    int        `yaml:"resolution"` // 0 = any
	Averaging     int        `yaml:"averaging"`
	MinSampleRate float64    `yaml:"min_sample_rate"` // 0 = sample rate
	Reference     string     `yaml:"reference"`
	Gain          GainConfig `yaml:"gain"`
}

// GainConfig contains programmable gain amplifier settings.
type GainConfig struct {
	Enabled bool `yaml:"enabled"`
	Power   int  `yaml:"power"` // Gain is 2^power
}

// DMAConfig assigns physical DMA channels to the sampler roles.
type DMAConfig struct {
	Scatter       uint8 `yaml:"scatter"`
	ChannelSelect uint8 `yaml:"channel_select"`
	Conversion    uint8 `yaml:"conversion"`
}

// SamplerConfig contains acquisition parameters.
type SamplerConfig struct {
	Channels     []string      `yaml:"channels"`
	SampleCount  int           `yaml:"sample_count"`
	SampleRate   float64       `yaml:"sample_rate"` // Hz
	DMA          DMAConfig     `yaml:"dma"`
	StreamID     uint32        `yaml:"stream_id"`
	Runs         int           `yaml:"runs"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"` // Per run completion timeout
}

// OutputConfig controls how run results are reported.
type OutputConfig struct {
	VRef    float64 `yaml:"vref"`    // Volts at full scale
	Average int     `yaml:"average"` // Samples averaged per reported sample
	Preview int     `yaml:"preview"` // Samples printed per channel, 0 = summary only
}

// MockConfig contains mock device configuration.
type MockConfig struct {
	RAMSize      uint32  `yaml:"ram_size"`      // Simulated heap (bytes)
	ChannelCount int     `yaml:"channel_count"` // DMA channels
	BusClock     float64 `yaml:"bus_clock"`     // Hz, for paced runs
	Waveform     string  `yaml:"waveform"`      // ramp or sine
	Amplitude    float64 `yaml:"amplitude"`     // Fraction of full scale
	Frequency    float64 `yaml:"frequency"`     // Hz
	NoiseLevel   float64 `yaml:"noise_level"`   // Fraction of full scale
	Paced        bool    `yaml:"paced"`         // Sleep between triggers at the programmed rate
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:     "/dev/ttyACM0",
			BaudRate: 115200,
			Timeout:  2 * time.Second,
		},
		Catalog: CatalogConfig{
			BusClock: adc.DefaultBusClock,
			ADCClock: adc.DefaultADCClock,
		},
		ADC: ADCConfig{
			Number:     0,
			Mode:       adc.SingleEnded,
			Resolution: 12,
			Averaging:  1,
			Reference:  "default",
		},
		Sampler: SamplerConfig{
			Channels:     []string{"A0", "A1"},
			SampleCount:  128,
			SampleRate:   10000,
			DMA:          DMAConfig{Scatter: 0, ChannelSelect: 1, Conversion: 2},
			Runs:         1,
			PollInterval: 5 * time.Millisecond,
			Timeout:      5 * time.Second,
		},
		Mock: MockConfig{
			RAMSize:      64 * 1024,
			ChannelCount: 16,
			BusClock:     adc.DefaultBusClock,
			Waveform:     "sine",
			Amplitude:    0.8,
			Frequency:    50,
			NoiseLevel:   0.002,
		},
		Output: OutputConfig{
			VRef:    3.3,
			Average: 1,
			Preview: 8,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, return defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Query builds the timing catalog query for this configuration.
func (c *Config) Query() adc.Query {
	minRate := c.ADC.MinSampleRate
	if minRate == 0 {
		minRate = c.Sampler.SampleRate
	}
	return adc.Query{
		Mode:          c.ADC.Mode,
		Resolution:    c.ADC.Resolution,
		Averaging:     c.ADC.Averaging,
		MinSampleRate: minRate,
		Gain:          adc.Gain{Enabled: c.ADC.Gain.Enabled, Power: c.ADC.Gain.Power},
	}
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}
	if c.Serial.Timeout == 0 {
		c.Serial.Timeout = def.Serial.Timeout
	}

	if c.Catalog.BusClock == 0 {
		c.Catalog.BusClock = def.Catalog.BusClock
	}
	if c.Catalog.ADCClock == 0 {
		c.Catalog.ADCClock = def.Catalog.ADCClock
	}

	if c.ADC.Averaging == 0 {
		c.ADC.Averaging = def.ADC.Averaging
	}

	if len(c.Sampler.Channels) == 0 {
		c.Sampler.Channels = def.Sampler.Channels
	}
	if c.Sampler.SampleCount == 0 {
		c.Sampler.SampleCount = def.Sampler.SampleCount
	}
	if c.Sampler.SampleRate == 0 {
		c.Sampler.SampleRate = def.Sampler.SampleRate
	}
	if c.Sampler.DMA == (DMAConfig{}) {
		c.Sampler.DMA = def.Sampler.DMA
	}
	if c.Sampler.Runs == 0 {
		c.Sampler.Runs = def.Sampler.Runs
	}
	if c.Sampler.PollInterval == 0 {
		c.Sampler.PollInterval = def.Sampler.PollInterval
	}
	if c.Sampler.Timeout == 0 {
		c.Sampler.Timeout = def.Sampler.Timeout
	}

	if c.Mock.RAMSize == 0 {
		c.Mock.RAMSize = def.Mock.RAMSize
	}
	if c.Mock.ChannelCount == 0 {
		c.Mock.ChannelCount = def.Mock.ChannelCount
	}
	if c.Mock.BusClock == 0 {
		c.Mock.BusClock = def.Mock.BusClock
	}
	if c.Mock.Waveform == "" {
		c.Mock.Waveform = def.Mock.Waveform
	}

	if c.Output.VRef == 0 {
		c.Output.VRef = def.Output.VRef
	}
	if c.Output.Average == 0 {
		c.Output.Average = def.Output.Average
	}
}
