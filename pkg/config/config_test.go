package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/teensydaq/pkg/adc"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotNil(t, cfg)
	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
	assert.Equal(t, adc.DefaultBusClock, cfg.Catalog.BusClock)
	assert.Equal(t, adc.SingleEnded, cfg.ADC.Mode)
	assert.Equal(t, []string{"A0", "A1"}, cfg.Sampler.Channels)
	assert.Equal(t, DMAConfig{Scatter: 0, ChannelSelect: 1, Conversion: 2}, cfg.Sampler.DMA)
	assert.Equal(t, 5*time.Millisecond, cfg.Sampler.PollInterval)
	assert.Equal(t, uint32(64*1024), cfg.Mock.RAMSize)
}

func TestLoad_FileNotExists(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
}

func TestLoad_ValidYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	yamlContent := `
serial:
  port: "/dev/ttyUSB1"
  timeout: 500ms

adc:
  number: 1
  mode: differential
  resolution: 16
  averaging: 4
  gain:
    enabled: true
    power: 3

sampler:
  channels: [A10-A11, A12-A13]
  sample_count: 32
  sample_rate: 2000
  dma:
    scatter: 4
    channel_select: 5
    conversion: 6
  stream_id: 9

mock:
  waveform: ramp
  paced: true
`

	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB1", cfg.Serial.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.Serial.Timeout)
	assert.Equal(t, uint8(1), cfg.ADC.Number)
	assert.Equal(t, adc.Differential, cfg.ADC.Mode)
	assert.Equal(t, 16, cfg.ADC.Resolution)
	assert.Equal(t, 4, cfg.ADC.Averaging)
	assert.True(t, cfg.ADC.Gain.Enabled)
	assert.Equal(t, []string{"A10-A11", "A12-A13"}, cfg.Sampler.Channels)
	assert.Equal(t, DMAConfig{Scatter: 4, ChannelSelect: 5, Conversion: 6}, cfg.Sampler.DMA)
	assert.Equal(t, uint32(9), cfg.Sampler.StreamID)
	assert.Equal(t, "ramp", cfg.Mock.Waveform)
	assert.True(t, cfg.Mock.Paced)
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	_, err = tmpfile.WriteString("invalid: yaml: content: [")
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoad_InvalidMode(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	_, err = tmpfile.WriteString("adc:\n  mode: sideways\n")
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	_, err = Load(tmpfile.Name())
	assert.Error(t, err)
}

func TestLoad_PartialYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	yamlContent := `
sampler:
  sample_count: 16
`

	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)

	// Should use defaults for missing fields
	assert.Equal(t, 16, cfg.Sampler.SampleCount)
	assert.Equal(t, float64(10000), cfg.Sampler.SampleRate) // default
	assert.Equal(t, 1, cfg.Sampler.Runs)                    // default
	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)        // default
}

func TestSave(t *testing.T) {
	cfg := Default()
	cfg.Serial.Port = "/dev/ttyUSB0"
	cfg.ADC.Mode = adc.Differential

	tmpfile, err := os.CreateTemp("", "test_save_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	err = cfg.Save(tmpfile.Name())
	require.NoError(t, err)

	// Load it back and verify
	loaded, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", loaded.Serial.Port)
	assert.Equal(t, adc.Differential, loaded.ADC.Mode)
}

func TestConfig_Query(t *testing.T) {
	cfg := Default()
	q := cfg.Query()
	assert.Equal(t, cfg.Sampler.SampleRate, q.MinSampleRate)
	assert.Equal(t, 12, q.Resolution)

	cfg.ADC.MinSampleRate = 1
	assert.Equal(t, float64(1), cfg.Query().MinSampleRate)
}
