package sampler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/itohio/teensydaq/pkg/adc"
	"github.com/itohio/teensydaq/pkg/dma"
)

var (
	ErrSessionAllocationFailed = errors.New("session allocation failed")
	ErrDescriptorUploadFailed  = errors.New("descriptor upload failed")
	ErrDMAConfiguration        = errors.New("DMA configuration error")
	ErrAcquisitionTimeout      = errors.New("acquisition timeout")
	ErrInvalidState            = errors.New("invalid sampler state")

	// Selector errors, re-exported so callers can match everything the
	// sampler returns against this package.
	ErrNoMatchingConfiguration  = adc.ErrNoMatchingConfiguration
	ErrInvalidGainConfiguration = adc.ErrInvalidGainConfiguration
)

// DMAError reports the DMA error status found after a configuration step.
type DMAError struct {
	Step   string
	Fields []dma.Field
}

func (e *DMAError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return fmt.Sprintf("%v after %s: %s", ErrDMAConfiguration, e.Step, strings.Join(parts, ", "))
}

func (e *DMAError) Unwrap() error {
	return ErrDMAConfiguration
}
