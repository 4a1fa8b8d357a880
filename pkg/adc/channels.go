package adc

import (
	"fmt"
	"strings"
)

// SC1A fields.
const (
	SC1ADIFF = 1 << 5
	SC1AAIEN = 1 << 6
	SC1ACOCO = 1 << 7

	// SC1AADCHMask selects the input channel; all ones disables the module.
	SC1AADCHMask     = 0x1f
	SC1AADCHDisabled = 0x1f
)

// channelCodes maps Teensy 3.x analog labels to ADC0 SC1A codes with CFG2
// MUXSEL set to the B channels.
var channelCodes = map[string]uint32{
	"A0":  5,
	"A1":  14,
	"A2":  8,
	"A3":  9,
	"A4":  13,
	"A5":  12,
	"A6":  6,
	"A7":  7,
	"A8":  15,
	"A9":  4,
	"A10": 0,
	"A11": 19,
	"A12": 3,
	"A13": 31,
	"A14": 23,

	"A10-A11": 0 | SC1ADIFF,
	"A12-A13": 3 | SC1ADIFF,

	"VREF_OUT": 22,
	"TEMP":     26,
	"BANDGAP":  27,
	"VREFH":    29,
	"VREFL":    30,
}

// ChannelCode returns the SC1A code for an analog input label. Labels are
// case insensitive.
func ChannelCode(label string) (uint32, error) {
	code, ok := channelCodes[strings.ToUpper(label)]
	if !ok {
		return 0, fmt.Errorf("unknown analog channel %q", label)
	}
	return code, nil
}

// ChannelCodes resolves labels in order. Differential selects the
// differential variant of each code.
func ChannelCodes(labels []string, differential bool) ([]uint32, error) {
	codes := make([]uint32, len(labels))
	for i, label := range labels {
		code, err := ChannelCode(label)
		if err != nil {
			return nil, err
		}
		if differential {
			code |= SC1ADIFF
		}
		codes[i] = code
	}
	return codes, nil
}
