package dma

import (
	"encoding/binary"
	"fmt"
)

// TCDSize is the size of one transfer control descriptor record in bytes.
const TCDSize = 32

// TCDAlignment is the alignment required for descriptors loaded through
// scatter-gather.
const TCDAlignment = 32

// Size is the ATTR[SSIZE]/ATTR[DSIZE] transfer size encoding.
type Size uint8

const (
	Size8Bit   Size = 0
	Size16Bit  Size = 1
	Size32Bit  Size = 2
	Size16Byte Size = 4
)

// Bytes returns the number of bytes moved per read or write of this size.
// Reserved encodings return 0.
func (s Size) Bytes() int {
	switch s {
	case Size8Bit:
		return 1
	case Size16Bit:
		return 2
	case Size32Bit:
		return 4
	case Size16Byte:
		return 16
	}
	return 0
}

// Attr is the TCD transfer attributes register (21.3.19).
type Attr struct {
	SMOD  uint8 // source address modulo, 5 bits
	SSIZE Size  // 3 bits
	DMOD  uint8 // destination address modulo, 5 bits
	DSIZE Size  // 3 bits
}

// Value packs the attributes into the 16-bit register layout.
func (a Attr) Value() uint16 {
	return uint16(a.SMOD&0x1f)<<11 | uint16(a.SSIZE&0x7)<<8 |
		uint16(a.DMOD&0x1f)<<3 | uint16(a.DSIZE&0x7)
}

func attrFrom(v uint16) Attr {
	return Attr{
		SMOD:  uint8(v>>11) & 0x1f,
		SSIZE: Size(v>>8) & 0x7,
		DMOD:  uint8(v>>3) & 0x1f,
		DSIZE: Size(v) & 0x7,
	}
}

// Iteration is a CITER or BITER register. When ELINK is set the low 9 bits
// hold the count and LINKCH selects the channel started after each minor
// loop; otherwise the count uses 15 bits.
type Iteration struct {
	ELINK  bool
	LINKCH uint8
	ITER   uint16
}

// MaxIter returns the largest count representable with the current ELINK
// setting.
func (it Iteration) MaxIter() uint16 {
	if it.ELINK {
		return 0x1ff
	}
	return 0x7fff
}

// Value packs the iteration count into the 16-bit register layout.
func (it Iteration) Value() uint16 {
	if it.ELINK {
		return 1<<15 | uint16(it.LINKCH&0xf)<<9 | it.ITER&0x1ff
	}
	return it.ITER & 0x7fff
}

func iterationFrom(v uint16) Iteration {
	if v&(1<<15) != 0 {
		return Iteration{ELINK: true, LINKCH: uint8(v>>9) & 0xf, ITER: v & 0x1ff}
	}
	return Iteration{ITER: v & 0x7fff}
}

// CSR bit positions (21.3.29).
const (
	CSRStart      = 1 << 0
	CSRIntMajor   = 1 << 1
	CSRIntHalf    = 1 << 2
	CSRDReq       = 1 << 3
	CSRESG        = 1 << 4
	CSRMajorELink = 1 << 5
	CSRActive     = 1 << 6
	CSRDone       = 1 << 7
)

// CSR is the TCD control and status register.
type CSR struct {
	START       bool
	INTMAJOR    bool
	INTHALF     bool
	DREQ        bool
	ESG         bool
	MAJORELINK  bool
	ACTIVE      bool
	DONE        bool
	MAJORLINKCH uint8 // 4 bits
	BWC         uint8 // 2 bits
}

// Value packs the control/status fields into the 16-bit register layout.
func (c CSR) Value() uint16 {
	var v uint16
	flags := []struct {
		set bool
		bit uint16
	}{
		{c.START, CSRStart},
		{c.INTMAJOR, CSRIntMajor},
		{c.INTHALF, CSRIntHalf},
		{c.DREQ, CSRDReq},
		{c.ESG, CSRESG},
		{c.MAJORELINK, CSRMajorELink},
		{c.ACTIVE, CSRActive},
		{c.DONE, CSRDone},
	}
	for _, f := range flags {
		if f.set {
			v |= f.bit
		}
	}
	v |= uint16(c.MAJORLINKCH&0xf) << 8
	v |= uint16(c.BWC&0x3) << 14
	return v
}

func csrFrom(v uint16) CSR {
	return CSR{
		START:       v&CSRStart != 0,
		INTMAJOR:    v&CSRIntMajor != 0,
		INTHALF:     v&CSRIntHalf != 0,
		DREQ:        v&CSRDReq != 0,
		ESG:         v&CSRESG != 0,
		MAJORELINK:  v&CSRMajorELink != 0,
		ACTIVE:      v&CSRActive != 0,
		DONE:        v&CSRDone != 0,
		MAJORLINKCH: uint8(v>>8) & 0xf,
		BWC:         uint8(v>>14) & 0x3,
	}
}

// TCD is a transfer control descriptor. The zero value is the reset state
// of a hardware descriptor.
//
// Record layout (little endian):
//
//	0  SADDR    u32    16 DADDR    u32
//	4  SOFF     i16    20 DOFF     i16
//	6  ATTR     u16    22 CITER    u16
//	8  NBYTES   u32    24 DLASTSGA i32
//	12 SLAST    i32    28 CSR      u16
//	                   30 BITER    u16
type TCD struct {
	SADDR    uint32
	SOFF     int16
	ATTR     Attr
	NBYTES   uint32
	SLAST    int32
	DADDR    uint32
	DOFF     int16
	CITER    Iteration
	DLASTSGA int32
	CSR      CSR
	BITER    Iteration
}

// Record encodes the descriptor into its 32-byte hardware layout.
func (t TCD) Record() [TCDSize]byte {
	var b [TCDSize]byte
	le := binary.LittleEndian
	le.PutUint32(b[0:], t.SADDR)
	le.PutUint16(b[4:], uint16(t.SOFF))
	le.PutUint16(b[6:], t.ATTR.Value())
	le.PutUint32(b[8:], t.NBYTES)
	le.PutUint32(b[12:], uint32(t.SLAST))
	le.PutUint32(b[16:], t.DADDR)
	le.PutUint16(b[20:], uint16(t.DOFF))
	le.PutUint16(b[22:], t.CITER.Value())
	le.PutUint32(b[24:], uint32(t.DLASTSGA))
	le.PutUint16(b[28:], t.CSR.Value())
	le.PutUint16(b[30:], t.BITER.Value())
	return b
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (t TCD) MarshalBinary() ([]byte, error) {
	r := t.Record()
	return r[:], nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (t *TCD) UnmarshalBinary(b []byte) error {
	tcd, err := ParseRecord(b)
	if err != nil {
		return err
	}
	*t = tcd
	return nil
}

// ParseRecord decodes a 32-byte hardware descriptor record.
func ParseRecord(b []byte) (TCD, error) {
	if len(b) != TCDSize {
		return TCD{}, fmt.Errorf("invalid TCD record length: expected %d bytes, got %d", TCDSize, len(b))
	}
	le := binary.LittleEndian
	return TCD{
		SADDR:    le.Uint32(b[0:]),
		SOFF:     int16(le.Uint16(b[4:])),
		ATTR:     attrFrom(le.Uint16(b[6:])),
		NBYTES:   le.Uint32(b[8:]),
		SLAST:    int32(le.Uint32(b[12:])),
		DADDR:    le.Uint32(b[16:]),
		DOFF:     int16(le.Uint16(b[20:])),
		CITER:    iterationFrom(le.Uint16(b[22:])),
		DLASTSGA: int32(le.Uint32(b[24:])),
		CSR:      csrFrom(le.Uint16(b[28:])),
		BITER:    iterationFrom(le.Uint16(b[30:])),
	}, nil
}

// Validate checks the invariants software must uphold before handing a
// descriptor to the engine: CITER loaded identically to BITER, counts within
// range, and a 32-byte aligned next-descriptor address when scatter-gather
// is enabled.
func (t TCD) Validate() error {
	if t.CITER != t.BITER {
		return fmt.Errorf("CITER %+v does not match BITER %+v", t.CITER, t.BITER)
	}
	if t.CITER.ITER > t.CITER.MaxIter() {
		return fmt.Errorf("major loop count %d exceeds %d", t.CITER.ITER, t.CITER.MaxIter())
	}
	if t.CSR.ESG && uint32(t.DLASTSGA)%TCDAlignment != 0 {
		return fmt.Errorf("scatter-gather address 0x%08x is not %d-byte aligned", uint32(t.DLASTSGA), TCDAlignment)
	}
	return nil
}
