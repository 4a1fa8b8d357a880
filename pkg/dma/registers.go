package dma

import "fmt"

// Controller register offsets from ControllerBase.
const (
	ControllerBase uint32 = 0x40008000

	RegCR  uint32 = 0x00
	RegES  uint32 = 0x04
	RegERQ uint32 = 0x0c
	RegEEI uint32 = 0x14
	RegINT uint32 = 0x24
	RegERR uint32 = 0x2c
	RegHRS uint32 = 0x34
)

// Error status bits of DMA_ES.
const (
	ESDBE = 1 << 0  // destination bus error
	ESSBE = 1 << 1  // source bus error
	ESSGE = 1 << 2  // scatter/gather configuration error
	ESNCE = 1 << 3  // NBYTES/CITER configuration error
	ESDOE = 1 << 4  // destination offset error
	ESDAE = 1 << 5  // destination address error
	ESSOE = 1 << 6  // source offset error
	ESSAE = 1 << 7  // source address error
	ESCPE = 1 << 14 // channel priority error
	ESECX = 1 << 16 // transfer cancelled
	ESVLD = 1 << 31
)

var esFlags = []struct {
	name string
	bit  uint32
}{
	{"DBE", ESDBE},
	{"SBE", ESSBE},
	{"SGE", ESSGE},
	{"NCE", ESNCE},
	{"DOE", ESDOE},
	{"DAE", ESDAE},
	{"SOE", ESSOE},
	{"SAE", ESSAE},
	{"CPE", ESCPE},
	{"ECX", ESECX},
}

// ESErrChn extracts the channel number of the last recorded error.
func ESErrChn(es uint32) uint8 {
	return uint8(es>>8) & 0xf
}

// Registers is a snapshot of the controller-level registers.
type Registers struct {
	CR  uint32
	ES  uint32
	ERQ uint32
	EEI uint32
	INT uint32
	ERR uint32
	HRS uint32
}

// Field is a named register field value.
type Field struct {
	Name  string
	Value uint32
}

func (f Field) String() string {
	return fmt.Sprintf("%s=0x%x", f.Name, f.Value)
}

// Table lists every register as a field, in register order.
func (r Registers) Table() []Field {
	return []Field{
		{"DMA_CR", r.CR},
		{"DMA_ES", r.ES},
		{"DMA_ERQ", r.ERQ},
		{"DMA_EEI", r.EEI},
		{"DMA_INT", r.INT},
		{"DMA_ERR", r.ERR},
		{"DMA_HRS", r.HRS},
	}
}

// Errors returns the error fields that are set, or nil when the controller
// reports no error.
func (r Registers) Errors() []Field {
	var fields []Field
	if r.ERR != 0 {
		fields = append(fields, Field{"DMA_ERR", r.ERR})
	}
	for _, f := range esFlags {
		if r.ES&f.bit != 0 {
			fields = append(fields, Field{"DMA_ES[" + f.name + "]", 1})
		}
	}
	if len(fields) > 0 && r.ES&ESVLD != 0 {
		fields = append(fields, Field{"DMA_ES[ERRCHN]", uint32(ESErrChn(r.ES))})
	}
	return fields
}

// Op is one of the byte-wide channel command registers.
type Op uint8

const (
	OpCEEI Op = 0x18
	OpSEEI Op = 0x19
	OpCERQ Op = 0x1a
	OpSERQ Op = 0x1b
	OpCDNE Op = 0x1c
	OpSSRT Op = 0x1d
	OpCERR Op = 0x1e
	OpCINT Op = 0x1f
)

func (o Op) String() string {
	switch o {
	case OpCEEI:
		return "CEEI"
	case OpSEEI:
		return "SEEI"
	case OpCERQ:
		return "CERQ"
	case OpSERQ:
		return "SERQ"
	case OpCDNE:
		return "CDNE"
	case OpSSRT:
		return "SSRT"
	case OpCERR:
		return "CERR"
	case OpCINT:
		return "CINT"
	}
	return fmt.Sprintf("Op(0x%02x)", uint8(o))
}

// Command is a write to a channel command register. All applies the
// operation to every channel.
type Command struct {
	Op      Op
	Channel uint8
	All     bool
}

// Value returns the byte written to the command register.
func (c Command) Value() uint8 {
	if c.All {
		return 1 << 6
	}
	return c.Channel & 0xf
}

// CommandFrom decodes a command register write.
func CommandFrom(op Op, v uint8) Command {
	if v&(1<<6) != 0 {
		return Command{Op: op, All: true}
	}
	return Command{Op: op, Channel: v & 0xf}
}

func (c Command) String() string {
	if c.All {
		return c.Op.String() + "[all]"
	}
	return fmt.Sprintf("%s[%d]", c.Op, c.Channel)
}

func SERQ(ch uint8) Command { return Command{Op: OpSERQ, Channel: ch} }
func CERQ(ch uint8) Command { return Command{Op: OpCERQ, Channel: ch} }
func CINT(ch uint8) Command { return Command{Op: OpCINT, Channel: ch} }
func CERR(ch uint8) Command { return Command{Op: OpCERR, Channel: ch} }
func CDNE(ch uint8) Command { return Command{Op: OpCDNE, Channel: ch} }
