package isotp

import (
	"encoding/hex"
	"fmt"
)

// FrameSize is the size of one classic CAN transport unit.
const FrameSize = 8

const (
	MaxSingleLength      = 7     // SF_DL upper bound
	FirstFramePayload    = 6     // bytes carried by a First Frame
	MaxConsecutiveLength = 7     // bytes carried by a Consecutive Frame
	MinFirstLength       = 8     // smallest FF_DL, shorter messages fit a Single Frame
	MaxFirstLength       = 0xFFF // 12-bit FF_DL
	MaxSequenceNumber    = 0x0F
)

// Frame is one wire-exact 8-byte transport unit.
type Frame [FrameSize]byte

// String renders the frame the way the bus tools print it.
func (f Frame) String() string {
	return fmt.Sprintf("<Frame [%d] \"%s\">", FrameSize, hex.EncodeToString(f[:]))
}

// FrameType is the PCI type nibble.
type FrameType uint8

const (
	TypeSingle      FrameType = 0x0
	TypeFirst       FrameType = 0x1
	TypeConsecutive FrameType = 0x2
	TypeFlowControl FrameType = 0x3
)

func (t FrameType) String() string {
	switch t {
	case TypeSingle:
		return "SF"
	case TypeFirst:
		return "FF"
	case TypeConsecutive:
		return "CF"
	case TypeFlowControl:
		return "FC"
	}
	return fmt.Sprintf("PCI(0x%X)", uint8(t))
}

// FlowStatus 定义了流控帧的状态。
type FlowStatus uint8

const (
	FlowStatusContinueToSend FlowStatus = 0x00
	FlowStatusWait           FlowStatus = 0x01
	FlowStatusOverflow       FlowStatus = 0x02
)

func (s FlowStatus) String() string {
	switch s {
	case FlowStatusContinueToSend:
		return "CTS"
	case FlowStatusWait:
		return "WAIT"
	case FlowStatusOverflow:
		return "OVFLW"
	}
	return fmt.Sprintf("FS(0x%X)", uint8(s))
}

// BitOrder selects how nibble fields inside the PCI byte are addressed.
// Both orders describe the same wire layout: the PCI type always lands in
// the high nibble of byte 0.
type BitOrder uint8

const (
	// LSBFirst counts field offsets from bit 0 (the usual little-endian bit-field layout).
	LSBFirst BitOrder = iota
	// MSBFirst counts field offsets from bit 7.
	MSBFirst
)

func (o BitOrder) String() string {
	if o == MSBFirst {
		return "msb-first"
	}
	return "lsb-first"
}

// ParseBitOrder maps a configuration string to a BitOrder.
func ParseBitOrder(s string) (BitOrder, error) {
	switch s {
	case "", "lsb", "lsb-first", "little":
		return LSBFirst, nil
	case "msb", "msb-first", "big":
		return MSBFirst, nil
	}
	return LSBFirst, ParamError{NewIsoTpError(fmt.Sprintf("unknown bit order %q", s))}
}

// bitField addresses width bits at offset, counted from the end selected by order.
type bitField struct {
	order  BitOrder
	offset uint8
	width  uint8
}

func (b bitField) shift() uint8 {
	if b.order == MSBFirst {
		return 8 - b.offset - b.width
	}
	return b.offset
}

func (b bitField) mask() byte {
	return byte(1<<b.width) - 1
}

func (b bitField) get(v byte) byte {
	return (v >> b.shift()) & b.mask()
}

func (b bitField) set(v, field byte) byte {
	s := b.shift()
	return (v &^ (b.mask() << s)) | ((field & b.mask()) << s)
}
