package isotp

import "fmt"

// Codec packs and unpacks the four transport frame kinds into caller-supplied
// 8-byte frames. It holds no state besides the bit-order strategy and never allocates.
type Codec struct {
	order BitOrder
	pci   bitField // PCI type nibble
	low   bitField // SF_DL / FF_DL high nibble / SN / FS
}

// NewCodec returns a codec addressing PCI fields with the given bit order.
func NewCodec(order BitOrder) Codec {
	c := Codec{order: order}
	switch order {
	case MSBFirst:
		c.pci = bitField{order: order, offset: 0, width: 4}
		c.low = bitField{order: order, offset: 4, width: 4}
	default:
		c.order = LSBFirst
		c.pci = bitField{order: LSBFirst, offset: 4, width: 4}
		c.low = bitField{order: LSBFirst, offset: 0, width: 4}
	}
	return c
}

// DefaultCodec uses the little-endian bit-field layout.
var DefaultCodec = NewCodec(LSBFirst)

func (c Codec) Order() BitOrder { return c.order }

// Type returns the PCI type nibble of f.
func (c Codec) Type(f *Frame) FrameType {
	return FrameType(c.pci.get(f[0]))
}

func (c Codec) header(t FrameType, low byte) byte {
	return c.low.set(c.pci.set(0, byte(t)), low)
}

func zero(dst *Frame) {
	*dst = Frame{}
}

// PackSingle writes a Single Frame carrying payload[:length].
func (c Codec) PackSingle(dst *Frame, payload []byte, length int) error {
	if dst == nil || payload == nil {
		return ParamError{}
	}
	if length < 1 || length > MaxSingleLength {
		return LengthError{NewIsoTpError(fmt.Sprintf("SF length %d out of range 1..%d", length, MaxSingleLength))}
	}
	if len(payload) < length {
		return ParamError{NewIsoTpError(fmt.Sprintf("payload holds %d bytes, %d requested", len(payload), length))}
	}
	zero(dst)
	dst[0] = c.header(TypeSingle, byte(length))
	copy(dst[1:], payload[:length])
	return nil
}

// UnpackSingle returns the payload slice of src and its SF_DL.
// The returned slice aliases src.
func (c Codec) UnpackSingle(src *Frame) ([]byte, int, error) {
	if src == nil {
		return nil, 0, ParamError{}
	}
	if t := c.Type(src); t != TypeSingle {
		return nil, 0, TypeError{NewIsoTpError(fmt.Sprintf("expected SF, got %s", t))}
	}
	length := int(c.low.get(src[0]))
	if length > MaxSingleLength {
		return nil, 0, LengthError{NewIsoTpError(fmt.Sprintf("SF length %d exceeds %d", length, MaxSingleLength))}
	}
	return src[1 : 1+length], length, nil
}

// PackFirst writes a First Frame announcing totalLength and carrying payload[:6].
// The caller is responsible for payload holding the whole message.
func (c Codec) PackFirst(dst *Frame, payload []byte, totalLength int) error {
	if dst == nil || payload == nil {
		return ParamError{}
	}
	if totalLength < MinFirstLength || totalLength > MaxFirstLength {
		return LengthError{NewIsoTpError(fmt.Sprintf("FF length %d out of range %d..%d", totalLength, MinFirstLength, MaxFirstLength))}
	}
	if len(payload) < FirstFramePayload {
		return ParamError{NewIsoTpError(fmt.Sprintf("FF needs %d payload bytes, got %d", FirstFramePayload, len(payload)))}
	}
	zero(dst)
	dst[0] = c.header(TypeFirst, byte(totalLength>>8))
	dst[1] = byte(totalLength)
	copy(dst[2:], payload[:FirstFramePayload])
	return nil
}

// UnpackFirst returns the six leading payload bytes of src and the announced FF_DL.
func (c Codec) UnpackFirst(src *Frame) ([]byte, int, error) {
	if src == nil {
		return nil, 0, ParamError{}
	}
	if t := c.Type(src); t != TypeFirst {
		return nil, 0, TypeError{NewIsoTpError(fmt.Sprintf("expected FF, got %s", t))}
	}
	total := int(c.low.get(src[0]))<<8 | int(src[1])
	if total < MinFirstLength || total > MaxFirstLength {
		return nil, 0, LengthError{NewIsoTpError(fmt.Sprintf("FF length %d out of range %d..%d", total, MinFirstLength, MaxFirstLength))}
	}
	return src[2:], total, nil
}

// PackFlowControl writes a Flow Control frame. Bytes 3..7 stay zero.
func (c Codec) PackFlowControl(dst *Frame, blockSize, separationTime byte, status FlowStatus) error {
	if dst == nil {
		return ParamError{}
	}
	zero(dst)
	dst[0] = c.header(TypeFlowControl, byte(status))
	dst[1] = blockSize
	dst[2] = separationTime
	return nil
}

// UnpackFlowControl returns flow status, block size and STmin of src.
func (c Codec) UnpackFlowControl(src *Frame) (FlowStatus, byte, byte, error) {
	if src == nil {
		return 0, 0, 0, ParamError{}
	}
	if t := c.Type(src); t != TypeFlowControl {
		return 0, 0, 0, TypeError{NewIsoTpError(fmt.Sprintf("expected FC, got %s", t))}
	}
	return FlowStatus(c.low.get(src[0])), src[1], src[2], nil
}

// PackConsecutive writes a Consecutive Frame with sequence number sn carrying payload[:length].
func (c Codec) PackConsecutive(dst *Frame, payload []byte, length int, sn byte) error {
	if dst == nil || payload == nil {
		return ParamError{}
	}
	if length < 1 || length > MaxConsecutiveLength {
		return LengthError{NewIsoTpError(fmt.Sprintf("CF length %d out of range 1..%d", length, MaxConsecutiveLength))}
	}
	if sn > MaxSequenceNumber {
		return ParamError{NewIsoTpError(fmt.Sprintf("sequence number %d exceeds %d", sn, MaxSequenceNumber))}
	}
	if len(payload) < length {
		return ParamError{NewIsoTpError(fmt.Sprintf("payload holds %d bytes, %d requested", len(payload), length))}
	}
	zero(dst)
	dst[0] = c.header(TypeConsecutive, sn)
	copy(dst[1:], payload[:length])
	return nil
}

// UnpackConsecutive returns the seven payload bytes of src and its sequence number.
// The receiver decides how many of them are meaningful.
func (c Codec) UnpackConsecutive(src *Frame) ([]byte, byte, error) {
	if src == nil {
		return nil, 0, ParamError{}
	}
	if t := c.Type(src); t != TypeConsecutive {
		return nil, 0, TypeError{NewIsoTpError(fmt.Sprintf("expected CF, got %s", t))}
	}
	sn := c.low.get(src[0])
	if sn > MaxSequenceNumber {
		return nil, 0, FrameError{NewIsoTpError(fmt.Sprintf("sequence number %d exceeds %d", sn, MaxSequenceNumber))}
	}
	return src[1:], sn, nil
}
