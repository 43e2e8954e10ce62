package isotp

// messageOrDefault returns msg if present, otherwise fallback.
func messageOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

type IsoTpError struct {
	msg string
}

func NewIsoTpError(msg string) IsoTpError {
	return IsoTpError{msg: msg}
}

func (e IsoTpError) Error() string {
	return messageOrDefault(e.msg, "ISO-TP error")
}

// ParamError reports a missing buffer or an out-of-range argument.
type ParamError struct {
	IsoTpError
}

func (e ParamError) Error() string {
	return messageOrDefault(e.msg, "invalid parameter")
}

// LengthError reports a data length the frame kind cannot carry.
type LengthError struct {
	IsoTpError
}

func (e LengthError) Error() string {
	return messageOrDefault(e.msg, "invalid frame length")
}

// TypeError reports a PCI type nibble that does not match the requested frame kind.
type TypeError struct {
	IsoTpError
}

func (e TypeError) Error() string {
	return messageOrDefault(e.msg, "unexpected frame type")
}

// FrameError reports a frame whose fields decode to impossible values.
type FrameError struct {
	IsoTpError
}

func (e FrameError) Error() string {
	return messageOrDefault(e.msg, "malformed frame")
}
