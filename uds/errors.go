package uds

func messageOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

type UDSError struct {
	msg string
}

func NewUDSError(msg string) UDSError {
	return UDSError{msg: msg}
}

func (e UDSError) Error() string {
	return messageOrDefault(e.msg, "UDS engine error")
}

// InternalError reports a response that could not be framed.
type InternalError struct {
	UDSError
}

func (e InternalError) Error() string {
	return messageOrDefault(e.msg, "response could not be packed")
}

// TransmitError reports a missing or failing transmit capability.
type TransmitError struct {
	UDSError
	Err error
}

func (e TransmitError) Error() string {
	msg := messageOrDefault(e.msg, "transmit failed")
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e TransmitError) Unwrap() error {
	return e.Err
}

// ClosedError is returned by registration calls on a deleted engine.
type ClosedError struct {
	UDSError
}

func (e ClosedError) Error() string {
	return messageOrDefault(e.msg, "engine deleted")
}
