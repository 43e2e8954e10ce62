package uds

import "github.com/LoveWonYoung/microuds/isotp"

// Handler executes one diagnostic service or sub-function. It captures
// whatever state it needs and reports how the engine should answer.
type Handler interface {
	Handle(req *Request) ResponseCode
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(req *Request) ResponseCode

func (f HandlerFunc) Handle(req *Request) ResponseCode {
	return f(req)
}

// Transmitter is the bus capability the engine answers through.
type Transmitter interface {
	Transmit(frame isotp.Frame) error
}

// TransmitFunc adapts a plain function to Transmitter.
type TransmitFunc func(frame isotp.Frame) error

func (f TransmitFunc) Transmit(frame isotp.Frame) error {
	return f(frame)
}

// Service registers a handler for one SID.
type Service struct {
	ID      byte
	Handler Handler
}

// Session registers a handler for one sub-function of a service.
type Session struct {
	ID      byte
	Handler Handler
}

// RequestKind tells how the pending request arrived.
type RequestKind uint8

const (
	RequestNone RequestKind = iota
	RequestSingle
	RequestMulti
)

func (k RequestKind) String() string {
	switch k {
	case RequestSingle:
		return "single"
	case RequestMulti:
		return "multi"
	}
	return "none"
}

// Request is what a handler sees of the dispatched request.
type Request struct {
	SID         byte
	SubFunction byte
	Kind        RequestKind
	// Data holds the complete request, SID first.
	Data []byte

	reply []byte
}

// Params returns the bytes following SID and sub-function.
func (r *Request) Params() []byte {
	if len(r.Data) <= 2 {
		return nil
	}
	return r.Data[2:]
}

// SuppressPositive reports whether the sub-function carries the suppress bit.
func (r *Request) SuppressPositive() bool {
	return r.SubFunction&SuppressPositiveResponse != 0
}

// Reply appends data to the positive response, after the echoed sub-function.
func (r *Request) Reply(data ...byte) {
	r.reply = append(r.reply, data...)
}

// ReplyData returns what the handler appended so far.
func (r *Request) ReplyData() []byte {
	return r.reply
}
