package uds

import (
	"fmt"

	"github.com/LoveWonYoung/microuds/isotp"
)

// Dispatch performs one pass of the main loop: timeout housekeeping first,
// then at most one pending request is routed to its handlers. Handlers run
// without the engine lock held, so frames keep flowing while they execute.
// Dispatch must not be called concurrently with itself; Run calls it from a
// single goroutine.
func (e *Engine) Dispatch() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	if e.ncsActive && e.tick-e.ncsMark >= e.ncsTicks {
		e.abortReassembly("N_Cs timeout")
	}

	if e.tick-e.lastActivity >= e.sessionTicks {
		e.sid = DefaultSessionSID
		e.ssid = DefaultSessionSSID
		// a request left over from the expired session is dropped
		e.active = RequestNone
		e.clearSingle()
		if e.rx.Is(stateComplete) {
			e.clearReassembly()
		}
		hook := e.onSessionTimeout
		first := !e.expired
		e.expired = true
		e.mu.Unlock()
		if first {
			e.logger.Printf("session timeout, back to default session")
			if hook != nil {
				hook()
			}
		}
		return
	}

	if e.active == RequestNone {
		e.mu.Unlock()
		return
	}

	req := e.takeRequest()
	idx, found := e.services.Find(uint32(req.SID))
	if !found {
		e.sendNegativeLogged(req.SID, NRCServiceNotSupported)
		e.mu.Unlock()
		return
	}
	svc := e.arena[idx]

	if svc.handler != nil {
		code := e.invoke(svc.handler, req)
		e.respond(req, code)
		if code != Success && code != NoResponse {
			e.mu.Unlock()
			return
		}
	}

	switch {
	case len(svc.sessions) == 0:
		if svc.handler == nil {
			e.sendNegativeLogged(req.SID, NRCServiceNotSupported)
		}
	default:
		var sub *Session
		for i := range svc.sessions {
			if svc.sessions[i].ID == req.SubFunction {
				entry := svc.sessions[i]
				sub = &entry
				break
			}
		}
		switch {
		case sub == nil:
			e.sendNegativeLogged(req.SID, NRCSubFunctionNotSupported)
		case sub.Handler != nil:
			subReq := &Request{SID: req.SID, SubFunction: req.SubFunction, Kind: req.Kind, Data: req.Data}
			e.respond(subReq, e.invoke(sub.Handler, subReq))
		}
	}
	e.mu.Unlock()
}

// takeRequest copies the pending request out of the receive buffers and
// clears them. A transfer still being reassembled is left alone.
func (e *Engine) takeRequest() *Request {
	req := &Request{SID: e.sid, SubFunction: e.ssid, Kind: e.active}
	switch e.active {
	case RequestSingle:
		req.Data = append([]byte(nil), e.single[:e.singleLen]...)
	case RequestMulti:
		req.Data = append([]byte(nil), e.buf[:e.total]...)
	}
	e.active = RequestNone
	e.clearSingle()
	if !e.rx.Is(stateReceiving) {
		e.clearReassembly()
	}
	return req
}

// invoke runs h with the engine marked busy and the lock released. It is
// entered and left with e.mu held.
func (e *Engine) invoke(h Handler, req *Request) (code ResponseCode) {
	e.busy = true
	e.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("handler for SID 0x%02X panicked: %v", req.SID, r)
			code = NRCGeneralReject
		}
		e.mu.Lock()
		e.busy = false
	}()
	return h.Handle(req)
}

// respond translates a handler result into a response frame.
func (e *Engine) respond(req *Request, code ResponseCode) {
	var err error
	switch code {
	case NoResponse:
		return
	case Success:
		err = e.sendPositive(req.SID, req.SubFunction, req.reply)
		if ierr, ok := err.(InternalError); ok {
			e.logger.Printf("positive response for SID 0x%02X: %v", req.SID, ierr)
			err = e.sendNegative(req.SID, NRCResponseTooLong)
		}
	default:
		err = e.sendNegative(req.SID, code)
	}
	if err != nil {
		e.logger.Printf("response for SID 0x%02X: %v", req.SID, err)
	}
}

// RespondPositive sends [SID+0x40, sub-function] for the latched request,
// omitting a zero sub-function.
func (e *Engine) RespondPositive() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sendPositive(e.sid, e.ssid, nil)
}

// RespondNegative sends [0x7F, SID, code] for the latched request.
func (e *Engine) RespondNegative(code ResponseCode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sendNegative(e.sid, code)
}

func (e *Engine) sendPositive(sid, ssid byte, data []byte) error {
	payload := make([]byte, 0, 2+len(data))
	payload = append(payload, sid+ResponseOffset)
	if ssid != 0 {
		payload = append(payload, ssid)
	}
	payload = append(payload, data...)
	return e.sendSingle(payload)
}

func (e *Engine) sendNegative(sid byte, code ResponseCode) error {
	return e.sendSingle([]byte{NegativeResponseSID, sid, byte(code)})
}

func (e *Engine) sendNegativeLogged(sid byte, code ResponseCode) {
	if err := e.sendNegative(sid, code); err != nil {
		e.logger.Printf("negative response %s for SID 0x%02X: %v", code, sid, err)
	}
}

func (e *Engine) sendSingle(payload []byte) error {
	var frame isotp.Frame
	if err := e.codec.PackSingle(&frame, payload, len(payload)); err != nil {
		return InternalError{NewUDSError(fmt.Sprintf("pack % X: %v", payload, err))}
	}
	return e.transmit(frame)
}

func (e *Engine) transmit(frame isotp.Frame) error {
	if e.tx == nil {
		return TransmitError{UDSError: NewUDSError("no transmitter configured")}
	}
	if err := e.tx.Transmit(frame); err != nil {
		return TransmitError{Err: err}
	}
	return nil
}
