package uds

import (
	"context"

	"github.com/LoveWonYoung/microuds/isotp"
)

// ReceiveFrame feeds one raw CAN payload into the engine. It never blocks on
// a handler: Single and First Frames arriving while a handler runs are
// rejected with BusyRepeatRequest.
func (e *Engine) ReceiveFrame(frame isotp.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	switch t := e.codec.Type(&frame); t {
	case isotp.TypeSingle:
		e.receiveSingle(&frame)
	case isotp.TypeFirst:
		e.receiveFirst(&frame)
	case isotp.TypeConsecutive:
		e.receiveConsecutive(&frame)
	case isotp.TypeFlowControl:
		// the responder never segments, a Flow Control has nothing to pace
	default:
		e.logger.Printf("drop frame with unknown type nibble %d: %s", t, frame)
	}
}

func (e *Engine) receiveSingle(frame *isotp.Frame) {
	payload, length, err := e.codec.UnpackSingle(frame)
	if err != nil {
		e.logger.Printf("drop SF: %v", err)
		return
	}
	if length == 0 {
		e.logger.Printf("drop empty SF")
		return
	}
	if e.busy {
		e.sendNegativeLogged(payload[0], NRCBusyRepeatRequest)
		return
	}

	e.touch()
	e.clearSingle()
	e.singleLen = copy(e.single[:], payload)
	e.sid = payload[0]
	e.ssid = 0
	if length >= 2 {
		e.ssid = payload[1]
	}
	e.active = RequestSingle
}

func (e *Engine) receiveFirst(frame *isotp.Frame) {
	payload, total, err := e.codec.UnpackFirst(frame)
	if err != nil {
		e.logger.Printf("drop FF: %v", err)
		return
	}
	if e.busy {
		e.sendNegativeLogged(payload[0], NRCBusyRepeatRequest)
		return
	}
	if e.rx.Is(stateReceiving) {
		e.abortReassembly("superseded by a new First Frame")
		e.sendNegativeLogged(e.sid, NRCRequestSequenceError)
	}

	e.touch()
	if total > len(e.buf) {
		e.logger.Printf("FF announces %d bytes, buffer holds %d", total, len(e.buf))
		e.sendNegativeLogged(payload[0], NRCResponseTooLong)
		return
	}
	if e.rx.Is(stateComplete) {
		// a completed request not yet dispatched is replaced
		e.clearReassembly()
		if e.active == RequestMulti {
			e.active = RequestNone
		}
	}
	if err := e.rx.Event(context.Background(), eventFirstFrame); err != nil {
		e.logger.Printf("reassembly state: %v", err)
	}

	e.total = total
	e.received = copy(e.buf[:total], payload[:isotp.FirstFramePayload])
	e.nextSN = 1
	e.sid = e.buf[0]
	e.ssid = e.buf[1]

	var fc isotp.Frame
	if err := e.codec.PackFlowControl(&fc, 0, 0, isotp.FlowStatusContinueToSend); err != nil {
		e.logger.Printf("pack FC: %v", err)
	} else if err := e.transmit(fc); err != nil {
		e.logger.Printf("send FC: %v", err)
	}
	e.ncsActive = true
	e.ncsMark = e.tick
}

func (e *Engine) receiveConsecutive(frame *isotp.Frame) {
	if !e.rx.Is(stateReceiving) {
		return
	}
	payload, sn, err := e.codec.UnpackConsecutive(frame)
	if err != nil {
		e.logger.Printf("drop CF: %v", err)
		return
	}

	e.touch()
	if sn != e.nextSN {
		e.abortReassembly("sequence number mismatch")
		e.sendNegativeLogged(e.sid, NRCRequestSequenceError)
		return
	}

	n := e.total - e.received
	if n > isotp.MaxConsecutiveLength {
		n = isotp.MaxConsecutiveLength
	}
	e.received += copy(e.buf[e.received:e.received+n], payload[:n])
	e.nextSN = (e.nextSN + 1) & isotp.MaxSequenceNumber
	e.ncsMark = e.tick

	if e.received == e.total {
		if err := e.rx.Event(context.Background(), eventLastFrame); err != nil {
			e.logger.Printf("reassembly state: %v", err)
		}
		e.ncsActive = false
		e.active = RequestMulti
	}
}
