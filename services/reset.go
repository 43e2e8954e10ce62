package services

import (
	"log"
	"time"

	"github.com/LoveWonYoung/microuds/uds"
)

// DefaultResetDelay leaves the positive response time to reach the bus.
const DefaultResetDelay = 20 * time.Millisecond

// ECUReset implements ECUReset (0x11).
type ECUReset struct {
	Kinds []byte
	Delay time.Duration

	reset func(kind byte)
}

// NewECUReset answers hard and soft reset requests by calling reset after Delay.
func NewECUReset(reset func(kind byte)) *ECUReset {
	return &ECUReset{
		Kinds: []byte{uds.ResetHard, uds.ResetSoft},
		Delay: DefaultResetDelay,
		reset: reset,
	}
}

func (r *ECUReset) Register(e *uds.Engine) error {
	if err := e.RegisterServices(uds.Service{ID: uds.SIDECUReset}); err != nil {
		return err
	}
	sessions := make([]uds.Session, 0, 2*len(r.Kinds))
	for _, kind := range r.Kinds {
		h := r.handler(kind)
		sessions = append(sessions,
			uds.Session{ID: kind, Handler: h},
			uds.Session{ID: kind | uds.SuppressPositiveResponse, Handler: h},
		)
	}
	return e.RegisterSessions(uds.SIDECUReset, sessions...)
}

func (r *ECUReset) handler(kind byte) uds.Handler {
	return uds.HandlerFunc(func(req *uds.Request) uds.ResponseCode {
		if len(req.Data) != 2 {
			return uds.NRCIncorrectMessageLength
		}
		if r.reset == nil {
			return uds.NRCConditionsNotCorrect
		}
		log.Printf("[services] ECU reset 0x%02X in %v", kind, r.Delay)
		time.AfterFunc(r.Delay, func() { r.reset(kind) })
		if req.SuppressPositive() {
			return uds.NoResponse
		}
		return uds.Success
	})
}

// TesterPresent implements TesterPresent (0x3E).
type TesterPresent struct{}

func (TesterPresent) Register(e *uds.Engine) error {
	return e.RegisterServices(uds.Service{ID: uds.SIDTesterPresent, Handler: TesterPresent{}})
}

func (TesterPresent) Handle(req *uds.Request) uds.ResponseCode {
	if len(req.Data) != 2 {
		return uds.NRCIncorrectMessageLength
	}
	if req.SubFunction&^uds.SuppressPositiveResponse != 0 {
		return uds.NRCSubFunctionNotSupported
	}
	if req.SuppressPositive() {
		return uds.NoResponse
	}
	return uds.Success
}
