// Package services holds ready-made handlers for the common UDS services.
// Each type registers itself on a uds.Engine and keeps its own state.
package services

import (
	"log"
	"sync"

	"github.com/LoveWonYoung/microuds/uds"
)

// P2 timing reported in the 0x50 response, in ms and in units of 10 ms.
const (
	P2ServerMax     = 50
	P2StarServerMax = 5000
)

// SessionControl implements DiagnosticSessionControl (0x10).
type SessionControl struct {
	mu        sync.Mutex
	active    byte
	supported []byte
	listeners []func(from, to byte)
}

// NewSessionControl accepts the given sessions, default/programming/extended
// when none are named. The default session is always accepted.
func NewSessionControl(supported ...byte) *SessionControl {
	if len(supported) == 0 {
		supported = []byte{uds.SessionDefault, uds.SessionProgramming, uds.SessionExtended}
	}
	s := &SessionControl{active: uds.SessionDefault}
	s.supported = append(s.supported, uds.SessionDefault)
	for _, id := range supported {
		if id != uds.SessionDefault {
			s.supported = append(s.supported, id)
		}
	}
	return s
}

// Active returns the current session.
func (s *SessionControl) Active() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// OnChange registers fn to run after every session switch.
func (s *SessionControl) OnChange(fn func(from, to byte)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Reset falls back to the default session, e.g. on session timeout.
func (s *SessionControl) Reset() {
	s.switchTo(uds.SessionDefault)
}

func (s *SessionControl) switchTo(to byte) {
	s.mu.Lock()
	from := s.active
	s.active = to
	listeners := append(([]func(from, to byte))(nil), s.listeners...)
	s.mu.Unlock()

	if from == to {
		return
	}
	log.Printf("[services] session 0x%02X -> 0x%02X", from, to)
	for _, fn := range listeners {
		fn(from, to)
	}
}

// Register installs 0x10 with one sub-function per supported session, plus
// its suppress-positive-response variant.
func (s *SessionControl) Register(e *uds.Engine) error {
	if err := e.RegisterServices(uds.Service{ID: uds.SIDDiagnosticSessionControl}); err != nil {
		return err
	}
	sessions := make([]uds.Session, 0, 2*len(s.supported))
	for _, id := range s.supported {
		h := s.handler(id)
		sessions = append(sessions,
			uds.Session{ID: id, Handler: h},
			uds.Session{ID: id | uds.SuppressPositiveResponse, Handler: h},
		)
	}
	return e.RegisterSessions(uds.SIDDiagnosticSessionControl, sessions...)
}

func (s *SessionControl) handler(id byte) uds.Handler {
	return uds.HandlerFunc(func(req *uds.Request) uds.ResponseCode {
		if len(req.Data) != 2 {
			return uds.NRCIncorrectMessageLength
		}
		s.switchTo(id)
		if req.SuppressPositive() {
			return uds.NoResponse
		}
		p2Star := uint16(P2StarServerMax / 10)
		req.Reply(
			byte(P2ServerMax>>8), byte(P2ServerMax),
			byte(p2Star>>8), byte(p2Star),
		)
		return uds.Success
	})
}
