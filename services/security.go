package services

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/chmike/cmac-go"

	"github.com/LoveWonYoung/microuds/uds"
)

const (
	SeedLength         = 4
	KeyLength          = 4
	DefaultMaxAttempts = 3
)

// ComputeKey derives the key for seed: the leading KeyLength bytes of
// AES-CMAC(secret, seed). Both the ECU and the tester use it.
func ComputeKey(secret, seed []byte) ([]byte, error) {
	mac, err := cmac.New(aes.NewCipher, secret)
	if err != nil {
		return nil, fmt.Errorf("cmac: %w", err)
	}
	mac.Write(seed)
	return mac.Sum(nil)[:KeyLength], nil
}

// SecurityAccess implements SecurityAccess (0x27). Odd sub-functions request
// a seed, the following even sub-function answers with the key.
type SecurityAccess struct {
	mu          sync.Mutex
	secret      []byte
	maxAttempts int
	rand        io.Reader
	sessions    *SessionControl

	seeds    map[byte][]byte
	unlocked byte
	failures int
}

// NewSecurityAccess checks that secret is a valid AES key.
func NewSecurityAccess(secret []byte) (*SecurityAccess, error) {
	if _, err := aes.NewCipher(secret); err != nil {
		return nil, fmt.Errorf("security access secret: %w", err)
	}
	return &SecurityAccess{
		secret:      append([]byte(nil), secret...),
		maxAttempts: DefaultMaxAttempts,
		rand:        rand.Reader,
		seeds:       make(map[byte][]byte),
	}, nil
}

// RequireSession refuses seeds while sc is in the default session and
// relocks whenever sc falls back to it.
func (s *SecurityAccess) RequireSession(sc *SessionControl) {
	s.mu.Lock()
	s.sessions = sc
	s.mu.Unlock()
	sc.OnChange(func(_, to byte) {
		if to == uds.SessionDefault {
			s.Lock()
		}
	})
}

// Level returns the unlocked security level, zero when locked.
func (s *SecurityAccess) Level() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unlocked
}

// Unlocked reports whether level or any level when zero is unlocked.
func (s *SecurityAccess) Unlocked(level byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level == 0 {
		return s.unlocked != 0
	}
	return s.unlocked == level
}

// Lock drops the unlocked level, pending seeds and the failure count.
func (s *SecurityAccess) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlocked = 0
	s.failures = 0
	s.seeds = make(map[byte][]byte)
}

func (s *SecurityAccess) Register(e *uds.Engine) error {
	return e.RegisterServices(uds.Service{ID: uds.SIDSecurityAccess, Handler: s})
}

func (s *SecurityAccess) Handle(req *uds.Request) uds.ResponseCode {
	sub := req.SubFunction &^ uds.SuppressPositiveResponse
	if len(req.Data) < 2 {
		return uds.NRCIncorrectMessageLength
	}
	if sub == 0 || sub > 0x7E {
		return uds.NRCSubFunctionNotSupported
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions != nil && s.sessions.Active() == uds.SessionDefault {
		return uds.NRCServiceNotSupportedInActiveSession
	}
	if s.failures >= s.maxAttempts {
		return uds.NRCRequiredTimeDelayNotExpired
	}
	if sub%2 == 1 {
		return s.requestSeed(req, sub)
	}
	return s.sendKey(req, sub)
}

func (s *SecurityAccess) requestSeed(req *uds.Request, sub byte) uds.ResponseCode {
	if len(req.Data) != 2 {
		return uds.NRCIncorrectMessageLength
	}
	level := (sub + 1) / 2
	if s.unlocked == level {
		// already unlocked: zero seed
		req.Reply(make([]byte, SeedLength)...)
		return uds.Success
	}
	seed := make([]byte, SeedLength)
	if _, err := io.ReadFull(s.rand, seed); err != nil {
		log.Printf("[services] seed generation: %v", err)
		return uds.NRCConditionsNotCorrect
	}
	s.seeds[sub] = seed
	req.Reply(seed...)
	return uds.Success
}

func (s *SecurityAccess) sendKey(req *uds.Request, sub byte) uds.ResponseCode {
	if len(req.Data) != 2+KeyLength {
		return uds.NRCIncorrectMessageLength
	}
	seed, ok := s.seeds[sub-1]
	if !ok {
		return uds.NRCRequestSequenceError
	}
	delete(s.seeds, sub-1)

	want, err := ComputeKey(s.secret, seed)
	if err != nil {
		log.Printf("[services] key derivation: %v", err)
		return uds.NRCConditionsNotCorrect
	}
	if subtle.ConstantTimeCompare(want, req.Params()) != 1 {
		s.failures++
		log.Printf("[services] invalid key for level %d (%d/%d)", sub/2, s.failures, s.maxAttempts)
		if s.failures >= s.maxAttempts {
			return uds.NRCExceedNumberOfAttempts
		}
		return uds.NRCInvalidKey
	}
	s.failures = 0
	s.unlocked = sub / 2
	log.Printf("[services] security level %d unlocked", s.unlocked)
	return uds.Success
}
