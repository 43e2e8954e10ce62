// Package uds is the ECU side of a UDS diagnostic stack running over ISO-TP.
//
// An Engine accepts raw CAN frames from the bus, reassembles requests,
// looks up registered services by SID and answers with positive or negative
// responses. Frame intake, the tick and the dispatch loop may run on
// different goroutines.
package uds

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/looplab/fsm"

	"github.com/LoveWonYoung/microuds/isotp"
	"github.com/LoveWonYoung/microuds/registry"
)

// reassembly states
const (
	stateIdle      = "idle"
	stateReceiving = "receiving"
	stateComplete  = "complete"
)

// reassembly events
const (
	eventFirstFrame = "first_frame"
	eventLastFrame  = "last_frame"
	eventAbort      = "abort"
)

type service struct {
	id       byte
	handler  Handler
	sessions []Session
}

// Engine is one diagnostic responder instance.
type Engine struct {
	mu sync.Mutex

	cfg              Config
	codec            isotp.Codec
	tx               Transmitter
	logger           *log.Logger
	onSessionTimeout func()

	services *registry.Table[int]
	arena    []service

	// latched identifiers of the request in flight
	sid  byte
	ssid byte

	active  RequestKind
	busy    bool
	closed  bool
	expired bool

	tick         uint32
	lastActivity uint32
	sessionTicks uint32
	ncsTicks     uint32

	single    [isotp.MaxSingleLength]byte
	singleLen int

	rx        *fsm.FSM
	buf       []byte
	total     int
	received  int
	nextSN    byte
	ncsActive bool
	ncsMark   uint32
}

// Option customizes an Engine at construction.
type Option func(*Engine)

// WithLogger routes engine diagnostics to l.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithSessionTimeoutHook runs fn, outside the engine lock, each time the
// session falls back to default after inactivity.
func WithSessionTimeoutHook(fn func()) Option {
	return func(e *Engine) {
		e.onSessionTimeout = fn
	}
}

// New builds an Engine. tx may be nil, in which case every response attempt
// fails with TransmitError and is logged.
func New(cfg Config, tx Transmitter, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("uds: invalid config: %w", err)
	}
	table, err := registry.New[int](registry.Config{
		Buckets:  cfg.Buckets,
		Capacity: cfg.MaxServices,
		KeyBits:  cfg.KeyBits,
	})
	if err != nil {
		return nil, fmt.Errorf("uds: service registry: %w", err)
	}

	e := &Engine{
		cfg:          cfg,
		codec:        isotp.NewCodec(cfg.BitOrder),
		tx:           tx,
		logger:       log.New(os.Stderr, "[uds] ", log.LstdFlags),
		services:     table,
		sid:          DefaultSessionSID,
		ssid:         DefaultSessionSSID,
		sessionTicks: cfg.Ticks(cfg.SessionTimeout),
		ncsTicks:     cfg.Ticks(cfg.NCsTimeout),
		buf:          make([]byte, cfg.BufferSize),
		rx: fsm.NewFSM(
			stateIdle,
			fsm.Events{
				{Name: eventFirstFrame, Src: []string{stateIdle, stateComplete}, Dst: stateReceiving},
				{Name: eventLastFrame, Src: []string{stateReceiving}, Dst: stateComplete},
				{Name: eventAbort, Src: []string{stateReceiving}, Dst: stateIdle},
			},
			fsm.Callbacks{},
		),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config {
	return e.cfg
}

// RegisterServices adds or replaces services. A SID registered again keeps
// its slot and sub-function list and only swaps the handler.
func (e *Engine) RegisterServices(entries ...Service) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ClosedError{}
	}
	for _, entry := range entries {
		if idx, ok := e.services.Find(uint32(entry.ID)); ok {
			e.arena[idx].handler = entry.Handler
			continue
		}
		if err := e.services.Insert(uint32(entry.ID), len(e.arena)); err != nil {
			return fmt.Errorf("uds: register service 0x%02X: %w", entry.ID, err)
		}
		e.arena = append(e.arena, service{id: entry.ID, handler: entry.Handler})
	}
	return nil
}

// RegisterSessions attaches sub-function handlers to a registered service.
// Repeating a sub-function ID replaces its handler.
func (e *Engine) RegisterSessions(sid byte, entries ...Session) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ClosedError{}
	}
	idx, ok := e.services.Find(uint32(sid))
	if !ok {
		return fmt.Errorf("uds: register sessions: %w",
			registry.NewNotFoundError(fmt.Sprintf("service 0x%02X not registered", sid)))
	}
	svc := &e.arena[idx]
next:
	for _, entry := range entries {
		for i := range svc.sessions {
			if svc.sessions[i].ID == entry.ID {
				svc.sessions[i].Handler = entry.Handler
				continue next
			}
		}
		svc.sessions = append(svc.sessions, entry)
	}
	return nil
}

// Services returns the registered SIDs in registration order.
func (e *Engine) Services() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := e.services.Keys()
	out := make([]byte, len(keys))
	for i, k := range keys {
		out[i] = byte(k)
	}
	return out
}

// Close tears down the registry. The engine ignores frames afterwards and
// Close may be called more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.services.Delete()
	e.arena = nil
	e.active = RequestNone
	e.clearReassembly()
}

// Tick advances the engine clock by one tick.
func (e *Engine) Tick() {
	e.mu.Lock()
	e.tick++
	e.mu.Unlock()
}

// MultiFrameData returns a copy of the last completely reassembled request.
func (e *Engine) MultiFrameData() ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.rx.Is(stateComplete) {
		return nil, false
	}
	return append([]byte(nil), e.buf[:e.total]...), true
}

// State is a snapshot of the engine internals.
type State struct {
	SID         byte
	SubFunction byte
	Pending     RequestKind
	Busy        bool
	Tick        uint32
	Reassembly  string
	Received    int
	Total       int
	NCsActive   bool
}

// Snapshot reads the current engine state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		SID:         e.sid,
		SubFunction: e.ssid,
		Pending:     e.active,
		Busy:        e.busy,
		Tick:        e.tick,
		Reassembly:  e.rx.Current(),
		Received:    e.received,
		Total:       e.total,
		NCsActive:   e.ncsActive,
	}
}

func (e *Engine) touch() {
	e.lastActivity = e.tick
	e.expired = false
}

func (e *Engine) clearReassembly() {
	for i := range e.buf[:e.total] {
		e.buf[i] = 0
	}
	e.total = 0
	e.received = 0
	e.nextSN = 0
	e.ncsActive = false
	e.rx.SetState(stateIdle)
}

func (e *Engine) abortReassembly(reason string) {
	e.logger.Printf("reassembly of SID 0x%02X aborted: %s (%d/%d bytes)", e.sid, reason, e.received, e.total)
	if err := e.rx.Event(context.Background(), eventAbort); err != nil {
		e.logger.Printf("reassembly state: %v", err)
	}
	e.clearReassembly()
}

func (e *Engine) clearSingle() {
	e.single = [isotp.MaxSingleLength]byte{}
	e.singleLen = 0
}
