package uds

import (
	"fmt"
	"time"

	"github.com/LoveWonYoung/microuds/isotp"
	"github.com/LoveWonYoung/microuds/registry"
)

// Config defines the build-time parameters of an Engine. It is copied at
// construction and never changes afterwards.
type Config struct {
	// Registry sizing
	Buckets     int // hash chains in the service registry
	KeyBits     int // SID width in bits
	MaxServices int // registrable services

	// Timing
	TickRate       int           // Tick calls per second
	SessionTimeout time.Duration // inactivity before falling back to the default session
	NCsTimeout     time.Duration // wait for the next Consecutive Frame

	// Reassembly buffer capacity in bytes
	BufferSize int

	BitOrder isotp.BitOrder
}

// DefaultConfig returns the values the reference ECU firmware ships with.
func DefaultConfig() Config {
	return Config{
		Buckets:     registry.DefaultBuckets,
		KeyBits:     registry.DefaultKeyBits,
		MaxServices: 32,

		TickRate:       1000,
		SessionTimeout: 5000 * time.Millisecond,
		NCsTimeout:     150 * time.Millisecond,

		BufferSize: 4096,
		BitOrder:   isotp.LSBFirst,
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	if c.Buckets <= 0 {
		return fmt.Errorf("buckets must be positive, got %d", c.Buckets)
	}
	if c.MaxServices <= 0 {
		return fmt.Errorf("max services must be positive, got %d", c.MaxServices)
	}
	if c.KeyBits < 0 || c.KeyBits > 32 {
		return fmt.Errorf("key bits must be within 0..32, got %d", c.KeyBits)
	}
	if c.TickRate <= 0 {
		return fmt.Errorf("tick rate must be positive, got %d", c.TickRate)
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("session timeout must be positive, got %v", c.SessionTimeout)
	}
	if c.NCsTimeout <= 0 {
		return fmt.Errorf("N_Cs timeout must be positive, got %v", c.NCsTimeout)
	}
	if c.BufferSize < isotp.MinFirstLength {
		return fmt.Errorf("buffer size must be at least %d, got %d", isotp.MinFirstLength, c.BufferSize)
	}
	return nil
}

// Ticks converts d to a tick count at the configured rate, never less than one.
func (c Config) Ticks(d time.Duration) uint32 {
	n := int64(d) * int64(c.TickRate) / int64(time.Second)
	if n < 1 {
		return 1
	}
	return uint32(n)
}

// TickPeriod is the wall-clock duration of one tick.
func (c Config) TickPeriod() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}
