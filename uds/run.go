package uds

import (
	"context"
	"sync"
	"time"

	"github.com/LoveWonYoung/microuds/isotp"
)

// Run drives the engine until ctx is cancelled: frames from the channel are
// fed to ReceiveFrame, a ticker advances the clock at the configured rate and
// the calling goroutine runs Dispatch once per tick period. A closed frames
// channel stops intake but not the loop.
func (e *Engine) Run(ctx context.Context, frames <-chan isotp.Frame) error {
	period := e.cfg.TickPeriod()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-frames:
				if !ok {
					return
				}
				e.ReceiveFrame(frame)
			}
		}
	}()
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.Tick()
			}
		}
	}()
	defer wg.Wait()

	poll := time.NewTicker(period)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			e.Dispatch()
		}
	}
}
