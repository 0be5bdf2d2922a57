package display

import (
	"context"
	"sync"
	"time"
)

// NextTickDelay returns the delay until the next multiple of interval so
// ticks land on wall-clock boundaries.
func NextTickDelay(now time.Time, interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	return interval - time.Duration(now.UnixNano()%int64(interval))
}

// Scheduler keeps at most one pending timer. Arming cancels the previous
// timer before the new one starts.
type Scheduler struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Arm runs fire after delay unless the timer is disarmed or re-armed first.
func (s *Scheduler) Arm(parent context.Context, delay time.Duration, fire func()) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return
		}
		fire()
	}()
}

// Disarm cancels the pending timer, if any.
func (s *Scheduler) Disarm() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
}

// Wait blocks until no timer goroutine is running.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
