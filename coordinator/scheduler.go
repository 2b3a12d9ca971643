package coordinator

import (
	"sync"
	"time"
)

// timeoutScheduler arms one single-shot timer per transaction id.
// Disarm after the timer fired is a no-op, as is a second arm for the
// same id.
type timeoutScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newTimeoutScheduler() *timeoutScheduler {
	return &timeoutScheduler{
		timers: make(map[string]*time.Timer),
	}
}

func (s *timeoutScheduler) arm(txid string, d time.Duration, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[txid]; ok {
		return
	}
	s.timers[txid] = time.AfterFunc(d, func() {
		s.disarm(txid)
		fire()
	})
}

func (s *timeoutScheduler) disarm(txid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[txid]; ok {
		timer.Stop()
		delete(s.timers, txid)
	}
}

func (s *timeoutScheduler) armed(txid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[txid]
	return ok
}
