package syncer

import (
	"sync"
	"time"
)

// scheduler arms a single deferred callback. Arming again before it
// fires cancels the pending one, which is exactly the debounce
// behavior: the quiet window restarts on every new mutation.
type scheduler interface {
	Arm(d time.Duration, fn func())
	Stop()
}

type timerScheduler struct {
	mu    sync.Mutex
	timer *time.Timer
}

func newTimerScheduler() *timerScheduler {
	return &timerScheduler{}
}

func (s *timerScheduler) Arm(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, fn)
}

func (s *timerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
