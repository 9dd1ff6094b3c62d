package servitor

import (
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler arms cancellable, fire-at-most-once timers for sessions.
type Scheduler struct {
	mu       sync.Mutex
	handles  map[*TimerHandle]struct{}
	stopped  bool
	inflight sync.WaitGroup
}

// TimerHandle cancels a timer armed by [Scheduler.Arm]
type TimerHandle struct {
	key       SessionKey
	scheduler *Scheduler
	timer     *time.Timer
	fireAt    time.Time
	canceled  atomic.Bool
	fired     atomic.Bool
	once      sync.Once
}

func NewScheduler() *Scheduler {
	return &Scheduler{handles: map[*TimerHandle]struct{}{}}
}

// Arm schedules onFire to run after delay, unless the returned handle is
// canceled first. A negative delay fires immediately. After Stop, Arm
// returns a handle which never fires.
func (s *Scheduler) Arm(
	key SessionKey,
	delay time.Duration,
	onFire func(SessionKey, *TimerHandle),
) *TimerHandle {
	if delay < 0 {
		delay = 0
	}
	h := &TimerHandle{key: key, scheduler: s, fireAt: time.Now().Add(delay)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		h.canceled.Store(true)
		return h
	}
	s.handles[h] = struct{}{}
	h.timer = time.AfterFunc(
		delay, func() {
			s.mu.Lock()
			_, tracked := s.handles[h]
			if s.stopped || !tracked || h.canceled.Load() {
				s.mu.Unlock()
				return
			}
			delete(s.handles, h)
			h.fired.Store(true)
			s.inflight.Add(1)
			s.mu.Unlock()

			defer s.inflight.Done()
			onFire(h.key, h)
		},
	)
	return h
}

// Cancel prevents the timer from firing. It's a no-op if the timer
// already fired or was already canceled.
func (h *TimerHandle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(
		func() {
			h.canceled.Store(true)
			s := h.scheduler
			s.mu.Lock()
			delete(s.handles, h)
			s.mu.Unlock()
			if h.timer != nil {
				h.timer.Stop()
			}
		},
	)
}

// Fired reports whether the timer's callback has started
func (h *TimerHandle) Fired() bool {
	return h != nil && h.fired.Load()
}

// Canceled reports whether Cancel was called before the timer fired
func (h *TimerHandle) Canceled() bool {
	return h != nil && h.canceled.Load()
}

// Remaining is the time left until the timer fires
func (h *TimerHandle) Remaining() time.Duration {
	if h == nil {
		return 0
	}
	return max(time.Until(h.fireAt), 0)
}

// Pending returns the number of armed timers which haven't fired or been
// canceled
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Stop cancels every pending timer without firing it, and waits for
// callbacks which already started to return. Timers armed after Stop
// never fire.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for h := range s.handles {
		h.canceled.Store(true)
		if h.timer != nil {
			h.timer.Stop()
		}
	}
	s.handles = map[*TimerHandle]struct{}{}
	s.mu.Unlock()

	s.inflight.Wait()
}
