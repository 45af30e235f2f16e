package websub

import (
	"context"
	"sync"
	"time"

	"meow.tf/websub-client/model"
)

// RenewFactor is the fraction of a lease after which a subscription is renewed.
const RenewFactor = 0.85

// Scheduler arranges for verified subscriptions to be renewed before their lease expires.
type Scheduler interface {
	// Schedule arms a renewal for sub, replacing any pending one for the same ID.
	Schedule(sub model.Subscription)

	// Cancel prevents a pending renewal from firing.
	Cancel(id string)

	// Shutdown cancels every pending renewal. Schedule is a no-op afterwards.
	Shutdown()
}

// RenewFunc renews the subscription with the given ID.
type RenewFunc func(ctx context.Context, id string) error

// RenewalDelay returns how long after now sub should be renewed: RenewFactor of
// the lease, less the time already elapsed since verification. It may be negative.
func RenewalDelay(sub model.Subscription, now time.Time) time.Duration {
	if sub.Start == nil || sub.End == nil {
		return 0
	}

	lease := sub.End.Sub(*sub.Start)
	elapsed := now.Sub(*sub.Start)

	return time.Duration(float64(lease)*RenewFactor) - elapsed
}

type timerEntry struct {
	timer      *time.Timer
	generation uint64
}

// TimerScheduler is the reference Scheduler, backed by one-shot timers.
type TimerScheduler struct {
	renew RenewFunc
	now   func() time.Time

	mu         sync.Mutex
	timers     map[string]*timerEntry
	generation uint64
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewTimerScheduler creates a scheduler invoking renew when a renewal is due.
func NewTimerScheduler(renew RenewFunc) *TimerScheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &TimerScheduler{
		renew:  renew,
		now:    time.Now,
		timers: make(map[string]*timerEntry),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule arms a renewal for sub.
func (s *TimerScheduler) Schedule(sub model.Subscription) {
	delay := RenewalDelay(sub, s.now())

	if delay < 0 {
		delay = 0
	}

	s.arm(sub.ID, delay)
}

// Retry arms a renewal for id after the given delay.
func (s *TimerScheduler) Retry(id string, after time.Duration) {
	s.arm(id, after)
}

// Cancel stops the pending renewal for id, if any.
func (s *TimerScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.timers[id]; ok {
		e.timer.Stop()
		delete(s.timers, id)
	}
}

// Shutdown stops every timer and cancels in-flight renewals.
func (s *TimerScheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	s.cancel()

	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
}

// Pending reports whether a renewal is armed for id.
func (s *TimerScheduler) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.timers[id]
	return ok
}

func (s *TimerScheduler) arm(id string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if e, ok := s.timers[id]; ok {
		e.timer.Stop()
	}

	s.generation++
	gen := s.generation

	// AfterFunc always runs on its own goroutine, so a zero delay never fires synchronously.
	s.timers[id] = &timerEntry{
		generation: gen,
		timer: time.AfterFunc(delay, func() {
			s.fire(id, gen)
		}),
	}
}

func (s *TimerScheduler) fire(id string, gen uint64) {
	s.mu.Lock()

	e, ok := s.timers[id]

	// A cancelled or re-armed entry may still fire if its timer was already due.
	if !ok || e.generation != gen || s.closed {
		s.mu.Unlock()
		return
	}

	delete(s.timers, id)
	ctx := s.ctx
	s.mu.Unlock()

	s.renew(ctx, id)
}
