// Package clocktest provides a manually advanced clock.
package clocktest

import (
	"sort"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/tripsync/internal/clock"
)

// Manual is a clock.Clock whose time only moves when Advance or Set is called.
// Due callbacks run synchronously on the goroutine that advances the clock, in
// deadline order.
type Manual struct {
	mu       sync.Mutex
	now      time.Time
	sequence uint64
	timers   []*manualTimer
}

type manualTimer struct {
	clock    *Manual
	deadline time.Time
	sequence uint64
	callback func()
}

// NewManual returns a Manual clock positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time.
func (manual *Manual) Now() time.Time {
	manual.mu.Lock()
	defer manual.mu.Unlock()
	return manual.now
}

// AfterFunc registers callback to run once the clock reaches now+delay.
func (manual *Manual) AfterFunc(delay time.Duration, callback func()) clock.Timer {
	manual.mu.Lock()
	defer manual.mu.Unlock()
	manual.sequence++
	timer := &manualTimer{
		clock:    manual,
		deadline: manual.now.Add(delay),
		sequence: manual.sequence,
		callback: callback,
	}
	manual.timers = append(manual.timers, timer)
	return timer
}

// Advance moves the clock forward by delta, firing every timer that falls due.
// Timers armed by a firing callback run too when they fall inside the window.
func (manual *Manual) Advance(delta time.Duration) {
	manual.mu.Lock()
	target := manual.now.Add(delta)
	manual.mu.Unlock()
	manual.Set(target)
}

// Set moves the clock to target, firing due timers along the way.
func (manual *Manual) Set(target time.Time) {
	for {
		manual.mu.Lock()
		next := manual.nextDueLocked(target)
		if next == nil {
			if target.After(manual.now) {
				manual.now = target
			}
			manual.mu.Unlock()
			return
		}
		manual.removeLocked(next)
		if next.deadline.After(manual.now) {
			manual.now = next.deadline
		}
		manual.mu.Unlock()
		next.callback()
	}
}

// Pending reports how many timers are armed and not yet fired.
func (manual *Manual) Pending() int {
	manual.mu.Lock()
	defer manual.mu.Unlock()
	return len(manual.timers)
}

// NextDeadline returns the earliest armed deadline.
func (manual *Manual) NextDeadline() (time.Time, bool) {
	manual.mu.Lock()
	defer manual.mu.Unlock()
	if len(manual.timers) == 0 {
		return time.Time{}, false
	}
	manual.sortLocked()
	return manual.timers[0].deadline, true
}

func (manual *Manual) nextDueLocked(target time.Time) *manualTimer {
	if len(manual.timers) == 0 {
		return nil
	}
	manual.sortLocked()
	first := manual.timers[0]
	if first.deadline.After(target) {
		return nil
	}
	return first
}

func (manual *Manual) sortLocked() {
	sort.SliceStable(manual.timers, func(left, right int) bool {
		if manual.timers[left].deadline.Equal(manual.timers[right].deadline) {
			return manual.timers[left].sequence < manual.timers[right].sequence
		}
		return manual.timers[left].deadline.Before(manual.timers[right].deadline)
	})
}

func (manual *Manual) removeLocked(target *manualTimer) bool {
	for index, timer := range manual.timers {
		if timer == target {
			manual.timers = append(manual.timers[:index], manual.timers[index+1:]...)
			return true
		}
	}
	return false
}

func (timer *manualTimer) Stop() bool {
	timer.clock.mu.Lock()
	defer timer.clock.mu.Unlock()
	return timer.clock.removeLocked(timer)
}
