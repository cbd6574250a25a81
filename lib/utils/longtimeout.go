/*
Copyright 2024 z-open

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package utils provides small shared helpers for the server core.
package utils

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MaxTimerChunk caps the delay of a single native timer. Delays beyond it
// are decomposed into full chunks plus a remainder, re-armed on each chunk
// tick, so that callbacks may be scheduled weeks or months in the future.
const MaxTimerChunk = 20 * 24 * time.Hour

// LongTimer schedules a callback after an arbitrarily long delay by
// chaining native timers capped at MaxTimerChunk. A LongTimer fires at most
// once. Safe for concurrent use.
type LongTimer struct {
	clock clockwork.Clock
	fn    func()

	mu        sync.Mutex
	timer     clockwork.Timer
	remaining time.Duration
	stopped   bool
}

// AfterLong schedules fn to run after d. A non-positive d runs fn
// synchronously before AfterLong returns.
func AfterLong(clock clockwork.Clock, d time.Duration, fn func()) *LongTimer {
	t := &LongTimer{clock: clock, fn: fn}
	if d <= 0 {
		fn()
		return t
	}
	t.mu.Lock()
	t.arm(d)
	t.mu.Unlock()
	return t
}

// AfterLongCapped behaves like AfterLong with the delay capped at max.
func AfterLongCapped(clock clockwork.Clock, d, max time.Duration, fn func()) *LongTimer {
	if max > 0 && d > max {
		d = max
	}
	return AfterLong(clock, d, fn)
}

// arm starts the native timer for the next chunk. Callers must hold t.mu
// and pass a positive remaining delay.
func (t *LongTimer) arm(remaining time.Duration) {
	chunk := remaining
	if chunk > MaxTimerChunk {
		chunk = MaxTimerChunk
	}
	t.remaining = remaining - chunk
	t.timer = t.clock.AfterFunc(chunk, t.tick)
}

func (t *LongTimer) tick() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.remaining > 0 {
		t.arm(t.remaining)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.fn()
}

// Stop cancels whichever native timer is currently armed. It reports
// whether the cancellation prevented the callback from firing.
func (t *LongTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	if t.timer != nil {
		return t.timer.Stop()
	}
	return false
}
