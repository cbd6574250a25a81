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

// Package activity tracks in-flight units of work so the server can be
// drained gracefully before shutdown.
package activity

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/z-open/zerv-core/lib/defaults"
)

// Status of an activity.
type Status string

const (
	StatusRunning Status = "running"
	StatusOK      Status = "ok"
	StatusError   Status = "error"
)

var (
	activitiesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zerv_activities_in_flight",
		Help: "Number of currently running server activities.",
	})
	activitiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerv_activities_total",
		Help: "Completed server activities by final status.",
	}, []string{"status"})
)

// Activity is one registered unit of work. Done or Fail finalize it and
// release anyone waiting on Completed.
type Activity struct {
	// Call names the operation, Origin identifies who asked for it.
	Call   string
	Origin string
	Params any

	tracker *Tracker

	mu        sync.Mutex
	status    Status
	start     time.Time
	end       time.Time
	err       error
	completed chan struct{}
}

// Done finalizes the activity successfully.
func (a *Activity) Done() {
	a.finalize(StatusOK, nil)
}

// Fail finalizes the activity with an error.
func (a *Activity) Fail(err error) {
	a.finalize(StatusError, err)
}

func (a *Activity) finalize(status Status, err error) {
	a.mu.Lock()
	if a.status != StatusRunning {
		a.mu.Unlock()
		return
	}
	a.status = status
	a.err = err
	a.end = a.tracker.cfg.Clock.Now()
	close(a.completed)
	a.mu.Unlock()

	a.tracker.remove(a)
	activitiesInFlight.Dec()
	activitiesTotal.WithLabelValues(string(status)).Inc()
}

// Completed is closed once the activity finalized.
func (a *Activity) Completed() <-chan struct{} {
	return a.completed
}

// WaitForCompletion blocks until the activity finalizes or ctx expires.
func (a *Activity) WaitForCompletion(ctx context.Context) error {
	select {
	case <-a.completed:
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// Status returns the current status.
func (a *Activity) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Err returns the failure recorded by Fail, if any.
func (a *Activity) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Start returns when the activity was registered.
func (a *Activity) Start() time.Time {
	return a.start
}

// End returns when the activity finalized, zero while running.
func (a *Activity) End() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.end
}

// Config configures a tracker.
type Config struct {
	Clock clockwork.Clock
}

// Tracker registers in-flight activities and supports a pause that blocks
// new work and resolves once all current work completes.
type Tracker struct {
	cfg Config

	mu      sync.Mutex
	running map[*Activity]struct{}
	paused  bool
}

// NewTracker builds a tracker.
func NewTracker(cfg Config) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Tracker{
		cfg:     cfg,
		running: make(map[*Activity]struct{}),
	}
}

// Register records a new running activity.
func (t *Tracker) Register(call string, params any, origin string) *Activity {
	a := &Activity{
		Call:      call,
		Origin:    origin,
		Params:    params,
		tracker:   t,
		status:    StatusRunning,
		start:     t.cfg.Clock.Now(),
		completed: make(chan struct{}),
	}
	t.mu.Lock()
	t.running[a] = struct{}{}
	t.mu.Unlock()
	activitiesInFlight.Inc()
	return a
}

func (t *Tracker) remove(a *Activity) {
	t.mu.Lock()
	delete(t.running, a)
	t.mu.Unlock()
}

// InProcess returns all currently running activities.
func (t *Tracker) InProcess() []*Activity {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Activity, 0, len(t.running))
	for a := range t.running {
		out = append(out, a)
	}
	return out
}

// Paused reports whether a pause has begun. Once true, the rpc dispatcher
// refuses new calls.
func (t *Tracker) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// Pause blocks new work immediately, waits delay (PauseDrainDelay when
// non-positive), then resolves once every activity that was running has
// finalized.
func (t *Tracker) Pause(ctx context.Context, delay time.Duration) error {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()

	if delay <= 0 {
		delay = defaults.PauseDrainDelay
	}
	select {
	case <-t.cfg.Clock.After(delay):
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}

	for _, a := range t.InProcess() {
		if err := a.WaitForCompletion(ctx); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}
