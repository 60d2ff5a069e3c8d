/*
 *
 * xk6-pageload - page load orchestration over the Chrome DevTools Protocol
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */


package common

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/grafana/xk6-pageload/log"
)

// quietPeriodWaiter resolves its signal once activity stayed at or below
// idleBound for threshold without interruption.
//
// Timer callbacks only touch the waiter's own state, and the waiter never
// calls the clock while holding its lock, so a fake clock that runs
// callbacks synchronously can not deadlock against it.
type quietPeriodWaiter struct {
	name      string
	clock     clock.WithDelayedExecution
	logger    *log.Logger
	threshold time.Duration
	idleBound int
	signal    *signal

	mu      sync.Mutex
	started bool
	active  map[string]struct{}
	timer   clock.Timer
	// gen invalidates callbacks of timers that were disarmed.
	gen uint64
}

func newQuietPeriodWaiter(
	name string, clk clock.WithDelayedExecution, logger *log.Logger,
	threshold time.Duration, idleBound int, s *signal,
) *quietPeriodWaiter {
	return &quietPeriodWaiter{
		name:      name,
		clock:     clk,
		logger:    logger,
		threshold: threshold,
		idleBound: idleBound,
		signal:    s,
		active:    make(map[string]struct{}),
	}
}

// start begins measuring quiet periods. Activity reported before start is
// still counted.
func (w *quietPeriodWaiter) start() {
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()

	w.logger.Debugf("quietPeriodWaiter:start", "name:%s threshold:%s", w.name, w.threshold)
	w.arm()
}

// activityStarted adds key to the live activity set. Keys already in the set
// are not counted twice.
func (w *quietPeriodWaiter) activityStarted(key string) {
	w.mu.Lock()
	w.active[key] = struct{}{}
	busy := len(w.active) > w.idleBound
	w.mu.Unlock()

	if busy {
		w.disarm()
	}
}

// activityFinished removes key from the live activity set. Unknown keys are
// ignored, e.g. requests that started before the listeners were registered.
func (w *quietPeriodWaiter) activityFinished(key string) {
	w.mu.Lock()
	_, ok := w.active[key]
	delete(w.active, key)
	w.mu.Unlock()

	if ok {
		w.arm()
	}
}

// pulse reports activity without a duration, e.g. a long task that already
// ended. It restarts the quiet period.
func (w *quietPeriodWaiter) pulse() {
	w.disarm()
	w.arm()
}

// stop disarms the timer for good.
func (w *quietPeriodWaiter) stop() {
	w.mu.Lock()
	w.started = false
	w.mu.Unlock()

	w.disarm()
}

// arm starts the quiet timer if the waiter is started, idle and not armed
// yet.
func (w *quietPeriodWaiter) arm() {
	w.mu.Lock()
	if !w.started || w.timer != nil || w.signal.resolved() || len(w.active) > w.idleBound {
		w.mu.Unlock()
		return
	}
	w.gen++
	gen := w.gen
	w.mu.Unlock()

	t := w.clock.AfterFunc(w.threshold, func() { w.fire(gen) })

	w.mu.Lock()
	if gen != w.gen || w.timer != nil {
		// Disarmed or re-armed concurrently.
		w.mu.Unlock()
		t.Stop()
		return
	}
	w.timer = t
	w.mu.Unlock()
}

func (w *quietPeriodWaiter) disarm() {
	w.mu.Lock()
	t := w.timer
	w.timer = nil
	w.gen++
	w.mu.Unlock()

	if t != nil {
		t.Stop()
	}
}

func (w *quietPeriodWaiter) fire(gen uint64) {
	w.mu.Lock()
	if gen != w.gen || !w.started {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.mu.Unlock()

	w.signal.resolve()
}
