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

	"github.com/chromedp/cdproto/cdp"
)

// Names of the Page.lifecycleEvent notifications the waiter looks at.
const (
	lifecycleNameDOMContentLoaded = "DOMContentLoaded"
	lifecycleNameLoad             = "load"
	lifecycleNameFCP              = "firstContentfulPaint"
)

// lifecycleWaiter resolves the load and fcp signals of a navigation. Only
// main frame events count, and only once the main frame navigated, so the
// lifecycle of the document that was shown before the navigation can not
// satisfy them.
type lifecycleWaiter struct {
	tracker   *frameTracker
	navigated *signal
	// load and fcp are nil when not waited for.
	load *signal
	fcp  *signal

	mu               sync.Mutex
	domContentLoaded bool
	loaded           bool
}

func newLifecycleWaiter(tracker *frameTracker, navigated, load, fcp *signal) *lifecycleWaiter {
	return &lifecycleWaiter{
		tracker:   tracker,
		navigated: navigated,
		load:      load,
		fcp:       fcp,
	}
}

// onDOMContentEventFired handles Page.domContentEventFired, which is only
// sent for the main frame.
func (w *lifecycleWaiter) onDOMContentEventFired() {
	if !w.tracker.navigatedToNewDocument() {
		return
	}
	w.mu.Lock()
	w.domContentLoaded = true
	w.mu.Unlock()

	w.check()
}

// onLoadEventFired handles Page.loadEventFired, which is only sent for the
// main frame.
func (w *lifecycleWaiter) onLoadEventFired() {
	if !w.tracker.navigatedToNewDocument() {
		return
	}
	w.mu.Lock()
	w.loaded = true
	w.mu.Unlock()

	w.check()
}

func (w *lifecycleWaiter) onLifecycleEvent(frameID cdp.FrameID, name string) {
	w.tracker.onLifecycleEvent(frameID, name)
	w.check()
}

// check resolves every signal whose conditions are met. It is called after
// each event and once the main frame navigated.
func (w *lifecycleWaiter) check() {
	if !w.navigated.resolved() {
		return
	}

	w.mu.Lock()
	dcl, loaded := w.domContentLoaded, w.loaded
	w.mu.Unlock()

	dcl = dcl || w.tracker.mainFrameFired(lifecycleNameDOMContentLoaded)
	loaded = loaded || w.tracker.mainFrameFired(lifecycleNameLoad)
	if w.load != nil && dcl && loaded {
		w.load.resolve()
	}
	if w.fcp != nil && w.tracker.mainFrameFired(lifecycleNameFCP) {
		w.fcp.resolve()
	}
}
