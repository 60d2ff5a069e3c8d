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
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"

	"github.com/grafana/xk6-pageload/common/js"
	"github.com/grafana/xk6-pageload/log"
)

// navigation is the state of a single GotoURL call. Nothing in it outlives
// the call.
type navigation struct {
	requestedURL string
	opts         *NavigationOptions
	start        time.Time
	spanID       string

	logger *log.Logger
	// onSignal is called when a signal resolves. It may run inside a clock
	// callback and must not call the clock.
	onSignal func(name string)

	navigated    *signal
	load         *signal
	fcp          *signal
	networkQuiet *signal
	cpuQuiet     *signal

	tracker   *frameTracker
	lifecycle *lifecycleWaiter
	network   *quietPeriodWaiter
	cpu       *quietPeriodWaiter
}

func (n *Navigator) newNavigation(url string, opts *NavigationOptions, spanID string) *navigation {
	nav := &navigation{
		requestedURL: url,
		opts:         opts,
		start:        time.Now(),
		spanID:       spanID,
		logger:       n.logger,
	}
	nav.onSignal = func(name string) {
		n.logger.Debugf("Navigator:signal", "url:%q signal:%s", url, name)
		n.tracer.AddEvent(n.targetID, "signal:"+name, spanID)
		n.metrics.ObserveSignal(name, time.Since(nav.start))
	}

	nav.navigated = newSignal(signalNavigated, nav.onNavigated)
	nav.tracker = newFrameTracker(n.logger, nav.navigated)

	if opts.waitsFor(LifecycleEventLoad) {
		nav.load = newSignal(signalLoad, nav.onSignal)
	}
	if opts.waitsFor(LifecycleEventFCP) {
		nav.fcp = newSignal(signalFCP, nav.onSignal)
	}
	if nav.load != nil || nav.fcp != nil {
		nav.lifecycle = newLifecycleWaiter(nav.tracker, nav.navigated, nav.load, nav.fcp)
	}
	if threshold, ok := opts.networkQuietThreshold(); ok {
		nav.networkQuiet = newSignal(signalNetworkQuiet, nav.onSignal)
		nav.network = newQuietPeriodWaiter(signalNetworkQuiet, n.clock, n.logger,
			threshold, opts.NetworkIdleBound, nav.networkQuiet)
	}
	if threshold, ok := opts.cpuQuietThreshold(); ok {
		nav.cpuQuiet = newSignal(signalCPUQuiet, nav.onSignal)
		// Long tasks are reported after they ended, so there is never any
		// live activity and the bound is irrelevant.
		nav.cpu = newQuietPeriodWaiter(signalCPUQuiet, n.clock, n.logger,
			threshold, 0, nav.cpuQuiet)
	}

	return nav
}

// onNavigated runs when the main frame navigated. It never runs inside a
// clock callback.
func (nav *navigation) onNavigated(name string) {
	nav.onSignal(name)

	if nav.lifecycle != nil {
		nav.lifecycle.check()
	}
	if nav.network != nil {
		nav.network.start()
	}
	if nav.cpu != nil {
		nav.cpu.start()
	}
}

// signals returns every signal the navigation waits for.
func (nav *navigation) signals() []*signal {
	all := []*signal{nav.navigated, nav.load, nav.fcp, nav.networkQuiet, nav.cpuQuiet}
	signals := make([]*signal, 0, len(all))
	for _, s := range all {
		if s != nil {
			signals = append(signals, s)
		}
	}
	return signals
}

// pending returns the names of the signals that did not resolve yet.
func (nav *navigation) pending() []string {
	var names []string
	for _, s := range nav.signals() {
		if !s.resolved() {
			names = append(names, s.name)
		}
	}
	return names
}

// stop disarms the quiet period timers.
func (nav *navigation) stop() {
	if nav.network != nil {
		nav.network.stop()
	}
	if nav.cpu != nil {
		nav.cpu.stop()
	}
}

// listen registers the event handlers the navigation needs. It must be
// called before the navigate command is sent.
func (nav *navigation) listen(s Session) *listenerScope {
	ls := &listenerScope{logger: nav.logger}

	ls.on(s, cdproto.EventPageFrameNavigated, func(ev any) {
		if e, ok := ev.(*cdppage.EventFrameNavigated); ok {
			nav.tracker.onFrameNavigated(e.Frame)
		}
	})
	ls.on(s, cdproto.EventPageNavigatedWithinDocument, func(ev any) {
		if e, ok := ev.(*cdppage.EventNavigatedWithinDocument); ok {
			nav.tracker.onNavigatedWithinDocument(e.FrameID, e.URL)
		}
	})

	if nav.lifecycle != nil {
		ls.on(s, cdproto.EventPageLifecycleEvent, func(ev any) {
			if e, ok := ev.(*cdppage.EventLifecycleEvent); ok {
				nav.lifecycle.onLifecycleEvent(e.FrameID, e.Name)
			}
		})
	}
	if nav.load != nil {
		ls.on(s, cdproto.EventPageDomContentEventFired, func(ev any) {
			nav.lifecycle.onDOMContentEventFired()
		})
		ls.on(s, cdproto.EventPageLoadEventFired, func(ev any) {
			nav.lifecycle.onLoadEventFired()
		})
	}

	if nav.network != nil {
		ls.on(s, cdproto.EventNetworkRequestWillBeSent, func(ev any) {
			if e, ok := ev.(*network.EventRequestWillBeSent); ok {
				nav.network.activityStarted(string(e.RequestID))
			}
		})
		ls.on(s, cdproto.EventNetworkLoadingFinished, func(ev any) {
			if e, ok := ev.(*network.EventLoadingFinished); ok {
				nav.network.activityFinished(string(e.RequestID))
			}
		})
		ls.on(s, cdproto.EventNetworkLoadingFailed, func(ev any) {
			if e, ok := ev.(*network.EventLoadingFailed); ok {
				nav.network.activityFinished(string(e.RequestID))
			}
		})
	}

	if nav.cpu != nil {
		ls.on(s, cdproto.EventRuntimeBindingCalled, func(ev any) {
			if e, ok := ev.(*cdpruntime.EventBindingCalled); ok && e.Name == js.LongTaskBinding {
				nav.logger.Tracef("Navigator:longTask", "url:%q payload:%s", nav.requestedURL, e.Payload)
				nav.cpu.pulse()
			}
		})
	}

	return ls
}

// listenerScope collects the functions that undo a navigation's setup, most
// of them event listener removers.
type listenerScope struct {
	logger   *log.Logger
	removers []func() error
}

func (ls *listenerScope) on(s Session, event cdproto.MethodType, handler func(ev any)) {
	ls.add(s.On(event, handler))
}

func (ls *listenerScope) add(remove func() error) {
	ls.removers = append(ls.removers, remove)
}

// dispose runs every remover, last added first. Failures are logged and do
// not stop the remaining removers.
func (ls *listenerScope) dispose() {
	for i := len(ls.removers) - 1; i >= 0; i-- {
		if err := ls.removers[i](); err != nil {
			ls.logger.Warnf("Navigator:dispose", "%v", err)
		}
	}
	ls.removers = nil
}
