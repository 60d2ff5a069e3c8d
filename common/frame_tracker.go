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

	"github.com/grafana/xk6-pageload/log"
)

// frameRecord is the per frame entry of the tracker's arena.
type frameRecord struct {
	id       cdp.FrameID
	parentID cdp.FrameID
	// urls holds every URL the frame navigated to, in arrival order.
	urls []string
	// lifecycle holds the names of the lifecycle events the frame fired.
	lifecycle map[string]bool
}

func (f *frameRecord) lastURL() string {
	if len(f.urls) == 0 {
		return ""
	}
	return f.urls[len(f.urls)-1]
}

// frameTracker follows the frames of a single navigation. Frames are kept in
// a flat map keyed by frame ID. Events can arrive before the main frame is
// known; they are recorded and take effect once setMainFrame is called.
type frameTracker struct {
	logger *log.Logger

	mu          sync.Mutex
	mainFrameID cdp.FrameID
	frames      map[cdp.FrameID]*frameRecord
	// rootFrameID is the first frame without a parent that navigated. It
	// stands in for the main frame as long as that is not known.
	rootFrameID cdp.FrameID

	navigated *signal
}

func newFrameTracker(logger *log.Logger, navigated *signal) *frameTracker {
	return &frameTracker{
		logger:    logger,
		frames:    make(map[cdp.FrameID]*frameRecord),
		navigated: navigated,
	}
}

// frame returns the record of id, creating it if needed.
// The caller must hold t.mu.
func (t *frameTracker) frame(id cdp.FrameID) *frameRecord {
	f, ok := t.frames[id]
	if !ok {
		f = &frameRecord{id: id, lifecycle: make(map[string]bool)}
		t.frames[id] = f
	}
	return f
}

// onFrameNavigated records a frame navigation.
func (t *frameTracker) onFrameNavigated(frame *cdp.Frame) {
	if frame == nil {
		return
	}
	url := frame.URL + frame.URLFragment

	t.mu.Lock()
	f := t.frame(frame.ID)
	f.parentID = frame.ParentID
	f.urls = append(f.urls, url)
	// A new document resets the frame's lifecycle.
	f.lifecycle = make(map[string]bool)
	if frame.ParentID == "" && t.rootFrameID == "" {
		t.rootFrameID = frame.ID
	}
	isMain := t.mainFrameID != "" && frame.ID == t.mainFrameID
	t.mu.Unlock()

	if !isMain {
		t.logger.Debugf("frameTracker:onFrameNavigated", "fid:%v pfid:%v url:%q (not main frame)",
			frame.ID, frame.ParentID, url)
		return
	}
	t.logger.Debugf("frameTracker:onFrameNavigated", "fid:%v url:%q", frame.ID, url)
	t.navigated.resolve()
}

// onNavigatedWithinDocument records a same document navigation, e.g. a
// history.pushState or a fragment change. It does not count as the
// navigation of the main frame.
func (t *frameTracker) onNavigatedWithinDocument(id cdp.FrameID, url string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f := t.frame(id)
	f.urls = append(f.urls, url)
}

// onLifecycleEvent records a named lifecycle event of a frame.
func (t *frameTracker) onLifecycleEvent(id cdp.FrameID, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.frame(id).lifecycle[name] = true
}

// setMainFrame sets the main frame's ID. Navigations of that frame that
// were recorded before are evaluated now.
func (t *frameTracker) setMainFrame(id cdp.FrameID) {
	t.mu.Lock()
	t.mainFrameID = id
	f, navigated := t.frames[id]
	navigated = navigated && len(f.urls) > 0
	t.mu.Unlock()

	t.logger.Debugf("frameTracker:setMainFrame", "fid:%v navigatedBefore:%t", id, navigated)
	if navigated {
		t.navigated.resolve()
	}
}

// navigatedToNewDocument reports whether a top level frame committed a new
// document during this navigation.
func (t *frameTracker) navigatedToNewDocument() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.rootFrameID != ""
}

// isMainFrame reports whether id is the main frame's ID. It is false as long
// as the main frame is not known.
func (t *frameTracker) isMainFrame(id cdp.FrameID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.mainFrameID != "" && id == t.mainFrameID
}

// mainFrameFired reports whether the main frame fired the named lifecycle
// event.
func (t *frameTracker) mainFrameFired(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mainFrameID == "" {
		return false
	}
	f, ok := t.frames[t.mainFrameID]
	return ok && f.lifecycle[name]
}

// mainOrRootFrame returns the main frame's record, or the record of the
// first top level frame that navigated if the main frame is not known.
// The caller must hold t.mu.
func (t *frameTracker) mainOrRootFrame() *frameRecord {
	if t.mainFrameID != "" {
		return t.frames[t.mainFrameID]
	}
	if t.rootFrameID != "" {
		return t.frames[t.rootFrameID]
	}
	return nil
}

// redirectChain returns a copy of the main frame's URL history.
func (t *frameTracker) redirectChain() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	f := t.mainOrRootFrame()
	if f == nil {
		return []string{}
	}
	return append([]string{}, f.urls...)
}

// finalURL returns the last URL of the main frame, or requested if the main
// frame has not navigated.
func (t *frameTracker) finalURL(requested string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f := t.mainOrRootFrame(); f != nil {
		if u := f.lastURL(); u != "" {
			return u
		}
	}
	return requested
}

// childFrames returns the number of other frames that were seen.
func (t *frameTracker) childFrames() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.frames)
	if f := t.mainOrRootFrame(); f != nil {
		n--
	}
	return n
}
