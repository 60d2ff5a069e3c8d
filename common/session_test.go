package common

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
)

const mainFrameID cdp.FrameID = "MAIN"

// fakeSession answers commands with canned results and delivers events
// synchronously to the registered handlers.
type fakeSession struct {
	mu        sync.Mutex
	commands  []string
	results   map[string]string
	errors    map[string]error
	hooks     map[string]func()
	listeners map[cdproto.MethodType]map[int]func(ev any)
	nextID    int
	// failRemove makes every listener remover fail after removing.
	failRemove bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		results: map[string]string{
			cdppage.CommandNavigate:                         `{"frameId":"MAIN","loaderId":"L1"}`,
			cdppage.CommandGetFrameTree:                     `{"frameTree":{"frame":{"id":"MAIN","loaderId":"L1","url":"about:blank","securityOrigin":"://","mimeType":"text/html"}}}`,
			cdppage.CommandAddScriptToEvaluateOnNewDocument: `{"identifier":"1"}`,
		},
		errors:    make(map[string]error),
		hooks:     make(map[string]func()),
		listeners: make(map[cdproto.MethodType]map[int]func(ev any)),
	}
}

func (s *fakeSession) Execute(_ context.Context, method string, _ easyjson.Marshaler, res easyjson.Unmarshaler) error {
	s.mu.Lock()
	s.commands = append(s.commands, method)
	hook := s.hooks[method]
	err := s.errors[method]
	result := s.results[method]
	s.mu.Unlock()

	// Hooks run before the command is acknowledged, like events the
	// browser sends before its reply.
	if hook != nil {
		hook()
	}
	if err != nil {
		return err
	}
	if res != nil && result != "" {
		return easyjson.Unmarshal([]byte(result), res)
	}
	return nil
}

func (s *fakeSession) On(event cdproto.MethodType, handler func(ev any)) func() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	if s.listeners[event] == nil {
		s.listeners[event] = make(map[int]func(ev any))
	}
	s.listeners[event][id] = handler

	return func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if _, ok := s.listeners[event][id]; !ok {
			return errors.New("listener already removed")
		}
		delete(s.listeners[event], id)
		if s.failRemove {
			return errors.New("remove failed")
		}
		return nil
	}
}

func (s *fakeSession) emit(event cdproto.MethodType, ev any) {
	s.mu.Lock()
	handlers := make([]func(ev any), 0, len(s.listeners[event]))
	for _, h := range s.listeners[event] {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (s *fakeSession) listenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for _, hs := range s.listeners {
		n += len(hs)
	}
	return n
}

func (s *fakeSession) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string{}, s.commands...)
}

func (s *fakeSession) onCommand(method string, hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hooks[method] = hook
}

func (s *fakeSession) frameNavigated(id cdp.FrameID, parentID cdp.FrameID, url string) {
	s.emit(cdproto.EventPageFrameNavigated, &cdppage.EventFrameNavigated{
		Frame: &cdp.Frame{ID: id, ParentID: parentID, URL: url},
	})
}

func (s *fakeSession) lifecycleEvent(id cdp.FrameID, name string) {
	s.emit(cdproto.EventPageLifecycleEvent, &cdppage.EventLifecycleEvent{FrameID: id, Name: name})
}

func (s *fakeSession) loaded() {
	s.emit(cdproto.EventPageDomContentEventFired, &cdppage.EventDomContentEventFired{})
	s.emit(cdproto.EventPageLoadEventFired, &cdppage.EventLoadEventFired{})
}

type gotoResult struct {
	rec *NavigationRecord
	err error
}

// startGoto runs GotoURL in the background. The fake clock must be the
// navigator's clock.
func startGoto(
	t *testing.T, s *fakeSession, clk clock.WithDelayedExecution, url string, opts *NavigationOptions,
) <-chan gotoResult {
	t.Helper()

	done := make(chan gotoResult, 1)
	n := NewNavigator(s, WithClock(clk))
	go func() {
		rec, err := n.GotoURL(context.Background(), url, opts)
		done <- gotoResult{rec: rec, err: err}
	}()

	return done
}

// waitCommand blocks until the session received method.
func waitCommand(t *testing.T, s *fakeSession, method string) {
	t.Helper()

	require.Eventually(t, func() bool {
		for _, c := range s.sent() {
			if c == method {
				return true
			}
		}
		return false
	}, 5*time.Second, time.Millisecond, "command %s not sent", method)
}

func requireResult(t *testing.T, done <-chan gotoResult) gotoResult {
	t.Helper()

	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("GotoURL did not return")
		return gotoResult{}
	}
}

func requirePending(t *testing.T, done <-chan gotoResult) {
	t.Helper()

	select {
	case r := <-done:
		t.Fatalf("GotoURL returned early: %+v %v", r.rec, r.err)
	case <-time.After(50 * time.Millisecond):
	}
}
