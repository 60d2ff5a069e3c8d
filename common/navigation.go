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
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/grafana/xk6-pageload/common/js"
	"github.com/grafana/xk6-pageload/log"
	"github.com/grafana/xk6-pageload/metrics"
	"github.com/grafana/xk6-pageload/trace"
)

// Session is the CDP session of the page to navigate.
//
// On registers handler for the given event and returns a function that
// removes it again. Handlers must be called one at a time, in the order the
// events arrive.
type Session interface {
	cdp.Executor
	On(event cdproto.MethodType, handler func(ev any)) (remove func() error)
}

// Names of the signals a navigation waits for.
const (
	signalNavigated    = "navigated"
	signalLoad         = "load"
	signalFCP          = "fcp"
	signalNetworkQuiet = "network-quiet"
	signalCPUQuiet     = "cpu-quiet"
)

// cleanupTimeout bounds commands that undo a navigation's page setup.
const cleanupTimeout = 5 * time.Second

// NavigationRecord is the outcome of a navigation.
type NavigationRecord struct {
	RequestedURL string `json:"requestedUrl"`
	// FinalURL is the main frame's URL when the navigation completed or
	// timed out. It is RequestedURL if the main frame never navigated.
	FinalURL string `json:"finalUrl"`
	TimedOut bool   `json:"timedOut"`
	// RedirectChain holds every URL the main frame navigated to, in order.
	RedirectChain []string            `json:"redirectChain"`
	Warnings      []NavigationWarning `json:"warnings"`
}

// Navigator navigates a page and waits for the navigation to complete.
// A Navigator must not run more than one navigation at a time.
type Navigator struct {
	session  Session
	targetID string

	clock   clock.WithDelayedExecution
	logger  *log.Logger
	tracer  *trace.Tracer
	metrics *metrics.NavigationMetrics
}

// NavigatorOption configures a Navigator.
type NavigatorOption func(*Navigator)

// WithClock sets the clock driving the navigation timeout and the quiet
// periods.
func WithClock(c clock.WithDelayedExecution) NavigatorOption {
	return func(n *Navigator) { n.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) NavigatorOption {
	return func(n *Navigator) { n.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t *trace.Tracer) NavigatorOption {
	return func(n *Navigator) { n.tracer = t }
}

// WithMetrics sets the collectors updated by every navigation.
func WithMetrics(m *metrics.NavigationMetrics) NavigatorOption {
	return func(n *Navigator) { n.metrics = m }
}

// NewNavigator returns a Navigator for the page behind s.
func NewNavigator(s Session, opts ...NavigatorOption) *Navigator {
	n := &Navigator{
		session: s,
		clock:   clock.RealClock{},
		logger:  log.NewNullLogger(),
		tracer:  trace.NewNoopTracer(),
	}
	if t, ok := s.(interface{ TargetID() target.ID }); ok {
		n.targetID = string(t.TargetID())
	}
	for _, opt := range opts {
		opt(n)
	}

	return n
}

// GotoURL navigates the page behind s to url and waits until the completion
// conditions of opts are met. See (*Navigator).GotoURL.
func GotoURL(ctx context.Context, s Session, url string, opts *NavigationOptions) (*NavigationRecord, error) {
	return NewNavigator(s).GotoURL(ctx, url, opts)
}

// GotoURL navigates the page to url and waits until every condition of
// opts.WaitUntil, and the quiet periods of opts, are met.
//
// Invalid options are reported before any command is sent. A navigation
// that does not complete within opts.MaxWaitForLoad is not an error: the
// record is returned with TimedOut set. Failing CDP commands and a done ctx
// are returned as errors. Every event listener registered by GotoURL is
// removed before it returns.
func (n *Navigator) GotoURL(ctx context.Context, url string, opts *NavigationOptions) (*NavigationRecord, error) {
	if opts == nil {
		opts = NewNavigationOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	n.logger.Debugf("Navigator:GotoURL", "tid:%v url:%q waitUntil:%v timeout:%s",
		n.targetID, url, opts.WaitUntil, opts.MaxWaitForLoad)

	waitUntil := make([]string, 0, len(opts.WaitUntil))
	for _, e := range opts.WaitUntil {
		waitUntil = append(waitUntil, e.String())
	}
	navCtx, span := n.tracer.TraceNavigation(ctx, n.targetID, url,
		oteltrace.WithAttributes(attribute.StringSlice("navigation.wait_until", waitUntil)))
	spanID := span.SpanContext().SpanID().String()
	defer n.tracer.EndNavigation(n.targetID, spanID)

	nav := n.newNavigation(url, opts, spanID)

	cmdCtx, cancelCmds := context.WithCancel(navCtx)
	defer cancelCmds()
	timeout := make(chan struct{})
	timer := n.clock.AfterFunc(opts.MaxWaitForLoad, func() {
		close(timeout)
		cancelCmds()
	})
	defer timer.Stop()

	listeners := nav.listen(n.session)
	defer listeners.dispose()
	defer nav.stop()

	if err := n.navigate(cdp.WithExecutor(cmdCtx, n.tracedExecutor()), nav, listeners); err != nil {
		select {
		case <-timeout:
			n.logger.Warnf("Navigator:GotoURL", "url:%q timed out before the navigation was acknowledged: %v", url, err)
			return n.finish(nav, span, true), nil
		default:
		}
		return nil, n.fail(nav, span, err)
	}

	var timedOut bool
	select {
	case <-waitAll(cmdCtx, nav.signals()...):
	case <-timeout:
		timedOut = true
	case <-ctx.Done():
		return nil, n.fail(nav, span, ctx.Err())
	}

	return n.finish(nav, span, timedOut), nil
}

// navigate enables the domains the navigation's listeners depend on, sends
// the navigate command and resolves the main frame.
func (n *Navigator) navigate(ctx context.Context, nav *navigation, listeners *listenerScope) error {
	if err := cdppage.Enable().Do(ctx); err != nil {
		return fmt.Errorf("enabling page domain: %w", err)
	}
	if nav.lifecycle != nil {
		if err := cdppage.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
			return fmt.Errorf("enabling lifecycle events: %w", err)
		}
	}
	if nav.network != nil {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enabling network domain: %w", err)
		}
	}
	if nav.cpu != nil {
		if err := n.observeLongTasks(ctx, listeners); err != nil {
			return err
		}
	}

	frameID, _, errorText, err := cdppage.Navigate(nav.requestedURL).Do(ctx)
	if err != nil {
		return fmt.Errorf("navigating to %q: %w", nav.requestedURL, err)
	}
	if errorText != "" {
		// Chrome shows an error page, reported by the url-mismatch warning.
		n.logger.Warnf("Navigator:navigate", "url:%q fid:%v errorText:%q", nav.requestedURL, frameID, errorText)
	}

	tree, err := cdppage.GetFrameTree().Do(ctx)
	if err != nil {
		return fmt.Errorf("getting frame tree: %w", err)
	}
	if tree == nil || tree.Frame == nil {
		return errors.New("getting frame tree: no main frame")
	}
	if frameID != "" && frameID != tree.Frame.ID {
		n.logger.Debugf("Navigator:navigate", "navigated fid:%v is not the main frame fid:%v", frameID, tree.Frame.ID)
	}
	nav.tracker.setMainFrame(tree.Frame.ID)
	if nav.lifecycle != nil {
		nav.lifecycle.check()
	}

	return nil
}

// observeLongTasks installs the long task observer in every new document of
// the page. The script is removed again when the navigation ends.
func (n *Navigator) observeLongTasks(ctx context.Context, listeners *listenerScope) error {
	if err := cdpruntime.Enable().Do(ctx); err != nil {
		return fmt.Errorf("enabling runtime domain: %w", err)
	}
	if err := cdpruntime.AddBinding(js.LongTaskBinding).Do(ctx); err != nil {
		return fmt.Errorf("adding long task binding: %w", err)
	}
	id, err := cdppage.AddScriptToEvaluateOnNewDocument(js.LongTaskObserverScript).Do(ctx)
	if err != nil {
		return fmt.Errorf("adding long task observer: %w", err)
	}

	listeners.add(func() error {
		cctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		cctx = cdp.WithExecutor(cctx, n.session)
		if err := cdppage.RemoveScriptToEvaluateOnNewDocument(id).Do(cctx); err != nil {
			return fmt.Errorf("removing long task observer: %w", err)
		}
		return nil
	})

	return nil
}

func (n *Navigator) finish(nav *navigation, span oteltrace.Span, timedOut bool) *NavigationRecord {
	rec := &NavigationRecord{
		RequestedURL:  nav.requestedURL,
		FinalURL:      nav.tracker.finalURL(nav.requestedURL),
		TimedOut:      timedOut,
		RedirectChain: nav.tracker.redirectChain(),
	}
	rec.Warnings = GetNavigationWarnings(rec)

	kinds := make([]string, 0, len(rec.Warnings))
	for _, w := range rec.Warnings {
		kinds = append(kinds, string(w.Kind))
	}
	outcome := metrics.OutcomeCompleted
	if timedOut {
		outcome = metrics.OutcomeTimedOut
		n.logger.Warnf("Navigator:GotoURL", "url:%q timed out after %s, pending:%s",
			nav.requestedURL, nav.opts.MaxWaitForLoad, strings.Join(nav.pending(), ","))
	}
	n.logger.Debugf("Navigator:GotoURL", "url:%q final:%q hops:%d childFrames:%d warnings:%v",
		rec.RequestedURL, rec.FinalURL, len(rec.RedirectChain), nav.tracker.childFrames(), kinds)

	span.SetAttributes(
		attribute.String("navigation.final_url", rec.FinalURL),
		attribute.Bool("navigation.timed_out", rec.TimedOut),
		attribute.Int("navigation.redirect_hops", len(rec.RedirectChain)),
		attribute.StringSlice("navigation.warnings", kinds),
	)
	n.metrics.ObserveNavigation(outcome, time.Since(nav.start), len(rec.RedirectChain), kinds)

	return rec
}

func (n *Navigator) fail(nav *navigation, span oteltrace.Span, err error) error {
	n.logger.Debugf("Navigator:GotoURL", "url:%q err:%v", nav.requestedURL, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	n.metrics.ObserveNavigation(metrics.OutcomeFailed, time.Since(nav.start), 0, nil)

	return err
}

// tracedExecutor returns an executor that runs every command of the
// navigation in its own span.
func (n *Navigator) tracedExecutor() cdp.Executor {
	return &tracedExecutor{exec: n.session, tracer: n.tracer, targetID: n.targetID}
}

type tracedExecutor struct {
	exec     cdp.Executor
	tracer   *trace.Tracer
	targetID string
}

func (e *tracedExecutor) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	ctx, span := e.tracer.TraceCommand(ctx, e.targetID, method)
	defer span.End()

	err := e.exec.Execute(ctx, method, params, res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}
