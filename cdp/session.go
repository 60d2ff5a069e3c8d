package cdp

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto"
	cdpext "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/grafana/xk6-pageload/cdp/domains"
)

var _ cdpext.Executor = &Session{}

// Session is a flattened CDP session attached to a single target, e.g. a
// browser tab. Commands and event listeners are scoped to the session.
type Session struct {
	id       target.SessionID
	targetID target.ID
	client   *Client
}

// ID returns the session ID.
func (s *Session) ID() target.SessionID {
	return s.id
}

// TargetID returns the ID of the target the session is attached to.
func (s *Session) TargetID() target.ID {
	return s.targetID
}

// Execute implements cdp.Executor for the session's target.
func (s *Session) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return s.client.Execute(WithSessionID(ctx, s.id), method, params, res)
}

// On registers an event handler scoped to the session.
func (s *Session) On(method cdproto.MethodType, handler EventHandler) func() error {
	return s.client.On(s.id, method, handler)
}

// ListenerCount returns the number of event handlers currently registered
// for the session.
func (s *Session) ListenerCount() int {
	return s.client.listenerCount(s.id)
}

// Session returns a Session for an already attached target.
func (c *Client) Session(sessionID target.SessionID, targetID target.ID) *Session {
	return &Session{id: sessionID, targetID: targetID, client: c}
}

// NewPageSession opens a new blank tab and attaches a flattened session to
// it.
func (c *Client) NewPageSession(ctx context.Context) (*Session, error) {
	t := domains.NewTarget(c)

	tid, err := t.CreateTarget(ctx, "about:blank")
	if err != nil {
		return nil, fmt.Errorf("creating page target: %w", err)
	}
	sid, err := t.AttachToTarget(ctx, tid)
	if err != nil {
		return nil, fmt.Errorf("attaching to page target %s: %w", tid, err)
	}
	c.logger.Debugf("cdp:Client:NewPageSession", "sid:%v tid:%v", sid, tid)

	return c.Session(sid, tid), nil
}
