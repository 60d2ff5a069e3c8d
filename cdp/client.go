// Package cdp implements a Chrome DevTools Protocol client over a websocket
// connection, with command/response correlation and per-session event
// listeners.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	cdpext "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"

	"github.com/grafana/xk6-pageload/log"
)

var (
	// ErrClosed is returned for commands issued on a closed client.
	ErrClosed = errors.New("CDP client is closed")

	// ErrListenerRemoved is returned when removing a listener twice.
	ErrListenerRemoved = errors.New("listener already removed")
)

var _ cdpext.Executor = &Client{}

// EventHandler is called with the decoded event payload, e.g.
// *page.EventFrameNavigated. Handlers run on the client's receive loop, one
// event at a time and in arrival order, so they must not block or issue
// commands synchronously.
type EventHandler = func(ev any)

type listenerKey struct {
	sessionID target.SessionID
	method    cdproto.MethodType
}

type listener struct {
	id      int64
	handler EventHandler
}

// Client manages CDP communication with the browser.
type Client struct {
	ctx    context.Context
	logger *log.Logger

	conn  *connection
	wsURL string
	msgID int64

	pendingMu sync.Mutex
	pending   map[int64]chan *cdproto.Message

	listenersMu sync.RWMutex
	listeners   map[listenerKey][]*listener
	listenerID  int64

	done     chan struct{}
	doneOnce sync.Once
	doneErr  error
}

// NewClient returns a new Client that is unusable until a CDP connection is
// established with Connect().
func NewClient(ctx context.Context, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Client{
		ctx:       ctx,
		logger:    logger,
		pending:   make(map[int64]chan *cdproto.Message),
		listeners: make(map[listenerKey][]*listener),
		done:      make(chan struct{}),
	}
}

// Connect to the browser that exposes a CDP API at wsURL.
func (c *Client) Connect(wsURL string) error {
	if c.wsURL != "" {
		return fmt.Errorf("CDP connection already established to %q", c.wsURL)
	}

	conn, err := newConnection(c.ctx, wsURL, c.logger)
	if err != nil {
		return fmt.Errorf("connecting to browser DevTools URL: %w", err)
	}
	c.conn = conn
	c.wsURL = wsURL
	c.logger.Infof("cdp:Client:Connect", "established CDP connection to %q", wsURL)

	go c.recvLoop()
	go func() {
		select {
		case <-c.ctx.Done():
			c.shutdown(c.ctx.Err())
			_ = c.conn.close()
		case <-c.done:
		}
	}()

	return nil
}

// Close disconnects from the browser's CDP API. Pending commands fail with
// ErrClosed.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	if c.conn == nil {
		return nil
	}
	return c.conn.close()
}

// Done is closed once the client stops receiving messages.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Execute implements cdp.Executor and performs a synchronous send and
// receive. The session to route to is taken from the context, see
// WithSessionID.
func (c *Client) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if c.conn == nil {
		return ErrClosed
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	var buf []byte
	if params != nil {
		var err error
		if buf, err = easyjson.Marshal(params); err != nil {
			return fmt.Errorf("marshaling %s params: %w", method, err)
		}
	}

	id := atomic.AddInt64(&c.msgID, 1)
	msg := &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
		Params: buf,
	}
	// Without a session ID the message goes to the browser target.
	if sid := GetSessionID(ctx); sid != "" {
		msg.SessionID = sid
	}

	respCh := make(chan *cdproto.Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.logger.Debugf("cdp:Client:Execute", "sid:%v id:%d method:%q", msg.SessionID, id, method)
	if err := c.conn.writeMessage(msg); err != nil {
		return fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case resp := <-respCh:
		switch {
		case resp.Error != nil:
			return resp.Error
		case res != nil:
			if err := easyjson.Unmarshal(resp.Result, res); err != nil {
				return fmt.Errorf("unmarshaling %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.doneErr
	}
}

// On registers handler for the given event of the given session. An empty
// session ID listens to browser level events. The returned function removes
// the handler; calling it twice returns ErrListenerRemoved.
func (c *Client) On(sessionID target.SessionID, method cdproto.MethodType, handler EventHandler) func() error {
	key := listenerKey{sessionID: sessionID, method: method}
	l := &listener{
		id:      atomic.AddInt64(&c.listenerID, 1),
		handler: handler,
	}

	c.listenersMu.Lock()
	c.listeners[key] = append(c.listeners[key], l)
	c.listenersMu.Unlock()

	return func() error {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()

		ls := c.listeners[key]
		for i, other := range ls {
			if other.id != l.id {
				continue
			}
			c.listeners[key] = append(ls[:i:i], ls[i+1:]...)
			if len(c.listeners[key]) == 0 {
				delete(c.listeners, key)
			}
			return nil
		}
		return fmt.Errorf("removing %s listener: %w", method, ErrListenerRemoved)
	}
}

// listenerCount returns the number of handlers registered for a session.
func (c *Client) listenerCount(sessionID target.SessionID) int {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()

	var n int
	for k, ls := range c.listeners {
		if k.sessionID == sessionID {
			n += len(ls)
		}
	}
	return n
}

func (c *Client) recvLoop() {
	for {
		msg, err := c.conn.readMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			normal := errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure
			if !normal && !errors.Is(err, net.ErrClosed) {
				c.logger.Errorf("cdp:Client:recvLoop", "wsURL:%q err:%v", c.wsURL, err)
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}

		switch {
		case msg.Method != "":
			c.dispatch(msg)
		case msg.ID > 0:
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			c.pendingMu.Unlock()
			if !ok {
				c.logger.Debugf("cdp:Client:recvLoop", "no pending command for id:%d", msg.ID)
				continue
			}
			ch <- msg
		default:
			c.logger.Errorf("cdp:Client:recvLoop", "ignoring malformed CDP message (missing id or method): %#v", msg)
		}
	}
}

func (c *Client) dispatch(msg *cdproto.Message) {
	key := listenerKey{sessionID: msg.SessionID, method: msg.Method}

	c.listenersMu.RLock()
	ls := make([]*listener, len(c.listeners[key]))
	copy(ls, c.listeners[key])
	c.listenersMu.RUnlock()

	if len(ls) == 0 {
		return
	}

	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		c.logger.Debugf("cdp:Client:dispatch", "unmarshaling %s: %v", msg.Method, err)
		return
	}
	for _, l := range ls {
		l.handler(ev)
	}
}

func (c *Client) shutdown(err error) {
	c.doneOnce.Do(func() {
		c.doneErr = err
		close(c.done)
	})
}
