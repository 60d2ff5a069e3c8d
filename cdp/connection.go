package cdp

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jwriter"
	"github.com/oxtoacart/bpool"
	"github.com/pkg/errors"

	"github.com/grafana/xk6-pageload/log"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsBufferSize       = 1 << 20
	wsWriteTimeout     = 10 * time.Second
	writeBufferPool    = 16
)

// connection is a thin wrapper around a websocket connection that reads and
// writes CDP messages. It allows one concurrent reader and any number of
// writers.
type connection struct {
	ws     *websocket.Conn
	logger *log.Logger
	bufs   *bpool.BufferPool

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newConnection(ctx context.Context, wsURL string, logger *log.Logger) (*connection, error) {
	wd := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		ReadBufferSize:   wsBufferSize,
		WriteBufferSize:  wsBufferSize,
		Proxy:            http.ProxyFromEnvironment,
	}
	ws, resp, err := wd.DialContext(ctx, wsURL, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %q", wsURL)
	}

	return &connection{
		ws:     ws,
		logger: logger,
		bufs:   bpool.NewBufferPool(writeBufferPool),
	}, nil
}

func (c *connection) readMessage() (*cdproto.Message, error) {
	_, buf, err := c.ws.ReadMessage()
	if err != nil {
		return nil, errors.Wrap(err, "reading websocket message")
	}

	var msg cdproto.Message
	if err := easyjson.Unmarshal(buf, &msg); err != nil {
		return nil, errors.Wrapf(err, "decoding CDP message %q", buf)
	}

	return &msg, nil
}

func (c *connection) writeMessage(msg *cdproto.Message) error {
	var w jwriter.Writer
	msg.MarshalEasyJSON(&w)
	if w.Error != nil {
		return errors.Wrapf(w.Error, "encoding CDP message %q", msg.Method)
	}

	buf := c.bufs.Get()
	defer c.bufs.Put(buf)
	if _, err := w.DumpTo(buf); err != nil {
		return errors.Wrapf(err, "buffering CDP message %q", msg.Method)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return errors.Wrap(err, "setting write deadline")
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, buf.Bytes()); err != nil {
		return errors.Wrapf(err, "writing CDP message %q", msg.Method)
	}

	return nil
}

// close sends a normal closure frame and closes the underlying connection.
// It is safe to call more than once.
func (c *connection) close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			c.logger.Debugf("cdp:connection:close", "writing close frame: %v", err)
		}
		c.writeMu.Unlock()

		if err := c.ws.Close(); err != nil {
			c.closeErr = errors.Wrap(err, "closing websocket")
		}
	})

	return c.closeErr
}
