package cdp

import (
	"context"

	"github.com/chromedp/cdproto/target"
)

type ctxKey int

const (
	ctxKeySessionID ctxKey = iota
)

// WithSessionID returns a context that routes commands executed with it to
// the given target session.
func WithSessionID(ctx context.Context, sessionID target.SessionID) context.Context {
	return context.WithValue(ctx, ctxKeySessionID, sessionID)
}

// GetSessionID returns the target session attached to the context, if any.
func GetSessionID(ctx context.Context) target.SessionID {
	sid, _ := ctx.Value(ctxKeySessionID).(target.SessionID)
	return sid
}
