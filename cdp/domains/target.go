package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpt "github.com/chromedp/cdproto/target"
)

// Target exposes the CDP Target domain actions needed to drive a tab.
type Target interface {
	CreateTarget(ctx context.Context, url string) (cdpt.ID, error)
	AttachToTarget(ctx context.Context, id cdpt.ID) (cdpt.SessionID, error)
}

var _ Target = &target{}

type target struct {
	exec cdp.Executor
}

// NewTarget returns a new CDP Target domain wrapper.
func NewTarget(exec cdp.Executor) Target {
	return &target{exec}
}

func (t *target) CreateTarget(ctx context.Context, url string) (cdpt.ID, error) {
	action := cdpt.CreateTarget(url)
	id, err := action.Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return "", fmt.Errorf("executing createTarget: %w", err)
	}

	return id, nil
}

// AttachToTarget attaches to the target in flatten mode, so that the
// session's messages travel over the browser connection.
func (t *target) AttachToTarget(ctx context.Context, id cdpt.ID) (cdpt.SessionID, error) {
	action := cdpt.AttachToTarget(id).WithFlatten(true)
	sid, err := action.Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return "", fmt.Errorf("executing attachToTarget: %w", err)
	}

	return sid, nil
}
