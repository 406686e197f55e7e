package worker

import (
	"context"
	"errors"
)

var (
	ErrDispatcherBusy   = errors.New("dispatcher busy")
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// Job is a unit of work owned by a tenant. Run receives the dispatcher's
// context, which is cancelled only when a shutdown deadline passes.
type Job struct {
	TenantID int64
	Name     string
	Run      func(ctx context.Context)

	stop bool
}
