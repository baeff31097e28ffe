package service

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"
)

// admission bounds concurrent sandbox runs.
type admission struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

func newAdmission(max int, timeout time.Duration) *admission {
	if max < 1 {
		max = 1
	}
	return &admission{sem: semaphore.NewWeighted(int64(max)), timeout: timeout}
}

// acquire waits for a slot. Waiting ends with ErrBusy when the admission
// timeout elapses first, or with ctx's error when the caller goes away.
func (a *admission) acquire(ctx context.Context) (release func(), err error) {
	if a.sem.TryAcquire(1) {
		return func() { a.sem.Release(1) }, nil
	}
	if a.timeout == 0 {
		return nil, ErrBusy
	}

	waitCtx, cancel := context.WithTimeoutCause(ctx, a.timeout, ErrBusy)
	defer cancel()
	if err := a.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(context.Cause(waitCtx), ErrBusy) {
			return nil, ErrBusy
		}
		return nil, err
	}
	return func() { a.sem.Release(1) }, nil
}
