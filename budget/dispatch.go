package budget

import (
	"context"
	"errors"

	"github.com/warp/cycle-ledger/log"
)

// ErrRepositoryClosed is returned by Async after Close.
var ErrRepositoryClosed = errors.New("repository closed")

// Async runs cmd on its own goroutine and returns a channel that receives
// its result exactly once. The command sees a context that keeps ctx's
// values but not its cancellation: a write that has started runs to
// completion even if the caller goes away. Close waits for it.
//
//	done := repo.Async(ctx, func(ctx context.Context) error {
//	    _, err := repo.AddTransaction(ctx, in)
//	    return err
//	})
func (r *Repository) Async(ctx context.Context, cmd func(context.Context) error) <-chan error {
	result := make(chan error, 1)

	r.closeMu.RLock()
	if r.closed {
		r.closeMu.RUnlock()
		result <- ErrRepositoryClosed
		return result
	}
	r.inflight.Add(1)
	r.closeMu.RUnlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer r.inflight.Done()
		err := cmd(detached)
		if err != nil {
			r.logger.WarnContext(detached, "async command failed", log.FieldError, err.Error())
		}
		result <- err
	}()
	return result
}
