package session

import (
	"context"
	"time"
)

// FinishTimeout bounds the Finish call made by Run.
const FinishTimeout = 30 * time.Second

// Run executes fn and always finishes s before returning.
//
// Finish runs on a context detached from ctx, so a canceled run still
// uploads its result, bounded by FinishTimeout. If fn panics the session is
// finished and the panic is re-raised. The returned error is fn's error, or
// the Finish error when fn succeeded.
func Run(ctx context.Context, s *Session, fn func(ctx context.Context) error) (summary Summary, err error) {
	defer func() {
		r := recover()

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), FinishTimeout)
		defer cancel()
		sum, ferr := s.Finish(fctx)
		summary = sum

		if r != nil {
			panic(r)
		}
		if err == nil {
			err = ferr
		}
	}()

	err = fn(ctx)
	return summary, err
}
