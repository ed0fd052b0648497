package session

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrNoWinner is returned by [First] when every branch finished without
// contributing a value.
var ErrNoWinner = errors.New("session: no branch produced a result")

// errDecided cancels the losing branches once a winner has been recorded.
var errDecided = errors.New("session: result decided")

// Branch is one competing completion path of a race. It returns (v, true) to
// contribute v, or (zero, false) when it ends without a result, which it must
// do promptly once ctx is cancelled.
type Branch[T any] func(ctx context.Context) (T, bool)

// First runs all branches concurrently and returns the first contributed
// value. As soon as one branch contributes, the others are cancelled; First
// returns only after every branch has returned.
//
// If ctx ends before any branch contributes, First returns ctx.Err().
func First[T any](ctx context.Context, branches ...Branch[T]) (T, error) {
	g, gctx := errgroup.WithContext(ctx)

	var (
		once   sync.Once
		winner T
		won    bool
	)
	for _, b := range branches {
		g.Go(func() error {
			v, ok := b(gctx)
			if !ok {
				return nil
			}
			once.Do(func() {
				winner = v
				won = true
			})
			return errDecided
		})
	}
	err := g.Wait()

	if won {
		return winner, nil
	}
	var zero T
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, ctxErr
	}
	if err != nil && !errors.Is(err, errDecided) {
		return zero, err
	}
	return zero, ErrNoWinner
}
