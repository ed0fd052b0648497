package capture

import (
	"context"
	"time"
)

// Limit wraps src so that every subscription ends after d of wall time. The end
// looks like regular exhaustion to the consumer: the channel is closed without a
// failure Result. A non-positive d returns src unchanged.
func Limit(src ChunkSource, d time.Duration) ChunkSource {
	if d <= 0 {
		return src
	}
	return &limited{src: src, d: d}
}

type limited struct {
	src ChunkSource
	d   time.Duration
}

func (l *limited) Chunks(ctx context.Context) <-chan Result {
	ctx, cancel := context.WithTimeout(ctx, l.d)
	in := l.src.Chunks(ctx)
	out := make(chan Result)
	go func() {
		defer close(out)
		defer cancel()
		for r := range in {
			select {
			case out <- r:
			case <-ctx.Done():
			}
		}
	}()
	return out
}
