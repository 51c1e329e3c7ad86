package venue

import (
	"context"

	"klinefeed.com/pkg/ratelimit"
)

// Guard 每次 REST 调用前先限流，再过熔断器。零值直接放行。
type Guard struct {
	Venue    string
	Limiter  *ratelimit.Store
	Breakers *ratelimit.Manager
}

func (g *Guard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if g == nil {
		return fn(ctx)
	}
	if g.Limiter != nil {
		if err := g.Limiter.Wait(ctx, g.Venue); err != nil {
			return err
		}
	}
	if g.Breakers != nil {
		return g.Breakers.Do(ctx, g.Venue+":"+op, fn)
	}
	return fn(ctx)
}
