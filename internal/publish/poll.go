package publish

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/danieljhkim/cairn/internal/clock"
	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/registry"
)

var errNotVisible = errors.New("not yet visible in the index")

// clockTimer drives backoff waits from a clock.Clock.
type clockTimer struct {
	clk clock.Clock
	c   <-chan time.Time
}

func (t *clockTimer) Start(d time.Duration) { t.c = t.clk.After(d) }
func (t *clockTimer) Stop()                 {}
func (t *clockTimer) C() <-chan time.Time   { return t.c }

// pollBackOff is the wait schedule between index lookups. It gives up once
// timeout has elapsed on clk.
func pollBackOff(interval, timeout time.Duration, clk clock.Clock) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.RandomizationFactor = 0
	b.Multiplier = 1.5
	b.MaxInterval = 10 * interval
	b.MaxElapsedTime = timeout
	b.Clock = clk
	b.Reset()
	return b
}

// waitVisible polls client until name@version shows up. It returns an
// errs.KindPropagationTimeout error when the timeout runs out.
func waitVisible(ctx context.Context, client registry.Client, name, version string, interval, timeout time.Duration, clk clock.Clock, notify func(error, time.Duration)) error {
	op := func() error {
		ok, err := client.Published(ctx, name, version)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if !ok {
			return errNotVisible
		}
		return nil
	}

	b := backoff.WithContext(pollBackOff(interval, timeout, clk), ctx)
	err := backoff.RetryNotifyWithTimer(op, b, notify, &clockTimer{clk: clk})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return errs.Wrap(err, errs.KindPropagationTimeout,
			"timed out waiting for `%s v%s` to be available in the registry", name, version)
	}
}
