package exchange

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Barrier is a polling rendezvous over a step directory. There is no
// notification mechanism: it lists the directory every PollInterval until
// the expected number of matching entries is present.
//
// With Timeout == 0 a participant that never arrives blocks everyone
// forever; cancel the context to abort. A participant that fails instead
// leaves an abort notice, which releases everyone with an error.
type Barrier struct {
	step         *StepNamespace
	PollInterval time.Duration
	Timeout      time.Duration
	logger       *zap.Logger
}

func NewBarrier(step *StepNamespace, pollInterval, timeout time.Duration, logger *zap.Logger) *Barrier {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Barrier{
		step:         step,
		PollInterval: pollInterval,
		Timeout:      timeout,
		logger:       logger,
	}
}

type notReady struct {
	seen, expected int
}

func (e notReady) Error() string {
	return "barrier not ready"
}

// AwaitQuorum returns once exactly expected entries accepted by match are
// present. Seeing more than expected means two ranks share an identity and
// fails immediately rather than letting anyone proceed. An abort notice in
// the step directory ends the wait with that rank's *AbortError.
func (b *Barrier) AwaitQuorum(ctx context.Context, match EntryMatcher, expected int) error {
	start := time.Now()
	seen, polls := 0, 0
	check := func() error {
		polls++
		if aborted, err := b.step.aborted(); err != nil {
			return backoff.Permanent(err)
		} else if aborted != nil {
			return backoff.Permanent(aborted)
		}
		n, err := b.step.count(match)
		if err != nil {
			return backoff.Permanent(err)
		}
		seen = n
		if n > expected {
			return backoff.Permanent(errors.Errorf(
				"step %d: %d entries present, only %d expected", b.step.Step(), n, expected))
		}
		if n < expected {
			return notReady{seen: n, expected: expected}
		}
		return nil
	}

	err := poll(ctx, b.PollInterval, b.Timeout, check)
	switch {
	case err == nil:
		b.logger.Debug("barrier released",
			zap.Int("expected", expected),
			zap.Int("polls", polls),
			zap.Duration("waited", time.Since(start)))
		return nil
	case err == ErrBarrierTimeout:
		return errors.Wrapf(ErrBarrierTimeout, "step %d: saw %d of %d entries after %v",
			b.step.Step(), seen, expected, b.Timeout)
	case err == ctx.Err():
		return errors.Wrapf(err, "step %d: barrier abandoned at %d of %d entries",
			b.step.Step(), seen, expected)
	}
	return err
}

// poll runs check every interval until it succeeds or fails permanently. It
// returns ErrBarrierTimeout once timeout (if positive) has passed, and the
// context's error if ctx ends first.
func poll(ctx context.Context, interval, timeout time.Duration, check func() error) error {
	parent := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	policy := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	err := backoff.Retry(check, policy)
	if err == nil || err != ctx.Err() {
		return err
	}
	if perr := parent.Err(); perr != nil {
		return perr
	}
	return ErrBarrierTimeout
}
