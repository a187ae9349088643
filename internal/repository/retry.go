package repository

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/card-ledger/internal/apperr"
)

// errVersionConflict marks an optimistic update that lost against a concurrent writer
var errVersionConflict = errors.New("card version changed concurrently")

// transience classifies a raw driver error
type transience int

const (
	permanent transience = iota
	transient            // connection hiccup, worth another try
	conflict             // lock, deadlock, serialization or version conflict
)

type classifier func(error) transience

// retrier repeats store operations that failed for transient reasons.
// Business errors and context errors are returned on the first attempt.
type retrier struct {
	maxTries uint
	initial  time.Duration
	max      time.Duration
	classify classifier
	log      *logrus.Logger
}

func newRetrier(maxTries int, classify classifier, log *logrus.Logger) retrier {
	if maxTries < 1 {
		maxTries = 1
	}
	return retrier{
		maxTries: uint(maxTries),
		initial:  10 * time.Millisecond,
		max:      250 * time.Millisecond,
		classify: classify,
		log:      log,
	}
}

func (r retrier) classOf(err error) transience {
	if errors.Is(err, errVersionConflict) {
		return conflict
	}
	var ae *apperr.Error
	if errors.As(err, &ae) || apperr.IsContextError(err) {
		return permanent
	}
	return r.classify(err)
}

// do runs fn until it succeeds, fails permanently or the attempt budget is spent.
// Whatever escapes is classified: business errors unchanged, exhausted
// conflicts as apperr.ErrConcurrencyConflict, the rest as apperr.ErrStoreUnavailable.
func (r retrier) do(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial
	b.MaxInterval = r.max

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		if r.classOf(err) == permanent {
			return struct{}{}, backoff.Permanent(err)
		}
		r.log.WithFields(logrus.Fields{
			"operation": op,
			"attempt":   attempt,
		}).WithError(err).Warn("Retrying store operation")
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.maxTries))
	if err == nil {
		return nil
	}

	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae
	}
	if r.classOf(err) == conflict {
		return apperr.ConcurrencyConflict(err)
	}
	return apperr.Infrastructure(op, err)
}
