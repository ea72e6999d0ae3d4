// Package dispatch implements the per-message Service dispatch pipeline
// (spec §4.7): ordering gate, rate limiting, non-reentrancy lock,
// prepare/validate/run, and change-tracked rate-limit bookkeeping.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/Luka-sama/draco-go/internal/codec"
	"github.com/Luka-sama/draco-go/internal/logger"
	"github.com/pkg/errors"
)

// Options are a Service class's dispatch options, merged from class
// defaults over global defaults by the schema-agnostic caller before
// Dispatch is invoked (spec step 2).
type Options struct {
	// Ordered gates on the correctOrder flag a call arrived with: nil
	// matches either, true/false requires an exact match (spec step 3).
	Ordered *bool
	// Limit is a static rate-limit period; zero means "no static limit"
	// (Speed may still apply).
	Limit               time.Duration
	ErrorOnLimit        bool
	AllowSimultaneously bool
	LimitAlways         bool
}

// Lifecycle is the dispatchable contract a decoded codec.Service must also
// implement to be runnable through this pipeline.
type Lifecycle interface {
	codec.Service
	// IsCreated reports whether the value was obtained through its
	// factory (codec.Created, embedded and marked by the ServiceFactory
	// that built it). Dispatch treats a false return as a programmer
	// error, not a rejectable input (spec §3, §7).
	IsCreated() bool
	Options() Options
	// Speed, if > 0, overrides Options().Limit via period = 1000ms / speed.
	Speed() float64
	Prepare(ctx context.Context) error
	Validate(ctx context.Context) (bool, error)
	Run(ctx context.Context) error
	// OnLimitExceeded is invoked instead of Prepare/Validate/Run when the
	// strict (ErrorOnLimit) variant finds the service still within its
	// rate-limit period.
	OnLimitExceeded(ctx context.Context)
}

// RateLimiter is the narrow view of ratelimit.Limiter this package needs.
type RateLimiter interface {
	ShouldWait(service string, period time.Duration) time.Duration
	SoftLimit(service string, period time.Duration, proceed func())
	UpdateLastTime(service string)
}

// Locker is the narrow view of *Locks this package needs.
type Locker interface {
	TryLock(service string) bool
	Unlock(service string)
}

type changeFlagKey struct{}
type changeFlag struct{ changed bool }

// TrackChange marks the service currently running under ctx as having
// modified entities, for the "update last time" decision in step 9 (spec
// §4.7 "Change tracking"). Calling it outside a Dispatch-scoped context is
// a no-op.
func TrackChange(ctx context.Context) {
	if f, ok := ctx.Value(changeFlagKey{}).(*changeFlag); ok {
		f.changed = true
	}
}

// Dispatch runs the nine-step pipeline spec §4.7 describes. correctOrder is
// nil on the stream-transport path (unspecified, matches any Ordered
// option) and non-nil on the datagram path.
func Dispatch(ctx context.Context, limiter RateLimiter, locks Locker, svc Lifecycle, correctOrder *bool, log *logger.Logger) error {
	if !svc.IsCreated() {
		panic(fmt.Sprintf("dispatch: service %s was constructed without going through its factory", svc.ClassName()))
	}

	opts := svc.Options()

	if opts.Ordered != nil && correctOrder != nil && *opts.Ordered != *correctOrder {
		return nil
	}

	period := opts.Limit
	if speed := svc.Speed(); speed > 0 {
		period = time.Duration(1000.0 / speed * float64(time.Millisecond))
	}

	if period <= 0 {
		return runLocked(ctx, locks, limiter, svc, period, opts, log)
	}

	if opts.ErrorOnLimit {
		if wait := limiter.ShouldWait(svc.ClassName(), period); wait > 0 {
			svc.OnLimitExceeded(ctx)
			return nil
		}
		return runLocked(ctx, locks, limiter, svc, period, opts, log)
	}

	limiter.SoftLimit(svc.ClassName(), period, func() {
		if err := runLocked(ctx, locks, limiter, svc, period, opts, log); err != nil {
			log.Errorf("service %s: %v", svc.ClassName(), err)
		}
	})
	return nil
}

func runLocked(ctx context.Context, locks Locker, limiter RateLimiter, svc Lifecycle, period time.Duration, opts Options, log *logger.Logger) error {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("service %s panicked: %v", svc.ClassName(), r)
		}
	}()
	if !opts.AllowSimultaneously {
		if !locks.TryLock(svc.ClassName()) {
			return nil
		}
		defer locks.Unlock(svc.ClassName())
	}

	flag := &changeFlag{}
	scoped := context.WithValue(ctx, changeFlagKey{}, flag)

	if err := svc.Prepare(scoped); err != nil {
		return errors.Wrapf(err, "service %s: prepare", svc.ClassName())
	}
	ok, err := svc.Validate(scoped)
	if err != nil {
		return errors.Wrapf(err, "service %s: validate", svc.ClassName())
	}
	if ok {
		if err := svc.Run(scoped); err != nil {
			return errors.Wrapf(err, "service %s: run", svc.ClassName())
		}
	} else {
		log.Warnf("service %s: validation failed, skipping run", svc.ClassName())
	}

	if period > 0 && (flag.changed || opts.LimitAlways) {
		limiter.UpdateLastTime(svc.ClassName())
	}
	return nil
}
