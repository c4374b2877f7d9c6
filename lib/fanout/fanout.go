// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package fanout runs batches of independent units of work with a
// concurrency limit.
package fanout

import (
	"context"
	"errors"

	"git.arvados.org/dsfleet.git/sdk/go/fleet"
	"golang.org/x/sync/errgroup"
)

// ErrSkipped is recorded for units that were never started because
// an earlier unit failed or ctx was cancelled.
var ErrSkipped = errors.New("skipped after an earlier failure")

// DefaultLimit is used when a non-positive limit is given.
const DefaultLimit = 10

// Each calls fn(ctx, i) for each i in [0, n), running at most limit
// calls at a time.
//
// After the first failure, no new calls are started, but calls
// already running are allowed to finish: they receive ctx, not a
// context that is cancelled by the failure.
//
// The returned slice has one entry per unit: nil on success, the
// unit's error on failure, or ErrSkipped. The returned error is the
// first failure, or ctx.Err() if ctx was cancelled before every unit
// started.
func Each(ctx context.Context, limit, n int, fn func(ctx context.Context, i int) error) ([]error, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	errs := make([]error, n)
	for i := range errs {
		errs[i] = ErrSkipped
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			err := fn(ctx, i)
			errs[i] = err
			return err
		})
	}
	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		for _, e := range errs {
			if e == ErrSkipped {
				return errs, ctx.Err()
			}
		}
	}
	return errs, err
}

// Collect summarizes per-unit errors returned by Each. It returns nil
// if no unit failed, otherwise a *fleet.PartialFailure keyed by
// name(i). Skipped units are neither failed nor succeeded.
func Collect(errs []error, name func(i int) string) error {
	pf := &fleet.PartialFailure{Failed: map[string]error{}}
	for i, err := range errs {
		switch err {
		case nil:
			pf.Succeeded++
		case ErrSkipped:
		default:
			pf.Failed[name(i)] = err
		}
	}
	if len(pf.Failed) == 0 {
		return nil
	}
	return pf
}
