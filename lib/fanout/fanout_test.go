// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"git.arvados.org/dsfleet.git/sdk/go/fleet"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&FanoutSuite{})

type FanoutSuite struct{}

func (s *FanoutSuite) TestAllSucceed(c *check.C) {
	var mtx sync.Mutex
	seen := map[int]bool{}
	errs, err := Each(context.Background(), 3, 20, func(ctx context.Context, i int) error {
		mtx.Lock()
		defer mtx.Unlock()
		seen[i] = true
		return nil
	})
	c.Check(err, check.IsNil)
	c.Check(errs, check.HasLen, 20)
	for _, e := range errs {
		c.Check(e, check.IsNil)
	}
	c.Check(seen, check.HasLen, 20)
	c.Check(Collect(errs, func(i int) string { return fmt.Sprint(i) }), check.IsNil)
}

func (s *FanoutSuite) TestLimit(c *check.C) {
	var running, maxRunning int64
	_, err := Each(context.Background(), 4, 30, func(ctx context.Context, i int) error {
		n := atomic.AddInt64(&running, 1)
		for {
			m := atomic.LoadInt64(&maxRunning)
			if n <= m || atomic.CompareAndSwapInt64(&maxRunning, m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt64(&running, -1)
		return nil
	})
	c.Check(err, check.IsNil)
	c.Check(maxRunning <= 4, check.Equals, true)
	c.Check(maxRunning > 0, check.Equals, true)
}

func (s *FanoutSuite) TestStopLaunchingAfterFailure(c *check.C) {
	boom := errors.New("boom")
	var started int64
	errs, err := Each(context.Background(), 1, 10, func(ctx context.Context, i int) error {
		atomic.AddInt64(&started, 1)
		if i == 2 {
			return boom
		}
		return nil
	})
	c.Check(err, check.Equals, boom)
	c.Check(errs[0], check.IsNil)
	c.Check(errs[1], check.IsNil)
	c.Check(errs[2], check.Equals, boom)
	c.Check(errs[9], check.Equals, ErrSkipped)
	// With limit 1, at most one more unit may have been handed to
	// the pool before the failure was observed.
	c.Check(started <= 4, check.Equals, true)

	perr := Collect(errs, func(i int) string { return fmt.Sprintf("unit-%d", i) })
	pf, ok := perr.(*fleet.PartialFailure)
	c.Assert(ok, check.Equals, true)
	c.Check(pf.Failed, check.DeepEquals, map[string]error{"unit-2": boom})
	c.Check(pf.Succeeded >= 2, check.Equals, true)
}

func (s *FanoutSuite) TestInFlightUnitsNotCancelled(c *check.C) {
	boom := errors.New("boom")
	var wg sync.WaitGroup
	wg.Add(1)
	errs, err := Each(context.Background(), 2, 2, func(ctx context.Context, i int) error {
		if i == 0 {
			wg.Wait()
			return boom
		}
		wg.Done()
		time.Sleep(10 * time.Millisecond)
		return ctx.Err()
	})
	c.Check(err, check.Equals, boom)
	c.Check(errs[1], check.IsNil)
}

func (s *FanoutSuite) TestParentCancelled(c *check.C) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	errs, err := Each(ctx, 2, 5, func(ctx context.Context, i int) error {
		c.Error("should not run")
		return nil
	})
	c.Check(err, check.Equals, context.Canceled)
	for _, e := range errs {
		c.Check(e, check.Equals, ErrSkipped)
	}
}
