// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fleet

import (
	"fmt"
	"sync"
)

// An Outcome is the result of one best-effort action.
type Outcome struct {
	Resource string
	Action   string
	Err      error
}

func (o Outcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("%s %s: FAILED: %s", o.Action, o.Resource, o.Err)
	}
	return fmt.Sprintf("%s %s: ok", o.Action, o.Resource)
}

// A Report collects the outcomes of a best-effort pass. It is safe
// for concurrent use.
type Report struct {
	mtx      sync.Mutex
	Outcomes []Outcome
}

// Add records an outcome.
func (r *Report) Add(resource, action string, err error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.Outcomes = append(r.Outcomes, Outcome{Resource: resource, Action: action, Err: err})
}

// Merge appends all of other's outcomes.
func (r *Report) Merge(other *Report) {
	other.mtx.Lock()
	outcomes := append([]Outcome(nil), other.Outcomes...)
	other.mtx.Unlock()
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.Outcomes = append(r.Outcomes, outcomes...)
}

// Failed returns the outcomes that have errors.
func (r *Report) Failed() []Outcome {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// Err returns nil if every outcome succeeded, otherwise the error
// from the first failure.
func (r *Report) Err() error {
	if failed := r.Failed(); len(failed) > 0 {
		return &ReconciliationError{Resource: failed[0].Resource, Err: failed[0].Err}
	}
	return nil
}

// Summary returns "succeeded", "partially failed", "failed", or
// "not needed".
func (r *Report) Summary() string {
	r.mtx.Lock()
	total := len(r.Outcomes)
	r.mtx.Unlock()
	nfailed := len(r.Failed())
	switch {
	case total == 0:
		return "not needed"
	case nfailed == 0:
		return "succeeded"
	case nfailed == total:
		return "failed"
	default:
		return fmt.Sprintf("partially failed, %d of %d actions failed", nfailed, total)
	}
}
