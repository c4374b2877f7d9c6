// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fleet

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError means the requested state violates an invariant.
// It is always returned before any resource is touched.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid configuration: " + e.Problems[0]
	}
	return "invalid configuration:\n  - " + strings.Join(e.Problems, "\n  - ")
}

// ProvisionError means the cloud platform refused to create an
// instance.
type ProvisionError struct {
	Role  Role
	Index int
	Err   error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning %s-%d: %s", e.Role, e.Index, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// NotReadyError means an instance or service did not become ready
// within its bounded wait.
type NotReadyError struct {
	Role  Role
	Index int
	Host  string
	Err   error
}

func (e *NotReadyError) Error() string {
	who := e.Host
	if e.Role != "" {
		who = fmt.Sprintf("%s-%d", e.Role, e.Index)
		if e.Host != "" {
			who += " (" + e.Host + ")"
		}
	}
	return fmt.Sprintf("%s not ready: %s", who, e.Err)
}

func (e *NotReadyError) Unwrap() error { return e.Err }

// RemoteExecutionError means a remote command could not be run or
// exited non-zero.
type RemoteExecutionError struct {
	Host    string
	Command string
	Stderr  string
	Err     error
}

func (e *RemoteExecutionError) Error() string {
	msg := fmt.Sprintf("%s: %q: %s", e.Host, e.Command, e.Err)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		if len(stderr) > 512 {
			stderr = "..." + stderr[len(stderr)-512:]
		}
		msg += ": " + stderr
	}
	return msg
}

func (e *RemoteExecutionError) Unwrap() error { return e.Err }

// PartialFailure means some units of a parallel batch failed while
// others succeeded. Failed is keyed by unit name (hostname or
// role-index).
type PartialFailure struct {
	Failed    map[string]error
	Succeeded int
}

func (e *PartialFailure) Error() string {
	var keys []string
	for k := range e.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 1 {
		return e.Failed[keys[0]].Error()
	}
	var msgs []string
	for _, k := range keys {
		msgs = append(msgs, e.Failed[k].Error())
	}
	return fmt.Sprintf("%d of %d failed: %s", len(keys), len(keys)+e.Succeeded, strings.Join(msgs, "; "))
}

// First returns the error for the lexically first failed unit, so
// the caller can report a single role/index or host.
func (e *PartialFailure) First() error {
	var first string
	for k := range e.Failed {
		if first == "" || k < first {
			first = k
		}
	}
	return e.Failed[first]
}

// ReconciliationError records a single failed deletion during a
// best-effort cleanup pass.
type ReconciliationError struct {
	Resource string
	Err      error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("cleanup %s: %s", e.Resource, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// DeployError is returned when a lifecycle operation fails and was
// unwound. Err is the original failure; Rollback describes what the
// unwinding did.
type DeployError struct {
	Err      error
	Rollback *Report
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("%s (rollback %s)", e.Err, e.Rollback.Summary())
}

func (e *DeployError) Unwrap() error { return e.Err }
