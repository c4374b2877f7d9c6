// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"dario.cat/mergo"
)

// MergeTags returns the system tags plus any extra tags whose keys
// are not already used by the system tags. Extra tags never override
// system tags.
func MergeTags(system, extra map[string]string) (InstanceTags, error) {
	merged := InstanceTags{}
	for k, v := range system {
		merged[k] = v
	}
	if len(extra) == 0 {
		return merged, nil
	}
	if err := mergo.Merge(&merged, InstanceTags(extra)); err != nil {
		return nil, err
	}
	return merged, nil
}

// HasTags reports whether have includes every key/value in want.
func HasTags(have, want map[string]string) bool {
	for k, v := range want {
		if hv, ok := have[k]; !ok || hv != v {
			return false
		}
	}
	return true
}

// HasState reports whether state is one of states. An empty states
// list matches everything.
func HasState(state InstanceState, states []InstanceState) bool {
	if len(states) == 0 {
		return true
	}
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}
