// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads, saves, versions and compares the YAML
// document that describes a cluster.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"dario.cat/mergo"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
	"github.com/ghodss/yaml"
)

// DefaultYAML is the configuration every loaded document is merged
// over.
//
//go:embed config.default.yml
var DefaultYAML []byte

type logger interface {
	Warnf(string, ...interface{})
}

// Load reads a YAML configuration from rdr and returns it merged over
// the defaults. Keys that do not correspond to any configuration
// field are reported to log.
//
// Load does not validate the result; see (*fleet.Config)Validate.
func Load(rdr io.Reader, log logger) (*fleet.Config, error) {
	buf, err := io.ReadAll(rdr)
	if err != nil {
		return nil, err
	}
	var defaults, user map[string]interface{}
	if err := yaml.Unmarshal(DefaultYAML, &defaults); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if err := yaml.Unmarshal(buf, &user); err != nil {
		return nil, err
	}
	if user == nil {
		user = map[string]interface{}{}
	}
	// Merge generic maps rather than structs: decoding into a
	// map[Role]RoleSpec replaces whole entries, which would drop
	// the defaults for fields the user did not mention.
	if err := mergo.Merge(&defaults, user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merging defaults: %w", err)
	}
	merged, err := json.Marshal(defaults)
	if err != nil {
		return nil, err
	}
	var cfg fleet.Config
	if err := yaml.Unmarshal(merged, &cfg); err != nil {
		return nil, err
	}
	if log != nil {
		if err := warnUnknownKeys(&cfg, user, log); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// LoadFile loads the configuration file at path.
func LoadFile(path string, log logger) (*fleet.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg, err := Load(f, log)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, replacing the existing file
// atomically.
func Save(path string, cfg *fleet.Config) error {
	buf, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, buf)
}

func writeFileAtomic(path string, buf []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// warnUnknownKeys logs each key in the user document that did not
// survive a round trip through fleet.Config.
func warnUnknownKeys(cfg *fleet.Config, user map[string]interface{}, log logger) error {
	buf, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var known map[string]interface{}
	if err := json.Unmarshal(buf, &known); err != nil {
		return err
	}
	var unknown []string
	findUnknown("", user, known, &unknown)
	sort.Strings(unknown)
	for _, key := range unknown {
		log.Warnf("unknown configuration key %s", key)
	}
	return nil
}

func findUnknown(prefix string, user, known map[string]interface{}, unknown *[]string) {
	for k, v := range user {
		kv, ok := known[k]
		if !ok {
			*unknown = append(*unknown, prefix+k)
			continue
		}
		um, uok := v.(map[string]interface{})
		km, kok := kv.(map[string]interface{})
		if uok && kok {
			findUnknown(prefix+k+".", um, km, unknown)
		}
	}
}
