// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	backupDir    = ".config_backups"
	backupPrefix = "config_"
	backupSuffix = ".yml"
	// Sorts lexically in time order.
	versionFormat = "20060102_150405.000000"
)

// ErrNoSuchVersion is returned by Rollback and Open for an unknown
// version.
var ErrNoSuchVersion = errors.New("no such configuration version")

// A Store keeps timestamped copies of a configuration file in a
// .config_backups directory next to it.
type Store struct {
	// Path of the live configuration file.
	Path string

	// Defaults to time.Now.
	now func() time.Time
}

// A Version is one backup.
type Version struct {
	Name string
	Path string
	Time time.Time
	Size int64
}

func (s *Store) dir() string {
	return filepath.Join(filepath.Dir(s.Path), backupDir)
}

func (s *Store) timestamp() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Backup copies the live file to a new version and returns it. If
// the live file does not exist yet, Backup returns nil.
func (s *Store) Backup() (*Version, error) {
	buf, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.dir(), 0700); err != nil {
		return nil, err
	}
	t := s.timestamp().UTC()
	name := t.Format(versionFormat)
	path := filepath.Join(s.dir(), backupPrefix+name+backupSuffix)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("backup %s already exists", path)
	}
	if err := writeFileAtomic(path, buf); err != nil {
		return nil, err
	}
	return &Version{Name: name, Path: path, Time: t, Size: int64(len(buf))}, nil
}

// Versions returns the existing backups, newest first.
func (s *Store) Versions() ([]Version, error) {
	ents, err := os.ReadDir(s.dir())
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var vs []Version
	for _, ent := range ents {
		fn := ent.Name()
		if ent.IsDir() || !strings.HasPrefix(fn, backupPrefix) || !strings.HasSuffix(fn, backupSuffix) {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(fn, backupPrefix), backupSuffix)
		t, err := time.Parse(versionFormat, name)
		if err != nil {
			continue
		}
		fi, err := ent.Info()
		if err != nil {
			return nil, err
		}
		vs = append(vs, Version{Name: name, Path: filepath.Join(s.dir(), fn), Time: t, Size: fi.Size()})
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i].Name > vs[j].Name })
	return vs, nil
}

// Find returns the backup with the given name.
func (s *Store) Find(name string) (*Version, error) {
	vs, err := s.Versions()
	if err != nil {
		return nil, err
	}
	for _, v := range vs {
		if v.Name == name {
			return &v, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoSuchVersion, name)
}

// Rollback backs up the live file, then replaces it with the named
// version. It returns the backup of the replaced file.
func (s *Store) Rollback(name string) (*Version, error) {
	v, err := s.Find(name)
	if err != nil {
		return nil, err
	}
	buf, err := os.ReadFile(v.Path)
	if err != nil {
		return nil, err
	}
	if _, err := Load(bytes.NewReader(buf), nil); err != nil {
		return nil, fmt.Errorf("version %s is not a valid configuration file: %w", name, err)
	}
	saved, err := s.Backup()
	if err != nil {
		return nil, fmt.Errorf("backing up current configuration: %w", err)
	}
	if err := writeFileAtomic(s.Path, buf); err != nil {
		return saved, err
	}
	return saved, nil
}
