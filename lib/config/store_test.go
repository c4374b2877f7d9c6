// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&StoreSuite{})

type StoreSuite struct {
	dir   string
	store *Store
	clock time.Time
}

func (s *StoreSuite) SetUpTest(c *check.C) {
	s.dir = c.MkDir()
	s.clock = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	s.store = &Store{
		Path: filepath.Join(s.dir, "dsfleet.yml"),
		now: func() time.Time {
			s.clock = s.clock.Add(time.Second)
			return s.clock
		},
	}
}

func (s *StoreSuite) write(c *check.C, content string) {
	c.Assert(os.WriteFile(s.store.Path, []byte(content), 0600), check.IsNil)
}

func (s *StoreSuite) read(c *check.C) string {
	buf, err := os.ReadFile(s.store.Path)
	c.Assert(err, check.IsNil)
	return string(buf)
}

func (s *StoreSuite) TestBackupMissingFile(c *check.C) {
	v, err := s.store.Backup()
	c.Check(err, check.IsNil)
	c.Check(v, check.IsNil)
	vs, err := s.store.Versions()
	c.Check(err, check.IsNil)
	c.Check(vs, check.HasLen, 0)
}

func (s *StoreSuite) TestBackupAndVersions(c *check.C) {
	s.write(c, "Project: one\n")
	v1, err := s.store.Backup()
	c.Assert(err, check.IsNil)
	c.Check(v1.Name, check.Equals, "20260304_050608.000000")
	c.Check(v1.Path, check.Equals, filepath.Join(s.dir, ".config_backups", "config_20260304_050608.000000.yml"))
	c.Check(v1.Size, check.Equals, int64(13))

	s.write(c, "Project: two\n")
	v2, err := s.store.Backup()
	c.Assert(err, check.IsNil)

	// Unrelated files are ignored.
	c.Assert(os.WriteFile(filepath.Join(s.dir, ".config_backups", "notes.txt"), nil, 0600), check.IsNil)

	vs, err := s.store.Versions()
	c.Assert(err, check.IsNil)
	c.Assert(vs, check.HasLen, 2)
	c.Check(vs[0].Name, check.Equals, v2.Name)
	c.Check(vs[1].Name, check.Equals, v1.Name)
	c.Check(vs[1].Time.Equal(v1.Time), check.Equals, true)
}

func (s *StoreSuite) TestRollback(c *check.C) {
	s.write(c, "Project: one\n")
	v1, err := s.store.Backup()
	c.Assert(err, check.IsNil)
	s.write(c, "Project: two\n")

	saved, err := s.store.Rollback(v1.Name)
	c.Assert(err, check.IsNil)
	c.Check(s.read(c), check.Equals, "Project: one\n")

	// The replaced file is kept as a new version.
	buf, err := os.ReadFile(saved.Path)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, "Project: two\n")
	vs, err := s.store.Versions()
	c.Assert(err, check.IsNil)
	c.Check(vs, check.HasLen, 2)
	c.Check(vs[0].Name, check.Equals, saved.Name)
}

func (s *StoreSuite) TestRollbackUnknownVersion(c *check.C) {
	s.write(c, "Project: one\n")
	_, err := s.store.Rollback("20200101_000000.000000")
	c.Check(errors.Is(err, ErrNoSuchVersion), check.Equals, true)
	c.Check(s.read(c), check.Equals, "Project: one\n")
}

func (s *StoreSuite) TestRollbackRefusesBadVersion(c *check.C) {
	s.write(c, "Project: [broken\n")
	v, err := s.store.Backup()
	c.Assert(err, check.IsNil)
	s.write(c, "Project: good\n")
	_, err = s.store.Rollback(v.Name)
	c.Check(err, check.ErrorMatches, `version .* is not a valid configuration file: .*`)
	c.Check(s.read(c), check.Equals, "Project: good\n")
	vs, err := s.store.Versions()
	c.Assert(err, check.IsNil)
	c.Check(vs, check.HasLen, 1)
}
