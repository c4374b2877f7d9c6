// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ctxlog

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&suite{})

type suite struct{}

func (s *suite) TestContext(c *check.C) {
	var buf bytes.Buffer
	logger := New(&buf, "json", "info").WithField("RunID", "abc")
	ctx := Context(context.Background(), logger)
	FromContext(ctx).Info("hello")
	c.Check(buf.String(), check.Matches, `(?ms).*"RunID":"abc".*"msg":"hello".*`)
}

func (s *suite) TestFromEmptyContext(c *check.C) {
	c.Check(FromContext(context.Background()), check.NotNil)
	c.Check(FromContext(nil), check.NotNil)
}

func (s *suite) TestLevel(c *check.C) {
	var buf bytes.Buffer
	logger := New(&buf, "text", "warning")
	c.Check(logger.Level, check.Equals, logrus.WarnLevel)
	logger.Info("quiet")
	c.Check(buf.Len(), check.Equals, 0)
	logger.Warn("loud")
	c.Check(buf.String(), check.Matches, `(?ms).*loud.*`)
}
