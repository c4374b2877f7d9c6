// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ctxlog

import (
	"bytes"

	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

type logWriter struct {
	logfunc func(...interface{})
}

func (tlw logWriter) Write(buf []byte) (int, error) {
	tlw.logfunc(string(bytes.TrimRight(buf, "\n")))
	return len(buf), nil
}

// TestLogger returns a logger that writes to the gocheck log of the
// current test, so output only appears when the test fails or -v is
// given.
func TestLogger(c *check.C) *logrus.Logger {
	logger := logrus.New()
	logger.Out = &logWriter{c.Log}
	logger.Formatter = &logrus.TextFormatter{
		TimestampFormat: rfc3339NanoFixed,
		FullTimestamp:   true,
	}
	logger.Level = logrus.DebugLevel
	return logger
}
