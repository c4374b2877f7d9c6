// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package s3bucket

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&BucketSuite{})

type BucketSuite struct {
	server *httptest.Server
	bucket *Bucket
}

func (s *BucketSuite) SetUpTest(c *check.C) {
	backend := s3mem.New()
	c.Assert(backend.CreateBucket("testbucket"), check.IsNil)
	s.server = httptest.NewServer(gofakes3.New(backend).Server())
	var err error
	s.bucket, err = New(Config{
		Region:          "aa-east-1",
		Bucket:          "testbucket",
		Endpoint:        s.server.URL,
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
	})
	c.Assert(err, check.IsNil)
}

func (s *BucketSuite) TearDownTest(c *check.C) {
	s.server.Close()
}

func (s *BucketSuite) TestCheck(c *check.C) {
	ctx := context.Background()
	c.Check(s.bucket.Check(ctx), check.IsNil)

	other, err := New(Config{Region: "aa-east-1", Bucket: "nonexistent", Endpoint: s.server.URL, AccessKeyID: "key", SecretAccessKey: "secret"})
	c.Assert(err, check.IsNil)
	c.Check(other.Check(ctx), check.ErrorMatches, `(?s)s3://nonexistent: .*`)

	_, err = New(Config{})
	c.Check(err, check.NotNil)
}

func (s *BucketSuite) TestPutGet(c *check.C) {
	ctx := context.Background()
	ok, err := s.bucket.Exists(ctx, "pkg/ds.tar.gz")
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, false)

	c.Assert(s.bucket.Put(ctx, "pkg/ds.tar.gz", strings.NewReader("tarball")), check.IsNil)
	ok, err = s.bucket.Exists(ctx, "pkg/ds.tar.gz")
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, true)

	buf := aws.NewWriteAtBuffer(nil)
	n, err := s.bucket.Get(ctx, "pkg/ds.tar.gz", buf)
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, int64(7))
	c.Check(string(buf.Bytes()), check.Equals, "tarball")
}

func (s *BucketSuite) TestPresignGet(c *check.C) {
	ctx := context.Background()
	c.Assert(s.bucket.Put(ctx, "pkg/ds.tar.gz", strings.NewReader("tarball")), check.IsNil)
	u, err := s.bucket.PresignGet("pkg/ds.tar.gz", time.Hour)
	c.Assert(err, check.IsNil)
	c.Check(u, check.Matches, `^`+s.server.URL+`/testbucket/pkg/ds.tar.gz\?.*X-Amz-Signature=.*`)
}

func (s *BucketSuite) TestDeletePrefix(c *check.C) {
	ctx := context.Background()
	for _, key := range []string{"ds/a", "ds/b/c", "other/x"} {
		c.Assert(s.bucket.Put(ctx, key, bytes.NewReader([]byte(key))), check.IsNil)
	}
	n, err := s.bucket.Count(ctx, "/ds")
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, 2)

	c.Check(s.bucket.DeletePrefix(ctx, "/ds"), check.IsNil)
	n, err = s.bucket.Count(ctx, "ds")
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, 0)
	n, err = s.bucket.Count(ctx, "other")
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, 1)

	c.Check(s.bucket.DeletePrefix(ctx, "/"), check.ErrorMatches, `refusing.*`)
}
