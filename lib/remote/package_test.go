// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package remote

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"

	"git.arvados.org/dsfleet.git/lib/cloud/s3bucket"
	"git.arvados.org/dsfleet.git/lib/fleettest"
	"git.arvados.org/dsfleet.git/sdk/go/ctxlog"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&PackageSuite{})

type PackageSuite struct {
	ctx      context.Context
	cfg      *fleet.Config
	server   *httptest.Server
	requests int64
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}

func (s *PackageSuite) SetUpTest(c *check.C) {
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	s.cfg = fleettest.Config()
	s.requests = 0
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt64(&s.requests, 1)
		if !strings.HasSuffix(req.URL.Path, ".tar.gz") {
			http.NotFound(w, req)
			return
		}
		io.WriteString(w, "package for "+req.URL.Path)
	}))
	s.cfg.Deployment.DownloadURL = s.server.URL + "/{{version}}/apache-dolphinscheduler-{{version}}-bin.tar.gz"
	s.cfg.Deployment.DownloadOnRemote = false
	s.cfg.Deployment.CacheDir = c.MkDir()
}

func (s *PackageSuite) TearDownTest(c *check.C) {
	s.server.Close()
}

func (s *PackageSuite) TestDownloadCached(c *check.C) {
	logger := ctxlog.TestLogger(c)
	dest := c.MkDir() + "/sub/pkg.tar.gz"
	url := s.server.URL + "/x/pkg.tar.gz"
	c.Assert(Download(s.ctx, url, dest, logger), check.IsNil)
	buf, err := os.ReadFile(dest)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, "package for /x/pkg.tar.gz")
	c.Check(Download(s.ctx, url, dest, logger), check.IsNil)
	c.Check(atomic.LoadInt64(&s.requests), check.Equals, int64(1))
	_, err = os.Stat(dest + ".part")
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *PackageSuite) TestDownloadNotFound(c *check.C) {
	dest := c.MkDir() + "/missing"
	err := Download(s.ctx, s.server.URL+"/nothing", dest, ctxlog.TestLogger(c))
	c.Check(err, check.ErrorMatches, `downloading .*/nothing: 404 Not Found`)
	_, err = os.Stat(dest)
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *PackageSuite) TestResolveOnRemote(c *check.C) {
	s.cfg.Deployment.DownloadOnRemote = true
	src, err := ResolvePackage(s.ctx, s.cfg, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	c.Check(src.Name, check.Equals, "apache-dolphinscheduler-3.2.0-bin.tar.gz")
	c.Check(src.URL, check.Equals, s.server.URL+"/3.2.0/apache-dolphinscheduler-3.2.0-bin.tar.gz")
	c.Check(src.LocalPath, check.Equals, "")
	c.Check(atomic.LoadInt64(&s.requests), check.Equals, int64(0))
}

func (s *PackageSuite) TestResolveLocal(c *check.C) {
	src, err := ResolvePackage(s.ctx, s.cfg, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	c.Check(src.URL, check.Equals, "")
	c.Check(src.LocalPath, check.Equals, s.cfg.Deployment.CacheDir+"/apache-dolphinscheduler-3.2.0-bin.tar.gz")
	buf, err := os.ReadFile(src.LocalPath)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, "package for /3.2.0/apache-dolphinscheduler-3.2.0-bin.tar.gz")
}

func (s *PackageSuite) TestResolveBucket(c *check.C) {
	backend := s3mem.New()
	c.Assert(backend.CreateBucket("packages"), check.IsNil)
	s3srv := httptest.NewServer(gofakes3.New(backend).Server())
	defer s3srv.Close()
	s.cfg.Cloud.AccessKeyID = "key"
	s.cfg.Cloud.SecretAccessKey = "secret"
	s.cfg.PackageDistribution.Bucket = "packages"
	s.cfg.PackageDistribution.Region = "aa-east-1"
	s.cfg.PackageDistribution.Endpoint = s3srv.URL

	src, err := ResolvePackage(s.ctx, s.cfg, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	c.Check(src.LocalPath, check.Equals, "")
	c.Check(src.URL, check.Matches, s3srv.URL+`/packages/dolphinscheduler/3.2.0/apache-dolphinscheduler-3.2.0-bin.tar.gz\?.*X-Amz-Signature=.*`)

	bucket, err := s3bucket.New(s3bucket.Config{Region: "aa-east-1", Bucket: "packages", Endpoint: s3srv.URL, AccessKeyID: "key", SecretAccessKey: "secret"})
	c.Assert(err, check.IsNil)
	exists, err := bucket.Exists(s.ctx, "dolphinscheduler/3.2.0/apache-dolphinscheduler-3.2.0-bin.tar.gz")
	c.Check(err, check.IsNil)
	c.Check(exists, check.Equals, true)

	// Already mirrored: no second download.
	c.Assert(os.RemoveAll(s.cfg.Deployment.CacheDir), check.IsNil)
	_, err = ResolvePackage(s.ctx, s.cfg, ctxlog.TestLogger(c))
	c.Check(err, check.IsNil)
	c.Check(atomic.LoadInt64(&s.requests), check.Equals, int64(1))
}
