// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"git.arvados.org/dsfleet.git/lib/cloud/s3bucket"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// PresignTTL is how long a presigned package URL stays valid. It
// must outlast a full deploy.
const PresignTTL = 6 * time.Hour

// A PackageSource says where nodes get the package tarball. Exactly
// one of URL (fetched on the node) and LocalPath (uploaded from
// here) is set.
type PackageSource struct {
	Name      string
	URL       string
	LocalPath string
}

// ResolvePackage decides how nodes will get the package.
//
// If PackageDistribution.Bucket is set, the package is mirrored to
// that bucket (downloading it here first if the object is missing)
// and nodes fetch it with a presigned URL. Otherwise, with
// DownloadOnRemote, nodes fetch the public URL directly. Otherwise
// the package is downloaded to Deployment.CacheDir and uploaded to
// each node.
func ResolvePackage(ctx context.Context, cfg *fleet.Config, logger logrus.FieldLogger) (PackageSource, error) {
	dc := cfg.Deployment
	src := PackageSource{Name: dc.PackageName()}
	if src.Name == "" {
		return src, fmt.Errorf("cannot determine package name from URL %q", dc.PackageURL())
	}
	if pd := cfg.PackageDistribution; pd.Bucket != "" {
		bucket, err := s3bucket.New(s3bucket.Config{
			Region:          pd.Region,
			Bucket:          pd.Bucket,
			Endpoint:        pd.Endpoint,
			AccessKeyID:     cfg.Cloud.AccessKeyID,
			SecretAccessKey: cfg.Cloud.SecretAccessKey,
		})
		if err != nil {
			return src, err
		}
		key := pd.Key
		if key == "" {
			key = fmt.Sprintf("dolphinscheduler/%s/%s", dc.Version, src.Name)
		}
		if err := mirror(ctx, bucket, key, cfg, logger); err != nil {
			return src, err
		}
		src.URL, err = bucket.PresignGet(key, PresignTTL)
		if err != nil {
			return src, fmt.Errorf("presigning s3://%s/%s: %w", pd.Bucket, key, err)
		}
		return src, nil
	}
	if dc.DownloadOnRemote {
		src.URL = dc.PackageURL()
		return src, nil
	}
	src.LocalPath = filepath.Join(cacheDir(dc), src.Name)
	return src, Download(ctx, dc.PackageURL(), src.LocalPath, logger)
}

func cacheDir(dc fleet.DeploymentConfig) string {
	if dc.CacheDir != "" {
		return dc.CacheDir
	}
	return filepath.Join(os.TempDir(), "dsfleet-cache")
}

func mirror(ctx context.Context, bucket *s3bucket.Bucket, key string, cfg *fleet.Config, logger logrus.FieldLogger) error {
	exists, err := bucket.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("checking s3://%s/%s: %w", bucket.Name(), key, err)
	}
	if exists {
		logger.WithField("Key", key).Info("package already in bucket")
		return nil
	}
	local := filepath.Join(cacheDir(cfg.Deployment), cfg.Deployment.PackageName())
	if err := Download(ctx, cfg.Deployment.PackageURL(), local, logger); err != nil {
		return err
	}
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	logger.WithField("Key", key).Info("uploading package to bucket")
	if err := bucket.Put(ctx, key, f); err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", bucket.Name(), key, err)
	}
	return nil
}

// Download fetches url to dest, retrying transient failures. It does
// nothing if dest already exists and is not empty.
func Download(ctx context.Context, url, dest string, logger logrus.FieldLogger) error {
	if fi, err := os.Stat(dest); err == nil && fi.Size() > 0 {
		logger.WithField("Path", dest).Info("using cached package")
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = logger
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	logger.WithField("URL", url).Info("downloading package")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("downloading %s: %s", url, resp.Status)
	}
	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	return os.Rename(tmp, dest)
}

func openLocal(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening package: %w", err)
	}
	return f, nil
}
