// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package s3bucket wraps the handful of S3 operations used for
// package distribution, storage purge, and preflight checks.
package s3bucket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

type Config struct {
	Region          string
	Bucket          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// A Bucket performs operations on one S3 bucket.
type Bucket struct {
	name       string
	client     s3iface.S3API
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
}

// New returns a Bucket. If AccessKeyID is empty, the default AWS
// credential chain (environment, instance role, etc.) is used.
func New(cfg Config) (*Bucket, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("no bucket name configured")
	}
	awsConfig := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.AccessKeyID != "" {
		awsConfig = awsConfig.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}
	if cfg.Endpoint != "" {
		awsConfig = awsConfig.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, err
	}
	client := s3.New(sess)
	return &Bucket{
		name:       cfg.Bucket,
		client:     client,
		uploader:   s3manager.NewUploaderWithClient(client),
		downloader: s3manager.NewDownloaderWithClient(client),
	}, nil
}

func (b *Bucket) Name() string { return b.name }

// Check returns nil if the bucket exists and is accessible.
func (b *Bucket) Check(ctx context.Context) error {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.name)})
	if err != nil {
		return fmt.Errorf("s3://%s: %w", b.name, err)
	}
	return nil
}

// Exists reports whether key exists in the bucket.
func (b *Bucket) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	})
	if aerr, ok := err.(awserr.RequestFailure); ok && aerr.StatusCode() == 404 {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// Put uploads the content of r to key.
func (b *Bucket) Put(ctx context.Context, key string, r io.Reader) error {
	_, err := b.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
		Body:   r,
	})
	return err
}

// Get downloads key into w and returns the number of bytes written.
func (b *Bucket) Get(ctx context.Context, key string, w io.WriterAt) (int64, error) {
	return b.downloader.DownloadWithContext(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	})
}

// PresignGet returns a URL that can be used to download key without
// credentials until ttl elapses.
func (b *Bucket) PresignGet(key string, ttl time.Duration) (string, error) {
	req, _ := b.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	})
	return req.Presign(ttl)
}

// DeletePrefix deletes every object whose key starts with prefix.
// A leading slash in prefix is ignored.
func (b *Bucket) DeletePrefix(ctx context.Context, prefix string) error {
	prefix = strings.TrimPrefix(prefix, "/")
	if prefix == "" {
		return errors.New("refusing to delete the whole bucket")
	}
	iter := s3manager.NewDeleteListIterator(b.client, &s3.ListObjectsInput{
		Bucket: aws.String(b.name),
		Prefix: aws.String(prefix),
	})
	return s3manager.NewBatchDeleteWithClient(b.client).Delete(ctx, iter)
}

// Count returns the number of objects under prefix.
func (b *Bucket) Count(ctx context.Context, prefix string) (int, error) {
	n := 0
	err := b.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.name),
		Prefix: aws.String(strings.TrimPrefix(prefix, "/")),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		n += len(page.Contents)
		return true
	})
	return n, err
}
