// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

const tebibyte = 1 << 40

// objectStore measures the space used in an S3-compatible object
// store.
type objectStore struct {
	client *s3.Client
	// Buckets to measure. If empty, all buckets are measured.
	buckets []string
	logger  logrus.FieldLogger
}

func newObjectStore(ctx context.Context, endpoint, region, accessKey, secretKey string, buckets []string, logger logrus.FieldLogger) (*objectStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		func(o *config.LoadOptions) error {
			if accessKey == "" && secretKey == "" {
				// Use default sdk behavior
				return nil
			}
			o.Credentials = credentials.StaticCredentialsProvider{
				Value: aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
					Source:          "zocalo configuration",
				},
			}
			return nil
		},
		func(o *config.LoadOptions) error {
			o.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				if service == s3.ServiceID {
					return aws.Endpoint{
						URL:               endpoint,
						HostnameImmutable: true,
						SigningRegion:     region,
						Source:            aws.EndpointSourceCustom,
					}, nil
				}
				return aws.Endpoint{}, &aws.EndpointNotFoundError{Err: errors.New("endpoint not overridden")}
			})
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error loading aws client config: %w", err)
	}
	return &objectStore{
		client: s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.UsePathStyle = true
		}),
		buckets: buckets,
		logger:  logger,
	}, nil
}

type storageUsage struct {
	// Bytes per bucket
	Buckets map[string]int64
	Total   int64
}

// Usage returns the total size of the objects in each bucket.
func (st *objectStore) Usage(ctx context.Context) (*storageUsage, error) {
	buckets := st.buckets
	if len(buckets) == 0 {
		resp, err := st.client.ListBuckets(ctx, &s3.ListBucketsInput{})
		if err != nil {
			return nil, fmt.Errorf("listing buckets: %w", err)
		}
		for _, b := range resp.Buckets {
			buckets = append(buckets, aws.ToString(b.Name))
		}
		sort.Strings(buckets)
	}
	usage := &storageUsage{Buckets: map[string]int64{}}
	for _, bucket := range buckets {
		var size int64
		objects := 0
		pager := s3.NewListObjectsV2Paginator(st.client, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
		for pager.HasMorePages() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("listing bucket %s: %w", bucket, err)
			}
			for _, obj := range page.Contents {
				size += aws.ToInt64(obj.Size)
				objects++
			}
		}
		st.logger.WithFields(logrus.Fields{
			"Bucket":  bucket,
			"Objects": objects,
		}).Debugf("bucket uses %s", humanize.IBytes(uint64(size)))
		usage.Buckets[bucket] = size
		usage.Total += size
	}
	return usage, nil
}
