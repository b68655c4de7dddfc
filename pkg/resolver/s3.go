package resolver

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cuemby/parafile/pkg/types"
)

// objectAPI is the slice of the S3 client the resolver consumes.
type objectAPI interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// bucketClients is the process-wide bucket handle cache: listing and
// downloading reuse the same client per bucket instead of
// re-authenticating per key. Every resolveOne/DownloadFor call for an
// s3:// URI goes through bucketClient.
var (
	bucketClientsMu sync.Mutex
	bucketClients   = map[string]objectAPI{}

	// newBucketClient builds the real client; swapped out in tests.
	newBucketClient = buildS3Client
)

func buildS3Client(ctx context.Context, desc *types.JobDescriptor, bucket string) (objectAPI, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if desc.Cloud.Region != "" {
		opts = append(opts, awsconfig.WithRegion(desc.Cloud.Region))
	}
	if desc.Cloud.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(desc.Cloud.AccessKey, desc.Cloud.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

func bucketClient(ctx context.Context, desc *types.JobDescriptor, bucket string) (objectAPI, error) {
	bucketClientsMu.Lock()
	defer bucketClientsMu.Unlock()

	if client, ok := bucketClients[bucket]; ok {
		return client, nil
	}

	client, err := newBucketClient(ctx, desc, bucket)
	if err != nil {
		return nil, types.NewJobError(types.ErrBackendUnavailable, "s3://"+bucket, err)
	}
	bucketClients[bucket] = client
	return client, nil
}

func listS3(ctx context.Context, desc *types.JobDescriptor, bucket, prefix string) ([]types.WorkItem, int64, error) {
	client, err := bucketClient(ctx, desc, bucket)
	if err != nil {
		return nil, 0, err
	}

	var (
		items []types.WorkItem
		total int64
	)
	for _, expanded := range ExpandDateMacros(desc, prefix) {
		var continuationToken *string
		for {
			out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(bucket),
				Prefix:            aws.String(expanded),
				ContinuationToken: continuationToken,
			})
			if err != nil {
				return nil, 0, types.NewJobError(types.ErrBackendUnavailable, "s3://"+bucket+"/"+expanded, err)
			}
			for _, obj := range out.Contents {
				size := aws.ToInt64(obj.Size)
				items = append(items, types.WorkItem{
					URI:  fmt.Sprintf("s3://%s/%s", bucket, aws.ToString(obj.Key)),
					Size: size,
				})
				total += size
			}
			if !aws.ToBool(out.IsTruncated) {
				break
			}
			continuationToken = out.NextContinuationToken
		}
	}
	return items, total, nil
}

func downloadS3(desc *types.JobDescriptor, bucket, key string) Downloader {
	return func(ctx context.Context, destPath string) error {
		client, err := bucketClient(ctx, desc, bucket)
		if err != nil {
			return err
		}
		out, err := client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return types.NewJobError(types.ErrDownloadFailed, "s3://"+bucket+"/"+key, err)
		}
		defer out.Body.Close()
		return writeToFile(destPath, out.Body)
	}
}
