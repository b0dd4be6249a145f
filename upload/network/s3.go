package network

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numS3UploadRetries = 3

// S3UploadParams ...
type S3UploadParams struct {
	FilePath        string
	Key             string
	ContentType     string
	PartSizeBytes   int64
	Concurrency     int
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// UploadToS3 transfers a file straight into the bucket with the caller's own
// credentials, bypassing the authorization service. This is the path the
// application backend uses for server-initiated transfers; browser-driven
// uploads go through grants instead.
func UploadToS3(ctx context.Context, params S3UploadParams, logger log.Logger) error {
	if params.Bucket == "" {
		return fmt.Errorf("Bucket must not be empty")
	}

	if params.FilePath == "" {
		return fmt.Errorf("FilePath must not be empty")
	}

	cfg, err := loadAWSCredentials(
		ctx,
		params.Region,
		params.AccessKeyID,
		params.SecretAccessKey,
		logger,
	)
	if err != nil {
		return fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg)

	if err := headBucketWithRetry(ctx, client, params.Bucket); err != nil {
		return err
	}

	return putObjectWithRetry(ctx, client, params, logger)
}

// headBucketWithRetry verifies the bucket is reachable with the provided
// credentials before any bytes move, so permission problems surface as
// ErrAuthRejected rather than a failed multipart upload.
func headBucketWithRetry(ctx context.Context, client *s3.Client, bucket string) error {
	return retry.Times(numS3UploadRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
			Bucket: aws.String(bucket),
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				switch apiError.ErrorCode() {
				case "AccessDenied", "Forbidden":
					return fmt.Errorf("%w: %s", ErrAuthRejected, apiError.ErrorMessage()), true
				case "NotFound", "NoSuchBucket":
					return fmt.Errorf("%w: bucket %s", ErrTransferNotFound, bucket), true
				}
			}
			return fmt.Errorf("validate bucket: %w", err), false
		}
		return nil, true
	})
}

func putObjectWithRetry(ctx context.Context, client *s3.Client, params S3UploadParams, logger log.Logger) error {
	return retry.Times(numS3UploadRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		file, err := os.Open(params.FilePath)
		if err != nil {
			return fmt.Errorf("open file: %w", err), true
		}
		defer file.Close() //nolint:errcheck

		info, err := file.Stat()
		if err != nil {
			return fmt.Errorf("stat file: %w", err), true
		}

		uploader := manager.NewUploader(client, func(u *manager.Uploader) {
			if params.PartSizeBytes > 0 {
				u.PartSize = params.PartSizeBytes
			}
			if params.Concurrency > 0 {
				u.Concurrency = params.Concurrency
			}
		})

		contentType := params.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		logger.Debugf("Uploading %s (%d bytes) to s3://%s/%s", params.FilePath, info.Size(), params.Bucket, params.Key)

		_, err = uploader.Upload(ctx, &s3.PutObjectInput{
			Body:          file,
			Bucket:        aws.String(params.Bucket),
			Key:           aws.String(params.Key),
			ContentType:   aws.String(contentType),
			ContentLength: aws.Int64(info.Size()),
		})
		if err != nil {
			return fmt.Errorf("upload object: %w", err), false
		}

		return nil, true
	})
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		opts = append(opts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	} else {
		logger.Debugf("aws credentials not provided, loading credentials from environment...")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
