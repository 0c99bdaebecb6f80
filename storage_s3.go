package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type S3StorageConfig struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Region    string
}

// S3-compatible persistent tier. one object per key under `Prefix`
type S3Storage struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Storage(ctx context.Context, config S3StorageConfig) (*S3Storage, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(config.Region),
	}
	if config.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
			// required for MinIO
			o.UsePathStyle = true
		}
	})

	return &S3Storage{
		client: client,
		bucket: config.Bucket,
		prefix: config.Prefix,
	}, nil
}

func (self *S3Storage) objectKey(key string) string {
	return self.prefix + key
}

func (self *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := self.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(self.bucket),
		Key:    aws.String(self.objectKey(key)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, nil
		}
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (self *S3Storage) Put(ctx context.Context, key string, value []byte) error {
	_, err := self.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(self.bucket),
		Key:    aws.String(self.objectKey(key)),
		Body:   bytes.NewReader(value),
	})
	return err
}

func (self *S3Storage) Delete(ctx context.Context, key string) error {
	_, err := self.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(self.bucket),
		Key:    aws.String(self.objectKey(key)),
	})
	return err
}

func (self *S3Storage) Keys(ctx context.Context) ([]string, error) {
	keys := []string{}
	paginator := s3.NewListObjectsV2Paginator(self.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(self.bucket),
		Prefix: aws.String(self.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, object := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(object.Key), self.prefix))
		}
	}
	return keys, nil
}
