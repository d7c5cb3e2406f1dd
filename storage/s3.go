package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"ref-keeper/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// BlobStore holds oversized enhancement payloads (raw source records, full
// text) outside the relational store. Rows keep only the blob key.
type BlobStore struct {
	Client *s3.Client
	Bucket string
}

// NewBlobStore creates the S3-compatible blob store client. Returns nil
// without error when blob offloading is not configured.
func NewBlobStore(cfg *config.Config) (*BlobStore, error) {
	if !cfg.BlobStoreEnabled() {
		return nil, nil
	}
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.BlobS3URL,
				SigningRegion:     cfg.BlobS3Region,
				HostnameImmutable: true,
			}, nil
		},
	)
	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(cfg.BlobS3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.BlobS3Key, cfg.BlobS3Secret, "")),
		awsconfig.WithEndpointResolverWithOptions(resolver),
	)
	if err != nil {
		return nil, err
	}
	return &BlobStore{Client: s3.NewFromConfig(awsCfg), Bucket: cfg.BlobS3Bucket}, nil
}

// Put uploads a payload blob and returns its key.
func (b *BlobStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

// Get fetches a payload blob by key.
func (b *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// EnhancementKey builds the blob key for an enhancement payload.
func EnhancementKey(enhancementID string) string {
	return fmt.Sprintf("enhancements/%s.json", enhancementID)
}
