package vaultsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3CloudStoreConfig configures the S3-backed cloud replica.
type S3CloudStoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer IAM roles, instance
	// profiles, or environment variables (AWS_ACCESS_KEY_ID,
	// AWS_SECRET_ACCESS_KEY) over setting these directly.
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string // Key prefix for all objects
	UsePathStyle    bool
	MaxRetries      int
}

// S3CloudStore keeps encrypted changeset payloads under
// <prefix>payloads/<doc>/<version> with a small version pointer object
// per document. The pointer is read-modify-write, so exactly one daemon
// must own a bucket prefix; the mutex serializes pushes within it.
type S3CloudStore struct {
	client  *s3.Client
	config  S3CloudStoreConfig
	retryer *Retryer
	mu      sync.Mutex
}

type s3VersionPointer struct {
	Version     string    `json:"version"`
	OperationID string    `json:"operationId"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func NewS3CloudStore(cfg S3CloudStoreConfig) (*S3CloudStore, error) {
	if cfg.Bucket == "" {
		return nil, &ConfigurationError{Field: "bucket", Reason: "required"}
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3CloudStore{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
		}),
	}, nil
}

func (s *S3CloudStore) Push(ctx context.Context, req PushRequest) (PushAck, error) {
	if strings.TrimSpace(req.DocumentID) == "" || strings.TrimSpace(req.OperationID) == "" {
		return PushAck{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pointer, err := s.readPointer(ctx, req.DocumentID)
	if err != nil {
		return PushAck{}, &StorageError{Kind: StorageCloud, Op: "push", Cause: err}
	}
	if pointer.Version != req.ExpectedVersion {
		return PushAck{Applied: false, PriorVersion: pointer.Version}, nil
	}

	newVersion := "rv_" + req.OperationID
	payloadKey := s.payloadKey(req.DocumentID, newVersion)
	result := s.retryer.Do(ctx, func() error {
		_, putErr := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(payloadKey),
			Body:   bytes.NewReader(req.Payload),
		})
		return putErr
	})
	if result.LastErr != nil {
		return PushAck{}, &StorageError{Kind: StorageCloud, Op: "push", Cause: result.LastErr}
	}

	updated := s3VersionPointer{
		Version:     newVersion,
		OperationID: req.OperationID,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.writePointer(ctx, req.DocumentID, updated); err != nil {
		// Orphaned payload objects are harmless; the pointer never moved.
		return PushAck{}, &StorageError{Kind: StorageCloud, Op: "push", Cause: err}
	}
	return PushAck{Applied: true, PriorVersion: pointer.Version, NewVersion: newVersion}, nil
}

func (s *S3CloudStore) Abort(ctx context.Context, documentID, operationID string) error {
	if strings.TrimSpace(documentID) == "" || strings.TrimSpace(operationID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pointer, err := s.readPointer(ctx, documentID)
	if err != nil {
		return &StorageError{Kind: StorageCloud, Op: "abort", Cause: err}
	}
	if pointer.OperationID == operationID {
		// The pointer already moved to this operation; aborting would
		// discard a committed version. Leave it alone.
		return nil
	}
	payloadKey := s.payloadKey(documentID, "rv_"+operationID)
	result := s.retryer.Do(ctx, func() error {
		_, delErr := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(payloadKey),
		})
		return delErr
	})
	if result.LastErr != nil {
		return &StorageError{Kind: StorageCloud, Op: "abort", Cause: result.LastErr}
	}
	return nil
}

func (s *S3CloudStore) RemoteVersion(ctx context.Context, documentID string) (string, error) {
	if strings.TrimSpace(documentID) == "" {
		return "", ErrInvalidInput
	}
	pointer, err := s.readPointer(ctx, documentID)
	if err != nil {
		return "", &StorageError{Kind: StorageCloud, Op: "version", Cause: err}
	}
	return pointer.Version, nil
}

func (s *S3CloudStore) Healthy(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.Bucket),
	})
	if err != nil {
		return &StorageError{Kind: StorageCloud, Op: "health", Cause: err}
	}
	return nil
}

func (s *S3CloudStore) readPointer(ctx context.Context, documentID string) (s3VersionPointer, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.pointerKey(documentID)),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return s3VersionPointer{}, nil
		}
		return s3VersionPointer{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return s3VersionPointer{}, err
	}
	var pointer s3VersionPointer
	if err := json.Unmarshal(data, &pointer); err != nil {
		return s3VersionPointer{}, err
	}
	return pointer, nil
}

func (s *S3CloudStore) writePointer(ctx context.Context, documentID string, pointer s3VersionPointer) error {
	data, err := json.Marshal(pointer)
	if err != nil {
		return err
	}
	result := s.retryer.Do(ctx, func() error {
		_, putErr := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.config.Bucket),
			Key:         aws.String(s.pointerKey(documentID)),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		return putErr
	})
	return result.LastErr
}

func (s *S3CloudStore) pointerKey(documentID string) string {
	return s.config.Prefix + "versions/" + documentID
}

func (s *S3CloudStore) payloadKey(documentID, version string) string {
	return s.config.Prefix + "payloads/" + documentID + "/" + version
}
