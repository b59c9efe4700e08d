package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/config"
	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Store = (*s3Store)(nil)

type s3Store struct {
	log    logrus.FieldLogger
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 creates a Store backed by S3-compatible storage. Every key is
// placed under the configured prefix.
func NewS3(log logrus.FieldLogger, cfg *config.S3ArtifactConfig) Store {
	return &s3Store{
		log:    log.WithField("component", "s3-artifacts"),
		client: newS3Client(cfg),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

func (s *s3Store) key(k string) string {
	if s.prefix == "" {
		return k
	}

	return s.prefix + "/" + k
}

// Get reads an object. Returns (nil, nil) when the key does not exist.
func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	full := s.key(key)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(full),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("getting object %q: %w", full, err)
	}

	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", full, err)
	}

	return data, nil
}

// Put uploads an object. S3 replaces objects atomically.
func (s *s3Store) Put(ctx context.Context, key string, data []byte) error {
	full := s.key(key)

	s.log.WithFields(logrus.Fields{
		"key":    full,
		"bucket": s.bucket,
	}).Debug("Uploading artifact")

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(full),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("putting object %q: %w", full, err)
	}

	return nil
}

// List returns keys under prefix with the store prefix stripped.
func (s *s3Store) List(ctx context.Context, prefix string) ([]string, error) {
	full := s.key(prefix)

	paginator := s3.NewListObjectsV2Paginator(
		s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(full),
		},
	)

	var keys []string

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing objects under %q: %w", full, err)
		}

		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}

			k := *obj.Key
			if s.prefix != "" {
				k = strings.TrimPrefix(k, s.prefix+"/")
			}

			keys = append(keys, k)
		}
	}

	sort.Strings(keys)

	return keys, nil
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	return strings.Contains(err.Error(), "NoSuchKey")
}

func newS3Client(cfg *config.S3ArtifactConfig) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}
