// Package s3cache stores cache archives in an S3 bucket, with the same key and
// version rules as the GitHub Actions cache service.
package s3cache

import (
	"context"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/askiada/go-actions-cache/pkg/cache"
)

const defaultRegion = "us-east-1"

// API is the subset of the S3 client used by Store.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config locates the bucket. Endpoint, AccessKey and SecretKey are only needed
// for S3 compatible servers; otherwise the default AWS credential chain is used.
type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Store reads and writes archives at <prefix>/<key>/<version>.
type Store struct {
	api    API
	bucket string
	prefix string
	logger *zap.Logger
}

// New returns a store backed by api.
func New(api API, bucket, prefix string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		api:    api,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

// Open builds an S3 client from cfg and returns a store using it.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return New(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewClient builds the S3 client described by cfg. Static credentials are used
// when both keys are set.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	switch {
	case cfg.Bucket == "":
		return nil, errors.New("bucket is required")
	case (cfg.AccessKey == "") != (cfg.SecretKey == ""):
		return nil, errors.New("access key and secret key must be set together")
	}

	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = defaultRegion
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		loadOpts = append(loadOpts, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load aws config")
	}

	return s3.NewFromConfig(awsCfg, func(options *s3.Options) {
		if cfg.Endpoint != "" {
			options.BaseEndpoint = aws.String(cfg.Endpoint)
			options.UsePathStyle = true
		}
	}), nil
}

func (s *Store) objectKey(key, version string) string {
	return path.Join(s.prefix, key, cache.Version(version))
}

func (s *Store) keyPrefix(key string) string {
	if s.prefix == "" {
		return key
	}

	return s.prefix + "/" + key
}

// Restore returns the archive saved under key, or else the newest archive whose key
// starts with one of restoreKeys, tried in order. It returns the key that matched.
func (s *Store) Restore(ctx context.Context, key string, restoreKeys []string, version string) ([]byte, string, error) {
	for _, k := range append([]string{key}, restoreKeys...) {
		err := cache.CheckKey(k)
		if err != nil {
			return nil, "", err
		}
	}

	data, err := s.get(ctx, s.objectKey(key, version))
	if err == nil {
		return data, key, nil
	}
	if !isNotFound(err) {
		return nil, "", err
	}

	suffix := "/" + cache.Version(version)
	for _, restoreKey := range restoreKeys {
		object, err := s.newest(ctx, s.keyPrefix(restoreKey), suffix)
		if err != nil {
			return nil, "", err
		}
		if object == "" {
			continue
		}

		data, err := s.get(ctx, object)
		if err != nil {
			return nil, "", err
		}
		matched := strings.TrimSuffix(strings.TrimPrefix(object, s.keyPrefix("")), suffix)
		s.logger.Debug("restored from restore key", zap.String("restore_key", restoreKey), zap.String("key", matched))

		return data, matched, nil
	}

	return nil, "", errors.WithStack(cache.ErrCacheNotFound)
}

// newest returns the most recently modified object starting with prefix and ending with suffix.
func (s *Store) newest(ctx context.Context, prefix, suffix string) (string, error) {
	var (
		found  string
		latest s3types.Object
	)

	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return "", errors.Wrapf(err, "unable to list objects with prefix %s", prefix)
		}
		for _, object := range page.Contents {
			name := aws.ToString(object.Key)
			if !strings.HasSuffix(name, suffix) {
				continue
			}
			if found == "" || aws.ToTime(object.LastModified).After(aws.ToTime(latest.LastModified)) {
				found, latest = name, object
			}
		}
	}

	return found, nil
}

func (s *Store) get(ctx context.Context, object string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to get %s", object)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read %s", object)
	}

	return data, nil
}

// Save uploads archive under key. An existing archive for the same key and
// version is left untouched and Save reports false.
func (s *Store) Save(ctx context.Context, key, version string, archive io.ReadSeeker) (bool, error) {
	err := cache.CheckKey(key)
	if err != nil {
		return false, err
	}

	object := s.objectKey(key, version)
	_, err = s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(object),
	})
	switch {
	case err == nil:
		s.logger.Warn("cache already exists, skipping save", zap.String("key", key))
		return false, nil
	case !isNotFound(err):
		return false, errors.Wrapf(err, "unable to check %s", object)
	}

	size, err := archive.Seek(0, io.SeekEnd)
	if err != nil {
		return false, errors.Wrap(err, "unable to get archive size")
	}
	_, err = archive.Seek(0, io.SeekStart)
	if err != nil {
		return false, errors.Wrap(err, "unable to rewind archive")
	}

	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(object),
		Body:          archive,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return false, errors.Wrapf(err, "unable to put %s", object)
	}
	s.logger.Debug("archive saved", zap.String("object", object), zap.Int64("size", size))

	return true, nil
}

func isNotFound(err error) bool {
	var (
		noSuchKey *s3types.NoSuchKey
		notFound  *s3types.NotFound
	)

	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
