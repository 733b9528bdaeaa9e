// Package cloudtape backs a "virtual tape" pool with S3-compatible object
// storage, adapted from the teacher's s3Uploader (internal/worker/image_handler.go).
// It supplements SPEC_FULL.md §4.6: some HSM deployments tier cold tapes
// into object storage instead of a physically attached drive, and RCX
// dispatches to whichever TapeSource the pool lookup returns for the
// request's tape id.
package cloudtape

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"hsm-recall-core/internal/recall"
)

// Config selects the bucket/region/endpoint for the cloud tier.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// Source implements recall.TapeSource against an S3-compatible bucket. The
// tape "path" is treated as the object key.
type Source struct {
	client *s3.Client
	bucket string
}

// New builds a Source from cfg, resolving a custom endpoint when set
// (e.g. for an S3-compatible on-prem object store), mirroring the
// teacher's newS3Client.
func New(ctx context.Context, cfg Config) (*Source, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: cfg.PathStyle,
					SigningRegion:     cfg.Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
	})
	return &Source{client: client, bucket: cfg.Bucket}, nil
}

// Open downloads the object fully into memory and exposes it as a
// ReaderAt. Cloud-tier tapes in this core are expected to hold
// individually-addressed file payloads (not a sequential tape image), so a
// single-shot GetObject is the natural operation; a partial-range reader
// would only pay off for very large objects, which cloud-tier pools are not
// expected to carry.
func (s *Source) Open(ctx context.Context, _ string, key string) (recall.TapeFile, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s/%s: %w", s.bucket, key, err)
	}
	return &memTapeFile{r: bytes.NewReader(data)}, nil
}

var _ recall.TapeSource = (*Source)(nil)

type memTapeFile struct {
	r *bytes.Reader
}

func (m *memTapeFile) ReadAt(p []byte, off int64) (int, error) { return m.r.ReadAt(p, off) }
func (m *memTapeFile) Size() (int64, error)                    { return m.r.Size(), nil }
func (m *memTapeFile) Close() error                             { return nil }
