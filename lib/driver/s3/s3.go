// Package s3 stores backups as chunked objects in an S3-compatible bucket.
//
// A backup with id X is written under <prefix>/X/: one object per chunk,
// named by a random uuid, plus a metadata.json manifest listing the chunks
// in order with their sha256 digests.
package s3

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/onkernel/backupd/lib/backups"
)

// Name is the driver name recorded as the service of backups it creates.
const Name = "s3"

const (
	defaultPrefix    = "backups"
	defaultChunkSize = 64 << 20
	manifestName     = "metadata.json"
	manifestVersion  = "1"
)

var (
	// ErrDataNotFound is returned when a backup has no stored manifest.
	ErrDataNotFound = errors.New("backup data not found")

	// ErrChecksumMismatch is returned when a restored chunk does not match its digest.
	ErrChecksumMismatch = errors.New("backup chunk checksum mismatch")

	// ErrForeignRecord is returned when an imported record points at another bucket.
	ErrForeignRecord = errors.New("backup record belongs to a different bucket")
)

// Config configures the driver.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint for S3-compatible stores; enables path-style addressing

	AccessKeyID     string
	SecretAccessKey string

	Prefix    string
	ChunkSize int64
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	return c
}

// client is the subset of the S3 API the driver uses.
type client interface {
	GetObject(ctx context.Context, in *awss3.GetObjectInput, opts ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *awss3.HeadObjectInput, opts ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, in *awss3.HeadBucketInput, opts ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, in *awss3.ListObjectsV2Input, opts ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *awss3.DeleteObjectsInput, opts ...func(*awss3.Options)) (*awss3.DeleteObjectsOutput, error)
}

// uploader writes one object, splitting it into multipart parts as needed.
type uploader interface {
	Upload(ctx context.Context, in *awss3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Driver implements backups.Driver on S3.
type Driver struct {
	cfg      Config
	client   client
	uploader uploader
}

var (
	_ backups.Driver        = (*Driver)(nil)
	_ backups.Verifier      = (*Driver)(nil)
	_ backups.HealthChecker = (*Driver)(nil)
)

// New loads AWS configuration and creates a driver for cfg.Bucket. Static
// credentials are used when given, otherwise the default chain.
func New(ctx context.Context, cfg Config) (*Driver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 driver: bucket is required")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	c := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	cfg = cfg.withDefaults()
	// Chunks are read from a device stream, so parts are uploaded in order.
	up := manager.NewUploader(c, func(u *manager.Uploader) {
		u.Concurrency = 1
		u.LeavePartsOnError = false
	})
	return newDriver(cfg, c, up), nil
}

func newDriver(cfg Config, c client, up uploader) *Driver {
	return &Driver{cfg: cfg.withDefaults(), client: c, uploader: up}
}

func (d *Driver) backupPrefix(backupID string) string {
	return path.Join(d.cfg.Prefix, backupID) + "/"
}

func (d *Driver) manifestKey(backupID string) string {
	return d.backupPrefix(backupID) + manifestName
}

// SupportsForceDelete reports true: deleting objects is safe in any status.
func (d *Driver) SupportsForceDelete() bool { return true }

// Verifier returns the driver itself.
func (d *Driver) Verifier() backups.Verifier { return d }

// IsWorking reports whether the bucket is reachable.
func (d *Driver) IsWorking(ctx context.Context) bool {
	_, err := d.client.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: aws.String(d.cfg.Bucket)})
	return err == nil
}

// isNotFound reports whether err is a missing key or object.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
