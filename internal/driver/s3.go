package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"dfb-go/internal/engine"
)

// S3Driver backs up a local source tree into an S3 bucket prefix. Server-side
// copies are native, so moves never re-transfer data.
type S3Driver struct {
	srcRoot string
	filters *FilterMatcher

	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// S3Options configures an S3Driver.
type S3Options struct {
	SourceRoot string
	Bucket     string
	Prefix     string
	Region     string
	// Endpoint overrides the S3 endpoint, for S3-compatible stores.
	Endpoint string
	// AccessKey/SecretKey use static credentials when set; the default
	// credential chain applies otherwise.
	AccessKey string
	SecretKey string
	Filters   []string
}

// NewS3Driver creates a driver for the given bucket and prefix.
func NewS3Driver(ctx context.Context, opts S3Options) (*S3Driver, error) {
	info, err := os.Stat(opts.SourceRoot)
	if err != nil {
		return nil, fmt.Errorf("source root not accessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source root is not a directory: %s", opts.SourceRoot)
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 driver requires a bucket")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Driver{
		srcRoot:  opts.SourceRoot,
		filters:  NewFilterMatcher(opts.Filters),
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		prefix:   strings.Trim(opts.Prefix, "/"),
	}, nil
}

// key maps a real path into the bucket namespace.
func (d *S3Driver) key(rpath string) string {
	if d.prefix == "" {
		return rpath
	}
	return d.prefix + "/" + rpath
}

func (d *S3Driver) ListSource(ctx context.Context, subdir string, fn func(engine.SourceEntry) error) error {
	return listLocalSource(ctx, d.srcRoot, d.filters, subdir, fn)
}

func (d *S3Driver) ListDest(ctx context.Context, fn func(engine.DestEntry) error) error {
	prefix := d.prefix
	if prefix != "" {
		prefix += "/"
	}

	paginator := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing bucket %s: %w", d.bucket, err)
		}
		for _, obj := range page.Contents {
			e := engine.DestEntry{
				RPath: strings.TrimPrefix(aws.ToString(obj.Key), prefix),
				Size:  aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				e.ModTime = obj.LastModified.UTC().Unix()
			}
			// A clean ETag on a single-part object is its MD5.
			if etag := strings.Trim(aws.ToString(obj.ETag), `"`); etag != "" && !strings.Contains(etag, "-") {
				e.Hash = "md5:" + etag
			}
			if err := fn(e); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *S3Driver) Upload(ctx context.Context, apath, rpath string) (*engine.UploadInfo, error) {
	srcPath := d.srcRoot + "/" + apath
	f, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("opening source file: %w", err)
	}
	defer f.Close()

	_, err = d.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(rpath)),
		Body:   f,
	})
	if err != nil {
		return nil, fmt.Errorf("uploading %s: %w", rpath, err)
	}

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("statting source file: %w", err)
	}
	return &engine.UploadInfo{ModTime: info.ModTime().UTC().Unix()}, nil
}

func (d *S3Driver) CopyDest(ctx context.Context, srcRPath, dstRPath string) error {
	source := d.bucket + "/" + d.key(srcRPath)
	_, err := d.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(d.bucket),
		Key:        aws.String(d.key(dstRPath)),
		CopySource: aws.String(url.PathEscape(source)),
	})
	if err != nil {
		return fmt.Errorf("copying %s to %s: %w", srcRPath, dstRPath, err)
	}
	return nil
}

func (d *S3Driver) PutSmall(ctx context.Context, rpath string, data []byte) error {
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(rpath)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("writing %s: %w", rpath, err)
	}
	return nil
}

func (d *S3Driver) GetSmall(ctx context.Context, rpath string) ([]byte, error) {
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(rpath)),
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rpath, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rpath, err)
	}
	return data, nil
}

func (d *S3Driver) Delete(ctx context.Context, rpath string) error {
	_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(rpath)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) || strings.Contains(err.Error(), "NoSuchKey") {
			return nil
		}
		return fmt.Errorf("deleting %s: %w", rpath, err)
	}
	return nil
}

func (d *S3Driver) SupportsServerCopy() bool { return true }

func (d *S3Driver) CacheDir() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine cache directory: %w", err)
	}
	return dir, nil
}

var _ engine.Transfer = (*S3Driver)(nil)
