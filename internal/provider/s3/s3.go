// Package s3 implements the awss3 backend with aws-sdk-go-v2. It also works
// against S3-compatible endpoints (MinIO, Ceph) via endpoint and path_style.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/Chapsvision-dev/cloudstore/internal/apperr"
	"github.com/Chapsvision-dev/cloudstore/internal/checksum"
	"github.com/Chapsvision-dev/cloudstore/internal/metrics"
	"github.com/Chapsvision-dev/cloudstore/internal/provider"
	"github.com/Chapsvision-dev/cloudstore/internal/retry"
)

const metaSHA256 = "sha256"

// API is the subset of *s3.Client the backend uses.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Backend implements provider.Backend for Amazon S3.
type Backend struct {
	client      API
	bucket      string // fixed bucket; empty means the first path segment names it
	local       afero.Fs
	ro          retry.Options
	concurrency int
}

// Factory builds an S3 client from the service config.
func Factory(ctx context.Context, spec provider.Spec) (provider.Backend, error) {
	c := spec.Config

	var opts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}
	if c.AccessKey != "" && c.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
		o.UsePathStyle = c.PathStyle
		// Retries are driven by retry.Do so attempts show up in logs and metrics.
		o.RetryMaxAttempts = 1
	})

	log.Debug().Str("action", "s3_init").Str("service", spec.Service).Str("bucket", c.Bucket).
		Str("region", awsCfg.Region).Str("endpoint", c.Endpoint).Msg("client ready")
	return New(client, c.Bucket, afero.NewOsFs(), spec.Retry, spec.Concurrency), nil
}

// New wraps an S3 API client. local is the filesystem Get writes to and Put
// reads from.
func New(client API, bucket string, local afero.Fs, ro retry.Options, concurrency int) *Backend {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Backend{client: client, bucket: bucket, local: local, ro: ro, concurrency: concurrency}
}

func (b *Backend) Kind() provider.Kind { return provider.KindAWSS3 }

// split maps a backend path to (bucket, key).
func (b *Backend) split(p string) (string, string, error) {
	p = strings.TrimPrefix(p, "/")
	if b.bucket != "" {
		return b.bucket, p, nil
	}
	bucket, key, _ := strings.Cut(p, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("s3: no bucket configured and none in path %q", p)
	}
	return bucket, key, nil
}

func (b *Backend) display(bucket, key string) string {
	if b.bucket != "" {
		return key
	}
	return bucket + "/" + key
}

func (b *Backend) call(ctx context.Context, name, bucket, key string, fn func(context.Context) error) error {
	attempt := 0
	attempts, err := retry.Do(ctx, b.ro, isRetryable, func(ctx context.Context) error {
		attempt++
		log.Debug().Str("action", "s3_"+name).Str("bucket", bucket).Str("key", key).
			Int("attempt", attempt).Msg("starting attempt")
		err := fn(ctx)
		if err != nil {
			log.Debug().Err(err).Str("action", "s3_"+name).Str("bucket", bucket).Str("key", key).
				Int("attempt", attempt).Msg("attempt failed")
		}
		return err
	})
	metrics.RecordBackendCall(string(provider.KindAWSS3), name, attempts, err == nil)
	if isNotFound(err) {
		return fmt.Errorf("s3: %s/%s: %w", bucket, key, apperr.ErrNotFound)
	}
	return err
}

// Get downloads an object, or every object under a prefix when recursive.
func (b *Backend) Get(ctx context.Context, source, destination string, recursive bool) (provider.Result, error) {
	bucket, key, err := b.split(source)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	if !recursive {
		target := provider.LocalTarget(b.local, destination, provider.BaseName(key))
		rec, err := b.download(ctx, bucket, key, target)
		if err != nil {
			return nil, err
		}
		log.Info().Str("action", "s3_download").Str("bucket", bucket).Str("key", key).Str("local", target).
			Dur("elapsed_ms", time.Since(start)).Msg("download OK")
		return provider.Result{rec}, nil
	}

	prefix := provider.DirKey(key)
	objects, err := b.listAll(ctx, bucket, prefix, "")
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, o := range objects.files {
		keys = append(keys, o.key)
	}
	if len(keys) == 0 {
		if len(objects.markers) == 0 {
			return nil, fmt.Errorf("s3: %s/%s: %w", bucket, prefix, apperr.ErrNotFound)
		}
		return provider.Result{}, nil
	}

	root := provider.LocalTarget(b.local, destination, provider.BaseName(key))
	out := make(provider.Result, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, k := range keys {
		g.Go(func() error {
			rel := strings.TrimPrefix(k, prefix)
			rec, err := b.download(gctx, bucket, k, filepath.Join(root, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			out[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.Info().Str("action", "s3_download").Str("bucket", bucket).Str("prefix", prefix).Int("objects", len(out)).
		Dur("elapsed_ms", time.Since(start)).Msg("recursive download OK")
	return out, nil
}

func (b *Backend) download(ctx context.Context, bucket, key, target string) (provider.Record, error) {
	var rec provider.Record
	err := b.call(ctx, "get_object", bucket, key, func(ctx context.Context) error {
		resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if err := b.local.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		f, err := b.local.Create(target)
		if err != nil {
			return err
		}
		n, err := io.Copy(f, resp.Body)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		metrics.RecordBytes(string(provider.KindAWSS3), "in", n)

		rec = provider.Record{
			FileName: filepath.Base(target),
			Path:     target,
			Type:     provider.TypeFile,
			Size:     n,
			Modified: aws.ToTime(resp.LastModified),
			Checksum: resp.Metadata[metaSHA256],
			Backend:  provider.KindAWSS3,
			Metadata: map[string]string{"source": b.display(bucket, key)},
		}
		return nil
	})
	return rec, err
}

// Put uploads a local file, or a local directory tree when recursive.
func (b *Backend) Put(ctx context.Context, source, destination string, recursive bool) (provider.Result, error) {
	bucket, key, err := b.split(destination)
	if err != nil {
		return nil, err
	}
	info, err := b.local.Stat(source)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("s3: local %s: %w", source, apperr.ErrNotFound)
		}
		return nil, err
	}
	if info.IsDir() && !recursive {
		return nil, fmt.Errorf("s3: %s is a directory, recursive upload required: %w", source, apperr.ErrNotFound)
	}

	name := filepath.Base(source)
	if key == "" || strings.HasSuffix(key, "/") {
		key = provider.ObjectKey(key, name)
	} else if isDir, err := b.prefixExists(ctx, bucket, provider.DirKey(key)); err == nil && isDir {
		key = provider.DirKey(key) + name
	}
	start := time.Now()

	if !info.IsDir() {
		rec, err := b.upload(ctx, source, bucket, key)
		if err != nil {
			return nil, err
		}
		log.Info().Str("action", "s3_upload").Str("bucket", bucket).Str("key", key).
			Dur("elapsed_ms", time.Since(start)).Msg("upload OK")
		return provider.Result{rec}, nil
	}

	var files []string
	err = afero.Walk(b.local, source, func(p string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !fi.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("s3: walk %s: %w", source, err)
	}

	out := make(provider.Result, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, f := range files {
		g.Go(func() error {
			rel, err := filepath.Rel(source, f)
			if err != nil {
				return err
			}
			rec, err := b.upload(gctx, f, bucket, provider.DirKey(key)+filepath.ToSlash(rel))
			if err != nil {
				return err
			}
			out[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.Info().Str("action", "s3_upload").Str("bucket", bucket).Str("prefix", provider.DirKey(key)).
		Int("objects", len(out)).Dur("elapsed_ms", time.Since(start)).Msg("recursive upload OK")
	return out, nil
}

func (b *Backend) upload(ctx context.Context, source, bucket, key string) (provider.Record, error) {
	sum, size, err := checksum.SHA256File(b.local, source)
	if err != nil {
		return provider.Record{}, fmt.Errorf("checksum: %w", err)
	}
	md5sum, _, err := checksum.MD5File(b.local, source)
	if err != nil {
		return provider.Record{}, fmt.Errorf("checksum: %w", err)
	}
	var etag string
	err = b.call(ctx, "put_object", bucket, key, func(ctx context.Context) error {
		f, err := b.local.Open(source)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := f.Close(); cerr != nil {
				log.Warn().Err(cerr).Str("file", source).Msg("failed to close source file after upload")
			}
		}()
		out, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			Body:          f,
			ContentLength: aws.Int64(size),
			Metadata:      map[string]string{metaSHA256: sum},
		})
		if err != nil {
			return err
		}
		etag = strings.Trim(aws.ToString(out.ETag), `"`)
		return nil
	})
	if err != nil {
		return provider.Record{}, err
	}
	if err := verifyETag(etag, md5sum); err != nil {
		return provider.Record{}, fmt.Errorf("s3: %s: %w", b.display(bucket, key), err)
	}
	metrics.RecordBytes(string(provider.KindAWSS3), "out", size)
	return provider.Record{
		FileName: path.Base(key),
		Path:     b.display(bucket, key),
		Type:     provider.TypeFile,
		Size:     size,
		Modified: time.Now().UTC(),
		Checksum: sum,
		Backend:  provider.KindAWSS3,
	}, nil
}

// CreateDir writes a zero-byte "dir/" marker object.
func (b *Backend) CreateDir(ctx context.Context, directory string) (provider.Result, error) {
	bucket, key, err := b.split(directory)
	if err != nil {
		return nil, err
	}
	marker := provider.DirKey(key)
	if marker == "" {
		return nil, fmt.Errorf("s3: cannot create bucket root %q", directory)
	}
	rec := provider.Record{
		FileName: provider.BaseName(marker),
		Path:     b.display(bucket, marker),
		Type:     provider.TypeDir,
		Backend:  provider.KindAWSS3,
	}

	exists, err := b.prefixExists(ctx, bucket, marker)
	if err != nil {
		return nil, err
	}
	if exists {
		return provider.Result{rec}, fmt.Errorf("s3: %s: %w", rec.Path, apperr.ErrAlreadyExists)
	}
	err = b.call(ctx, "put_object", bucket, marker, func(ctx context.Context) error {
		_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(marker),
			Body:          strings.NewReader(""),
			ContentLength: aws.Int64(0),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	rec.Modified = time.Now().UTC()
	return provider.Result{rec}, nil
}

// Delete removes an object, or an empty directory marker.
func (b *Backend) Delete(ctx context.Context, source string) (provider.Result, error) {
	bucket, key, err := b.split(source)
	if err != nil {
		return nil, err
	}

	if !strings.HasSuffix(key, "/") {
		head, err := b.head(ctx, bucket, key)
		switch {
		case err == nil:
			if err := b.deleteKey(ctx, bucket, key); err != nil {
				return nil, err
			}
			return provider.Result{b.headRecord(bucket, key, head)}, nil
		case !errors.Is(err, apperr.ErrNotFound):
			return nil, err
		}
	}

	marker := provider.DirKey(key)
	objs, err := b.listPage(ctx, bucket, marker, "", 2)
	if err != nil {
		return nil, err
	}
	hasMarker := false
	for _, o := range objs.Contents {
		if aws.ToString(o.Key) == marker {
			hasMarker = true
			continue
		}
		return nil, fmt.Errorf("s3: %s is a non-empty directory", b.display(bucket, marker))
	}
	if !hasMarker {
		return nil, fmt.Errorf("s3: %s: %w", b.display(bucket, key), apperr.ErrNotFound)
	}
	if err := b.deleteKey(ctx, bucket, marker); err != nil {
		return nil, err
	}
	return provider.Result{{
		FileName: provider.BaseName(marker),
		Path:     b.display(bucket, marker),
		Type:     provider.TypeDir,
		Backend:  provider.KindAWSS3,
	}}, nil
}

func (b *Backend) deleteKey(ctx context.Context, bucket, key string) error {
	return b.call(ctx, "delete_object", bucket, key, func(ctx context.Context) error {
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
		return err
	})
}

func (b *Backend) head(ctx context.Context, bucket, key string) (*s3.HeadObjectOutput, error) {
	var out *s3.HeadObjectOutput
	err := b.call(ctx, "head_object", bucket, key, func(ctx context.Context) error {
		var err error
		out, err = b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
		return err
	})
	return out, err
}

func (b *Backend) headRecord(bucket, key string, h *s3.HeadObjectOutput) provider.Record {
	return provider.Record{
		FileName: path.Base(key),
		Path:     b.display(bucket, key),
		Type:     provider.TypeFile,
		Size:     aws.ToInt64(h.ContentLength),
		Modified: aws.ToTime(h.LastModified),
		Checksum: h.Metadata[metaSHA256],
		Backend:  provider.KindAWSS3,
	}
}

func (b *Backend) prefixExists(ctx context.Context, bucket, prefix string) (bool, error) {
	page, err := b.listPage(ctx, bucket, prefix, "", 1)
	if err != nil {
		return false, err
	}
	return len(page.Contents) > 0 || len(page.CommonPrefixes) > 0, nil
}

func (b *Backend) listPage(ctx context.Context, bucket, prefix, delimiter string, max int32) (*s3.ListObjectsV2Output, error) {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(bucket), Prefix: aws.String(prefix), MaxKeys: aws.Int32(max)}
	if delimiter != "" {
		in.Delimiter = aws.String(delimiter)
	}
	var out *s3.ListObjectsV2Output
	err := b.call(ctx, "list_objects", bucket, prefix, func(ctx context.Context) error {
		var err error
		out, err = b.client.ListObjectsV2(ctx, in)
		return err
	})
	return out, err
}

type object struct {
	key      string
	size     int64
	modified time.Time
}

type listing struct {
	files    []object
	markers  []object
	prefixes []string
}

func (b *Backend) listAll(ctx context.Context, bucket, prefix, delimiter string) (listing, error) {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(bucket), Prefix: aws.String(prefix)}
	if delimiter != "" {
		in.Delimiter = aws.String(delimiter)
	}
	var out listing
	pager := s3.NewListObjectsV2Paginator(b.client, in)
	for pager.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := b.call(ctx, "list_objects", bucket, prefix, func(ctx context.Context) error {
			var err error
			page, err = pager.NextPage(ctx)
			return err
		})
		if err != nil {
			return listing{}, err
		}
		for _, o := range page.Contents {
			obj := object{key: aws.ToString(o.Key), size: aws.ToInt64(o.Size), modified: aws.ToTime(o.LastModified)}
			if strings.HasSuffix(obj.key, "/") {
				out.markers = append(out.markers, obj)
			} else {
				out.files = append(out.files, obj)
			}
		}
		for _, cp := range page.CommonPrefixes {
			out.prefixes = append(out.prefixes, aws.ToString(cp.Prefix))
		}
	}
	return out, nil
}

// List returns the objects and pseudo-directories under source.
func (b *Backend) List(ctx context.Context, source string, dirOnly, recursive bool) (provider.Result, error) {
	bucket, key, err := b.split(source)
	if err != nil {
		return nil, err
	}
	prefix := provider.DirKey(key)
	delimiter := "/"
	if recursive {
		delimiter = ""
	}

	l, err := b.listAll(ctx, bucket, prefix, delimiter)
	if err != nil {
		return nil, err
	}
	if len(l.files) == 0 && len(l.markers) == 0 && len(l.prefixes) == 0 && prefix != "" {
		// Not a directory; maybe a single object.
		h, err := b.head(ctx, bucket, strings.TrimSuffix(key, "/"))
		if err != nil {
			return nil, err
		}
		if dirOnly {
			return provider.Result{}, nil
		}
		return provider.Result{b.headRecord(bucket, strings.TrimSuffix(key, "/"), h)}, nil
	}

	out := provider.Result{}
	seen := map[string]bool{prefix: true}
	addDir := func(dir string) {
		if seen[dir] {
			return
		}
		seen[dir] = true
		out = append(out, provider.Record{
			FileName: provider.BaseName(dir),
			Path:     b.display(bucket, dir),
			Type:     provider.TypeDir,
			Backend:  provider.KindAWSS3,
		})
	}
	for _, p := range l.prefixes {
		addDir(p)
	}
	for _, m := range l.markers {
		addDir(m.key)
	}
	if recursive {
		// Keys imply their parent directories even without markers.
		for _, f := range l.files {
			rel := strings.TrimPrefix(f.key, prefix)
			parts := strings.Split(rel, "/")
			for i := 1; i < len(parts); i++ {
				addDir(prefix + strings.Join(parts[:i], "/") + "/")
			}
		}
	}
	if dirOnly {
		return out, nil
	}
	for _, f := range l.files {
		out = append(out, provider.Record{
			FileName: path.Base(f.key),
			Path:     b.display(bucket, f.key),
			Type:     provider.TypeFile,
			Size:     f.size,
			Modified: f.modified,
			Backend:  provider.KindAWSS3,
		})
	}
	return out, nil
}

// Search lists directory and keeps entries whose base name matches filename.
func (b *Backend) Search(ctx context.Context, directory, filename string, recursive bool) (provider.Result, error) {
	all, err := b.List(ctx, directory, false, recursive)
	if err != nil {
		return nil, err
	}
	out := provider.Result{}
	for _, r := range all {
		if provider.MatchName(filename, r.FileName) {
			out = append(out, r)
		}
	}
	return out, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &nf) || errors.As(err, &nsb) {
		return true
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}

var retryableCodes = map[string]bool{
	"SlowDown":           true,
	"RequestTimeout":     true,
	"InternalError":      true,
	"ServiceUnavailable": true,
	"Throttling":         true,
}

// isRetryable: timeouts, 5xx, 429, 408 and S3 throttling codes.
func isRetryable(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		code := re.HTTPStatusCode()
		if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || (code >= 500 && code <= 599) {
			return true
		}
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return retryableCodes[ae.ErrorCode()]
	}
	return false
}

// verifyETag compares a single-part upload ETag with the local MD5.
// Multipart and SSE-KMS ETags are not plain MD5 digests and are skipped.
func verifyETag(etag, md5sum string) error {
	if len(etag) != 32 || strings.Contains(etag, "-") {
		return nil
	}
	if !strings.EqualFold(etag, md5sum) {
		return fmt.Errorf("etag %s does not match local md5 %s", etag, md5sum)
	}
	return nil
}
