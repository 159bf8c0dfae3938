// Package staging keeps a private local copy of remote media for the
// lifetime of one moderation job.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"content-moderation-pipeline/internal/config"
)

// ErrStagingIO wraps every failure to materialize remote media locally.
var ErrStagingIO = errors.New("staging io error")

// File is a staged copy of remote media.
type File struct {
	Path     string
	MIMEType string
	Size     int64
}

type objectStore interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type urlPresigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Stager downloads media into <baseDir>/<jobID>/.
type Stager struct {
	baseDir    string
	maxBytes   int64
	httpClient *http.Client
	s3         objectStore
	presign    urlPresigner
}

// New builds a stager. The S3 client is only created when S3_REGION or
// S3_ENDPOINT is set (both default to empty), so http-only deployments need
// no AWS configuration.
func New(ctx context.Context, cfg config.Config) (*Stager, error) {
	timeout := cfg.DownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	baseDir := cfg.StagingDir
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "moderation-staging")
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	st := &Stager{
		baseDir:    baseDir,
		maxBytes:   cfg.StagingMaxBytes,
		httpClient: &http.Client{Timeout: timeout},
	}
	if cfg.S3Region != "" || cfg.S3Endpoint != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		st.s3 = client
		st.presign = s3.NewPresignClient(client)
	}
	return st, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// Stage copies remoteURL into the job's scratch directory. On failure the
// directory is removed and the error wraps ErrStagingIO.
func (s *Stager) Stage(ctx context.Context, jobID, remoteURL string) (File, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return File{}, fmt.Errorf("%w: invalid job id %q", ErrStagingIO, jobID)
	}
	u, err := url.Parse(remoteURL)
	if err != nil || u.Host == "" {
		return File{}, fmt.Errorf("%w: invalid media url %q", ErrStagingIO, remoteURL)
	}

	dir := filepath.Join(s.baseDir, jobID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return File{}, fmt.Errorf("%w: create job dir: %v", ErrStagingIO, err)
	}

	file, err := s.stage(ctx, dir, u)
	if err != nil {
		_ = os.RemoveAll(dir)
		return File{}, fmt.Errorf("%w: %v", ErrStagingIO, err)
	}
	return file, nil
}

func (s *Stager) stage(ctx context.Context, dir string, u *url.URL) (File, error) {
	body, contentType, err := s.open(ctx, u)
	if err != nil {
		return File{}, err
	}
	defer body.Close()

	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" || len(ext) > 6 {
		ext = ".mp4"
	}
	mimeType := mediaType(contentType, ext)

	dest := filepath.Join(dir, "media"+ext)
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return File{}, fmt.Errorf("create staged file: %w", err)
	}

	src := io.Reader(body)
	if s.maxBytes > 0 {
		src = io.LimitReader(body, s.maxBytes+1)
	}
	n, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return File{}, fmt.Errorf("write staged file: %w", err)
	}
	if s.maxBytes > 0 && n > s.maxBytes {
		return File{}, fmt.Errorf("media too large (>%d bytes)", s.maxBytes)
	}
	if n == 0 {
		return File{}, errors.New("media is empty")
	}
	return File{Path: dest, MIMEType: mimeType, Size: n}, nil
}

func (s *Stager) open(ctx context.Context, u *url.URL) (io.ReadCloser, string, error) {
	switch u.Scheme {
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, "", fmt.Errorf("build request: %w", err)
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("download media: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, "", fmt.Errorf("download media: status %d", resp.StatusCode)
		}
		return resp.Body, resp.Header.Get("Content-Type"), nil
	case "s3":
		if s.s3 == nil {
			return nil, "", errors.New("s3 media url but no s3 client configured")
		}
		out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(u.Host),
			Key:    aws.String(strings.TrimPrefix(u.Path, "/")),
		})
		if err != nil {
			return nil, "", fmt.Errorf("get object: %w", err)
		}
		return out.Body, aws.ToString(out.ContentType), nil
	default:
		return nil, "", fmt.Errorf("unsupported media scheme %q", u.Scheme)
	}
}

// Unstage removes the job directory holding path. Removing an already
// removed stage is not an error.
func (s *Stager) Unstage(path string) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	rel, err := filepath.Rel(s.baseDir, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to unstage %q outside %q", path, s.baseDir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove stage: %w", err)
	}
	return nil
}

func mediaType(contentType, ext string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil && strings.HasPrefix(mt, "video/") {
		return mt
	}
	if mt := mime.TypeByExtension(ext); strings.HasPrefix(mt, "video/") {
		return mt
	}
	return "video/mp4"
}
