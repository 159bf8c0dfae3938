package staging

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-moderation-pipeline/internal/config"
)

func newTestStager(t *testing.T, maxBytes int64) *Stager {
	t.Helper()
	st, err := New(context.Background(), config.Config{StagingDir: t.TempDir(), StagingMaxBytes: maxBytes})
	require.NoError(t, err)
	return st
}

func TestStageAndUnstageHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "video/quicktime")
		_, _ = w.Write([]byte("movie-bytes"))
	}))
	defer srv.Close()

	st := newTestStager(t, 1024)
	f, err := st.Stage(context.Background(), "job-1", srv.URL+"/videos/clip.mov")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(st.baseDir, "job-1", "media.mov"), f.Path)
	assert.Equal(t, "video/quicktime", f.MIMEType)
	assert.Equal(t, int64(len("movie-bytes")), f.Size)
	data, err := os.ReadFile(f.Path)
	require.NoError(t, err)
	assert.Equal(t, "movie-bytes", string(data))

	require.NoError(t, st.Unstage(f.Path))
	_, err = os.Stat(filepath.Dir(f.Path))
	assert.True(t, os.IsNotExist(err))

	// second unstage is a no-op
	require.NoError(t, st.Unstage(f.Path))
}

func TestStageFailuresCleanUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/big.mp4" {
			_, _ = w.Write(bytes.Repeat([]byte("x"), 64))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	st := newTestStager(t, 16)
	cases := map[string]string{
		"not found":   srv.URL + "/missing.mp4",
		"too large":   srv.URL + "/big.mp4",
		"unreachable": "http://127.0.0.1:1/clip.mp4",
		"bad scheme":  "ftp://example.com/clip.mp4",
		"no s3":       "s3://bucket/clip.mp4",
	}
	for name, url := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := st.Stage(context.Background(), "job-"+name, url)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrStagingIO), "expected ErrStagingIO, got %v", err)
			_, statErr := os.Stat(filepath.Join(st.baseDir, "job-"+name))
			assert.True(t, os.IsNotExist(statErr), "partial stage left behind")
		})
	}
}

func TestStageRejectsUnsafeJobID(t *testing.T) {
	st := newTestStager(t, 0)
	_, err := st.Stage(context.Background(), "../escape", "https://example.com/a.mp4")
	assert.ErrorIs(t, err, ErrStagingIO)
}

func TestUnstageRefusesPathsOutsideBase(t *testing.T) {
	st := newTestStager(t, 0)
	outside := filepath.Join(t.TempDir(), "x", "media.mp4")
	assert.Error(t, st.Unstage(outside))
	assert.NoError(t, st.Unstage(""))
}

type fakeS3 struct {
	bucket, key string
	deleted     []string
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.bucket, f.key = aws.ToString(in.Bucket), aws.ToString(in.Key)
	return &s3.GetObjectOutput{
		Body:        io.NopCloser(bytes.NewReader([]byte("s3-bytes"))),
		ContentType: aws.String("video/mp4"),
	}, nil
}

func TestStageFromS3(t *testing.T) {
	st := newTestStager(t, 0)
	fake := &fakeS3{}
	st.s3 = fake

	f, err := st.Stage(context.Background(), "job-s3", "s3://media-bucket/uploads/a.webm")
	require.NoError(t, err)
	assert.Equal(t, "media-bucket", fake.bucket)
	assert.Equal(t, "uploads/a.webm", fake.key)
	assert.Equal(t, "video/mp4", f.MIMEType)
	assert.Equal(t, filepath.Join(st.baseDir, "job-s3", "media.webm"), f.Path)
}

func TestNewBuildsS3ClientOnlyWhenConfigured(t *testing.T) {
	st := newTestStager(t, 0)
	assert.Nil(t, st.s3)
	assert.Nil(t, st.presign)

	withRegion, err := New(context.Background(), config.Config{StagingDir: t.TempDir(), S3Region: "eu-west-1"})
	require.NoError(t, err)
	assert.NotNil(t, withRegion.s3)
	assert.NotNil(t, withRegion.presign)
}

func TestRemoveMedia(t *testing.T) {
	st := newTestStager(t, 0)
	ctx := context.Background()

	// http media is not ours to delete, and needs no s3 client.
	require.NoError(t, st.RemoveMedia(ctx, "https://cdn.example/clip.mp4"))
	assert.Error(t, st.RemoveMedia(ctx, "s3://media-bucket/uploads/a.mp4"))

	fake := &fakeS3{}
	st.s3 = fake
	require.NoError(t, st.RemoveMedia(ctx, "s3://media-bucket/uploads/a.mp4"))
	assert.Equal(t, []string{"media-bucket/uploads/a.mp4"}, fake.deleted)
}

type fakePresigner struct {
	expires time.Duration
}

func (f *fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	f.expires = opts.Expires
	return &v4.PresignedHTTPRequest{
		URL:    "https://" + aws.ToString(in.Bucket) + ".s3.example/" + aws.ToString(in.Key) + "?X-Amz-Signature=sig",
		Method: http.MethodGet,
	}, nil
}

func TestPlaybackURL(t *testing.T) {
	st := newTestStager(t, 0)
	ctx := context.Background()

	got, err := st.PlaybackURL(ctx, "https://cdn.example/clip.mp4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/clip.mp4", got)

	presigner := &fakePresigner{}
	st.presign = presigner
	got, err = st.PlaybackURL(ctx, "s3://media-bucket/uploads/a.mp4", 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://media-bucket.s3.example/uploads/a.mp4?X-Amz-Signature=sig", got)
	assert.Equal(t, 15*time.Minute, presigner.expires)
}
