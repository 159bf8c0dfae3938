package staging

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// RemoveMedia deletes the stored object behind an s3:// media URL. Media
// served over http(s) belongs to someone else and is left in place.
func (s *Stager) RemoveMedia(ctx context.Context, mediaURL string) error {
	bucket, key, ok := s3Location(mediaURL)
	if !ok {
		return nil
	}
	if s.s3 == nil {
		return fmt.Errorf("remove %s: no s3 client configured", mediaURL)
	}
	if _, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete object %s: %w", mediaURL, err)
	}
	return nil
}

// PlaybackURL returns an address a player can fetch directly. s3:// media
// gets a presigned GET valid for ttl; anything else is returned unchanged.
func (s *Stager) PlaybackURL(ctx context.Context, mediaURL string, ttl time.Duration) (string, error) {
	bucket, key, ok := s3Location(mediaURL)
	if !ok {
		return mediaURL, nil
	}
	if s.presign == nil {
		return "", fmt.Errorf("presign %s: no s3 client configured", mediaURL)
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", mediaURL, err)
	}
	return req.URL, nil
}

func s3Location(mediaURL string) (bucket, key string, ok bool) {
	u, err := url.Parse(mediaURL)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", false
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", false
	}
	return u.Host, key, true
}
