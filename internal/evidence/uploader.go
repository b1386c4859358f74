package evidence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/nosleep-drive/nosleep/internal/log"
)

// Retry defaults for evidence uploads.
const (
	DefaultAttempts   = 5
	DefaultRetryDelay = time.Second
)

// Clip is an encoded evidence video awaiting upload.
type Clip struct {
	EventID    string
	Path       string
	DetectedAt time.Time
}

// Uploader delivers a clip somewhere durable.
type Uploader interface {
	Upload(ctx context.Context, clip Clip) error
}

// UploaderFunc adapts a function to Uploader.
type UploaderFunc func(ctx context.Context, clip Clip) error

// Upload implements Uploader.
func (f UploaderFunc) Upload(ctx context.Context, clip Clip) error {
	return f(ctx, clip)
}

// EvidenceClient is the backend call used by BackendUploader.
type EvidenceClient interface {
	UploadEvidence(ctx context.Context, clipPath string, detectedAt time.Time) error
}

// BackendUploader posts clips to the fleet backend.
type BackendUploader struct {
	Client EvidenceClient
}

// Upload implements Uploader.
func (u BackendUploader) Upload(ctx context.Context, clip Clip) error {
	return u.Client.UploadEvidence(ctx, clip.Path, clip.DetectedAt)
}

// S3Uploader archives clips to an S3 bucket under deviceUID/.
type S3Uploader struct {
	uploader  *s3manager.Uploader
	bucket    string
	deviceUID string
}

// NewS3Uploader creates a session for region. Static credentials are read
// from AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY when both are set,
// otherwise the default provider chain applies.
func NewS3Uploader(region, bucket, deviceUID string) (*S3Uploader, error) {
	cfg := &aws.Config{Region: aws.String(region)}
	if id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"); id != "" && secret != "" {
		cfg.Credentials = credentials.NewStaticCredentials(id, secret, "")
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}

	return &S3Uploader{
		uploader:  s3manager.NewUploader(sess),
		bucket:    bucket,
		deviceUID: deviceUID,
	}, nil
}

// Key returns the object key for clip.
func (u *S3Uploader) Key(clip Clip) string {
	return fmt.Sprintf("%s/%s_%s", u.deviceUID, clip.DetectedAt.UTC().Format("20060102_150405"), filepath.Base(clip.Path))
}

// Upload implements Uploader.
func (u *S3Uploader) Upload(ctx context.Context, clip Clip) error {
	f, err := os.Open(clip.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	out, err := u.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(u.Key(clip)),
		Body:        f,
		ContentType: aws.String("video/mp4"),
	})
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	log.WithComponent("evidence").WithField("location", out.Location).Info("clip archived")
	return nil
}

// Retrying retries an Uploader a fixed number of times with a fixed delay.
type Retrying struct {
	Uploader Uploader
	Attempts int
	Delay    time.Duration
}

// Upload implements Uploader and returns the last error when every attempt fails.
func (r Retrying) Upload(ctx context.Context, clip Clip) error {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}

	logger := log.WithComponent("evidence").WithField("event", clip.EventID)

	var err error
	for i := 1; i <= attempts; i++ {
		if err = r.Uploader.Upload(ctx, clip); err == nil {
			return nil
		}
		logger.WithError(err).WithField("attempt", i).Warn("upload failed")

		if i == attempts {
			break
		}
		t := time.NewTimer(r.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("upload failed after %d attempts: %w", attempts, err)
}

// Multi uploads to every destination and joins their errors.
type Multi []Uploader

// Upload implements Uploader.
func (m Multi) Upload(ctx context.Context, clip Clip) error {
	var errs []error
	for _, u := range m {
		if err := u.Upload(ctx, clip); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
