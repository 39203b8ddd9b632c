// Package upload stores user images in S3 under predictable per-owner keys
// and issues presigned download URLs.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/gurre/fixit/apperr"
	"github.com/gurre/fixit/aws"
)

const (
	DefaultMaxBytes     = 5 << 20
	DefaultSignedURLTTL = time.Hour
	// MaxSignedURLTTL is the longest validity SigV4 presigning allows.
	MaxSignedURLTTL = 7 * 24 * time.Hour
)

// Kind selects the key layout for an upload.
type Kind string

const (
	KindProfile Kind = "profile"
	KindJob     Kind = "job"
)

// ParseKind parses a form value; empty means profile.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", KindProfile:
		return KindProfile, nil
	case KindJob:
		return KindJob, nil
	}
	return "", apperr.ErrInvalidFileType
}

// ObjectKey returns profilePhotos/<owner>/profile.jpg for profile images and
// jobPhotos/<owner>/<epochMillis>.<ext> for job images.
func ObjectKey(kind Kind, ownerID, filename string, now time.Time) (string, error) {
	if !validSegment(ownerID) {
		return "", apperr.ErrInvalidKey.WithMessage("userId is required and must not contain path separators")
	}
	switch kind {
	case KindProfile:
		return "profilePhotos/" + ownerID + "/profile.jpg", nil
	case KindJob:
		return fmt.Sprintf("jobPhotos/%s/%d.%s", ownerID, now.UnixMilli(), extension(filename)), nil
	}
	return "", apperr.ErrInvalidFileType
}

// OwnerOf returns the owner segment of a key produced by ObjectKey.
func OwnerOf(key string) (string, bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || (parts[0] != "profilePhotos" && parts[0] != "jobPhotos") {
		return "", false
	}
	if !validSegment(parts[1]) || parts[2] == "" {
		return "", false
	}
	return parts[1], true
}

func validSegment(s string) bool {
	return strings.TrimSpace(s) != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

// extension keeps the filename's extension when it is short and
// alphanumeric, and falls back to jpg.
func extension(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if ext == "" || len(ext) > 5 {
		return "jpg"
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return "jpg"
		}
	}
	return ext
}

// Guard is consulted before every remote call.
type Guard interface {
	EnsureUsable() error
}

// Observer receives the outcome of every upload.
type Observer interface {
	ObserveUpload(size int, d time.Duration, err error)
}

// Options configures an Uploader.
type Options struct {
	Bucket string
	// BaseURL prefixes keys to form public object URLs.
	BaseURL      string
	MaxBytes     int64
	SignedURLTTL time.Duration
	Logger       *zap.Logger
	Guard        Guard
	Observer     Observer
}

// Uploader writes objects to one bucket.
type Uploader struct {
	client    aws.S3Client
	presigner aws.S3Presigner
	bucket    string
	baseURL   string
	maxBytes  int64
	ttl       time.Duration
	logger    *zap.Logger
	guard     Guard
	observer  Observer
}

// NewUploader creates an Uploader. presigner may be nil when signed URLs are
// not needed.
func NewUploader(client aws.S3Client, presigner aws.S3Presigner, opts Options) *Uploader {
	u := &Uploader{
		client:    client,
		presigner: presigner,
		bucket:    opts.Bucket,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		maxBytes:  opts.MaxBytes,
		ttl:       opts.SignedURLTTL,
		logger:    opts.Logger,
		guard:     opts.Guard,
		observer:  opts.Observer,
	}
	if u.maxBytes <= 0 {
		u.maxBytes = DefaultMaxBytes
	}
	if u.ttl <= 0 {
		u.ttl = DefaultSignedURLTTL
	}
	if u.baseURL == "" {
		u.baseURL = "https://" + u.bucket + ".s3.amazonaws.com"
	}
	if u.logger == nil {
		u.logger = zap.NewNop()
	}
	u.logger = u.logger.With(zap.String("component", "upload"), zap.String("bucket", u.bucket))
	return u
}

// WithGuard returns a copy that checks g before every remote call.
func (u *Uploader) WithGuard(g Guard) *Uploader {
	c := *u
	c.guard = g
	return &c
}

// MaxBytes is the largest body Store accepts.
func (u *Uploader) MaxBytes() int64 {
	return u.maxBytes
}

// TooLarge returns the PayloadTooLarge error for this uploader's ceiling.
func (u *Uploader) TooLarge() error {
	return apperr.ErrPayloadTooLarge.WithMessage("file size must be less than %s", humanize.IBytes(uint64(u.maxBytes)))
}

// Store writes body under key with a public-read ACL and returns the
// object's public URL.
func (u *Uploader) Store(ctx context.Context, body []byte, key, contentType string) (string, error) {
	if int64(len(body)) > u.maxBytes {
		return "", u.TooLarge()
	}
	if !strings.HasPrefix(contentType, "image/") {
		return "", apperr.ErrUnsupportedType
	}
	if key == "" {
		return "", apperr.ErrInvalidKey
	}
	if u.guard != nil {
		if err := u.guard.EnsureUsable(); err != nil {
			return "", err
		}
	}

	start := time.Now()
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        awssdk.String(u.bucket),
		Key:           awssdk.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: awssdk.Int64(int64(len(body))),
		ContentType:   awssdk.String(contentType),
		ACL:           types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		err = apperr.ErrUploadFailed.Wrap(err)
	}
	if u.observer != nil {
		u.observer.ObserveUpload(len(body), time.Since(start), err)
	}
	if err != nil {
		u.logger.Error("upload failed", zap.String("key", key), zap.Error(err))
		return "", err
	}

	u.logger.Info("object stored",
		zap.String("key", key),
		zap.String("size", humanize.IBytes(uint64(len(body)))),
		zap.String("contentType", contentType),
	)
	return u.PublicURL(key), nil
}

// PublicURL is the unauthenticated URL of key.
func (u *Uploader) PublicURL(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return u.baseURL + "/" + strings.Join(segments, "/")
}

// SignedURL presigns a GET for key valid for ttl; zero means the configured
// default and values above seven days are clamped.
func (u *Uploader) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	if key == "" {
		return "", time.Time{}, apperr.ErrInvalidKey
	}
	if u.presigner == nil {
		return "", time.Time{}, apperr.ErrInternal.WithMessage("signed URLs are not configured")
	}
	if u.guard != nil {
		if err := u.guard.EnsureUsable(); err != nil {
			return "", time.Time{}, err
		}
	}
	if ttl <= 0 {
		ttl = u.ttl
	}
	if ttl > MaxSignedURLTTL {
		ttl = MaxSignedURLTTL
	}

	req, err := u.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: awssdk.String(u.bucket),
		Key:    awssdk.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", time.Time{}, apperr.ErrUploadFailed.WithMessage("failed to sign URL").Wrap(err)
	}
	return req.URL, time.Now().Add(ttl), nil
}
