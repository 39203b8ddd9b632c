package mock

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Object is a stored S3 object.
type Object struct {
	Body        []byte
	ContentType string
	ACL         types.ObjectCannedACL
	ETag        string
}

// S3Client is a mock implementation of aws.S3Client and aws.S3Presigner.
type S3Client struct {
	mu      sync.Mutex
	objects map[string]Object // bucket/key -> object
	fail    []error
	puts    int
}

// NewS3Client creates an empty mock S3 client
func NewS3Client() *S3Client {
	return &S3Client{objects: make(map[string]Object)}
}

// FailNext queues errors returned by the next calls, one per call.
func (m *S3Client) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = append(m.fail, errs...)
}

// Object returns the object stored under bucket/key.
func (m *S3Client) Object(bucket, key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[bucket+"/"+key]
	return o, ok
}

// PutCount is the number of PutObject calls received.
func (m *S3Client) PutCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

func (m *S3Client) popFailure() error {
	if len(m.fail) == 0 {
		return nil
	}
	err := m.fail[0]
	m.fail = m.fail[1:]
	return err
}

// PutObject implements the S3Client interface for writing objects
func (m *S3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if err := m.popFailure(); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	etag := fmt.Sprintf("%q", fmt.Sprintf("%x", md5.Sum(data)))
	m.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)] = Object{
		Body:        data,
		ContentType: aws.ToString(params.ContentType),
		ACL:         params.ACL,
		ETag:        etag,
	}
	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

// PresignGetObject implements aws.S3Presigner. The URL carries the requested
// expiry in X-Amz-Expires like a real SigV4 presigned URL.
func (m *S3Client) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure(); err != nil {
		return nil, err
	}

	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	q := url.Values{}
	q.Set("X-Amz-Expires", fmt.Sprintf("%d", int64(opts.Expires.Seconds())))
	q.Set("X-Amz-Signature", "mock")
	u := url.URL{
		Scheme:   "https",
		Host:     aws.ToString(params.Bucket) + ".s3.mock.local",
		Path:     "/" + aws.ToString(params.Key),
		RawQuery: q.Encode(),
	}
	return &v4.PresignedHTTPRequest{
		URL:          u.String(),
		Method:       http.MethodGet,
		SignedHeader: http.Header{},
	}, nil
}
