// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements the objstore.Store interface on top of the S3
// protocol. It uses aws api v1. Conditional requests are expressed with the
// standard If-Match and If-None-Match headers.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"golang.org/x/net/http2"

	"github.com/asch/s3qlite/internal/s3qlite/objstore"
)

// Implementation of objstore.Store using AWS S3 as a backend. Parameters of
// http connection are carefully tuned for the best performance in the AWS
// environment.
type S3 struct {
	client *s3.S3
	bucket string
}

// Options to use in New() function due to high number of parameters. There is
// lower chance of ordering mistake with named parameters.
type Options struct {
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Helper struct used for tuning the http connection.
type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

// Returns http client with configured parameters and added https2 support.
func newHTTPClientWithSettings(httpSettings httpClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: httpSettings.connKeepAlive,
			Timeout:   httpSettings.connect,
		}).DialContext,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{
		Transport: tr,
	}
}

func New(o Options) (*S3, error) {
	s := new(S3)
	s.bucket = o.Bucket

	// Following settings are recommended by AWS for usage in their
	// network. Pages are small, so many idle connections per host pay
	// off more than big buffers.
	httpClient := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 32,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})

	cfg := &aws.Config{
		Region:                        aws.String(o.Region),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,

		// Retries are driven by the proxy so they are visible in
		// metrics and share one policy with the other backends.
		MaxRetries: aws.Int(0),
	}

	if o.Remote != "" {
		cfg.Endpoint = aws.String(o.Remote)
	}

	if o.AccessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, "")
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}

	s.client = s3.New(sess)

	err = s.makeBucketExist()

	return s, err
}

func (s *S3) String() string {
	return "s3://" + s.bucket
}

// Check whether bucket exist and if not, create it and wait until it appears.
func (s *S3) makeBucketExist() error {
	_, err := s.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)})

	if err != nil {
		_, err = s.client.CreateBucket(&s3.CreateBucketInput{
			Bucket: aws.String(s.bucket)})

		if err == nil {
			err = s.client.WaitUntilBucketExists(&s3.HeadBucketInput{
				Bucket: aws.String(s.bucket)})
		}
	}

	return err
}

// GetRange function implemented through s3 api.
func (s *S3) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, objstore.Attrs, error) {
	if length == 0 {
		attrs, err := s.Head(ctx, key)
		return nil, attrs, err
	}

	in := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}

	if rng := byteRange(offset, length); rng != "" {
		in.Range = aws.String(rng)
	}

	out, err := s.client.GetObjectWithContext(ctx, in)
	if err != nil {
		if status(err) == http.StatusRequestedRangeNotSatisfiable {
			attrs, err := s.Head(ctx, key)
			return nil, attrs, err
		}
		return nil, objstore.Attrs{}, classify(err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, objstore.Attrs{}, objstore.Transient(err)
	}

	attrs := objstore.Attrs{
		Key:     key,
		Size:    int64(len(data)),
		Version: aws.StringValue(out.ETag),
		MD5:     md5FromETag(aws.StringValue(out.ETag)),
	}

	if out.ContentRange != nil {
		attrs.Size = totalFromContentRange(*out.ContentRange, attrs.Size)
	}

	return data, attrs, nil
}

// Put function implemented through s3 api.
func (s *S3) Put(ctx context.Context, key string, data []byte, expected string) (objstore.Attrs, error) {
	out, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}, condition(expected))

	if err != nil {
		return objstore.Attrs{}, classify(err)
	}

	return objstore.Attrs{
		Key:     key,
		Size:    int64(len(data)),
		Version: aws.StringValue(out.ETag),
		MD5:     objstore.Sum(data),
	}, nil
}

// Delete function implemented through s3 api.
func (s *S3) Delete(ctx context.Context, key string, expected string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, condition(expected))

	return classify(err)
}

// Head function implemented through s3 api.
func (s *S3) Head(ctx context.Context, key string) (objstore.Attrs, error) {
	head, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})

	if err != nil {
		return objstore.Attrs{}, classify(err)
	}

	return objstore.Attrs{
		Key:     key,
		Size:    aws.Int64Value(head.ContentLength),
		Version: aws.StringValue(head.ETag),
		MD5:     md5FromETag(aws.StringValue(head.ETag)),
	}, nil
}

// List function implemented through s3 api.
func (s *S3) List(ctx context.Context, prefix string) ([]objstore.Attrs, error) {
	var list []objstore.Attrs

	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, last bool) bool {
		for _, o := range page.Contents {
			list = append(list, objstore.Attrs{
				Key:     aws.StringValue(o.Key),
				Size:    aws.Int64Value(o.Size),
				Version: aws.StringValue(o.ETag),
				MD5:     md5FromETag(aws.StringValue(o.ETag)),
			})
		}
		return true
	})

	return list, classify(err)
}

// Returns request option which adds the precondition headers for the
// expected version.
func condition(expected string) request.Option {
	return func(r *request.Request) {
		switch expected {
		case objstore.Any:
		case objstore.Absent:
			r.HTTPRequest.Header.Set("If-None-Match", "*")
		default:
			r.HTTPRequest.Header.Set("If-Match", expected)
		}
	}
}

// Maps aws errors to the errors of the objstore package.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	code := ""
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		code = aerr.Code()
	}

	switch st := status(err); {
	case st == http.StatusPreconditionFailed || code == "PreconditionFailed":
		return fmt.Errorf("%w: %v", objstore.ErrConflict, err)
	case st == http.StatusNotFound || code == s3.ErrCodeNoSuchKey || code == "NotFound":
		return fmt.Errorf("%w: %v", objstore.ErrNotFound, err)
	case code == "InvalidObjectName" || code == "KeyTooLongError":
		return fmt.Errorf("%w: %v", objstore.ErrInvalidKey, err)
	case st == http.StatusConflict, st == http.StatusTooManyRequests, st >= 500:
		// 409 is returned when a conditional write races with another
		// one in flight, the loser should try again.
		return objstore.Transient(err)
	case st != 0:
		return err
	case code == request.CanceledErrorCode:
		return context.Canceled
	case request.IsErrorRetryable(err), request.IsErrorThrottle(err):
		// No response at all, e.g. connection reset or dns failure.
		return objstore.Transient(err)
	}

	return err
}

func status(err error) int {
	var rf awserr.RequestFailure
	if errors.As(err, &rf) {
		return rf.StatusCode()
	}

	return 0
}

// Returns value of the http Range header. Empty string means the whole
// object.
func byteRange(offset, length int64) string {
	switch {
	case length < 0 && offset == 0:
		return ""
	case length < 0:
		return fmt.Sprintf("bytes=%d-", offset)
	default:
		return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	}
}

// Extracts the complete object size from "bytes 0-99/1234".
func totalFromContentRange(cr string, def int64) int64 {
	i := strings.LastIndexByte(cr, '/')
	if i < 0 {
		return def
	}

	var total int64
	if _, err := fmt.Sscanf(cr[i+1:], "%d", &total); err != nil {
		return def
	}

	return total
}

// ETag of a single part upload without KMS encryption is the MD5 of the
// content. Anything else cannot be used for content comparison.
func md5FromETag(etag string) string {
	e := strings.Trim(etag, `"`)
	if len(e) != 32 {
		return ""
	}

	return strings.ToLower(e)
}
