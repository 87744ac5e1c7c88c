// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package gcs implements the objstore.Store interface on top of Google Cloud
// Storage. Object generations serve as versions for conditional requests.
package gcs

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/asch/s3qlite/internal/s3qlite/objstore"
)

// GCS is the objstore.Store backed by one bucket.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
}

type Options struct {
	Bucket          string
	Endpoint        string
	CredentialsFile string
}

func New(ctx context.Context, o Options) (*GCS, error) {
	var opts []option.ClientOption
	if o.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(o.Endpoint))
	}
	if o.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(o.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	g := &GCS{
		client: client,
		bucket: client.Bucket(o.Bucket),
		name:   o.Bucket,
	}

	if _, err := g.bucket.Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("bucket %s: %w", o.Bucket, err)
	}

	return g, nil
}

func (g *GCS) String() string {
	return "gs://" + g.name
}

// Close releases the client connections.
func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, objstore.Attrs, error) {
	r, err := g.bucket.Object(key).NewRangeReader(ctx, offset, length)
	if err != nil {
		if status(err) == http.StatusRequestedRangeNotSatisfiable {
			attrs, err := g.Head(ctx, key)
			return nil, attrs, err
		}
		return nil, objstore.Attrs{}, classify(err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, objstore.Attrs{}, classify(err)
	}

	return data, objstore.Attrs{
		Key:     key,
		Size:    r.Attrs.Size,
		Version: version(r.Attrs.Generation),
	}, nil
}

func (g *GCS) Put(ctx context.Context, key string, data []byte, expected string) (objstore.Attrs, error) {
	obj, err := g.conditional(key, expected)
	if err != nil {
		return objstore.Attrs{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := obj.NewWriter(ctx)
	// Single request upload, pages are far below any sensible chunk.
	w.ChunkSize = 0

	if _, err := w.Write(data); err != nil {
		cancel()
		w.Close()
		return objstore.Attrs{}, classify(err)
	}

	if err := w.Close(); err != nil {
		return objstore.Attrs{}, classify(err)
	}

	return attrs(w.Attrs()), nil
}

func (g *GCS) Delete(ctx context.Context, key string, expected string) error {
	obj, err := g.conditional(key, expected)
	if err != nil {
		return err
	}

	err = obj.Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) && expected == objstore.Any {
		return nil
	}

	return classify(err)
}

func (g *GCS) Head(ctx context.Context, key string) (objstore.Attrs, error) {
	a, err := g.bucket.Object(key).Attrs(ctx)
	if err != nil {
		return objstore.Attrs{}, classify(err)
	}

	return attrs(a), nil
}

func (g *GCS) List(ctx context.Context, prefix string) ([]objstore.Attrs, error) {
	var list []objstore.Attrs

	it := g.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		a, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, classify(err)
		}

		list = append(list, attrs(a))
	}

	return list, nil
}

// Returns the object handle with preconditions matching expected.
func (g *GCS) conditional(key, expected string) (*storage.ObjectHandle, error) {
	var cond storage.Conditions

	switch expected {
	case objstore.Any:
		return g.bucket.Object(key), nil
	case objstore.Absent:
		cond.DoesNotExist = true
	default:
		gen, err := strconv.ParseInt(expected, 10, 64)
		if err != nil {
			// Version of some other backend, cannot match.
			return nil, objstore.ErrConflict
		}
		cond.GenerationMatch = gen
	}

	return g.bucket.Object(key).If(cond), nil
}

func attrs(a *storage.ObjectAttrs) objstore.Attrs {
	if a == nil {
		return objstore.Attrs{}
	}

	return objstore.Attrs{
		Key:     a.Name,
		Size:    a.Size,
		Version: version(a.Generation),
		MD5:     hex.EncodeToString(a.MD5),
	}
}

func version(gen int64) string {
	return strconv.FormatInt(gen, 10)
}

// Maps storage and googleapi errors to the errors of the objstore package.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %v", objstore.ErrNotFound, err)
	}

	switch st := status(err); {
	case st == http.StatusPreconditionFailed:
		return fmt.Errorf("%w: %v", objstore.ErrConflict, err)
	case st == http.StatusNotFound:
		return fmt.Errorf("%w: %v", objstore.ErrNotFound, err)
	case st == http.StatusTooManyRequests, st >= 500:
		return objstore.Transient(err)
	case st == 0 && errors.Is(err, io.ErrUnexpectedEOF):
		return objstore.Transient(err)
	}

	return err
}

func status(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}

	return 0
}
