// Copyright 2019 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package source opens the index and model files a server loads at startup,
// either from local disk or from Google Cloud Storage.
package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/googlegenomics/sigmap/fmindex"
	"github.com/googlegenomics/sigmap/kmer"
)

const gcsScheme = "gs://"

var (
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("object does not exist")

	// ErrPermissionDenied is returned when the caller may not read the object.
	ErrPermissionDenied = errors.New("permission denied")

	errInvalidURI = errors.New("invalid or unspecified URI")
)

// Client is an interface to the storage engine.
type Client interface {
	// NewObjectHandle returns a handle to a specified object in
	// the storage engine.
	NewObjectHandle(bucket, object string) ObjectHandle
}

// ObjectHandle is an interface to the actual storage engine in use.
type ObjectHandle interface {
	// NewRangeReader returns a reader that reads from a specified
	// range. Length of -1 means to capture everything until the
	// end.
	NewRangeReader(ctx context.Context, offset, length int64) (io.ReadCloser, error)
}

// FileClient is a Client over the local file system.  Buckets are
// directories below Root.
type FileClient struct {
	Root string
}

// NewObjectHandle returns a handle to the file object inside directory bucket.
func (c FileClient) NewObjectHandle(bucket, object string) ObjectHandle {
	return fileObjectHandle{filepath.Join(c.Root, bucket, filepath.FromSlash(object))}
}

type fileObjectHandle struct {
	path string
}

func (h fileObjectHandle) NewRangeReader(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, fmt.Errorf("negative offset %d", offset)
	}
	file, err := os.Open(h.path)
	if err != nil {
		return nil, newFileError(err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, newFileError(err)
	}
	size := info.Size() - offset
	if size < 0 {
		size = 0
	}
	if length < 0 || length > size {
		length = size
	}
	return &fileRangeReader{io.NewSectionReader(file, offset, length), file}, nil
}

// fileRangeReader reads a section of a file it owns.
type fileRangeReader struct {
	*io.SectionReader
	file *os.File
}

func (r *fileRangeReader) Close() error {
	return r.file.Close()
}

func newFileError(err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return err
}

// ParseURI splits a gs://bucket/object URI.  Any other URI is treated as a
// local path and returned with remote unset.
func ParseURI(uri string) (bucket, object string, remote bool, err error) {
	if uri == "" {
		return "", "", false, errInvalidURI
	}
	if !strings.HasPrefix(uri, gcsScheme) {
		return "", uri, false, nil
	}
	if parts := strings.SplitN(uri[len(gcsScheme):], "/", 2); len(parts) == 2 {
		if parts[0] != "" && parts[1] != "" {
			return parts[0], parts[1], true, nil
		}
	}
	return "", "", true, fmt.Errorf("%w: %q", errInvalidURI, uri)
}

// Open returns a reader over the whole object at uri.  gs:// URIs are read
// through gcs, anything else from local disk.
func Open(ctx context.Context, uri string, gcs Client) (io.ReadCloser, error) {
	bucket, object, remote, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if !remote {
		dir, name := filepath.Split(object)
		return FileClient{Root: dir}.NewObjectHandle("", name).NewRangeReader(ctx, 0, -1)
	}
	if gcs == nil {
		return nil, fmt.Errorf("opening %s: no storage client", uri)
	}
	r, err := gcs.NewObjectHandle(bucket, object).NewRangeReader(ctx, 0, -1)
	if err != nil {
		return nil, newStorageError(err)
	}
	return r, nil
}

// LoadIndex reads the index file at uri.
func LoadIndex(ctx context.Context, uri string, gcs Client) (*fmindex.Index, error) {
	r, err := Open(ctx, uri, gcs)
	if err != nil {
		return nil, &fmindex.IndexLoadError{Err: fmt.Errorf("opening %s: %w", uri, err)}
	}
	defer r.Close()

	return fmindex.Read(r)
}

// LoadModel reads the k-mer model file at uri.
func LoadModel(ctx context.Context, uri string, gcs Client) (*kmer.Model, error) {
	r, err := Open(ctx, uri, gcs)
	if err != nil {
		return nil, &kmer.ModelLoadError{Err: fmt.Errorf("opening %s: %w", uri, err)}
	}
	defer r.Close()

	return kmer.Read(bufio.NewReader(r))
}
