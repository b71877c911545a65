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

package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

var errMissingOrInvalidToken = errors.New("missing or invalid token")

// GCSClient is Client for accessing Google Cloud Storage.
type GCSClient struct {
	*storage.Client
}

// NewObjectHandle returns a handle to a specified object in the
// storage engine.
func (c GCSClient) NewObjectHandle(bucket, object string) ObjectHandle {
	return gcsObjectHandle{c.Bucket(bucket).Object(object)}
}

type gcsObjectHandle struct {
	*storage.ObjectHandle
}

func (h gcsObjectHandle) NewRangeReader(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	return h.ObjectHandle.NewRangeReader(ctx, offset, length)
}

// NewDefaultClient returns a storage client that uses the application default
// credentials.
func NewDefaultClient(ctx context.Context) (GCSClient, error) {
	return newClientWithOptions(ctx)
}

// NewPublicClient returns a storage client that does not use any form of
// client authorization.  It can only be used to read publicly-readable
// objects.
func NewPublicClient(ctx context.Context) (GCSClient, error) {
	return newClientWithOptions(ctx, option.WithHTTPClient(http.DefaultClient))
}

// NewClientFromToken returns a storage client that authenticates with the
// OAuth2 access token in authorization, either bare or in the form of an
// HTTP "Bearer" authorization header.
func NewClientFromToken(ctx context.Context, authorization string) (GCSClient, error) {
	fields := strings.Fields(authorization)
	switch {
	case len(fields) == 1 && fields[0] != "Bearer":
		fields = []string{"Bearer", fields[0]}
	case len(fields) != 2 || fields[0] != "Bearer":
		return GCSClient{}, newStorageError(errMissingOrInvalidToken)
	}

	token := oauth2.Token{
		TokenType:   fields[0],
		AccessToken: fields[1],
	}
	return newClientWithOptions(ctx, option.WithTokenSource(oauth2.StaticTokenSource(&token)))
}

func newClientWithOptions(ctx context.Context, opts ...option.ClientOption) (GCSClient, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return GCSClient{}, fmt.Errorf("creating storage client: %v", err)
	}
	return GCSClient{client}, nil
}

// newStorageError maps the errors of the storage API onto ErrNotFound and
// ErrPermissionDenied.
func newStorageError(err error) error {
	if errors.Is(err, errMissingOrInvalidToken) {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}
	return err
}
