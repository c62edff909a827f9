// Package snapshot stores versioned collections of cached HTTP responses keyed
// by request identity. One version is current; the offline worker purges the rest.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

var ErrNotFound = errors.New("snapshot: entry not found")

// Response is a stored response. Body is fully buffered.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// HTTPResponse rebuilds a response for req. Each call returns an independent body.
func (r *Response) HTTPResponse(req *http.Request) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(r.Body)))
	return &http.Response{
		Status:        strconv.Itoa(r.StatusCode) + " " + http.StatusText(r.StatusCode),
		StatusCode:    r.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

type Snapshot interface {
	Version() string
	Match(ctx context.Context, key string) (*Response, error)
	Put(ctx context.Context, key string, resp *Response) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

type Store interface {
	// Open returns the snapshot for version, creating it when absent.
	Open(ctx context.Context, version string) (Snapshot, error)
	Versions(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, version string) (bool, error)
	Close() error
}
