// Package source opens live FLV byte streams.
package source

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// ErrUnexpectedStatus is returned for non-2xx responses
var ErrUnexpectedStatus = errors.New("unexpected http status")

// Opener starts one download of url
type Opener interface {
	Open(ctx context.Context, url string) (io.ReadCloser, error)
}

// HTTPFLV pulls FLV over plain HTTP(S). The request is bound to the context
// passed to Open, cancelling it aborts the body read.
type HTTPFLV struct {
	client *http.Client
	header http.Header
}

// NewHTTPFLV creates a puller. client may be nil, header is sent with every request.
func NewHTTPFLV(client *http.Client, header http.Header) *HTTPFLV {
	if client == nil {
		// no overall timeout, live bodies never end on their own
		client = &http.Client{}
	}
	return &HTTPFLV{client: client, header: header.Clone()}
}

// Open requests url and returns the response body
func (s *HTTPFLV) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	for k, vs := range s.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "rapidrec/1.0")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", redact(url))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, errors.Wrapf(ErrUnexpectedStatus, "get %s: %s", redact(url), resp.Status)
	}
	return resp.Body, nil
}

// redact drops the query string, pull URLs often carry credentials there
func redact(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i] + "?..."
	}
	return url
}
