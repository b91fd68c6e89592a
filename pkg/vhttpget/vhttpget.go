// Package vhttpget fetches small documents over HTTP, with a table-driven
// tester for code that depends on it.
package vhttpget

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// MaxBodyBytes caps the size of a fetched document.
const MaxBodyBytes = 8 << 20

type Option interface {
	Set(o *Opts)
}

type Opts struct {
	Header map[string]string
}

func (o Opts) Set(another *Opts) {
	for k, v := range o.Header {
		if another.Header == nil {
			another.Header = map[string]string{}
		}
		another.Header[k] = v
	}
}

// Header adds a single request header.
func Header(k, v string) Option {
	return Opts{Header: map[string]string{k: v}}
}

type Getter interface {
	DoRequest(ctx context.Context, url string, opt ...Option) (string, error)
}

type getter struct {
	responseBodyFor func(ctx context.Context, url string, opts Opts) (io.ReadCloser, error)
}

func New() Getter {
	return NewWithClient(http.DefaultClient)
}

func NewWithClient(client *http.Client) Getter {
	return &getter{
		responseBodyFor: func(ctx context.Context, url string, opts Opts) (io.ReadCloser, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}

			for k, v := range opts.Header {
				req.Header.Add(k, v)
			}

			res, err := client.Do(req)
			if err != nil {
				return nil, err
			}

			if res.StatusCode < 200 || res.StatusCode >= 300 {
				defer res.Body.Close()
				body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
				snippet := string(body)
				if len(snippet) > 0 {
					return nil, fmt.Errorf("GET %s: %s: %s", url, res.Status, snippet)
				}
				return nil, fmt.Errorf("GET %s: %s", url, res.Status)
			}

			return res.Body, nil
		},
	}
}

func NewTester(expectations map[string]string) Getter {
	return &getter{
		responseBodyFor: func(_ context.Context, url string, opts Opts) (io.ReadCloser, error) {
			res, ok := expectations[url]
			if !ok {
				return nil, fmt.Errorf("unexpected input: url=%v, opts=%v", url, opts)
			}
			return io.NopCloser(bytes.NewReader([]byte(res))), nil
		},
	}
}

func (t *getter) DoRequest(ctx context.Context, url string, opt ...Option) (string, error) {
	opts := &Opts{}
	for _, o := range opt {
		o.Set(opts)
	}

	res, err := t.responseBodyFor(ctx, url, *opts)
	if err != nil {
		return "", err
	}
	defer res.Close()

	bytes, err := io.ReadAll(io.LimitReader(res, MaxBodyBytes))
	if err != nil {
		return "", err
	}

	return string(bytes), nil
}
