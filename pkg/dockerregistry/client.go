// Package dockerregistry is a minimal Docker Registry HTTP API v2 client.
// It lists repository tags and resolves a tag to its manifest digest, which
// is all the image catalog needs.
//
// Pagination Link headers may carry relative URLs (Docker Hub does this);
// they are resolved against the URL of the page that returned them.
package dockerregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	"k8s.io/klog/v2"
)

// ErrUnknownRepository is returned when the registry answers 404 for a
// repository or tag.
var ErrUnknownRepository = errors.New("unknown repository or tag")

var manifestMediaTypes = []string{
	"application/vnd.oci.image.index.v1+json",
	"application/vnd.oci.image.manifest.v1+json",
	"application/vnd.docker.distribution.manifest.list.v2+json",
	"application/vnd.docker.distribution.manifest.v2+json",
}

// Client handles Docker Registry API v2 requests.
type Client struct {
	baseURL *url.URL
	client  *http.Client

	username, password string

	Logger logr.Logger
}

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client whose transport is wrapped with token
// authentication.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithCredentials sets the username and password presented to the token
// service or to a basic auth challenge.
func WithCredentials(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

func WithLogger(l logr.Logger) Option {
	return func(c *Client) {
		c.Logger = l
	}
}

// New creates a registry client for the given base URL, e.g.
// https://registry.example.com.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: scheme and host are required", baseURL)
	}

	c := &Client{baseURL: u}
	for _, opt := range opts {
		opt(c)
	}

	if c.Logger.GetSink() == nil {
		c.Logger = klog.NewKlogr()
	}

	base := &http.Client{}
	if c.client != nil {
		copied := *c.client
		base = &copied
	}
	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	base.Transport = WrapTransport(transport, c.username, c.password)
	c.client = base

	return c, nil
}

// Host is the registry host used as the domain of image references.
func (c *Client) Host() string {
	return c.baseURL.Host
}

type tagsResponse struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// MaxTagPages bounds how many pages Tags follows.
const MaxTagPages = 1000

// Tags fetches all tags of a repository, following pagination.
func (c *Client) Tags(ctx context.Context, repository string) ([]string, error) {
	next := c.url("/v2/%s/tags/list", repository)

	seen := map[string]bool{}

	var tags []string
	for pages := 0; next != ""; pages++ {
		if seen[next] {
			return nil, fmt.Errorf("listing tags of %s: pagination loops back to %s", repository, next)
		}
		if pages >= MaxTagPages {
			return nil, fmt.Errorf("listing tags of %s: more than %d pages", repository, MaxTagPages)
		}
		seen[next] = true

		var page tagsResponse

		resp, err := c.get(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, err
		}

		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decoding tags of %s: %w", repository, err)
		}

		tags = append(tags, page.Tags...)

		next, err = nextLink(resp)
		if err != nil {
			return nil, err
		}

		c.Logger.V(2).Info("registry.tags.page", "repository", repository, "page", pages, "tags", len(page.Tags), "more", next != "")
	}

	return tags, nil
}

// Digest returns the content digest of the manifest referenced by tag.
func (c *Client) Digest(ctx context.Context, repository, tag string) (digest.Digest, error) {
	u := c.url("/v2/%s/manifests/%s", repository, tag)

	resp, err := c.get(ctx, http.MethodHead, u, map[string]string{"Accept": strings.Join(manifestMediaTypes, ", ")})
	if err != nil {
		return "", err
	}
	resp.Body.Close()

	h := resp.Header.Get("Docker-Content-Digest")
	if h == "" {
		return "", fmt.Errorf("HEAD %s: no Docker-Content-Digest header", u)
	}

	d, err := digest.Parse(h)
	if err != nil {
		return "", fmt.Errorf("HEAD %s: %w", u, err)
	}

	return d, nil
}

func (c *Client) url(pathFormat string, args ...interface{}) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + fmt.Sprintf(pathFormat, args...)
	return u.String()
}

func (c *Client) get(ctx context.Context, method, urlStr string, header map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, urlStr, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: %w", method, urlStr, ErrUnknownRepository)
	default:
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if snippet := strings.TrimSpace(string(body)); snippet != "" {
			return nil, fmt.Errorf("%s %s: unexpected status code %d: %s", method, urlStr, resp.StatusCode, snippet)
		}
		return nil, fmt.Errorf("%s %s: unexpected status code %d", method, urlStr, resp.StatusCode)
	}
}

// linkRE matches an RFC 5988 Link header with rel="next". Angle brackets
// and quotes are optional because quay.io and others omit them.
var linkRE = regexp.MustCompile(`^ *<?([^;>]+)>? *(?:;[^;]*)*; *rel="?next"?(?:;.*)?`)

// nextLink returns the absolute URL of the next page, or "" on the last page.
func nextLink(resp *http.Response) (string, error) {
	for _, link := range resp.Header.Values("Link") {
		m := linkRE.FindStringSubmatch(link)
		if m == nil {
			continue
		}

		next, err := url.Parse(m[1])
		if err != nil {
			return "", fmt.Errorf("invalid next link %q: %w", m[1], err)
		}

		return resp.Request.URL.ResolveReference(next).String(), nil
	}

	return "", nil
}
