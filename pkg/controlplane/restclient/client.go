// Package restclient implements the controlplane ports against a JSON REST
// control plane.
//
// Resources live under
//
//	/subscriptions/{subscription}/resourceGroups/{group}/workspaces/{workspace}
//
// as clusters/{name} and services/{name}. A 404 on a resource read is
// reported as an absent resource rather than an error.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/go-logr/logr"
	"github.com/variantdev/inferdeploy/pkg/controlplane"
	"github.com/variantdev/inferdeploy/pkg/deployapi"
	"k8s.io/klog/v2"
)

// StatusError is returned for any unexpected HTTP status. Body holds the
// leading bytes of the response, which is the platform's diagnostic.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s: %d", e.Method, e.URL, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return controlplane.ErrNotFound
	}
	return nil
}

// Client handles control plane REST requests.
type Client struct {
	baseURL *url.URL
	client  *http.Client

	Logger logr.Logger
}

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

func WithLogger(l logr.Logger) Option {
	return func(c *Client) {
		c.Logger = l
	}
}

// New creates a new control plane client for the given base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: scheme and host are required", baseURL)
	}

	c := &Client{
		baseURL: u,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		c.client = http.DefaultClient
	}

	if c.Logger.GetSink() == nil {
		c.Logger = klog.NewKlogr()
	}

	return c, nil
}

type clusterResource struct {
	Spec              controlplane.ClusterSpec `json:"spec"`
	ProvisioningState string                   `json:"provisioningState"`
	Error             string                   `json:"error,omitempty"`
}

type serviceResource struct {
	Spec  controlplane.ServiceSpec `json:"spec"`
	State string                   `json:"state"`
	Error string                   `json:"error,omitempty"`
}

type endpointResponse struct {
	ScoringURI string `json:"scoringUri"`
}

func (c *Client) CreateCluster(ctx context.Context, cred controlplane.Credential, spec controlplane.ClusterSpec) error {
	return c.do(ctx, cred, http.MethodPut, c.resourceURL(cred, "clusters", spec.Name), "application/json", clusterResource{Spec: spec}, nil)
}

func (c *Client) ClusterStatus(ctx context.Context, cred controlplane.Credential, name string) (controlplane.ClusterStatusReport, error) {
	var res clusterResource
	err := c.do(ctx, cred, http.MethodGet, c.resourceURL(cred, "clusters", name), "", nil, &res)
	if errors.Is(err, controlplane.ErrNotFound) {
		return controlplane.ClusterStatusReport{Status: deployapi.ClusterAbsent}, nil
	}
	if err != nil {
		return controlplane.ClusterStatusReport{}, err
	}

	status, err := clusterStatusFromState(res.ProvisioningState)
	if err != nil {
		return controlplane.ClusterStatusReport{}, fmt.Errorf("cluster %s: %w", name, err)
	}

	return controlplane.ClusterStatusReport{Status: status, Diagnostic: res.Error}, nil
}

func clusterStatusFromState(s string) (deployapi.ClusterStatus, error) {
	switch strings.ToLower(s) {
	case "creating", "updating", "provisioning":
		return deployapi.ClusterProvisioning, nil
	case "succeeded", "ready":
		return deployapi.ClusterReady, nil
	case "failed", "canceled":
		return deployapi.ClusterFailed, nil
	case "deleting", "absent":
		return deployapi.ClusterAbsent, nil
	}
	return "", fmt.Errorf("unrecognized provisioning state %q", s)
}

func (c *Client) CreateService(ctx context.Context, cred controlplane.Credential, spec controlplane.ServiceSpec) error {
	return c.do(ctx, cred, http.MethodPut, c.resourceURL(cred, "services", spec.Name), "application/json", serviceResource{Spec: spec}, nil)
}

// UpdateService sends the difference between the current remote spec and
// spec as a JSON merge patch.
func (c *Client) UpdateService(ctx context.Context, cred controlplane.Credential, spec controlplane.ServiceSpec) error {
	u := c.resourceURL(cred, "services", spec.Name)

	var current serviceResource
	if err := c.do(ctx, cred, http.MethodGet, u, "", nil, &current); err != nil {
		return err
	}

	patch, err := mergePatch(serviceResource{Spec: current.Spec}, serviceResource{Spec: spec})
	if err != nil {
		return fmt.Errorf("computing update patch for service %s: %w", spec.Name, err)
	}

	c.Logger.V(1).Info("service.update", "service", spec.Name, "patch", string(patch))

	return c.do(ctx, cred, http.MethodPatch, u, "application/merge-patch+json", json.RawMessage(patch), nil)
}

func mergePatch(original, modified interface{}) ([]byte, error) {
	o, err := json.Marshal(original)
	if err != nil {
		return nil, err
	}
	m, err := json.Marshal(modified)
	if err != nil {
		return nil, err
	}
	return jsonpatch.CreateMergePatch(o, m)
}

func (c *Client) ServiceStatus(ctx context.Context, cred controlplane.Credential, name string) (controlplane.ServiceStatusReport, error) {
	var res serviceResource
	err := c.do(ctx, cred, http.MethodGet, c.resourceURL(cred, "services", name), "", nil, &res)
	if errors.Is(err, controlplane.ErrNotFound) {
		return controlplane.ServiceStatusReport{Status: controlplane.ServiceAbsent}, nil
	}
	if err != nil {
		return controlplane.ServiceStatusReport{}, err
	}

	status, err := serviceStatusFromState(res.State)
	if err != nil {
		return controlplane.ServiceStatusReport{}, fmt.Errorf("service %s: %w", name, err)
	}

	return controlplane.ServiceStatusReport{Status: status, Diagnostic: res.Error}, nil
}

func serviceStatusFromState(s string) (controlplane.ServiceStatus, error) {
	switch strings.ToLower(s) {
	case "transitioning", "creating", "updating":
		return controlplane.ServiceTransitioning, nil
	case "healthy", "succeeded":
		return controlplane.ServiceHealthy, nil
	case "failed", "unhealthy":
		return controlplane.ServiceFailed, nil
	}
	return "", fmt.Errorf("unrecognized service state %q", s)
}

func (c *Client) ServiceKeys(ctx context.Context, cred controlplane.Credential, name string) (controlplane.Keys, error) {
	var keys controlplane.Keys
	if err := c.do(ctx, cred, http.MethodPost, c.resourceURL(cred, "services", name, "listKeys"), "", nil, &keys); err != nil {
		return controlplane.Keys{}, err
	}
	return keys, nil
}

func (c *Client) ServiceEndpoint(ctx context.Context, cred controlplane.Credential, name string) (string, error) {
	var res endpointResponse
	if err := c.do(ctx, cred, http.MethodGet, c.resourceURL(cred, "services", name, "endpoint"), "", nil, &res); err != nil {
		return "", err
	}
	if res.ScoringURI == "" {
		return "", fmt.Errorf("service %s: platform returned an empty scoring URI", name)
	}
	return res.ScoringURI, nil
}

func (c *Client) resourceURL(cred controlplane.Credential, elems ...string) string {
	parts := []string{
		"/", c.baseURL.Path,
		"subscriptions", cred.Subscription,
		"resourceGroups", cred.ResourceGroup,
		"workspaces", cred.Workspace,
	}
	parts = append(parts, elems...)

	u := *c.baseURL
	u.Path = path.Join(parts...)

	return u.String()
}

func (c *Client) do(ctx context.Context, cred controlplane.Credential, method, urlStr, contentType string, in, out interface{}) error {
	var body io.Reader = &bytes.Buffer{}
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	if cred.Tokens != nil {
		tok, err := cred.Tokens.Token()
		if err != nil {
			return fmt.Errorf("obtaining access token: %w", err)
		}
		tok.SetAuthHeader(req)
	}

	c.Logger.V(2).Info("request", "method", method, "url", urlStr)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			Method:     method,
			URL:        urlStr,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, urlStr, err)
	}

	return nil
}

var _ controlplane.Platform = &Client{}
