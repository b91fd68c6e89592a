// Package controlplane defines the ports through which inferdeploy talks to
// the remote compute and service control planes.
//
// Every call takes an explicit Credential. Nothing in inferdeploy reads
// process-wide authentication state; the invoking process owns the
// credential's lifecycle.
package controlplane

import (
	"context"
	"errors"

	"github.com/variantdev/inferdeploy/pkg/deployapi"
	"golang.org/x/oauth2"
)

// ErrNotFound indicates that the named remote resource does not exist.
var ErrNotFound = errors.New("remote resource not found")

// Credential identifies the caller and the workspace every remote call
// operates on.
type Credential struct {
	Subscription  string
	ResourceGroup string
	Workspace     string

	// Tokens supplies bearer tokens. Nil means unauthenticated requests.
	Tokens oauth2.TokenSource
}

// StaticCredential returns a Credential that always presents token.
func StaticCredential(subscription, resourceGroup, workspace, token string) Credential {
	var ts oauth2.TokenSource
	if token != "" {
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	}
	return Credential{
		Subscription:  subscription,
		ResourceGroup: resourceGroup,
		Workspace:     workspace,
		Tokens:        ts,
	}
}

type ClusterSpec struct {
	Name     string `json:"name"`
	VMShape  string `json:"vmSize"`
	MinNodes int    `json:"minNodeCount"`
	MaxNodes int    `json:"maxNodeCount"`
}

type ClusterStatusReport struct {
	Status     deployapi.ClusterStatus `json:"provisioningState"`
	Diagnostic string                  `json:"error,omitempty"`
}

// Compute is the compute control plane.
type Compute interface {
	CreateCluster(ctx context.Context, cred Credential, spec ClusterSpec) error
	// ClusterStatus reports deployapi.ClusterAbsent for unknown clusters.
	ClusterStatus(ctx context.Context, cred Credential, name string) (ClusterStatusReport, error)
}

type ServiceStatus string

const (
	ServiceTransitioning ServiceStatus = "Transitioning"
	ServiceHealthy       ServiceStatus = "Healthy"
	ServiceFailed        ServiceStatus = "Failed"
	ServiceAbsent        ServiceStatus = "Absent"
)

func (s ServiceStatus) Terminal() bool {
	return s == ServiceHealthy || s == ServiceFailed
}

type ServiceStatusReport struct {
	Status     ServiceStatus `json:"state"`
	Diagnostic string        `json:"error,omitempty"`
}

// ServiceSpec is the desired definition of a web service. The same spec
// shape is used for creation and for in-place updates.
type ServiceSpec struct {
	Name        string `json:"name"`
	ClusterName string `json:"computeName"`
	Image       string `json:"image"`

	MinReplicas                     int     `json:"minReplicas"`
	MaxReplicas                     int     `json:"maxReplicas"`
	CPUCores                        float64 `json:"cpuCores"`
	MemoryGB                        float64 `json:"memoryInGB"`
	ScoringTimeoutMS                int     `json:"scoringTimeoutMs"`
	MaxRequestWaitMS                int     `json:"maxQueueWaitMs"`
	MaxConcurrentRequestsPerReplica int     `json:"maxConcurrentRequestsPerContainer"`
	MonitoringEnabled               bool    `json:"appInsightsEnabled"`
	AuthEnabled                     bool    `json:"authEnabled"`
}

// NewServiceSpec binds an image and a deployment configuration to a named
// service on a cluster.
func NewServiceSpec(name, clusterName string, image deployapi.ImageReference, cfg deployapi.Config) ServiceSpec {
	return ServiceSpec{
		Name:                            name,
		ClusterName:                     clusterName,
		Image:                           image.Location,
		MinReplicas:                     cfg.Capacity.Min,
		MaxReplicas:                     cfg.Capacity.Max,
		CPUCores:                        cfg.CPUCores,
		MemoryGB:                        cfg.MemoryGB,
		ScoringTimeoutMS:                cfg.ScoringTimeoutMS,
		MaxRequestWaitMS:                cfg.MaxRequestWaitMS,
		MaxConcurrentRequestsPerReplica: cfg.MaxConcurrentRequestsPerReplica,
		MonitoringEnabled:               cfg.MonitoringEnabled,
		AuthEnabled:                     cfg.AuthEnabled,
	}
}

type Keys struct {
	Primary   string `json:"primaryKey"`
	Secondary string `json:"secondaryKey"`
}

// Services is the service control plane.
type Services interface {
	CreateService(ctx context.Context, cred Credential, spec ServiceSpec) error
	UpdateService(ctx context.Context, cred Credential, spec ServiceSpec) error
	// ServiceStatus reports ServiceAbsent for unknown services.
	ServiceStatus(ctx context.Context, cred Credential, name string) (ServiceStatusReport, error)
	ServiceKeys(ctx context.Context, cred Credential, name string) (Keys, error)
	ServiceEndpoint(ctx context.Context, cred Credential, name string) (string, error)
}

// Platform is a control plane serving both compute and services.
type Platform interface {
	Compute
	Services
}
