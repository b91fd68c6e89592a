package deployapi

import "fmt"

// ImageReference identifies one immutable image in the catalog.
type ImageReference struct {
	Name     string `json:"name" yaml:"name"`
	Version  int    `json:"version" yaml:"version"`
	Location string `json:"location" yaml:"location"`
}

func (r ImageReference) String() string {
	return fmt.Sprintf("%s:%d (%s)", r.Name, r.Version, r.Location)
}

type ClusterStatus string

const (
	ClusterProvisioning ClusterStatus = "Provisioning"
	ClusterReady        ClusterStatus = "Ready"
	ClusterFailed       ClusterStatus = "Failed"

	// ClusterAbsent is only ever reported by the control plane. It is never persisted.
	ClusterAbsent ClusterStatus = "Absent"
)

// Terminal reports whether no further transition is possible from s.
func (s ClusterStatus) Terminal() bool {
	return s == ClusterReady || s == ClusterFailed
}

type ClusterRecord struct {
	ClusterName        string        `json:"clusterName"`
	ProvisioningStatus ClusterStatus `json:"provisioningStatus"`
}

// Transition moves the record to next. A record leaves Provisioning exactly
// once and never regresses.
func (c *ClusterRecord) Transition(next ClusterStatus) error {
	switch {
	case next == ClusterAbsent:
		return fmt.Errorf("%w: cluster %q: %s is not a recordable status", ErrInvalidTransition, c.ClusterName, next)
	case c.ProvisioningStatus == next:
		return nil
	case c.ProvisioningStatus == "" && next == ClusterProvisioning:
	case c.ProvisioningStatus == ClusterProvisioning && next.Terminal():
	default:
		return fmt.Errorf("%w: cluster %q: %s -> %s", ErrInvalidTransition, c.ClusterName, c.ProvisioningStatus, next)
	}

	c.ProvisioningStatus = next

	return nil
}

// ServiceRecord describes the deployed web service. ServiceName is fixed at
// creation and carried over unchanged by every update.
type ServiceRecord struct {
	ServiceName  string         `json:"serviceName"`
	ClusterName  string         `json:"clusterName"`
	EndpointURL  string         `json:"endpointUrl"`
	PrimaryKey   string         `json:"primaryKey"`
	SecondaryKey string         `json:"secondaryKey"`
	LastImage    ImageReference `json:"lastImage"`
}

// DeploymentState is the single persisted record per deployment target.
type DeploymentState struct {
	Cluster ClusterRecord  `json:"cluster"`
	Service *ServiceRecord `json:"service,omitempty"`
}

// Redacted returns a copy with access keys masked, suitable for printing.
func (s DeploymentState) Redacted() DeploymentState {
	out := s
	if s.Service != nil {
		svc := *s.Service
		svc.PrimaryKey = redact(svc.PrimaryKey)
		svc.SecondaryKey = redact(svc.SecondaryKey)
		out.Service = &svc
	}
	return out
}

func redact(key string) string {
	if key == "" {
		return ""
	}
	return "********"
}
