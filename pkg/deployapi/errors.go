package deployapi

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidTransition is returned when a ClusterRecord would regress.
	ErrInvalidTransition = errors.New("invalid cluster status transition")

	// ErrInvalidConfig indicates a deployment configuration that violates a precondition.
	ErrInvalidConfig = errors.New("invalid deployment configuration")
)

// NotFoundError is returned when no catalog entry matches (name, version).
type NotFoundError struct {
	Name    string
	Version int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("image %s version %d not found in catalog", e.Name, e.Version)
}

// AmbiguousReferenceError is returned when more than one catalog entry
// matches (name, version). The resolver never picks one of them.
type AmbiguousReferenceError struct {
	Name       string
	Version    int
	Candidates []string
}

func (e *AmbiguousReferenceError) Error() string {
	return fmt.Sprintf("image %s version %d is ambiguous: %d matches: %s", e.Name, e.Version, len(e.Candidates), strings.Join(e.Candidates, ", "))
}

// CorruptStateError is returned when the state file exists but is not a
// structurally valid record.
type CorruptStateError struct {
	Path    string
	Reasons []string
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt state file %s: %s", e.Path, strings.Join(e.Reasons, "; "))
}

// ProvisioningError carries the platform diagnostic of a failed cluster creation.
type ProvisioningError struct {
	ClusterName string
	Diagnostic  string
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning cluster %s failed: %s", e.ClusterName, e.Diagnostic)
}

// DeploymentFailedError carries the platform diagnostic of a failed service
// creation or update.
type DeploymentFailedError struct {
	ServiceName string
	Action      string
	Diagnostic  string
}

func (e *DeploymentFailedError) Error() string {
	return fmt.Sprintf("%s of service %s failed: %s", e.Action, e.ServiceName, e.Diagnostic)
}

// TimeoutError is returned when a bounded wait for terminal status expires.
// The remote resource is left as the platform reports it.
type TimeoutError struct {
	Operation  string
	Resource   string
	Timeout    time.Duration
	LastStatus string
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("timed out after %s waiting for %s of %s", e.Timeout, e.Operation, e.Resource)
	if e.LastStatus != "" {
		msg += fmt.Sprintf(" (last status: %s)", e.LastStatus)
	}
	return msg
}

// Kind returns the short name of the error kind of err, or "Error" when err
// is not one of the kinds defined in this package.
func Kind(err error) string {
	var (
		notFound   *NotFoundError
		ambiguous  *AmbiguousReferenceError
		corrupt    *CorruptStateError
		provision  *ProvisioningError
		deployment *DeploymentFailedError
		timeout    *TimeoutError
	)

	switch {
	case errors.As(err, &notFound):
		return "NotFoundError"
	case errors.As(err, &ambiguous):
		return "AmbiguousReferenceError"
	case errors.As(err, &corrupt):
		return "CorruptStateError"
	case errors.As(err, &provision):
		return "ProvisioningError"
	case errors.As(err, &deployment):
		return "DeploymentFailedError"
	case errors.As(err, &timeout):
		return "TimeoutError"
	case errors.Is(err, ErrInvalidConfig):
		return "InvalidConfigError"
	}

	return "Error"
}
