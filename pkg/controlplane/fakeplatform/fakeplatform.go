// Package fakeplatform provides an in-memory, scriptable control plane.
package fakeplatform

import (
	"context"
	"fmt"
	"sync"

	"github.com/variantdev/inferdeploy/pkg/controlplane"
	"github.com/variantdev/inferdeploy/pkg/deployapi"
)

// Call is one recorded control plane invocation.
type Call struct {
	Op   string
	Name string

	Workspace string
}

type transientFailure struct {
	remaining int
	err       error
}

type Cluster struct {
	Spec     controlplane.ClusterSpec
	statuses []controlplane.ClusterStatusReport
}

type Service struct {
	Spec     controlplane.ServiceSpec
	Endpoint string
	Keys     controlplane.Keys
	statuses []controlplane.ServiceStatusReport
}

// Platform implements controlplane.Platform in memory.
//
// Status reports are consumed in order on every status read and the last
// one keeps being reported, so a script of [Provisioning, Ready] reports
// Provisioning once and Ready afterwards.
type Platform struct {
	mu sync.Mutex

	Clusters map[string]*Cluster
	Services map[string]*Service

	// ClusterScript is the status sequence every newly created cluster reports.
	ClusterScript []controlplane.ClusterStatusReport
	// ServiceScript is the status sequence reported after every create or update.
	ServiceScript []controlplane.ServiceStatusReport

	// Errors makes the named operation fail with the given error.
	Errors map[string]error

	transient map[string]*transientFailure

	Calls []Call

	generation int
}

func New() *Platform {
	return &Platform{
		Clusters: map[string]*Cluster{},
		Services: map[string]*Service{},
		ClusterScript: []controlplane.ClusterStatusReport{
			{Status: deployapi.ClusterProvisioning},
			{Status: deployapi.ClusterReady},
		},
		ServiceScript: []controlplane.ServiceStatusReport{
			{Status: controlplane.ServiceTransitioning},
			{Status: controlplane.ServiceHealthy},
		},
		Errors:    map[string]error{},
		transient: map[string]*transientFailure{},
	}
}

// FailTimes makes the next n calls of the named operation fail with err.
func (p *Platform) FailTimes(op string, n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.transient[op] = &transientFailure{remaining: n, err: err}
}

// ScriptCluster replaces the status sequence of an existing cluster.
func (p *Platform) ScriptCluster(name string, reports ...controlplane.ClusterStatusReport) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.Clusters[name]
	if !ok {
		c = &Cluster{Spec: controlplane.ClusterSpec{Name: name}}
		p.Clusters[name] = c
	}
	c.statuses = append([]controlplane.ClusterStatusReport{}, reports...)
}

// ScriptService replaces the status sequence of an existing service.
func (p *Platform) ScriptService(name string, reports ...controlplane.ServiceStatusReport) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.Services[name]; ok {
		s.statuses = append([]controlplane.ServiceStatusReport{}, reports...)
	}
}

// Count returns how many times the named operation was called.
func (p *Platform) Count(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, c := range p.Calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// AddCluster seeds an existing cluster that reports status.
func (p *Platform) AddCluster(name string, status deployapi.ClusterStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Clusters[name] = &Cluster{
		Spec:     controlplane.ClusterSpec{Name: name},
		statuses: []controlplane.ClusterStatusReport{{Status: status}},
	}
}

// AddService seeds an existing healthy service.
func (p *Platform) AddService(spec controlplane.ServiceSpec, endpoint string, keys controlplane.Keys) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Services[spec.Name] = &Service{
		Spec:     spec,
		Endpoint: endpoint,
		Keys:     keys,
		statuses: []controlplane.ServiceStatusReport{{Status: controlplane.ServiceHealthy}},
	}
}

// DeleteService removes a service out-of-band.
func (p *Platform) DeleteService(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.Services, name)
}

// Ops returns the recorded operation names in call order.
func (p *Platform) Ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ops := make([]string, len(p.Calls))
	for i, c := range p.Calls {
		ops[i] = c.Op
	}
	return ops
}

// Mutations returns the recorded mutating calls in order.
func (p *Platform) Mutations() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()

	var r []Call
	for _, c := range p.Calls {
		switch c.Op {
		case "CreateCluster", "CreateService", "UpdateService":
			r = append(r, c)
		}
	}
	return r
}

func (p *Platform) record(op, name string, cred controlplane.Credential) error {
	p.Calls = append(p.Calls, Call{Op: op, Name: name, Workspace: cred.Workspace})
	if f, ok := p.transient[op]; ok && f.remaining > 0 {
		f.remaining--
		return f.err
	}
	return p.Errors[op]
}

func (p *Platform) CreateCluster(_ context.Context, cred controlplane.Credential, spec controlplane.ClusterSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.record("CreateCluster", spec.Name, cred); err != nil {
		return err
	}
	if _, ok := p.Clusters[spec.Name]; ok {
		return fmt.Errorf("cluster %q already exists", spec.Name)
	}

	p.Clusters[spec.Name] = &Cluster{
		Spec:     spec,
		statuses: append([]controlplane.ClusterStatusReport{}, p.ClusterScript...),
	}

	return nil
}

func (p *Platform) ClusterStatus(_ context.Context, cred controlplane.Credential, name string) (controlplane.ClusterStatusReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.record("ClusterStatus", name, cred); err != nil {
		return controlplane.ClusterStatusReport{}, err
	}

	c, ok := p.Clusters[name]
	if !ok {
		return controlplane.ClusterStatusReport{Status: deployapi.ClusterAbsent}, nil
	}

	return nextCluster(c), nil
}

func nextCluster(c *Cluster) controlplane.ClusterStatusReport {
	if len(c.statuses) == 0 {
		return controlplane.ClusterStatusReport{Status: deployapi.ClusterReady}
	}
	r := c.statuses[0]
	if len(c.statuses) > 1 {
		c.statuses = c.statuses[1:]
	}
	return r
}

func (p *Platform) CreateService(_ context.Context, cred controlplane.Credential, spec controlplane.ServiceSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.record("CreateService", spec.Name, cred); err != nil {
		return err
	}
	if _, ok := p.Services[spec.Name]; ok {
		return fmt.Errorf("service %q already exists", spec.Name)
	}
	if _, ok := p.Clusters[spec.ClusterName]; !ok {
		return fmt.Errorf("cluster %q: %w", spec.ClusterName, controlplane.ErrNotFound)
	}

	p.generation++
	p.Services[spec.Name] = &Service{
		Spec:     spec,
		Endpoint: fmt.Sprintf("http://%s.%s.inference.test/score", spec.Name, spec.ClusterName),
		Keys: controlplane.Keys{
			Primary:   fmt.Sprintf("primary-%d", p.generation),
			Secondary: fmt.Sprintf("secondary-%d", p.generation),
		},
		statuses: append([]controlplane.ServiceStatusReport{}, p.ServiceScript...),
	}

	return nil
}

func (p *Platform) UpdateService(_ context.Context, cred controlplane.Credential, spec controlplane.ServiceSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.record("UpdateService", spec.Name, cred); err != nil {
		return err
	}

	s, ok := p.Services[spec.Name]
	if !ok {
		return fmt.Errorf("service %q: %w", spec.Name, controlplane.ErrNotFound)
	}

	s.Spec = spec
	s.statuses = append([]controlplane.ServiceStatusReport{}, p.ServiceScript...)

	return nil
}

func (p *Platform) ServiceStatus(_ context.Context, cred controlplane.Credential, name string) (controlplane.ServiceStatusReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.record("ServiceStatus", name, cred); err != nil {
		return controlplane.ServiceStatusReport{}, err
	}

	s, ok := p.Services[name]
	if !ok {
		return controlplane.ServiceStatusReport{Status: controlplane.ServiceAbsent}, nil
	}

	if len(s.statuses) == 0 {
		return controlplane.ServiceStatusReport{Status: controlplane.ServiceHealthy}, nil
	}
	r := s.statuses[0]
	if len(s.statuses) > 1 {
		s.statuses = s.statuses[1:]
	}
	return r, nil
}

func (p *Platform) ServiceKeys(_ context.Context, cred controlplane.Credential, name string) (controlplane.Keys, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.record("ServiceKeys", name, cred); err != nil {
		return controlplane.Keys{}, err
	}

	s, ok := p.Services[name]
	if !ok {
		return controlplane.Keys{}, fmt.Errorf("service %q: %w", name, controlplane.ErrNotFound)
	}

	return s.Keys, nil
}

func (p *Platform) ServiceEndpoint(_ context.Context, cred controlplane.Credential, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.record("ServiceEndpoint", name, cred); err != nil {
		return "", err
	}

	s, ok := p.Services[name]
	if !ok {
		return "", fmt.Errorf("service %q: %w", name, controlplane.ErrNotFound)
	}

	return s.Endpoint, nil
}

var _ controlplane.Platform = &Platform{}
