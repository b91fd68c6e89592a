// Package cluster ensures the compute cluster a service is deployed to
// exists and is Ready.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/variantdev/inferdeploy/pkg/controlplane"
	"github.com/variantdev/inferdeploy/pkg/deployapi"
	"github.com/variantdev/inferdeploy/pkg/naming"
	"github.com/variantdev/inferdeploy/pkg/poll"
	"k8s.io/klog/v2"
)

// Request is the desired shape of the cluster and the bound on how long to
// wait for it.
type Request struct {
	Capacity deployapi.Capacity
	VMShape  string

	Timeout      time.Duration
	PollInterval time.Duration
}

// RequestFor derives the cluster request from a deployment configuration.
func RequestFor(cfg deployapi.Config) Request {
	return Request{
		Capacity:     cfg.Capacity,
		VMShape:      cfg.VMShape,
		Timeout:      cfg.Timeouts.Cluster,
		PollInterval: cfg.PollInterval,
	}
}

type Provisioner struct {
	compute controlplane.Compute
	names   naming.Generator

	Logger logr.Logger
}

type Option interface {
	SetOption(p *Provisioner) error
}

func Logger(logger logr.Logger) Option {
	return &loggerOption{l: logger}
}

type loggerOption struct {
	l logr.Logger
}

func (o *loggerOption) SetOption(p *Provisioner) error {
	p.Logger = o.l
	return nil
}

func New(compute controlplane.Compute, names naming.Generator, opts ...Option) (*Provisioner, error) {
	if compute == nil {
		return nil, errors.New("compute control plane is required")
	}
	if names == nil {
		return nil, errors.New("name generator is required")
	}

	p := &Provisioner{compute: compute, names: names}

	for _, o := range opts {
		if err := o.SetOption(p); err != nil {
			return nil, err
		}
	}

	if p.Logger.GetSink() == nil {
		p.Logger = klog.NewKlogr()
	}

	return p, nil
}

// Action is what Ensure does about the cluster.
type Action string

const (
	Reuse  Action = "REUSE"
	Await  Action = "AWAIT"
	Create Action = "CREATE"
)

// Plan is the decision Ensure acts on. ClusterName is empty for Create,
// the name is only generated when the cluster is created.
type Plan struct {
	Action      Action
	ClusterName string
	Reason      string
}

// Plan decides what Ensure would do about prior without mutating anything
// remote.
func (p *Provisioner) Plan(ctx context.Context, cred controlplane.Credential, req Request, prior *deployapi.ClusterRecord) (Plan, error) {
	if prior == nil || prior.ClusterName == "" {
		return Plan{Action: Create, Reason: "no prior cluster"}, nil
	}

	name := prior.ClusterName

	report, err := p.observe(ctx, cred, req, name)
	if err != nil {
		return Plan{}, err
	}

	switch report.Status {
	case deployapi.ClusterReady:
		return Plan{Action: Reuse, ClusterName: name, Reason: "prior cluster is Ready"}, nil
	case deployapi.ClusterProvisioning:
		return Plan{Action: Await, ClusterName: name, Reason: "prior cluster still provisioning"}, nil
	}

	return Plan{Action: Create, Reason: fmt.Sprintf("prior cluster %s is %s", name, report.Status)}, nil
}

// Ensure returns a Ready cluster record. A prior cluster the platform still
// reports as Ready is returned without any remote mutation; one it reports
// as Provisioning is waited for. Otherwise a new cluster is created under a
// fresh name and waited for.
//
// A cluster ending up Failed yields a *deployapi.ProvisioningError along
// with the Failed record. Provisioning is never retried.
func (p *Provisioner) Ensure(ctx context.Context, cred controlplane.Credential, req Request, prior *deployapi.ClusterRecord) (deployapi.ClusterRecord, error) {
	plan, err := p.Plan(ctx, cred, req, prior)
	if err != nil {
		return deployapi.ClusterRecord{}, err
	}

	log := p.Logger.WithValues("cluster", plan.ClusterName, "action", plan.Action)

	switch plan.Action {
	case Reuse:
		log.V(1).Info("cluster.reuse")
		return deployapi.ClusterRecord{ClusterName: plan.ClusterName, ProvisioningStatus: deployapi.ClusterReady}, nil
	case Await:
		log.Info("cluster.await", "reason", plan.Reason)
		rec := deployapi.ClusterRecord{ClusterName: plan.ClusterName, ProvisioningStatus: deployapi.ClusterProvisioning}
		return p.await(ctx, cred, req, rec)
	}

	var avoid []string
	if prior != nil && prior.ClusterName != "" {
		log.Info("cluster.replace", "prior", prior.ClusterName, "reason", plan.Reason)
		avoid = append(avoid, prior.ClusterName)
	}

	return p.create(ctx, cred, req, avoid)
}

func (p *Provisioner) create(ctx context.Context, cred controlplane.Credential, req Request, avoid []string) (deployapi.ClusterRecord, error) {
	name := p.names.Generate(naming.Cluster, avoid...)

	spec := controlplane.ClusterSpec{
		Name:     name,
		VMShape:  req.VMShape,
		MinNodes: req.Capacity.Min,
		MaxNodes: req.Capacity.Max,
	}

	p.Logger.Info("cluster.create", "cluster", name, "vmShape", spec.VMShape, "minNodes", spec.MinNodes, "maxNodes", spec.MaxNodes)

	if err := p.compute.CreateCluster(ctx, cred, spec); err != nil {
		return deployapi.ClusterRecord{}, &deployapi.ProvisioningError{ClusterName: name, Diagnostic: err.Error()}
	}

	var rec deployapi.ClusterRecord
	rec.ClusterName = name
	if err := rec.Transition(deployapi.ClusterProvisioning); err != nil {
		return rec, err
	}

	return p.await(ctx, cred, req, rec)
}

// observe reads the cluster status, retrying failed reads within the
// request timeout.
func (p *Provisioner) observe(ctx context.Context, cred controlplane.Credential, req Request, name string) (controlplane.ClusterStatusReport, error) {
	var report controlplane.ClusterStatusReport

	w := p.wait(req, "status of", name)
	err := w.Until(ctx, func(ctx context.Context) (poll.Observation, error) {
		r, err := p.compute.ClusterStatus(ctx, cred, name)
		if err != nil {
			return poll.Observation{}, err
		}
		report = r
		return poll.Observation{Status: string(r.Status), Done: true}, nil
	})

	return report, err
}

func (p *Provisioner) await(ctx context.Context, cred controlplane.Credential, req Request, rec deployapi.ClusterRecord) (deployapi.ClusterRecord, error) {
	var report controlplane.ClusterStatusReport

	w := p.wait(req, "provisioning", rec.ClusterName)
	err := w.Until(ctx, func(ctx context.Context) (poll.Observation, error) {
		r, err := p.compute.ClusterStatus(ctx, cred, rec.ClusterName)
		if err != nil {
			return poll.Observation{}, err
		}
		report = r
		return poll.Observation{Status: string(r.Status), Done: r.Status.Terminal()}, nil
	})
	if err != nil {
		return rec, err
	}

	if err := rec.Transition(report.Status); err != nil {
		return rec, err
	}

	if rec.ProvisioningStatus == deployapi.ClusterFailed {
		p.Logger.Info("cluster.failed", "cluster", rec.ClusterName, "diagnostic", report.Diagnostic)
		return rec, &deployapi.ProvisioningError{ClusterName: rec.ClusterName, Diagnostic: diagnostic(report.Diagnostic)}
	}

	p.Logger.Info("cluster.ready", "cluster", rec.ClusterName)

	return rec, nil
}

func (p *Provisioner) wait(req Request, op, name string) poll.Wait {
	return poll.Wait{
		Operation: op,
		Resource:  fmt.Sprintf("cluster %s", name),
		Interval:  req.PollInterval,
		Timeout:   req.Timeout,
		Logger:    p.Logger,
	}
}

func diagnostic(d string) string {
	if d == "" {
		return "the platform reported Failed without a diagnostic"
	}
	return d
}
