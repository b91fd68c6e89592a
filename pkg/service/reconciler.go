// Package service creates or updates the web service running an image on a
// cluster and reports the resulting service record.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/variantdev/inferdeploy/pkg/controlplane"
	"github.com/variantdev/inferdeploy/pkg/deployapi"
	"github.com/variantdev/inferdeploy/pkg/naming"
	"github.com/variantdev/inferdeploy/pkg/poll"
	"k8s.io/klog/v2"
)

type Action string

const (
	Create Action = "CREATE"
	Update Action = "UPDATE"
)

func (a Action) operation() string {
	if a == Update {
		return "update"
	}
	return "creation"
}

// Decide selects UPDATE when the prior service is bound to the cluster and
// CREATE otherwise. A service is bound to one cluster for its lifetime.
func Decide(prior *deployapi.ServiceRecord, cluster deployapi.ClusterRecord) Action {
	if prior != nil && prior.ServiceName != "" && prior.ClusterName == cluster.ClusterName {
		return Update
	}
	return Create
}

// Plan is the action Reconcile would take.
type Plan struct {
	Action      Action `json:"action"`
	ServiceName string `json:"serviceName,omitempty"`
	ClusterName string `json:"clusterName"`
	Reason      string `json:"reason"`
}

type Reconciler struct {
	services controlplane.Services
	names    naming.Generator

	Logger logr.Logger
}

type Option interface {
	SetOption(r *Reconciler) error
}

func Logger(logger logr.Logger) Option {
	return &loggerOption{l: logger}
}

type loggerOption struct {
	l logr.Logger
}

func (o *loggerOption) SetOption(r *Reconciler) error {
	r.Logger = o.l
	return nil
}

func New(services controlplane.Services, names naming.Generator, opts ...Option) (*Reconciler, error) {
	if services == nil {
		return nil, errors.New("service control plane is required")
	}
	if names == nil {
		return nil, errors.New("name generator is required")
	}

	r := &Reconciler{services: services, names: names}

	for _, o := range opts {
		if err := o.SetOption(r); err != nil {
			return nil, err
		}
	}

	if r.Logger.GetSink() == nil {
		r.Logger = klog.NewKlogr()
	}

	return r, nil
}

// Plan decides the action without mutating anything remote. An UPDATE whose
// service the platform no longer knows becomes a CREATE.
func (r *Reconciler) Plan(ctx context.Context, cred controlplane.Credential, cluster deployapi.ClusterRecord, prior *deployapi.ServiceRecord, cfg deployapi.Config) (Plan, error) {
	p := Plan{Action: Decide(prior, cluster), ClusterName: cluster.ClusterName}

	switch {
	case p.Action == Update:
		p.ServiceName = prior.ServiceName
		p.Reason = "prior service is bound to the cluster"
	case prior == nil:
		p.Reason = "no prior service"
		return p, nil
	default:
		p.Reason = fmt.Sprintf("prior service %s is bound to cluster %s", prior.ServiceName, prior.ClusterName)
		return p, nil
	}

	var report controlplane.ServiceStatusReport

	w := r.wait(cfg, "status of", prior.ServiceName)
	err := w.Until(ctx, func(ctx context.Context) (poll.Observation, error) {
		rep, err := r.services.ServiceStatus(ctx, cred, prior.ServiceName)
		if err != nil {
			return poll.Observation{}, err
		}
		report = rep
		return poll.Observation{Status: string(rep.Status), Done: true}, nil
	})
	if err != nil {
		return Plan{}, err
	}

	if report.Status == controlplane.ServiceAbsent {
		return Plan{
			Action:      Create,
			ClusterName: cluster.ClusterName,
			Reason:      fmt.Sprintf("prior service %s no longer exists", prior.ServiceName),
		}, nil
	}

	return p, nil
}

// Reconcile runs image on cluster and waits for the service to become
// Healthy. A terminal failure is a *deployapi.DeploymentFailedError and an
// expired wait a *deployapi.TimeoutError. Nothing is retried.
func (r *Reconciler) Reconcile(ctx context.Context, cred controlplane.Credential, image deployapi.ImageReference, cluster deployapi.ClusterRecord, prior *deployapi.ServiceRecord, cfg deployapi.Config) (deployapi.ServiceRecord, error) {
	plan, err := r.Plan(ctx, cred, cluster, prior, cfg)
	if err != nil {
		return deployapi.ServiceRecord{}, err
	}

	name := plan.ServiceName
	if plan.Action == Create {
		var avoid []string
		if prior != nil {
			avoid = append(avoid, prior.ServiceName)
		}
		name = r.names.Generate(naming.Service, avoid...)
	}

	log := r.Logger.WithValues("service", name, "cluster", cluster.ClusterName, "action", plan.Action)
	log.Info("service.reconcile", "image", image.Location, "reason", plan.Reason)

	spec := controlplane.NewServiceSpec(name, cluster.ClusterName, image, cfg)

	if plan.Action == Update {
		err = r.services.UpdateService(ctx, cred, spec)
	} else {
		err = r.services.CreateService(ctx, cred, spec)
	}
	if err != nil {
		return deployapi.ServiceRecord{}, &deployapi.DeploymentFailedError{ServiceName: name, Action: plan.Action.operation(), Diagnostic: err.Error()}
	}

	if err := r.await(ctx, cred, cfg, plan.Action, name); err != nil {
		return deployapi.ServiceRecord{}, err
	}

	rec := deployapi.ServiceRecord{
		ServiceName: name,
		ClusterName: cluster.ClusterName,
		LastImage:   image,
	}

	rec.EndpointURL, err = r.services.ServiceEndpoint(ctx, cred, name)
	if err != nil {
		return deployapi.ServiceRecord{}, &deployapi.DeploymentFailedError{ServiceName: name, Action: plan.Action.operation(), Diagnostic: fmt.Sprintf("fetching endpoint: %v", err)}
	}

	// The platform keeps the endpoint of an updated service. Record what it
	// reports either way.
	if plan.Action == Update && prior.EndpointURL != "" && rec.EndpointURL != prior.EndpointURL {
		log.Info("service.endpoint.changed", "prior", prior.EndpointURL, "endpoint", rec.EndpointURL)
	}

	if cfg.AuthEnabled {
		keys, err := r.services.ServiceKeys(ctx, cred, name)
		if err != nil {
			return deployapi.ServiceRecord{}, &deployapi.DeploymentFailedError{ServiceName: name, Action: plan.Action.operation(), Diagnostic: fmt.Sprintf("fetching keys: %v", err)}
		}
		rec.PrimaryKey, rec.SecondaryKey = keys.Primary, keys.Secondary
	}

	log.Info("service.healthy", "endpoint", rec.EndpointURL)

	return rec, nil
}

func (r *Reconciler) await(ctx context.Context, cred controlplane.Credential, cfg deployapi.Config, action Action, name string) error {
	var report controlplane.ServiceStatusReport

	w := r.wait(cfg, action.operation(), name)
	err := w.Until(ctx, func(ctx context.Context) (poll.Observation, error) {
		rep, err := r.services.ServiceStatus(ctx, cred, name)
		if err != nil {
			return poll.Observation{}, err
		}
		report = rep
		return poll.Observation{Status: string(rep.Status), Done: rep.Status.Terminal()}, nil
	})
	if err != nil {
		return err
	}

	if report.Status == controlplane.ServiceFailed {
		d := report.Diagnostic
		if d == "" {
			d = "the platform reported Failed without a diagnostic"
		}
		return &deployapi.DeploymentFailedError{ServiceName: name, Action: action.operation(), Diagnostic: d}
	}

	return nil
}

func (r *Reconciler) wait(cfg deployapi.Config, op, name string) poll.Wait {
	return poll.Wait{
		Operation: op,
		Resource:  fmt.Sprintf("service %s", name),
		Interval:  cfg.PollInterval,
		Timeout:   cfg.Timeouts.Service,
		Logger:    r.Logger,
	}
}
