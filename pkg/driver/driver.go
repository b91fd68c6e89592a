// Package driver runs one reconciliation of a deployment target: load the
// persisted record, resolve the image, ensure the cluster, reconcile the
// service and persist the new record.
package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/moby/locker"
	"github.com/variantdev/inferdeploy/pkg/cluster"
	"github.com/variantdev/inferdeploy/pkg/controlplane"
	"github.com/variantdev/inferdeploy/pkg/deployapi"
	"github.com/variantdev/inferdeploy/pkg/service"
	"github.com/variantdev/inferdeploy/pkg/telemetry"
	"k8s.io/klog/v2"
)

const (
	KindRun  = telemetry.SpanKind("run")
	KindStep = telemetry.SpanKind("step")
)

// StateStore persists the deployment record.
type StateStore interface {
	Load(ctx context.Context) (*deployapi.DeploymentState, error)
	Save(ctx context.Context, state deployapi.DeploymentState) error
	Lock(ctx context.Context, holder string) (func() error, error)
	LockPath() string
}

type ImageResolver interface {
	Resolve(ctx context.Context, name string, version int) (deployapi.ImageReference, error)
}

type ClusterProvisioner interface {
	Plan(ctx context.Context, cred controlplane.Credential, req cluster.Request, prior *deployapi.ClusterRecord) (cluster.Plan, error)
	Ensure(ctx context.Context, cred controlplane.Credential, req cluster.Request, prior *deployapi.ClusterRecord) (deployapi.ClusterRecord, error)
}

type ServiceReconciler interface {
	Plan(ctx context.Context, cred controlplane.Credential, c deployapi.ClusterRecord, prior *deployapi.ServiceRecord, cfg deployapi.Config) (service.Plan, error)
	Reconcile(ctx context.Context, cred controlplane.Credential, image deployapi.ImageReference, c deployapi.ClusterRecord, prior *deployapi.ServiceRecord, cfg deployapi.Config) (deployapi.ServiceRecord, error)
}

// runs serializes runs against the same state path within the process.
var runs = locker.New()

type Driver struct {
	store       StateStore
	resolver    ImageResolver
	provisioner ClusterProvisioner
	reconciler  ServiceReconciler
	cred        controlplane.Credential

	fileLock bool
	pushURL  string

	Telemeter *telemetry.Telemeter
	Logger    logr.Logger

	newRunID func() string
}

type Option interface {
	SetOption(d *Driver) error
}

func Logger(logger logr.Logger) Option {
	return &loggerOption{l: logger}
}

type loggerOption struct {
	l logr.Logger
}

func (o *loggerOption) SetOption(d *Driver) error {
	d.Logger = o.l
	return nil
}

// FileLock makes every run hold the state store's lock file.
func FileLock(enabled bool) Option {
	return &fileLockOption{enabled: enabled}
}

type fileLockOption struct {
	enabled bool
}

func (o *fileLockOption) SetOption(d *Driver) error {
	d.fileLock = o.enabled
	return nil
}

// PushMetrics pushes the run metrics to a Pushgateway at url after every run.
func PushMetrics(url string) Option {
	return &pushOption{url: url}
}

type pushOption struct {
	url string
}

func (o *pushOption) SetOption(d *Driver) error {
	d.pushURL = o.url
	return nil
}

func Telemeter(t *telemetry.Telemeter) Option {
	return &telemeterOption{t: t}
}

type telemeterOption struct {
	t *telemetry.Telemeter
}

func (o *telemeterOption) SetOption(d *Driver) error {
	d.Telemeter = o.t
	return nil
}

// RunID overrides how run identifiers are generated.
func RunID(f func() string) Option {
	return &runIDOption{f: f}
}

type runIDOption struct {
	f func() string
}

func (o *runIDOption) SetOption(d *Driver) error {
	if o.f == nil {
		return errors.New("run id generator must not be nil")
	}
	d.newRunID = o.f
	return nil
}

func New(store StateStore, resolver ImageResolver, provisioner ClusterProvisioner, reconciler ServiceReconciler, cred controlplane.Credential, opts ...Option) (*Driver, error) {
	switch {
	case store == nil:
		return nil, errors.New("state store is required")
	case resolver == nil:
		return nil, errors.New("image resolver is required")
	case provisioner == nil:
		return nil, errors.New("cluster provisioner is required")
	case reconciler == nil:
		return nil, errors.New("service reconciler is required")
	}

	d := &Driver{
		store:       store,
		resolver:    resolver,
		provisioner: provisioner,
		reconciler:  reconciler,
		cred:        cred,
		newRunID:    uuid.NewString,
	}

	for _, o := range opts {
		if err := o.SetOption(d); err != nil {
			return nil, err
		}
	}

	if d.Logger.GetSink() == nil {
		d.Logger = klog.NewKlogr()
	}

	if d.Telemeter == nil {
		d.Telemeter = telemetry.New("inferdeploy", []telemetry.SpanKind{KindRun, KindStep}, d.Logger)
		d.Telemeter.StatusOf = status
	}

	return d, nil
}

func status(err error) string {
	if err == nil {
		return "ok"
	}
	return deployapi.Kind(err)
}

// Run reconciles the deployment target to image name:version under cfg and
// returns the persisted record. A failure in any step leaves the persisted
// record untouched and is returned unmodified.
func (d *Driver) Run(ctx context.Context, name string, version int, cfg deployapi.Config) (deployapi.DeploymentState, error) {
	var result deployapi.DeploymentState

	if err := cfg.Validate(); err != nil {
		return result, err
	}

	runID := d.newRunID()
	log := d.Logger.WithValues("run", runID, "image", name, "version", version)

	release, err := d.acquire(ctx, runID)
	if err != nil {
		return result, err
	}
	defer func() {
		if err := release(); err != nil {
			log.Error(err, "releasing state lock")
		}
	}()

	log.Info("run.start")

	err = d.Telemeter.WithSpan(ctx, KindRun, "deploy", func(ctx context.Context) error {
		prior, err := d.load(ctx)
		if err != nil {
			return err
		}

		var image deployapi.ImageReference
		if err := d.Telemeter.WithSpan(ctx, KindStep, "resolve", func(ctx context.Context) error {
			var err error
			image, err = d.resolver.Resolve(ctx, name, version)
			return err
		}); err != nil {
			return err
		}
		log.V(1).Info("image.resolved", "location", image.Location)

		var priorCluster *deployapi.ClusterRecord
		var priorService *deployapi.ServiceRecord
		if prior != nil {
			priorCluster = &prior.Cluster
			priorService = prior.Service
		}

		var next deployapi.DeploymentState
		if err := d.Telemeter.WithSpan(ctx, KindStep, "cluster", func(ctx context.Context) error {
			var err error
			next.Cluster, err = d.provisioner.Ensure(ctx, d.cred, cluster.RequestFor(cfg), priorCluster)
			return err
		}); err != nil {
			return err
		}

		if err := d.Telemeter.WithSpan(ctx, KindStep, "service", func(ctx context.Context) error {
			svc, err := d.reconciler.Reconcile(ctx, d.cred, image, next.Cluster, priorService, cfg)
			if err != nil {
				return err
			}
			next.Service = &svc
			return nil
		}); err != nil {
			return err
		}

		if err := d.Telemeter.WithSpan(ctx, KindStep, "save", func(ctx context.Context) error {
			return d.store.Save(ctx, next)
		}); err != nil {
			return err
		}

		result = next

		return nil
	})

	d.push(ctx, log)

	if err != nil {
		log.Info("run.failed", "kind", deployapi.Kind(err), "err", err.Error())
		return deployapi.DeploymentState{}, err
	}

	log.Info("run.done", "cluster", result.Cluster.ClusterName, "service", result.Service.ServiceName)

	return result, nil
}

// Preview is what a run would do, computed without remote mutation.
type Preview struct {
	Image   deployapi.ImageReference
	Cluster cluster.Plan
	Service service.Plan
}

// Plan resolves the image and decides the cluster and service actions of a
// run without mutating anything remote or local.
func (d *Driver) Plan(ctx context.Context, name string, version int, cfg deployapi.Config) (Preview, error) {
	var p Preview

	if err := cfg.Validate(); err != nil {
		return p, err
	}

	prior, err := d.load(ctx)
	if err != nil {
		return p, err
	}

	p.Image, err = d.resolver.Resolve(ctx, name, version)
	if err != nil {
		return p, err
	}

	var priorCluster *deployapi.ClusterRecord
	var priorService *deployapi.ServiceRecord
	if prior != nil {
		priorCluster = &prior.Cluster
		priorService = prior.Service
	}

	p.Cluster, err = d.provisioner.Plan(ctx, d.cred, cluster.RequestFor(cfg), priorCluster)
	if err != nil {
		return p, err
	}

	target := deployapi.ClusterRecord{ClusterName: p.Cluster.ClusterName}
	p.Service, err = d.reconciler.Plan(ctx, d.cred, target, priorService, cfg)
	if err != nil {
		return p, err
	}

	return p, nil
}

// State returns the persisted record, or nil before the first successful run.
func (d *Driver) State(ctx context.Context) (*deployapi.DeploymentState, error) {
	return d.load(ctx)
}

func (d *Driver) load(ctx context.Context) (*deployapi.DeploymentState, error) {
	var state *deployapi.DeploymentState
	err := d.Telemeter.WithSpan(ctx, KindStep, "load", func(ctx context.Context) error {
		var err error
		state, err = d.store.Load(ctx)
		return err
	})
	return state, err
}

func (d *Driver) acquire(ctx context.Context, runID string) (func() error, error) {
	key := d.store.LockPath()

	locked := make(chan struct{})
	go func() {
		runs.Lock(key)
		close(locked)
	}()

	select {
	case <-locked:
	case <-ctx.Done():
		// Release the lock once the goroutine gets it.
		go func() {
			<-locked
			_ = runs.Unlock(key)
		}()
		return nil, fmt.Errorf("waiting for the run holding %s: %w", key, ctx.Err())
	}

	if !d.fileLock {
		return func() error { return runs.Unlock(key) }, nil
	}

	unlock, err := d.store.Lock(ctx, runID)
	if err != nil {
		_ = runs.Unlock(key)
		return nil, err
	}

	return func() error {
		err := unlock()
		if uerr := runs.Unlock(key); err == nil {
			err = uerr
		}
		return err
	}, nil
}

func (d *Driver) push(ctx context.Context, log logr.Logger) {
	if d.pushURL == "" {
		return
	}
	if err := d.Telemeter.Push(ctx, d.pushURL, nil); err != nil {
		log.Error(err, "ignoring metrics push failure")
	}
}
