package driver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/twpayne/go-vfs/vfst"
	"github.com/variantdev/inferdeploy/pkg/cluster"
	"github.com/variantdev/inferdeploy/pkg/controlplane"
	"github.com/variantdev/inferdeploy/pkg/controlplane/fakeplatform"
	"github.com/variantdev/inferdeploy/pkg/deployapi"
	"github.com/variantdev/inferdeploy/pkg/imageresolver"
	"github.com/variantdev/inferdeploy/pkg/naming"
	"github.com/variantdev/inferdeploy/pkg/service"
	"github.com/variantdev/inferdeploy/pkg/statestore"
)

const statePath = "/state/deployment-state.json"

var catalog = imageresolver.StaticCatalog{
	{Name: "model-a", Version: 3, Location: "registry.example.com/models/model-a:3"},
	{Name: "model-a", Version: 4, Location: "registry.example.com/models/model-a:4"},
}

func testConfig() deployapi.Config {
	cfg := deployapi.DefaultConfig()
	cfg.VMShape = "Standard_D3_v2"
	cfg.Capacity = deployapi.Capacity{Min: 1, Max: 2}
	cfg.Timeouts = deployapi.Timeouts{Cluster: 100 * time.Millisecond, Service: 100 * time.Millisecond}
	cfg.PollInterval = time.Millisecond
	return cfg
}

type fixture struct {
	fs       *vfst.TestFS
	store    *statestore.Store
	platform *fakeplatform.Platform
	names    naming.Generator
	driver   *Driver
}

func newFixture(t *testing.T, files map[string]interface{}, opts ...Option) *fixture {
	t.Helper()

	fs, clean, err := vfst.NewTestFS(files)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(clean)

	log := logr.Discard()

	store, err := statestore.New(statePath, statestore.FS(fs), statestore.Logger(log))
	if err != nil {
		t.Fatal(err)
	}

	resolver, err := imageresolver.New(catalog, imageresolver.Logger(log))
	if err != nil {
		t.Fatal(err)
	}

	platform := fakeplatform.New()
	names := &naming.SeededGenerator{Seed: "driver-test"}

	provisioner, err := cluster.New(platform, names, cluster.Logger(log))
	if err != nil {
		t.Fatal(err)
	}

	reconciler, err := service.New(platform, names, service.Logger(log))
	if err != nil {
		t.Fatal(err)
	}

	cred := controlplane.StaticCredential("sub1", "rg1", "ws1", "")

	d, err := New(store, resolver, provisioner, reconciler, cred, append([]Option{Logger(log)}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}

	return &fixture{fs: fs, store: store, platform: platform, names: names, driver: d}
}

func (f *fixture) loaded(t *testing.T) *deployapi.DeploymentState {
	t.Helper()

	state, err := f.store.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return state
}

func TestRunWithoutPriorState(t *testing.T) {
	f := newFixture(t, map[string]interface{}{})

	got, err := f.driver.Run(context.Background(), "model-a", 3, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	clusterName := f.names.Generate(naming.Cluster)
	serviceName := f.names.Generate(naming.Service)

	want := deployapi.DeploymentState{
		Cluster: deployapi.ClusterRecord{ClusterName: clusterName, ProvisioningStatus: deployapi.ClusterReady},
		Service: &deployapi.ServiceRecord{
			ServiceName:  serviceName,
			ClusterName:  clusterName,
			EndpointURL:  "http://" + serviceName + "." + clusterName + ".inference.test/score",
			PrimaryKey:   "primary-1",
			SecondaryKey: "secondary-1",
			LastImage:    deployapi.ImageReference{Name: "model-a", Version: 3, Location: "registry.example.com/models/model-a:3"},
		},
	}

	if d := cmp.Diff(want, got); d != "" {
		t.Errorf("unexpected result: want (-), got (+):\n%s", d)
	}
	if d := cmp.Diff(&want, f.loaded(t)); d != "" {
		t.Errorf("unexpected persisted state: want (-), got (+):\n%s", d)
	}

	step := f.driver.Telemeter.Metrics.MetricSet(string(KindStep))
	for _, s := range []string{"load", "resolve", "cluster", "service", "save"} {
		if v := testutil.ToFloat64(step.HandledCounter.WithLabelValues("deploy", s, "ok")); v != 1 {
			t.Errorf("expected step %s to be handled once, got %v", s, v)
		}
	}
}

func TestRunUpdatesInPlace(t *testing.T) {
	f := newFixture(t, map[string]interface{}{})
	ctx := context.Background()

	first, err := f.driver.Run(ctx, "model-a", 3, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	second, err := f.driver.Run(ctx, "model-a", 4, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	if second.Cluster.ClusterName != first.Cluster.ClusterName {
		t.Errorf("cluster changed: %s -> %s", first.Cluster.ClusterName, second.Cluster.ClusterName)
	}
	if second.Service.ServiceName != first.Service.ServiceName {
		t.Errorf("service changed: %s -> %s", first.Service.ServiceName, second.Service.ServiceName)
	}
	if v := second.Service.LastImage.Version; v != 4 {
		t.Errorf("expected version 4, got %d", v)
	}
	if v := f.loaded(t).Service.LastImage.Version; v != 4 {
		t.Errorf("expected persisted version 4, got %d", v)
	}

	var ops []string
	for _, m := range f.platform.Mutations() {
		ops = append(ops, m.Op)
	}
	if d := cmp.Diff([]string{"CreateCluster", "CreateService", "UpdateService"}, ops); d != "" {
		t.Errorf("unexpected mutations: want (-), got (+):\n%s", d)
	}
}

const priorRecord = `{
  "schemaVersion": 1,
  "cluster": {
    "clusterName": "clold",
    "provisioningStatus": "Ready"
  },
  "service": {
    "serviceName": "svc-old",
    "clusterName": "clold",
    "endpointUrl": "http://svc-old.clold.inference.test/score",
    "primaryKey": "k1",
    "secondaryKey": "k2",
    "lastImage": {
      "name": "model-a",
      "version": 3,
      "location": "registry.example.com/models/model-a:3"
    }
  }
}
`

func TestRunClusterTimeoutLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, map[string]interface{}{statePath: priorRecord})
	f.platform.ClusterScript = []controlplane.ClusterStatusReport{{Status: deployapi.ClusterProvisioning}}

	_, err := f.driver.Run(context.Background(), "model-a", 4, testConfig())

	var timeout *deployapi.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected a TimeoutError, got %T: %v", err, err)
	}
	if timeout.LastStatus != string(deployapi.ClusterProvisioning) {
		t.Errorf("unexpected last status %q", timeout.LastStatus)
	}

	b, err := f.fs.ReadFile(statePath)
	if err != nil {
		t.Fatal(err)
	}
	if d := cmp.Diff(priorRecord, string(b)); d != "" {
		t.Errorf("state file changed: want (-), got (+):\n%s", d)
	}

	run := f.driver.Telemeter.Metrics.MetricSet(string(KindRun))
	if v := testutil.ToFloat64(run.HandledCounter.WithLabelValues("deploy", "TimeoutError")); v != 1 {
		t.Errorf("expected the run to be counted as TimeoutError, got %v", v)
	}
}

func TestRunFailuresAreReturnedUnmodified(t *testing.T) {
	testcases := []struct {
		name    string
		version int
		setup   func(f *fixture)
		check   func(err error) bool
	}{
		{
			name:    "not found",
			version: 9,
			check: func(err error) bool {
				var e *deployapi.NotFoundError
				return errors.As(err, &e) && e.Version == 9
			},
		},
		{
			name:    "provisioning failed",
			version: 3,
			setup: func(f *fixture) {
				f.platform.ClusterScript = []controlplane.ClusterStatusReport{{Status: deployapi.ClusterFailed, Diagnostic: "quota exceeded"}}
			},
			check: func(err error) bool {
				var e *deployapi.ProvisioningError
				return errors.As(err, &e) && e.Diagnostic == "quota exceeded"
			},
		},
		{
			name:    "deployment failed",
			version: 3,
			setup: func(f *fixture) {
				f.platform.ServiceScript = []controlplane.ServiceStatusReport{{Status: controlplane.ServiceFailed, Diagnostic: "crash loop"}}
			},
			check: func(err error) bool {
				var e *deployapi.DeploymentFailedError
				return errors.As(err, &e) && e.Diagnostic == "crash loop"
			},
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, map[string]interface{}{})
			if tc.setup != nil {
				tc.setup(f)
			}

			_, err := f.driver.Run(context.Background(), "model-a", tc.version, testConfig())
			if !tc.check(err) {
				t.Fatalf("unexpected error %T: %v", err, err)
			}

			if state := f.loaded(t); state != nil {
				t.Errorf("expected no persisted state, got %+v", state)
			}
		})
	}
}

func TestRunCorruptState(t *testing.T) {
	f := newFixture(t, map[string]interface{}{statePath: `{"schemaVersion": 1, "cluster": {}}`})

	_, err := f.driver.Run(context.Background(), "model-a", 3, testConfig())

	var corrupt *deployapi.CorruptStateError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected a CorruptStateError, got %T: %v", err, err)
	}
	if n := len(f.platform.Calls); n != 0 {
		t.Errorf("expected no platform calls, got %d", n)
	}
}

func TestRunInvalidConfig(t *testing.T) {
	f := newFixture(t, map[string]interface{}{})

	cfg := testConfig()
	cfg.Capacity = deployapi.Capacity{Min: 3, Max: 1}

	_, err := f.driver.Run(context.Background(), "model-a", 3, cfg)
	if !errors.Is(err, deployapi.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if n := len(f.platform.Calls); n != 0 {
		t.Errorf("expected no platform calls, got %d", n)
	}
}

func TestRunRefusesWhenStateIsLocked(t *testing.T) {
	f := newFixture(t, map[string]interface{}{}, FileLock(true))

	unlock, err := f.store.Lock(context.Background(), "other-run")
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.driver.Run(context.Background(), "model-a", 3, testConfig())

	var locked *statestore.LockedError
	if !errors.As(err, &locked) || locked.Holder != "other-run" {
		t.Fatalf("expected a LockedError held by other-run, got %v", err)
	}
	if n := len(f.platform.Calls); n != 0 {
		t.Errorf("expected no platform calls, got %d", n)
	}

	if err := unlock(); err != nil {
		t.Fatal(err)
	}

	if _, err := f.driver.Run(context.Background(), "model-a", 3, testConfig()); err != nil {
		t.Fatal(err)
	}
	if _, err := f.fs.Stat(f.store.LockPath()); err == nil {
		t.Errorf("expected the lock file to be released")
	}
}

func TestConcurrentRunsAreSerialized(t *testing.T) {
	f := newFixture(t, map[string]interface{}{}, RunID(func() string { return "run" }))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.driver.Run(context.Background(), "model-a", 3+i, testConfig())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	counts := map[string]int{}
	for _, m := range f.platform.Mutations() {
		counts[m.Op]++
	}
	want := map[string]int{"CreateCluster": 1, "CreateService": 1, "UpdateService": 1}
	if d := cmp.Diff(want, counts); d != "" {
		t.Errorf("unexpected mutations: want (-), got (+):\n%s", d)
	}
}

func TestPlan(t *testing.T) {
	f := newFixture(t, map[string]interface{}{})
	ctx := context.Background()

	p, err := f.driver.Plan(ctx, "model-a", 3, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if p.Cluster.Action != cluster.Create || p.Service.Action != service.Create {
		t.Errorf("unexpected first plan %+v", p)
	}

	state, err := f.driver.Run(ctx, "model-a", 3, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	mutations := len(f.platform.Mutations())

	p, err = f.driver.Plan(ctx, "model-a", 4, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	want := Preview{
		Image:   deployapi.ImageReference{Name: "model-a", Version: 4, Location: "registry.example.com/models/model-a:4"},
		Cluster: cluster.Plan{Action: cluster.Reuse, ClusterName: state.Cluster.ClusterName, Reason: "prior cluster is Ready"},
		Service: service.Plan{
			Action:      service.Update,
			ServiceName: state.Service.ServiceName,
			ClusterName: state.Cluster.ClusterName,
			Reason:      "prior service is bound to the cluster",
		},
	}
	if d := cmp.Diff(want, p); d != "" {
		t.Errorf("unexpected plan: want (-), got (+):\n%s", d)
	}

	if n := len(f.platform.Mutations()); n != mutations {
		t.Errorf("plan mutated the platform: %d -> %d mutations", mutations, n)
	}
}

func TestRunGivesUpWaitingWhenCanceled(t *testing.T) {
	f := newFixture(t, map[string]interface{}{})

	key := f.store.LockPath()
	runs.Lock(key)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.driver.Run(ctx, "model-a", 3, testConfig())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the deadline to end the wait, got %v", err)
	}
	if n := len(f.platform.Calls); n != 0 {
		t.Errorf("expected no platform calls, got %d", n)
	}

	if err := runs.Unlock(key); err != nil {
		t.Fatal(err)
	}

	if _, err := f.driver.Run(context.Background(), "model-a", 3, testConfig()); err != nil {
		t.Fatalf("the abandoned wait kept the lock: %v", err)
	}
}
