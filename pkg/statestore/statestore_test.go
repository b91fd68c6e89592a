package statestore

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/twpayne/go-vfs"
	"github.com/twpayne/go-vfs/vfst"
	"github.com/variantdev/inferdeploy/pkg/deployapi"
)

const statePath = "/state/deployment-state.json"

func testState() deployapi.DeploymentState {
	return deployapi.DeploymentState{
		Cluster: deployapi.ClusterRecord{ClusterName: "cl0102030405", ProvisioningStatus: deployapi.ClusterReady},
		Service: &deployapi.ServiceRecord{
			ServiceName:  "svc-0102030405",
			ClusterName:  "cl0102030405",
			EndpointURL:  "http://svc-0102030405.cl0102030405.inference.test/score",
			PrimaryKey:   "primary-1",
			SecondaryKey: "secondary-1",
			LastImage:    deployapi.ImageReference{Name: "model-a", Version: 3, Location: "registry.test/model-a:3"},
		},
	}
}

func newTestStore(t *testing.T, files map[string]interface{}) (*Store, *vfst.TestFS) {
	t.Helper()

	fs, clean, err := vfst.NewTestFS(files)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(clean)

	s, err := New(statePath, FS(fs))
	if err != nil {
		t.Fatal(err)
	}

	return s, fs
}

func TestLoadAbsent(t *testing.T) {
	s, _ := newTestStore(t, map[string]interface{}{})

	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected no record, got %+v", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, fs := newTestStore(t, map[string]interface{}{})
	ctx := context.Background()

	states := []deployapi.DeploymentState{
		{Cluster: deployapi.ClusterRecord{ClusterName: "cl0102030405", ProvisioningStatus: deployapi.ClusterProvisioning}},
		testState(),
	}

	for _, want := range states {
		if err := s.Save(ctx, want); err != nil {
			t.Fatalf("save: %v", err)
		}

		got, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("load: %v", err)
		}

		if d := cmp.Diff(want, *got); d != "" {
			t.Errorf("unexpected record: want (-), got (+):\n%s", d)
		}
	}

	b, err := fs.ReadFile(statePath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"schemaVersion": 1`) {
		t.Errorf("expected schema version in saved record, got:\n%s", b)
	}

	infos, err := fs.ReadDir("/state")
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		var names []string
		for _, i := range infos {
			names = append(names, i.Name())
		}
		t.Errorf("expected only the state file, got %v", names)
	}
}

func TestLoadCorrupt(t *testing.T) {
	testcases := []struct {
		name    string
		content string
	}{
		{name: "empty", content: "  \n"},
		{name: "not json", content: `{"schemaVersion": 1, "cluster": `},
		{name: "unknown schema version", content: `{"schemaVersion": 2, "cluster": {"clusterName": "c1", "provisioningStatus": "Ready"}}`},
		{name: "missing schema version", content: `{"cluster": {"clusterName": "c1", "provisioningStatus": "Ready"}}`},
		{name: "missing cluster", content: `{"schemaVersion": 1}`},
		{name: "empty cluster name", content: `{"schemaVersion": 1, "cluster": {"clusterName": "", "provisioningStatus": "Ready"}}`},
		{name: "unknown status", content: `{"schemaVersion": 1, "cluster": {"clusterName": "c1", "provisioningStatus": "Deleting"}}`},
		{name: "service missing keys", content: `{"schemaVersion": 1, "cluster": {"clusterName": "c1", "provisioningStatus": "Ready"},
  "service": {"serviceName": "s1", "clusterName": "c1", "endpointUrl": "http://e", "lastImage": {"name": "m", "version": 1, "location": "r/m:1"}}}`},
		{name: "fractional version", content: `{"schemaVersion": 1, "cluster": {"clusterName": "c1", "provisioningStatus": "Ready"},
  "service": {"serviceName": "s1", "clusterName": "c1", "endpointUrl": "http://e", "primaryKey": "", "secondaryKey": "",
  "lastImage": {"name": "m", "version": 1.5, "location": "r/m:1"}}}`},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newTestStore(t, map[string]interface{}{statePath: tc.content})

			got, err := s.Load(context.Background())
			if err == nil {
				t.Fatalf("expected error, got %+v", got)
			}

			var corrupt *deployapi.CorruptStateError
			if !errors.As(err, &corrupt) {
				t.Fatalf("expected CorruptStateError, got %T: %v", err, err)
			}
			if corrupt.Path != statePath {
				t.Errorf("unexpected path %q", corrupt.Path)
			}
			if len(corrupt.Reasons) == 0 {
				t.Errorf("expected reasons")
			}
		})
	}
}

func TestLoadAcceptsNullService(t *testing.T) {
	s, _ := newTestStore(t, map[string]interface{}{
		statePath: `{"schemaVersion": 1, "cluster": {"clusterName": "c1", "provisioningStatus": "Failed"}, "service": null}`,
	})

	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	want := deployapi.DeploymentState{Cluster: deployapi.ClusterRecord{ClusterName: "c1", ProvisioningStatus: deployapi.ClusterFailed}}
	if d := cmp.Diff(want, *got); d != "" {
		t.Errorf("unexpected record: want (-), got (+):\n%s", d)
	}
}

type renameFailingFS struct {
	vfs.FS
}

func (f *renameFailingFS) Rename(oldpath, newpath string) error {
	return errors.New("simulated crash before rename")
}

func TestInterruptedSaveKeepsPriorRecord(t *testing.T) {
	fs, clean, err := vfst.NewTestFS(map[string]interface{}{})
	if err != nil {
		t.Fatal(err)
	}
	defer clean()
	ctx := context.Background()

	good, err := New(statePath, FS(fs))
	if err != nil {
		t.Fatal(err)
	}
	prior := testState()
	if err := good.Save(ctx, prior); err != nil {
		t.Fatal(err)
	}
	before, err := fs.ReadFile(statePath)
	if err != nil {
		t.Fatal(err)
	}

	broken, err := New(statePath, FS(&renameFailingFS{FS: fs}))
	if err != nil {
		t.Fatal(err)
	}
	next := testState()
	next.Service.LastImage.Version = 4
	if err := broken.Save(ctx, next); err == nil {
		t.Fatal("expected save to fail")
	}

	after, err := fs.ReadFile(statePath)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Errorf("state file changed by failed save:\nbefore:\n%s\nafter:\n%s", before, after)
	}

	infos, err := fs.ReadDir("/state")
	if err != nil {
		t.Fatal(err)
	}
	for _, i := range infos {
		if strings.HasSuffix(i.Name(), ".tmp") {
			t.Errorf("temporary file left behind: %s", i.Name())
		}
	}

	got, err := good.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if d := cmp.Diff(prior, *got); d != "" {
		t.Errorf("unexpected record: want (-), got (+):\n%s", d)
	}
}

func TestStrayTemporaryFileIsIgnored(t *testing.T) {
	s, _ := newTestStore(t, map[string]interface{}{
		statePath:              `{"schemaVersion": 1, "cluster": {"clusterName": "c1", "provisioningStatus": "Ready"}}`,
		statePath + ".123.tmp": `{"schemaVersion": 1, "clu`,
	})

	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got.Cluster.ClusterName != "c1" {
		t.Errorf("unexpected cluster %q", got.Cluster.ClusterName)
	}
}

func TestLockIsExclusive(t *testing.T) {
	s, fs := newTestStore(t, map[string]interface{}{})
	ctx := context.Background()

	unlock, err := s.Lock(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := fs.Stat(s.LockPath()); err != nil {
		t.Fatalf("expected lock file: %v", err)
	}

	_, err = s.Lock(ctx, "run-2")
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("expected LockedError, got %T", err)
	}
	if locked.Holder != "run-1" {
		t.Errorf("unexpected holder %q", locked.Holder)
	}

	if err := unlock(); err != nil {
		t.Fatal(err)
	}
	if err := unlock(); err != nil {
		t.Errorf("second release should be a no-op: %v", err)
	}

	unlock2, err := s.Lock(ctx, "run-2")
	if err != nil {
		t.Fatalf("expected lock after release: %v", err)
	}
	defer unlock2()
}
