package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
)

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

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := NewRootCommand(logr.Discard(), &out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func setup(t *testing.T) (string, string) {
	t.Helper()

	dir := t.TempDir()
	config := filepath.Join(dir, "deploy.yaml")
	writeFile(t, config, "vmShape: Standard_D3_v2\npollInterval: 1ms\n")
	return dir, config
}

func TestDeployDryRunLeavesStateAlone(t *testing.T) {
	dir, config := setup(t)
	state := filepath.Join(dir, "state.json")

	out, err := execute(t, "deploy", "--dry-run", "--state-file", state, "--deployment-id", "test",
		"--config", config, "--name", "model-a", "--version", "3")
	if err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(out, "endpoint: http://svc-") || !strings.Contains(out, ".inference.test/score") {
		t.Errorf("unexpected output: %q", out)
	}
	if strings.Contains(out, "primaryKey") {
		t.Errorf("keys printed without --show-keys: %q", out)
	}

	if _, err := os.Stat(state); !os.IsNotExist(err) {
		t.Errorf("expected the state file to stay absent, got %v", err)
	}
}

func TestDeployImagePointer(t *testing.T) {
	dir, config := setup(t)
	pointer := filepath.Join(dir, "image.yaml")
	writeFile(t, pointer, "name: model-a\nversion: 4\n")

	out, err := execute(t, "deploy", "--dry-run", "--state-file", filepath.Join(dir, "state.json"),
		"--config", config, "--image-pointer", pointer, "--show-keys")
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(out, "primaryKey: primary-1\nsecondaryKey: secondary-1\n") {
		t.Errorf("expected keys in output: %q", out)
	}
}

func TestPlanDryRun(t *testing.T) {
	dir, config := setup(t)
	state := filepath.Join(dir, "state.json")
	writeFile(t, state, priorRecord)

	out, err := execute(t, "plan", "--dry-run", "--state-file", state, "--config", config, "--name", "model-a", "--version", "4")
	if err != nil {
		t.Fatal(err)
	}

	want := `image: model-a:4 (dry-run.local/model-a:4)
cluster: REUSE clold (prior cluster is Ready)
service: UPDATE svc-old (prior service is bound to the cluster)
`
	if d := cmp.Diff(want, out); d != "" {
		t.Errorf("unexpected output: want (-), got (+):\n%s", d)
	}
}

func TestStateRedactsKeys(t *testing.T) {
	dir, _ := setup(t)
	state := filepath.Join(dir, "state.json")
	writeFile(t, state, priorRecord)

	out, err := execute(t, "state", "--state-file", state)
	if err != nil {
		t.Fatal(err)
	}

	if strings.Contains(out, "k1") || strings.Contains(out, "k2") {
		t.Errorf("keys were not redacted: %s", out)
	}
	if !strings.Contains(out, `"clusterName": "clold"`) {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestUsageErrors(t *testing.T) {
	dir, config := setup(t)
	state := filepath.Join(dir, "state.json")

	testcases := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "missing config",
			args: []string{"deploy", "--dry-run", "--state-file", state, "--name", "model-a", "--version", "3"},
			want: "--config is required",
		},
		{
			name: "missing image",
			args: []string{"deploy", "--dry-run", "--state-file", state, "--config", config},
			want: "--image-pointer or --name",
		},
		{
			name: "missing control plane",
			args: []string{"deploy", "--state-file", state, "--catalog", "registry:https://registry.example.com/models", "--config", config, "--name", "model-a", "--version", "3"},
			want: "--control-plane-url is required",
		},
		{
			name: "patched config is validated",
			args: []string{"deploy", "--dry-run", "--state-file", state, "--config", config, "--name", "model-a", "--version", "3",
				"--config-patch", `[{"op": "add", "path": "/capacity", "value": {"min": 3, "max": 1}}]`},
			want: "capacity.min 3 exceeds capacity.max 1",
		},
		{
			name: "no record",
			args: []string{"state", "--state-file", state},
			want: "no deployment record",
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := execute(t, tc.args...)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected an error containing %q, got %v", tc.want, err)
			}
		})
	}
}
