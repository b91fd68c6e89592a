package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"code.cloudfoundry.org/clock"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/twpayne/go-vfs"
	"github.com/variantdev/inferdeploy/pkg/cluster"
	"github.com/variantdev/inferdeploy/pkg/configsource"
	"github.com/variantdev/inferdeploy/pkg/controlplane"
	"github.com/variantdev/inferdeploy/pkg/controlplane/fakeplatform"
	"github.com/variantdev/inferdeploy/pkg/controlplane/restclient"
	"github.com/variantdev/inferdeploy/pkg/deployapi"
	"github.com/variantdev/inferdeploy/pkg/dockerregistry"
	"github.com/variantdev/inferdeploy/pkg/driver"
	"github.com/variantdev/inferdeploy/pkg/imageresolver"
	"github.com/variantdev/inferdeploy/pkg/loginfra"
	"github.com/variantdev/inferdeploy/pkg/naming"
	"github.com/variantdev/inferdeploy/pkg/service"
	"github.com/variantdev/inferdeploy/pkg/statestore"
	"github.com/variantdev/inferdeploy/pkg/vhttpget"
	"k8s.io/klog/v2"
)

type globalOptions struct {
	stateFile       string
	controlPlaneURL string
	tokenEnv        string
	subscription    string
	resourceGroup   string
	workspace       string
	catalog         string
	registryUser    string
	registryPassEnv string
	deploymentID    string
	metricsPushURL  string
	dryRun          bool
	noLock          bool
}

type imageOptions struct {
	config       string
	patches      []string
	imagePointer string
	name         string
	version      int
}

func Execute() {
	log := klog.NewKlogr()

	fs := loginfra.Init()

	// Hand parsing of remaining flags to pflags and cobra
	pflag.CommandLine.AddGoFlagSet(fs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := NewRootCommand(log, os.Stdout)

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", deployapi.Kind(err), err)
		log.V(1).Info("exiting", "err", err.Error())
		stop()
		os.Exit(1)
	}
}

func NewRootCommand(log logr.Logger, out io.Writer) *cobra.Command {
	g := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "inferdeploy",
		Short: "Deploy a versioned inference image as a web service on a managed cluster",
	}

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	f := cmd.PersistentFlags()
	f.StringVar(&g.stateFile, "state-file", statestore.DefaultFileName, "Path of the persisted deployment record")
	f.StringVar(&g.controlPlaneURL, "control-plane-url", "", "Base URL of the control plane REST API")
	f.StringVar(&g.tokenEnv, "token-env", "INFERDEPLOY_TOKEN", "Environment variable holding the control plane bearer token")
	f.StringVar(&g.subscription, "subscription", "", "Subscription the workspace belongs to")
	f.StringVar(&g.resourceGroup, "resource-group", "", "Resource group the workspace belongs to")
	f.StringVar(&g.workspace, "workspace", "", "Workspace every remote call operates on")
	f.StringVar(&g.catalog, "catalog", "", "Image catalog, registry:URL[#digest] or json:URL[#JSONPATH]")
	f.StringVar(&g.registryUser, "registry-username", "", "Username for the registry catalog")
	f.StringVar(&g.registryPassEnv, "registry-password-env", "INFERDEPLOY_REGISTRY_PASSWORD", "Environment variable holding the registry password")
	f.StringVar(&g.deploymentID, "deployment-id", "", "Derive resource names from this identifier instead of the clock")
	f.StringVar(&g.metricsPushURL, "metrics-push-url", "", "Pushgateway URL the run metrics are pushed to")
	f.BoolVar(&g.dryRun, "dry-run", false, "Run against an in-memory control plane seeded from the persisted record")
	f.BoolVar(&g.noLock, "no-lock", false, "Do not take the state lock file")

	cmd.AddCommand(newDeployCommand(g, log, out))
	cmd.AddCommand(newPlanCommand(g, log, out))
	cmd.AddCommand(newStateCommand(g, log, out))

	return cmd
}

func addImageFlags(cmd *cobra.Command, o *imageOptions) {
	f := cmd.Flags()
	f.StringVar(&o.config, "config", "", "Deployment configuration file or go-getter URL")
	f.StringArrayVar(&o.patches, "config-patch", nil, "RFC 6902 JSON patch applied to the configuration, repeatable")
	f.StringVar(&o.imagePointer, "image-pointer", "", "File or go-getter URL holding the image name and version")
	f.StringVar(&o.name, "name", "", "Image name")
	f.IntVar(&o.version, "version", 0, "Image version")
}

func newDeployCommand(g *globalOptions, log logr.Logger, out io.Writer) *cobra.Command {
	o := &imageOptions{}
	var showKeys bool

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Ensure the image is running and persist the resulting record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			name, version, cfg, err := o.load(ctx, log)
			if err != nil {
				return err
			}

			d, cleanup, err := g.driver(ctx, log, name, version)
			if err != nil {
				return err
			}
			defer cleanup()

			state, err := d.Run(ctx, name, version, cfg)
			if err != nil {
				return err
			}

			if !showKeys {
				state = state.Redacted()
			}

			fmt.Fprintf(out, "endpoint: %s\n", state.Service.EndpointURL)
			if showKeys {
				fmt.Fprintf(out, "primaryKey: %s\nsecondaryKey: %s\n", state.Service.PrimaryKey, state.Service.SecondaryKey)
			}

			return nil
		},
	}

	addImageFlags(cmd, o)
	cmd.Flags().BoolVar(&showKeys, "show-keys", false, "Print the service access keys")

	return cmd
}

func newPlanCommand(g *globalOptions, log logr.Logger, out io.Writer) *cobra.Command {
	o := &imageOptions{}

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print what deploy would do without changing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			name, version, cfg, err := o.load(ctx, log)
			if err != nil {
				return err
			}

			d, cleanup, err := g.driver(ctx, log, name, version)
			if err != nil {
				return err
			}
			defer cleanup()

			p, err := d.Plan(ctx, name, version, cfg)
			if err != nil {
				return err
			}

			printPlan(out, p)

			return nil
		},
	}

	addImageFlags(cmd, o)

	return cmd
}

func printPlan(out io.Writer, p driver.Preview) {
	fmt.Fprintf(out, "image: %s\n", p.Image)

	clusterName := p.Cluster.ClusterName
	if p.Cluster.Action == cluster.Create {
		clusterName = "(new)"
	}
	fmt.Fprintf(out, "cluster: %s %s (%s)\n", p.Cluster.Action, clusterName, p.Cluster.Reason)

	serviceName := p.Service.ServiceName
	if p.Service.Action == service.Create {
		serviceName = "(new)"
	}
	fmt.Fprintf(out, "service: %s %s (%s)\n", p.Service.Action, serviceName, p.Service.Reason)
}

func newStateCommand(g *globalOptions, log logr.Logger, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the persisted record with access keys redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := statestore.New(g.stateFile, statestore.Logger(log))
			if err != nil {
				return err
			}

			state, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			if state == nil {
				return fmt.Errorf("no deployment record at %s", g.stateFile)
			}

			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(state.Redacted())
		},
	}
}

func (o *imageOptions) load(ctx context.Context, log logr.Logger) (string, int, deployapi.Config, error) {
	var cfg deployapi.Config

	if o.config == "" {
		return "", 0, cfg, fmt.Errorf("%w: --config is required", deployapi.ErrInvalidConfig)
	}

	loader, err := configsource.New(configsource.Logger(log))
	if err != nil {
		return "", 0, cfg, err
	}

	cfg, err = loader.LoadConfig(ctx, o.config, o.patches...)
	if err != nil {
		return "", 0, cfg, err
	}

	switch {
	case o.imagePointer != "" && o.name != "":
		return "", 0, cfg, errors.New("--image-pointer and --name are mutually exclusive")
	case o.imagePointer != "":
		p, err := loader.LoadPointer(ctx, o.imagePointer)
		if err != nil {
			return "", 0, cfg, err
		}
		return p.Name, p.Version, cfg, nil
	case o.name == "" || o.version < 1:
		return "", 0, cfg, errors.New("either --image-pointer or --name and a positive --version are required")
	}

	return o.name, o.version, cfg, nil
}

// driver wires the components. The returned func removes whatever a dry run
// left behind.
func (g *globalOptions) driver(ctx context.Context, log logr.Logger, name string, version int) (d *driver.Driver, cleanup func(), err error) {
	cleanup = func() {}
	defer func() {
		if err != nil {
			cleanup()
			cleanup = func() {}
		}
	}()

	var names naming.Generator
	if g.deploymentID != "" {
		names = &naming.SeededGenerator{Seed: g.deploymentID}
	} else {
		names = naming.NewTimeGenerator(clock.NewClock())
	}

	catalog, err := g.imageCatalog(name, version)
	if err != nil {
		return nil, cleanup, err
	}

	resolver, err := imageresolver.New(catalog, imageresolver.Logger(log))
	if err != nil {
		return nil, cleanup, err
	}

	statePath := g.stateFile

	var platform controlplane.Platform
	if g.dryRun {
		fake, path, dir, err := dryRunPlatform(ctx, log, g.stateFile)
		if dir != "" {
			cleanup = func() {
				if err := os.RemoveAll(dir); err != nil {
					log.Error(err, "removing dry run directory", "dir", dir)
				}
			}
		}
		if err != nil {
			return nil, cleanup, err
		}
		platform, statePath = fake, path
	} else {
		if g.controlPlaneURL == "" {
			return nil, cleanup, errors.New("--control-plane-url is required unless --dry-run is set")
		}
		c, err := restclient.New(g.controlPlaneURL, restclient.WithLogger(log))
		if err != nil {
			return nil, cleanup, err
		}
		platform = c
	}

	store, err := statestore.New(statePath, statestore.Logger(log))
	if err != nil {
		return nil, cleanup, err
	}

	provisioner, err := cluster.New(platform, names, cluster.Logger(log))
	if err != nil {
		return nil, cleanup, err
	}

	reconciler, err := service.New(platform, names, service.Logger(log))
	if err != nil {
		return nil, cleanup, err
	}

	cred := controlplane.StaticCredential(g.subscription, g.resourceGroup, g.workspace, os.Getenv(g.tokenEnv))

	d, err = driver.New(store, resolver, provisioner, reconciler, cred,
		driver.Logger(log),
		driver.FileLock(!g.noLock),
		driver.PushMetrics(g.metricsPushURL),
	)
	if err != nil {
		return nil, cleanup, err
	}

	return d, cleanup, nil
}

func (g *globalOptions) imageCatalog(name string, version int) (imageresolver.Catalog, error) {
	if g.catalog == "" {
		if !g.dryRun {
			return nil, errors.New("--catalog is required unless --dry-run is set")
		}
		return imageresolver.StaticCatalog{
			{Name: name, Version: version, Location: fmt.Sprintf("dry-run.local/%s:%d", name, version)},
		}, nil
	}

	var opts []dockerregistry.Option
	if g.registryUser != "" {
		opts = append(opts, dockerregistry.WithCredentials(g.registryUser, os.Getenv(g.registryPassEnv)))
	}

	return imageresolver.ParseCatalog(g.catalog, vhttpget.New(), opts...)
}

// dryRunPlatform seeds an in-memory platform with the resources of the
// persisted record and copies the record to a scratch directory, so the run
// never touches the real state file.
func dryRunPlatform(ctx context.Context, log logr.Logger, statePath string) (*fakeplatform.Platform, string, string, error) {
	platform := fakeplatform.New()

	dir, err := os.MkdirTemp("", "inferdeploy-dry-run")
	if err != nil {
		return nil, "", "", err
	}
	path := filepath.Join(dir, filepath.Base(statePath))

	store, err := statestore.New(statePath, statestore.Logger(log))
	if err != nil {
		return nil, "", dir, err
	}
	prior, err := store.Load(ctx)
	if err != nil {
		return nil, "", dir, err
	}

	if prior != nil {
		platform.AddCluster(prior.Cluster.ClusterName, prior.Cluster.ProvisioningStatus)
		if s := prior.Service; s != nil {
			spec := controlplane.ServiceSpec{Name: s.ServiceName, ClusterName: s.ClusterName}
			platform.AddService(spec, s.EndpointURL, controlplane.Keys{Primary: s.PrimaryKey, Secondary: s.SecondaryKey})
		}

		b, err := vfs.HostOSFS.ReadFile(statePath)
		if err != nil {
			return nil, "", dir, err
		}
		if err := vfs.HostOSFS.WriteFile(path, b, 0600); err != nil {
			return nil, "", dir, err
		}
	}

	log.Info("dry run", "state", path)

	return platform, path, dir, nil
}
