package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/config"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/connector"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
)

// globalOptions are the flags shared by every command.
type globalOptions struct {
	configPath      string
	datasetsPath    string
	policiesPath    string
	connectionsPath string
	storePath       string
}

func (o *globalOptions) addFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&o.configPath, "config", "", "settings file (YAML or JSON)")
	f.StringVar(&o.datasetsPath, "datasets", "datasets.yaml", "dataset file or directory")
	f.StringVar(&o.policiesPath, "policies", "policies.yaml", "policy file")
	f.StringVar(&o.connectionsPath, "connections", "connections.yaml", "connection file")
	f.StringVar(&o.storePath, "store", "", "task store path, overrides store_path")
}

// settings loads the settings file, or the defaults when none is given.
func (o *globalOptions) settings() (config.Settings, error) {
	s := config.Defaults()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return config.Settings{}, err
		}
		s = loaded
	}
	if o.storePath != "" {
		s.StorePath = o.storePath
	}
	return s, nil
}

// runner builds a runner from the configured files. The caller closes it.
func (o *globalOptions) runner(cmd *cobra.Command) (*dsrgraph.Runner, error) {
	settings, err := o.settings()
	if err != nil {
		return nil, err
	}
	datasets, err := graph.LoadDatasets(o.datasetsPath)
	if err != nil {
		return nil, err
	}
	g, err := graph.Merge(datasets...)
	if err != nil {
		return nil, fmt.Errorf("build dataset graph: %w", err)
	}
	policies, err := policy.Load(o.policiesPath)
	if err != nil {
		return nil, err
	}
	connections, err := connector.LoadConnections(o.connectionsPath)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: settings.Level()}))
	return dsrgraph.NewRunner(g, policies, connections,
		dsrgraph.WithSettings(settings),
		dsrgraph.WithLogger(logger),
	)
}

func newRootCmd() *cobra.Command {
	o := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "dsrgraph",
		Short:         "Run data subject requests across a graph of datasets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	o.addFlags(cmd)

	cmd.AddCommand(
		newRunCmd(o),
		newProcessCmd(o),
		newCancelCmd(o),
		newStatusCmd(o),
		newRequeueCmd(o),
		newDryRunCmd(o),
		newTestConnectionsCmd(o),
		newSettingsCmd(),
	)
	return cmd
}

// withRunner builds a runner, calls fn and closes the runner.
func (o *globalOptions) withRunner(cmd *cobra.Command, fn func(*dsrgraph.Runner) error) error {
	r, err := o.runner(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			fmt.Fprintln(os.Stderr, "close runner:", err)
		}
	}()
	return fn(r)
}
