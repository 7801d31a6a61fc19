package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/config"
)

func newDryRunCmd(global *globalOptions) *cobra.Command {
	var identityPairs []string
	cmd := &cobra.Command{
		Use:   "dry-run",
		Short: "Show the queries an access request would run, without running them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			identity, err := parseIdentity(identityPairs)
			if err != nil {
				return err
			}
			return global.withRunner(cmd, func(r *dsrgraph.Runner) error {
				plans, err := r.DryRun(cmd.Context(), identity)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "COLLECTION\tCONNECTION\tUPSTREAM\tQUERY")
				for _, p := range plans {
					up := make([]string, len(p.Upstream))
					for i, a := range p.Upstream {
						up[i] = a.String()
					}
					query := p.Query
					if query == "" {
						query = "-"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Address, p.ConnectionKey, strings.Join(up, ","), query)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringArrayVar(&identityPairs, "identity", nil, "identity key=value, repeatable")
	return cmd
}

func newTestConnectionsCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test-connections",
		Short: "Test every configured connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return global.withRunner(cmd, func(r *dsrgraph.Runner) error {
				results := r.TestConnections(cmd.Context())
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "CONNECTION\tTYPE\tSTATUS\tERROR")
				failed := 0
				for _, ct := range results {
					msg := ""
					if ct.Err != nil {
						msg = ct.Err.Error()
						failed++
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ct.Key, ct.Type, ct.Status, msg)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				if failed > 0 {
					return fmt.Errorf("%d connection(s) failed", failed)
				}
				return nil
			})
		},
	}
}

func newSettingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settings",
		Short: "List the settings a config file may set, with defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), config.Describe())
			return err
		},
	}
}
