package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/taskstore"
)

// jsonUploader writes filtered access results as one JSON document.
type jsonUploader struct {
	path string
	out  io.Writer
}

func (u *jsonUploader) Upload(_ context.Context, req *taskstore.PrivacyRequest, results map[graph.CollectionAddress][]graph.Row) error {
	doc := struct {
		RequestID string                 `json:"request_id"`
		Results   map[string][]graph.Row `json:"results"`
	}{
		RequestID: req.ID,
		Results:   make(map[string][]graph.Row, len(results)),
	}
	for addr, rows := range results {
		doc.Results[addr.String()] = rows
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	data = append(data, '\n')
	if u.path == "" {
		_, err = u.out.Write(data)
		return err
	}
	return os.WriteFile(u.path, data, 0o600)
}

// runOptions defines flags for run.
type runOptions struct {
	global *globalOptions

	policyKey string
	identity  []string
	consent   []string
	output    string
}

func (o *runOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.policyKey, "policy", "", "policy key")
	cmd.Flags().StringArrayVar(&o.identity, "identity", nil, "identity key=value, repeatable")
	cmd.Flags().StringArrayVar(&o.consent, "consent", nil, "consent preference data_use=true|false, repeatable")
	cmd.Flags().StringVar(&o.output, "output", "", "write access results to this file instead of stdout")
	_ = cmd.MarkFlagRequired("policy")
}

func (o *runOptions) run(cmd *cobra.Command) error {
	identity, err := parseIdentity(o.identity)
	if err != nil {
		return err
	}
	prefs, err := parseConsent(o.consent)
	if err != nil {
		return err
	}
	return o.global.withRunner(cmd, func(r *dsrgraph.Runner) error {
		ctx := cmd.Context()
		req, err := r.Submit(ctx, o.policyKey, identity, prefs...)
		if err != nil {
			return err
		}
		p := dsrgraph.NewProcessor(r, dsrgraph.WithUploader(&jsonUploader{path: o.output, out: cmd.OutOrStdout()}))
		status, err := p.Process(ctx, req.ID)
		fmt.Fprintf(cmd.OutOrStdout(), "request %s %s\n", req.ID, status)
		return err
	})
}

func newRunCmd(global *globalOptions) *cobra.Command {
	o := &runOptions{global: global}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit a privacy request and process it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.run(cmd)
		},
	}
	o.addFlags(cmd)
	return cmd
}

func newProcessCmd(global *globalOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "process REQUEST_ID",
		Short: "Resume processing a stored privacy request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return global.withRunner(cmd, func(r *dsrgraph.Runner) error {
				p := dsrgraph.NewProcessor(r, dsrgraph.WithUploader(&jsonUploader{path: output, out: cmd.OutOrStdout()}))
				status, err := p.Process(cmd.Context(), args[0])
				if status != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "request %s %s\n", args[0], status)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "write access results to this file instead of stdout")
	return cmd
}

func newCancelCmd(global *globalOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel REQUEST_ID",
		Short: "Cancel a privacy request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return global.withRunner(cmd, func(r *dsrgraph.Runner) error {
				if err := r.Cancel(cmd.Context(), args[0], reason); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "request %s canceled\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "canceled from cli", "cancellation message")
	return cmd
}
