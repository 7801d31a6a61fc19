package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/taskstore"
)

var actions = []policy.ActionType{policy.ActionAccess, policy.ActionErasure, policy.ActionConsent}

func newStatusCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [REQUEST_ID]",
		Short: "Show stored requests, or one request with its tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return global.withRunner(cmd, func(r *dsrgraph.Runner) error {
				if len(args) == 0 {
					return listRequests(cmd, r.Store())
				}
				return showRequest(cmd, r.Store(), args[0])
			})
		},
	}
}

func listRequests(cmd *cobra.Command, store taskstore.Store) error {
	reqs, err := store.ListRequests(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPOLICY\tSTATUS\tSTEP\tCREATED")
	for _, req := range reqs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", req.ID, req.PolicyKey, req.Status, req.CurrentStep, req.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func showRequest(cmd *cobra.Command, store taskstore.Store, id string) error {
	ctx := cmd.Context()
	req, err := store.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "request:  %s\npolicy:   %s\nstatus:   %s\nstep:     %s\n", req.ID, req.PolicyKey, req.Status, req.CurrentStep)
	if req.Message != "" {
		fmt.Fprintf(out, "message:  %s\n", req.Message)
	}
	if req.PausedCollection != "" {
		fmt.Fprintf(out, "paused:   %s (%s)\n", req.PausedCollection, req.PausedAction)
	}
	if len(req.EmailConnections) > 0 {
		fmt.Fprintf(out, "email:    %v\n", req.EmailConnections)
	}

	for _, action := range actions {
		tasks, err := store.ListTasks(ctx, id, action)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			continue
		}
		fmt.Fprintf(out, "\n%s tasks:\n", action)
		if err := writeTasks(out, tasks); err != nil {
			return err
		}
	}
	return nil
}

func writeTasks(out io.Writer, tasks []*taskstore.RequestTask) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COLLECTION\tSTATUS\tATTEMPTS\tROWS\tMASKED")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", t.CollectionAddress, t.Status, t.Attempts, len(t.AccessData), t.RowsMasked)
	}
	return w.Flush()
}

func newRequeueCmd(global *globalOptions) *cobra.Command {
	var action string
	cmd := &cobra.Command{
		Use:   "requeue REQUEST_ID",
		Short: "Reset failed, paused and stuck tasks of a request to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return global.withRunner(cmd, func(r *dsrgraph.Runner) error {
				n, err := r.Requeue(cmd.Context(), args[0], policy.ActionType(action))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %d task(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", string(policy.ActionAccess), "action whose tasks are requeued (access, erasure, consent)")
	return cmd
}
