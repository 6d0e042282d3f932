package main

import (
	"fmt"

	"github.com/hyperengineering/factstore/internal/redirect"
	"github.com/hyperengineering/factstore/internal/types"
	"github.com/spf13/cobra"
)

var (
	redirectNamespace int
	redirectTargetNS  int
	redirectRemove    bool

	moveSourceNS      int
	moveTargetNS      int
	moveLeaveRedirect bool
	moveForceJobs     bool
)

var redirectCmd = &cobra.Command{
	Use:   "redirect <source> [target]",
	Short: "Record or remove a redirect",
	Long:  "Records that <source> redirects to [target]. With --remove the redirect of <source> is dropped.",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runRedirect,
}

var moveCmd = &cobra.Command{
	Use:   "move <source> <target>",
	Short: "Move a page and its subobjects to a new title",
	Args:  cobra.ExactArgs(2),
	RunE:  runMove,
}

func init() {
	redirectCmd.Flags().IntVar(&redirectNamespace, "namespace", types.NSMain,
		"Namespace of the source page")
	redirectCmd.Flags().IntVar(&redirectTargetNS, "target-namespace", types.NSMain,
		"Namespace of the target page")
	redirectCmd.Flags().BoolVar(&redirectRemove, "remove", false,
		"Remove the redirect of the source page")

	moveCmd.Flags().IntVar(&moveSourceNS, "namespace", types.NSMain,
		"Namespace of the source page")
	moveCmd.Flags().IntVar(&moveTargetNS, "target-namespace", types.NSMain,
		"Namespace of the target page")
	moveCmd.Flags().BoolVar(&moveLeaveRedirect, "leave-redirect", false,
		"Record a redirect from the old title to the new one")
	moveCmd.Flags().BoolVar(&moveForceJobs, "force-update-jobs", false,
		"Queue re-index jobs even when update jobs are disabled")
}

func runRedirect(cmd *cobra.Command, args []string) error {
	source := subjectArg(args[0], redirectNamespace)
	var target *types.Subject
	switch {
	case redirectRemove && len(args) == 2:
		return fmt.Errorf("--remove takes no target")
	case !redirectRemove && len(args) == 1:
		return fmt.Errorf("target required unless --remove is set")
	case len(args) == 2:
		t := subjectArg(args[1], redirectTargetNS)
		if err := t.Validate(); err != nil {
			return err
		}
		target = &t
	}
	if err := source.Validate(); err != nil {
		return err
	}

	ctx := cmd.Context()
	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	id, err := rt.engine.UpdateRedirect(ctx, source, target)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, types.RedirectResponse{ID: id})
	}
	if target == nil {
		fmt.Fprintf(out, "Removed redirect of %s (id %d)\n", source.Title, id)
		return nil
	}
	fmt.Fprintf(out, "%s now redirects to %s (id %d)\n", source.Title, target.Title, id)
	return nil
}

func runMove(cmd *cobra.Command, args []string) error {
	source := subjectArg(args[0], moveSourceNS)
	target := subjectArg(args[1], moveTargetNS)
	if err := source.Validate(); err != nil {
		return err
	}
	if err := target.Validate(); err != nil {
		return err
	}

	ctx := cmd.Context()
	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	opts := redirect.MoveOptions{LeaveRedirect: moveLeaveRedirect, ForceUpdateJobs: moveForceJobs}
	if err := rt.engine.MoveIdentity(ctx, source, target, opts); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Moved %s to %s\n", source.Title, target.Title)
	return nil
}
