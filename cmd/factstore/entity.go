package main

import (
	"fmt"

	"github.com/hyperengineering/factstore/internal/types"
	"github.com/spf13/cobra"
)

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Inspect and dispose identifiers",
}

var entityShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an identifier entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runEntityShow,
}

var entityRefsCmd = &cobra.Command{
	Use:   "refs <id>",
	Short: "Show the first table still referencing an identifier",
	Args:  cobra.ExactArgs(1),
	RunE:  runEntityRefs,
}

var entityDisposeCmd = &cobra.Command{
	Use:   "dispose <id>",
	Short: "Purge an identifier if nothing references it",
	Args:  cobra.ExactArgs(1),
	RunE:  runEntityDispose,
}

var entityPurgeCmd = &cobra.Command{
	Use:   "purge <id>",
	Short: "Remove every row of an identifier and the identifier itself",
	Args:  cobra.ExactArgs(1),
	RunE:  runEntityPurge,
}

func init() {
	entityCmd.AddCommand(entityShowCmd)
	entityCmd.AddCommand(entityRefsCmd)
	entityCmd.AddCommand(entityDisposeCmd)
	entityCmd.AddCommand(entityPurgeCmd)
}

func runEntityShow(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	entry, err := rt.engine.Entity(ctx, id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, types.EntityResponse{
			ID:       entry.ID,
			Subject:  entry.Page(),
			SortKey:  entry.SortKey,
			Marker:   entry.Marker(),
			Revision: entry.Revision,
			Touched:  entry.Touched,
		})
	}

	page := entry.Page()
	fmt.Fprintf(out, "ID:        %d\n", entry.ID)
	fmt.Fprintf(out, "Title:     %s\n", page.Title)
	fmt.Fprintf(out, "Namespace: %d\n", page.Namespace)
	if page.Subobject != "" {
		fmt.Fprintf(out, "Subobject: %s\n", page.Subobject)
	}
	if m := entry.Marker(); m != "" {
		fmt.Fprintf(out, "Marker:    %s\n", m)
	}
	fmt.Fprintf(out, "Sort Key:  %s\n", entry.SortKey)
	fmt.Fprintf(out, "Revision:  %d\n", entry.Revision)
	return nil
}

func runEntityRefs(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, err := rt.engine.Entity(ctx, id); err != nil {
		return err
	}
	ref, found, err := rt.engine.ReferenceOf(ctx, id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, types.ReferenceResponse{
			ID:         id,
			Referenced: found,
			Table:      ref.Table,
			Column:     ref.Column,
		})
	}
	if !found {
		fmt.Fprintf(out, "Identifier %d is not referenced.\n", id)
		return nil
	}
	fmt.Fprintf(out, "Identifier %d is referenced by %s.%s\n", id, ref.Table, ref.Column)
	return nil
}

func runEntityDispose(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, err := rt.engine.Entity(ctx, id); err != nil {
		return err
	}
	disposed, err := rt.engine.Dispose(ctx, id)
	if err != nil {
		return err
	}

	resp := types.DisposeResponse{ID: id, Disposed: disposed}
	if !disposed {
		ref, found, err := rt.engine.ReferenceOf(ctx, id)
		if err != nil {
			return err
		}
		if found {
			resp.Table = ref.Table
		}
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, resp)
	}
	if disposed {
		fmt.Fprintf(out, "Disposed identifier %d\n", id)
		return nil
	}
	fmt.Fprintf(out, "Identifier %d kept: still referenced by %s\n", id, resp.Table)
	return nil
}

func runEntityPurge(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.engine.ForceCleanup(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Purged identifier %d\n", id)
	return nil
}
