package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hyperengineering/factstore/internal/engine"
	"github.com/hyperengineering/factstore/internal/types"
	"github.com/spf13/cobra"
)

var (
	updateFile       string
	updateDryRun     bool
	subjectNamespace int
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Store the facts of a page",
	Long:  "Reads a fact-set as JSON from --file (or stdin when the file is \"-\") and stores it.",
	Args:  cobra.NoArgs,
	RunE:  runUpdate,
}

var showCmd = &cobra.Command{
	Use:   "show <title>",
	Short: "Show the stored facts of a page",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <title>",
	Short: "Delete a page, its subobjects and its redirect",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	updateCmd.Flags().StringVarP(&updateFile, "file", "f", "-",
		"Fact-set JSON file, \"-\" for stdin")
	updateCmd.Flags().BoolVar(&updateDryRun, "dry-run", false,
		"Print the row diff without writing it")

	for _, c := range []*cobra.Command{showCmd, deleteCmd} {
		c.Flags().IntVarP(&subjectNamespace, "namespace", "n", types.NSMain,
			"Namespace of the page")
	}
}

func readFactSet(cmd *cobra.Command) (*types.FactSet, error) {
	var r io.Reader = cmd.InOrStdin()
	if updateFile != "-" {
		f, err := os.Open(updateFile)
		if err != nil {
			return nil, fmt.Errorf("open fact-set: %w", err)
		}
		defer f.Close()
		r = f
	}
	var facts types.FactSet
	if err := json.NewDecoder(r).Decode(&facts); err != nil {
		return nil, fmt.Errorf("decode fact-set: %w", err)
	}
	return &facts, nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	facts, err := readFactSet(cmd)
	if err != nil {
		return err
	}

	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	out := cmd.OutOrStdout()

	if updateDryRun {
		d, err := rt.engine.Preview(ctx, facts)
		if err != nil {
			return describeError(err)
		}
		if jsonOutput {
			return printJSON(out, d)
		}
		if d.IsEmpty() {
			fmt.Fprintln(out, "No changes.")
			return nil
		}
		w := newTabWriter(out)
		fmt.Fprintln(w, "TABLE\tINSERT\tDELETE")
		for _, tc := range d.Tables {
			fmt.Fprintf(w, "%s\t%d\t%d\n", tc.Table, len(tc.Insert), len(tc.Delete))
		}
		return w.Flush()
	}

	res, err := rt.engine.UpdateData(ctx, facts)
	if err != nil {
		return describeError(err)
	}
	if jsonOutput {
		return printJSON(out, res)
	}
	if res.Redirect {
		fmt.Fprintf(out, "Recorded redirect for %s (id %d)\n", facts.Subject.Title, res.SubjectID)
		return nil
	}
	fmt.Fprintf(out, "Updated %s (id %d): %d inserted, %d deleted, %d subobjects\n",
		facts.Subject.Title, res.SubjectID, res.RowsInserted, res.RowsDeleted, res.Subobjects)
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	subject := subjectArg(args[0], subjectNamespace)
	if err := subject.Validate(); err != nil {
		return err
	}

	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	facts, err := rt.engine.Facts(ctx, subject)
	if err != nil {
		return describeError(err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, facts)
	}

	w := newTabWriter(out)
	fmt.Fprintln(w, "PROPERTY\tVALUE")
	for _, p := range facts.Properties() {
		for _, v := range facts.Values(p) {
			fmt.Fprintf(w, "%s\t%s\n", p.Key, v.String())
		}
	}
	for _, sub := range facts.Subobjects() {
		for _, p := range sub.Properties() {
			for _, v := range sub.Values(p) {
				fmt.Fprintf(w, "#%s.%s\t%s\n", sub.Subject.Subobject, p.Key, v.String())
			}
		}
	}
	return w.Flush()
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	subject := subjectArg(args[0], subjectNamespace)
	if err := subject.Validate(); err != nil {
		return err
	}

	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.engine.DeleteSubject(ctx, subject); err != nil {
		return describeError(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", subject.Title)
	return nil
}

// describeError flattens the per-field errors of an invalid fact-set into
// the returned message.
func describeError(err error) error {
	var invalid *engine.InvalidFactsError
	if !errors.As(err, &invalid) {
		return err
	}
	var b strings.Builder
	b.WriteString("invalid facts:")
	for _, fe := range invalid.Errors {
		fmt.Fprintf(&b, "\n  %s: %s", fe.Field, fe.Message)
	}
	return errors.New(b.String())
}
