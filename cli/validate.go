package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arbor-labs/arborflow/graph"
	"github.com/arbor-labs/arborflow/loader"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow file without executing",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")
	out := cmd.OutOrStdout()

	doc, err := loader.Load(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return exitError(exitValidation, "loading workflow: %v", err)
	}

	g, err := doc.Graph()
	if err != nil {
		return exitError(exitValidation, "building graph: %v", err)
	}

	findings := graph.Validate(g)
	printFindings(out, findings, format)

	hasErrs := graph.HasErrors(findings)
	hasWarns := countSeverity(findings, graph.SeverityWarning) > 0

	if hasErrs || (strict && hasWarns) {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

// printFindings writes findings in the requested format, followed by a
// summary line in text mode.
func printFindings(w io.Writer, findings []graph.Finding, format string) {
	if format == "json" {
		if findings == nil {
			findings = []graph.Finding{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(findings)
		return
	}
	printFindingsText(w, findings)
}

func printFindingsText(w io.Writer, findings []graph.Finding) {
	for _, f := range findings {
		sev := strings.ToUpper(f.Severity)
		if f.NodeID != "" {
			fmt.Fprintf(w, "%s [%s]: %s (node %s)\n", sev, f.Code, f.Message, f.NodeID)
		} else {
			fmt.Fprintf(w, "%s [%s]: %s\n", sev, f.Code, f.Message)
		}
		if f.Suggestion != "" {
			fmt.Fprintf(w, "  hint: %s\n", f.Suggestion)
		}
	}

	errs := len(graph.Errors(findings))
	warns := countSeverity(findings, graph.SeverityWarning)

	switch {
	case errs == 0 && warns == 0:
		fmt.Fprintln(w, "Valid!")
	case errs == 0:
		fmt.Fprintf(w, "\nValid! (%d %s)\n", warns, pluralize("warning", warns))
	default:
		fmt.Fprintf(w, "\n%d %s, %d %s\n",
			errs, pluralize("error", errs),
			warns, pluralize("warning", warns))
	}
}

func countSeverity(findings []graph.Finding, sev string) int {
	n := 0
	for _, f := range findings {
		if f.Severity == sev {
			n++
		}
	}
	return n
}

// pluralize returns the singular or plural form of a word based on count.
func pluralize(word string, count int) string {
	if count == 1 {
		return word
	}
	return word + "s"
}
