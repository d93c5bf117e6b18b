package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/atharvv04/CompliancePilot/internal/execution/definition"
	"github.com/atharvv04/CompliancePilot/internal/execution/sandbox"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate FILE...",
		Short: "Validate control definition files",
		Long: `Validate control definition YAML files without a database.

Each file is parsed, its pass condition compiled and every query checked
against the read-only statement rules used at run time.

Example:
  controlsctl validate controls/large_trades.yaml
  controlsctl validate --strict controls/*.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []definition.Option
			if strict {
				opts = append(opts, definition.WithStrictPassCondition())
			}
			failed := 0
			for _, path := range args {
				report := validateFile(path, opts...)
				report.print(cmd.OutOrStdout())
				if !report.ok() {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions invalid", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Reject pass conditions that do not compile")
	return cmd
}

type fileReport struct {
	path     string
	id       string
	issues   []string
	warnings []string
}

func (r fileReport) ok() bool { return len(r.issues) == 0 }

func (r fileReport) print(w io.Writer) {
	status := "ok"
	if !r.ok() {
		status = "invalid"
	}
	if r.id != "" {
		fmt.Fprintf(w, "%s: %s (%s)\n", r.path, status, r.id)
	} else {
		fmt.Fprintf(w, "%s: %s\n", r.path, status)
	}
	for _, issue := range r.issues {
		fmt.Fprintf(w, "  error: %s\n", issue)
	}
	for _, warning := range r.warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
}

func validateFile(path string, opts ...definition.Option) fileReport {
	report := fileReport{path: path}
	raw, err := os.ReadFile(path)
	if err != nil {
		report.issues = append(report.issues, err.Error())
		return report
	}
	def, err := definition.Parse(raw, opts...)
	if err != nil {
		var verr *definition.ValidationError
		if errors.As(err, &verr) {
			report.issues = append(report.issues, verr.Messages()...)
		} else {
			report.issues = append(report.issues, err.Error())
		}
		return report
	}
	report.id = def.ID
	report.warnings = def.Warnings()
	if !def.Category.Valid() {
		report.warnings = append(report.warnings, "category is not set; the service requires one on create")
	}

	params := def.Params()
	if _, err := sandbox.Compile(def.Logic.Query, params); err != nil {
		report.issues = append(report.issues, "logic: "+err.Error())
	}
	for _, exp := range def.Exports {
		if _, err := sandbox.Compile(exp.Query, params); err != nil {
			report.issues = append(report.issues, "export "+exp.Name+": "+err.Error())
		}
	}
	return report
}
