package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskinbox/internal/doctor"
)

var errChecksFailed = errors.New("doctor found failing checks")

func newDoctorCmd(a *app) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:         "doctor",
		Short:       "Run diagnostic checks",
		Args:        noArgs,
		Annotations: map[string]string{annConfigOptional: ""},
		RunE: func(cmd *cobra.Command, args []string) error {
			diag := doctor.Run(cmd.Context(), &a.cfg, Version)
			if a.cfgErr != nil {
				diag.Results = append([]doctor.CheckResult{{
					Name:    "Config Load",
					Status:  "FAIL",
					Message: a.cfgErr.Error(),
				}}, diag.Results...)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := writeJSON(out, diag); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "taskinbox doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
				fmt.Fprintf(out, "System: %s/%s (%s), taskinbox %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
				fmt.Fprintln(out, "---")
				for _, res := range diag.Results {
					icon := "✅"
					switch res.Status {
					case "FAIL":
						icon = "❌"
					case "WARN":
						icon = "⚠️ "
					case "SKIP":
						icon = "⏩"
					}
					fmt.Fprintf(out, "%s %-15s: %s\n", icon, res.Name, res.Message)
					if res.Detail != "" {
						fmt.Fprintf(out, "    %s\n", res.Detail)
					}
				}
			}
			if diag.Failed() {
				return errChecksFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the report as JSON")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the taskinbox version",
		Args:  noArgs,
		// Skip the root setup; version must work without a usable home.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "taskinbox %s\n", Version)
			return nil
		},
	}
}
