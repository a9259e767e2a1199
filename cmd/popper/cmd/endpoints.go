// ============================================================================
// meinDENKWERK (mDW) - Popper Request Validation
// ============================================================================
//
// Package:     cmd
// Description: CLI command listing configured endpoints and validator types
// Author:      Mike Stoffels with Claude
// Created:     2025-12-06
// License:     MIT
// ============================================================================

package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/msto63/popper/internal/popper/service"
)

var endpointsJSON bool

var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "List configured endpoints and validator types",
	Long: `Shows the endpoint table in match order, the registered validator
types and any configuration problems found while loading.`,
	RunE: runEndpoints,
}

func init() {
	rootCmd.AddCommand(endpointsCmd)
	endpointsCmd.Flags().BoolVar(&endpointsJSON, "json", false, "print JSON")
}

func runEndpoints(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	svc, err := service.New(cfg, service.WithLogger(quietLogger(cfg)))
	if err != nil {
		return err
	}
	defer svc.Close()

	f := svc.Factory()
	out := cmd.OutOrStdout()

	if endpointsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"endpoints":       f.Endpoints(),
			"validator_types": svc.Registry().Describe(),
			"warnings":        f.Warnings(),
		})
	}

	fmt.Fprintln(out, titleStyle.Render("Endpoints"))
	endpoints := f.Endpoints()
	if len(endpoints) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("  none configured"))
	}
	for _, e := range endpoints {
		kind := "pattern"
		if e.Exact {
			kind = "exact"
		}
		fmt.Fprintf(out, "  %-32s %s %s\n", e.Pattern, mutedStyle.Render(fmt.Sprintf("%-7s", kind)), strings.Join(e.Validators, ", "))
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, titleStyle.Render("Validator types"))
	for _, t := range svc.Registry().Describe() {
		line := fmt.Sprintf("  %-16s %s", t.Type, t.Description)
		if len(t.DependsOn) > 0 {
			line += mutedStyle.Render(" (after " + strings.Join(t.DependsOn, ", ") + ")")
		}
		fmt.Fprintln(out, line)
	}

	if warnings := f.Warnings(); len(warnings) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, warningStyle.Render("Warnings"))
		for _, w := range warnings {
			fmt.Fprintln(out, "  "+w)
		}
	}
	return nil
}
