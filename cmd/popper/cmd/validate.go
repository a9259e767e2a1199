// ============================================================================
// meinDENKWERK (mDW) - Popper Request Validation
// ============================================================================
//
// Package:     cmd
// Description: CLI command for validating a payload against an endpoint chain
// Author:      Mike Stoffels with Claude
// Created:     2025-12-06
// License:     MIT
// ============================================================================

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/msto63/popper/internal/popper/chain"
	"github.com/msto63/popper/internal/popper/server"
	"github.com/msto63/popper/internal/popper/service"
)

var (
	validateEndpoint string
	validateFile     string
	validateMethod   string
	validateMode     string
	validateParallel bool
	validateJSON     bool
	validateSkip     []string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a payload against an endpoint chain",
	Long: `Runs the chain configured for --endpoint over a payload read from
--file, or stdin when the file is "-" or omitted. Exits with 1 when the
request would be blocked.

Examples:
  popper validate --endpoint /api/chat --file request.json
  echo '{"model":"m"}' | popper validate --endpoint /api/chat --mode fail_fast`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringVarP(&validateEndpoint, "endpoint", "e", "", "endpoint path to validate against")
	validateCmd.Flags().StringVarP(&validateFile, "file", "f", "-", "payload file, - for stdin")
	validateCmd.Flags().StringVar(&validateMethod, "method", "POST", "HTTP method of the request")
	validateCmd.Flags().StringVar(&validateMode, "mode", "", "override the pipeline mode (continue, fail_fast, strict, lenient)")
	validateCmd.Flags().BoolVar(&validateParallel, "parallel", false, "run independent validators concurrently")
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "print the response document instead of a report")
	validateCmd.Flags().StringSliceVar(&validateSkip, "skip", nil, "validators to skip")
	validateCmd.MarkFlagRequired("endpoint")
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	body, err := readPayload(cmd.InOrStdin(), validateFile)
	if err != nil {
		return err
	}

	svc, err := service.New(cfg, service.WithLogger(quietLogger(cfg)))
	if err != nil {
		return err
	}
	defer svc.Close()

	req := service.Request{
		Endpoint: validateEndpoint,
		Method:   validateMethod,
		Payload:  decodeCLIPayload(body),
		Size:     int64(len(body)),
		ClientIP: "127.0.0.1",
		Mode:     validateMode,
		Skip:     validateSkip,
		NoCache:  true,
	}
	if cmd.Flags().Changed("parallel") {
		req.Parallel = &validateParallel
	}

	res, err := svc.Validate(context.Background(), req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if validateJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res.ToResponse()); err != nil {
			return err
		}
	} else {
		fmt.Fprint(out, renderReport(res))
	}

	if !res.IsValid() {
		return errRejected
	}
	return nil
}

func readPayload(stdin io.Reader, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return data, nil
}

func decodeCLIPayload(body []byte) any {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return v
	}
	return string(body)
}

// renderReport formats a result for the terminal
func renderReport(res *chain.Result) string {
	var b strings.Builder

	status := res.Status.String()
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("Chain"), res.ChainName())
	fmt.Fprintf(&b, "%s %s  %s\n",
		titleStyle.Render("Status"),
		statusStyle(status).Render(strings.ToUpper(status)),
		mutedStyle.Render(fmt.Sprintf("http %d, %s", server.HTTPStatus(res), res.Metrics.ExecutionTime)))

	if steps := res.Steps(); len(steps) > 0 {
		b.WriteString("\n" + titleStyle.Render("Validators") + "\n")
		for _, s := range steps {
			state := s.State.String()
			line := fmt.Sprintf("  %-20s %s", s.Name, statusStyle(state).Render(state))
			if s.Cached {
				line += mutedStyle.Render(" (cached)")
			}
			b.WriteString(line + "\n")
		}
	}

	writeIssues(&b, "Errors", errorStyle, res.Errors)
	writeIssues(&b, "Warnings", warningStyle, res.Warnings)
	return b.String()
}

func writeIssues(b *strings.Builder, title string, style lipgloss.Style, issues []chain.ValidationError) {
	if len(issues) == 0 {
		return
	}
	b.WriteString("\n" + titleStyle.Render(title) + "\n")
	for _, e := range issues {
		line := "  " + codeStyle.Render(style.Render(e.Code)) + " " + e.Message
		if e.Field != "" {
			line += mutedStyle.Render(" [" + e.Field + "]")
		}
		b.WriteString(line + "\n")
		if e.Suggestion != "" {
			b.WriteString("  " + codeStyle.Render("") + " " + mutedStyle.Render(e.Suggestion) + "\n")
		}
	}
}
