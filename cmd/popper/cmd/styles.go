// ============================================================================
// meinDENKWERK (mDW) - Popper Request Validation
// ============================================================================
//
// Package:     cmd
// Description: Terminal styles for CLI output
// Author:      Mike Stoffels with Claude
// Created:     2025-12-06
// License:     MIT
// ============================================================================

package cmd

import "github.com/charmbracelet/lipgloss"

// Colors
var (
	colorSuccess = lipgloss.Color("#10B981") // Emerald
	colorWarning = lipgloss.Color("#F59E0B") // Amber
	colorError   = lipgloss.Color("#EF4444") // Red
	colorMuted   = lipgloss.Color("#6B7280") // Gray
	colorPrimary = lipgloss.Color("#8B5CF6") // Violet
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(colorSuccess)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorError)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	codeStyle    = lipgloss.NewStyle().Width(28)
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "success", "skipped", "succeeded":
		return successStyle
	case "warning":
		return warningStyle
	default:
		return errorStyle
	}
}
