package main

import (
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
)

const (
	colorYellow  = "#E3D367"
	colorGray    = "#82878B"
	colorGrayDim = "#55626D"
	colorFg      = "#E1E2E3"
)

// rondevuHuhTheme returns a huh theme for the confirmation prompts this CLI
// shows before destructive config changes.
func rondevuHuhTheme() *huh.Theme {
	t := huh.ThemeDracula()

	yellow := lipgloss.Color(colorYellow)
	gray := lipgloss.Color(colorGray)
	fg := lipgloss.Color(colorFg)

	t.Focused.Base = t.Focused.Base.BorderForeground(yellow).Foreground(fg)
	t.Blurred.Base = t.Blurred.Base.BorderForeground(gray).Foreground(fg)
	t.Focused.Title = t.Focused.Title.Foreground(yellow).Bold(true)
	t.Blurred.Title = t.Blurred.Title.Foreground(gray)
	t.Focused.Description = t.Focused.Description.Foreground(lipgloss.Color(colorGray))
	t.Blurred.Description = t.Blurred.Description.Foreground(lipgloss.Color(colorGrayDim))

	return t
}

// confirmOverwrite shows a huh confirmation prompt before an action that
// discards existing config state. It returns true if the user confirms.
func confirmOverwrite(title, description string) (bool, error) {
	var confirmed bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(description).
				Affirmative("Continue").
				Negative("Cancel").
				Value(&confirmed),
		),
	).WithTheme(rondevuHuhTheme())

	if err := form.Run(); err != nil {
		return false, err
	}
	return confirmed, nil
}
