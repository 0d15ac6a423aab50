// Package styles defines the color palette and reusable lipgloss styles
// shared by the strata CLI.
package styles

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Palette. Cool mineral tones to match the layered-rock theme.
var (
	Primary      = lipgloss.Color("#3B7DD8") // azurite blue
	PrimaryLight = lipgloss.Color("#7FAEF0")
	Secondary    = lipgloss.Color("#2AA198") // verdigris

	Success = lipgloss.Color("#2EBD85")
	Warning = lipgloss.Color("#E5A50A")
	Error   = lipgloss.Color("#D64550")
	Info    = lipgloss.Color("#4796E3")

	Text      = lipgloss.Color("#ECEFF4")
	TextMuted = lipgloss.Color("#98A1B3")
	TextDim   = lipgloss.Color("#5C6370")
	Surface   = lipgloss.Color("#232936")
	Border    = lipgloss.Color("#3B4252")
)

// Text styles.
var (
	Bold = lipgloss.NewStyle().Bold(true)

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary).
		MarginBottom(1)

	Subtitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(PrimaryLight)

	Normal = lipgloss.NewStyle().Foreground(Text)
	Muted  = lipgloss.NewStyle().Foreground(TextMuted)
	Dim    = lipgloss.NewStyle().Foreground(TextDim)

	Highlight = lipgloss.NewStyle().
			Bold(true).
			Foreground(Secondary)

	// Code renders inline command or file names.
	Code = lipgloss.NewStyle().
		Foreground(Warning).
		Background(Surface).
		Padding(0, 1)
)

// Status styles.
var (
	SuccessStyle = lipgloss.NewStyle().Foreground(Success)
	WarningStyle = lipgloss.NewStyle().Foreground(Warning)
	ErrorStyle   = lipgloss.NewStyle().Foreground(Error)
	InfoStyle    = lipgloss.NewStyle().Foreground(Info)
)

// List styles.
var (
	ListItem = lipgloss.NewStyle().
			PaddingLeft(2).
			Foreground(Text)

	ListItemBullet = lipgloss.NewStyle().
			Foreground(Primary).
			PaddingRight(1)
)

// InfoBox frames supplementary information.
var InfoBox = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(Info).
	Padding(1, 2).
	MarginTop(1)

// Icons.
const (
	IconSuccess = "✓"
	IconError   = "✗"
	IconWarning = "⚠"
	IconInfo    = "ℹ"
	IconArrow   = "→"
	IconDot     = "•"
	IconPending = "◌"
	IconStream  = "⇶"
	IconList    = "☰"
	IconChart   = "📊"
	IconHealth  = "❤️"
	IconFolder  = "📁"
	IconStrata  = "▤" // layered strata mark
)

// FormatSuccess formats a success message with icon.
func FormatSuccess(msg string) string {
	return SuccessStyle.Render(IconSuccess) + " " + Normal.Render(msg)
}

// FormatError formats an error message with icon.
func FormatError(msg string) string {
	return ErrorStyle.Render(IconError) + " " + Normal.Render(msg)
}

// FormatWarning formats a warning message with icon.
func FormatWarning(msg string) string {
	return WarningStyle.Render(IconWarning) + " " + Normal.Render(msg)
}

// FormatInfo formats an info message with icon.
func FormatInfo(msg string) string {
	return InfoStyle.Render(IconInfo) + " " + Normal.Render(msg)
}

// FormatStep formats one step of a numbered sequence.
func FormatStep(step, total int, msg string) string {
	counter := lipgloss.NewStyle().
		Foreground(TextMuted).
		Width(8)
	return counter.Render(fmt.Sprintf("[%d/%d]", step, total)) + " " + msg
}

// DisableColors strips the palette for terminals without color support.
func DisableColors() {
	for _, c := range []*lipgloss.Color{
		&Primary, &PrimaryLight, &Secondary,
		&Success, &Warning, &Error, &Info,
		&Text, &TextMuted, &TextDim, &Surface, &Border,
	} {
		*c = lipgloss.Color("")
	}
}
