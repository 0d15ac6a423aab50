// Package ui provides reusable terminal components for the strata CLI:
// spinners, progress bars, tables, and banners.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/stratastore/strata/cli/styles"
)

// SpinnerType selects a spinner animation.
type SpinnerType int

const (
	SpinnerDots SpinnerType = iota
	SpinnerLine
	SpinnerMinidots
	SpinnerJump
	SpinnerPulse
	SpinnerPoints
	SpinnerGlobe
	SpinnerMoon
	SpinnerMonkey
	SpinnerMeter
	SpinnerHamburger
)

var spinnerAnimations = map[SpinnerType]spinner.Spinner{
	SpinnerDots:      spinner.Dot,
	SpinnerLine:      spinner.Line,
	SpinnerMinidots:  spinner.MiniDot,
	SpinnerJump:      spinner.Jump,
	SpinnerPulse:     spinner.Pulse,
	SpinnerPoints:    spinner.Points,
	SpinnerGlobe:     spinner.Globe,
	SpinnerMoon:      spinner.Moon,
	SpinnerMonkey:    spinner.Monkey,
	SpinnerMeter:     spinner.Meter,
	SpinnerHamburger: spinner.Hamburger,
}

// SpinnerModel is a spinner component with a message.
type SpinnerModel struct {
	spinner  spinner.Model
	message  string
	quitting bool
	done     bool
	result   string
	err      error
}

// SpinnerDoneMsg signals that the spinner operation is complete.
type SpinnerDoneMsg struct {
	Result string
	Err    error
}

// NewSpinner creates a new spinner with the given message. Unknown
// spinner types fall back to dots.
func NewSpinner(message string, spinnerType SpinnerType) SpinnerModel {
	animation, ok := spinnerAnimations[spinnerType]
	if !ok {
		animation = spinner.Dot
	}

	s := spinner.New()
	s.Spinner = animation
	s.Style = lipgloss.NewStyle().Foreground(styles.Primary)

	return SpinnerModel{spinner: s, message: message}
}

func (m SpinnerModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m SpinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case SpinnerDoneMsg:
		m.done = true
		m.result = msg.Result
		m.err = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m SpinnerModel) View() string {
	switch {
	case m.done && m.err != nil:
		return styles.FormatError(m.result) + "\n"
	case m.done:
		return styles.FormatSuccess(m.result) + "\n"
	case m.quitting:
		return styles.FormatWarning("Cancelled") + "\n"
	}
	return m.spinner.View() + " " + styles.Normal.Render(m.message) + "\n"
}

// ProgressModel is a progress bar component.
type ProgressModel struct {
	progress progress.Model
	percent  float64
	message  string
	done     bool
}

// ProgressMsg updates the progress bar.
type ProgressMsg struct {
	Percent float64
	Message string
}

// NewProgress creates a new progress bar.
func NewProgress(message string) ProgressModel {
	return ProgressModel{
		progress: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(40),
			progress.WithoutPercentage(),
		),
		message: message,
	}
}

func (m ProgressModel) Init() tea.Cmd {
	return nil
}

func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}

	case ProgressMsg:
		m.percent = msg.Percent
		m.message = msg.Message
		if m.percent >= 1.0 {
			m.done = true
			return m, tea.Quit
		}
		return m, nil

	case progress.FrameMsg:
		updated, cmd := m.progress.Update(msg)
		m.progress = updated.(progress.Model)
		return m, cmd
	}

	return m, nil
}

func (m ProgressModel) View() string {
	if m.done {
		return styles.FormatSuccess(m.message) + "\n"
	}
	return m.progress.ViewAs(m.percent) + " " + styles.Muted.Render(m.message) + "\n"
}

// Table renders a bordered table.
type Table struct {
	headers []string
	rows    [][]string
	widths  []int
}

// NewTable creates a new table with headers.
func NewTable(headers ...string) *Table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	return &Table{headers: headers, widths: widths}
}

// AddRow adds a row to the table. Extra values beyond the header count are
// dropped, missing ones render empty.
func (t *Table) AddRow(values ...string) {
	row := make([]string, len(t.headers))
	for i := range row {
		if i >= len(values) {
			continue
		}
		row[i] = values[i]
		if len(values[i]) > t.widths[i] {
			t.widths[i] = len(values[i])
		}
	}
	t.rows = append(t.rows, row)
}

// Render returns the formatted table string.
func (t *Table) Render() string {
	if len(t.headers) == 0 {
		return ""
	}

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(styles.Primary).
		Padding(0, 1)
	cellStyle := lipgloss.NewStyle().
		Foreground(styles.Text).
		Padding(0, 1)
	borderStyle := lipgloss.NewStyle().
		Foreground(styles.Border)

	rule := func(left, junction, right string) string {
		segments := make([]string, len(t.widths))
		for i, w := range t.widths {
			segments[i] = strings.Repeat("─", w+2)
		}
		return borderStyle.Render(left+strings.Join(segments, junction)+right) + "\n"
	}

	line := func(cells []string, style lipgloss.Style) string {
		var b strings.Builder
		b.WriteString(borderStyle.Render("│"))
		for i, cell := range cells {
			b.WriteString(style.Width(t.widths[i]).Render(cell))
			b.WriteString(borderStyle.Render("│"))
		}
		b.WriteString("\n")
		return b.String()
	}

	var b strings.Builder
	b.WriteString(rule("┌", "┬", "┐"))
	b.WriteString(line(t.headers, headerStyle))
	b.WriteString(rule("├", "┼", "┤"))
	for _, row := range t.rows {
		b.WriteString(line(row, cellStyle))
	}
	b.WriteString(strings.TrimSuffix(rule("└", "┴", "┘"), "\n"))
	return b.String()
}

// StatusBadge returns a styled status badge.
func StatusBadge(status string) string {
	badge := lipgloss.NewStyle().Padding(0, 1)

	switch strings.ToLower(status) {
	case "active", "running", "healthy", "ok", "success", "applied":
		badge = badge.Background(styles.Success).Foreground(lipgloss.Color("#000000"))
	case "pending", "paused", "waiting":
		badge = badge.Background(styles.Warning).Foreground(lipgloss.Color("#000000"))
	case "error", "failed", "stopped":
		badge = badge.Background(styles.Error).Foreground(lipgloss.Color("#FFFFFF"))
	default:
		badge = badge.Background(styles.Surface).Foreground(styles.Text)
	}
	return badge.Render(status)
}

// Banner renders the strata ASCII art banner.
func Banner() string {
	banner := `
    ███████████████████████████████████████████████████████
    █                                                     █
    █   ███████╗████████╗██████╗  █████╗ ████████╗ █████╗ █
    █   ██╔════╝╚══██╔══╝██╔══██╗██╔══██╗╚══██╔══╝██╔══██╗█
    █   ███████╗   ██║   ██████╔╝███████║   ██║   ███████║█
    █   ╚════██║   ██║   ██╔══██╗██╔══██║   ██║   ██╔══██║█
    █   ███████║   ██║   ██║  ██║██║  ██║   ██║   ██║  ██║█
    █   ╚══════╝   ╚═╝   ╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝   ╚═╝  ╚═╝█
    █                                                     █
    █           Event Sourcing Toolkit for Go             █
    █                                                     █
    ███████████████████████████████████████████████████████
`
	return lipgloss.NewStyle().
		Foreground(styles.Primary).
		Bold(true).
		Render(banner)
}

// SimpleBanner returns a smaller, simpler banner.
func SimpleBanner() string {
	return styles.IconStrata + " " +
		lipgloss.NewStyle().Bold(true).Foreground(styles.Primary).Render("strata") +
		" " + styles.Muted.Render("- Event Sourcing Toolkit for Go")
}

// AnimationTickMsg advances banner animations.
type AnimationTickMsg struct{}

func animationTick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(time.Time) tea.Msg {
		return AnimationTickMsg{}
	})
}

// AnimatedBannerModel animates the startup banner.
type AnimatedBannerModel struct {
	frames     []string
	frameIndex int
	done       bool
}

func NewAnimatedBanner() AnimatedBannerModel {
	return AnimatedBannerModel{
		frames: []string{
			styles.IconStrata,
			styles.IconStrata + " s",
			styles.IconStrata + " str",
			styles.IconStrata + " strat",
			styles.IconStrata + " strata",
		},
	}
}

func (m AnimatedBannerModel) Init() tea.Cmd {
	return animationTick()
}

func (m AnimatedBannerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg.(type) {
	case AnimationTickMsg:
		if m.frameIndex < len(m.frames)-1 {
			m.frameIndex++
			return m, animationTick()
		}
		m.done = true
		return m, tea.Quit
	case tea.KeyMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m AnimatedBannerModel) View() string {
	return lipgloss.NewStyle().
		Bold(true).
		Foreground(styles.Primary).
		Render(m.frames[m.frameIndex]) + "\n"
}

// Divider returns a horizontal divider line.
func Divider(width int) string {
	return styles.Dim.Render(strings.Repeat("─", width))
}

// ListItems formats a list of items with bullets.
func ListItems(items []string) string {
	var b strings.Builder
	for _, item := range items {
		b.WriteString(styles.ListItemBullet.Render(styles.IconDot))
		b.WriteString(styles.ListItem.Render(item))
		b.WriteString("\n")
	}
	return b.String()
}

// NumberedList formats a numbered list.
func NumberedList(items []string) string {
	numStyle := lipgloss.NewStyle().
		Foreground(styles.Primary).
		Width(4)

	var b strings.Builder
	for i, item := range items {
		b.WriteString(numStyle.Render(fmt.Sprintf("%d.", i+1)))
		b.WriteString(styles.Normal.Render(item))
		b.WriteString("\n")
	}
	return b.String()
}

// Confirmation returns a yes/no prompt result display.
func Confirmation(confirmed bool) string {
	if confirmed {
		return styles.SuccessStyle.Render("Yes")
	}
	return styles.ErrorStyle.Render("No")
}
