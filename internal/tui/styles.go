package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorAccent = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	colorGood   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	colorBad    = lipgloss.Color("#FF6B6B")
	colorWarn   = lipgloss.Color("#FFCC00")
	colorBar    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	colorText   = lipgloss.AdaptiveColor{Light: "#343433", Dark: "#C1C6B2"}
	colorDim    = lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#5C5C5C"}
	colorLabel  = lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#626262"}
)

// Styles holds the lipgloss styles of every screen.
type Styles struct {
	App     lipgloss.Style
	Content lipgloss.Style

	// Header and footer bars
	Title         lipgloss.Style
	TitleBar      lipgloss.Style
	StatusBar     lipgloss.Style
	StatusKey     lipgloss.Style
	StatusValue   lipgloss.Style
	StatusOnline  lipgloss.Style
	StatusOffline lipgloss.Style

	// Lists
	MenuItem         lipgloss.Style
	MenuItemSelected lipgloss.Style
	MenuItemDim      lipgloss.Style
	Subtitle         lipgloss.Style

	// Register tree
	Section lipgloss.Style
	Leaf    lipgloss.Style
	Reading lipgloss.Style

	// Values and messages
	Label     lipgloss.Style
	Value     lipgloss.Style
	Highlight lipgloss.Style
	Muted     lipgloss.Style
	Error     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
}

// DefaultStyles returns the default color scheme.
func DefaultStyles() Styles {
	bar := lipgloss.NewStyle().Foreground(colorText).Background(colorBar).Padding(0, 1)

	return Styles{
		App:     lipgloss.NewStyle().Padding(1, 2),
		Content: lipgloss.NewStyle().PaddingBottom(1),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(colorAccent).
			Padding(0, 1),
		TitleBar:      bar.MarginBottom(1),
		StatusBar:     bar.MarginTop(1),
		StatusKey:     lipgloss.NewStyle().Foreground(colorLabel).MarginRight(1),
		StatusValue:   lipgloss.NewStyle().Foreground(colorText).MarginRight(2),
		StatusOnline:  lipgloss.NewStyle().Foreground(colorGood).Bold(true),
		StatusOffline: lipgloss.NewStyle().Foreground(colorBad).Bold(true),

		MenuItem:         lipgloss.NewStyle(),
		MenuItemSelected: lipgloss.NewStyle().Foreground(colorAccent).Bold(true),
		MenuItemDim:      lipgloss.NewStyle().Foreground(colorDim).PaddingLeft(4),
		Subtitle:         lipgloss.NewStyle().Foreground(colorDim),

		Section: lipgloss.NewStyle().Bold(true),
		Leaf:    lipgloss.NewStyle().Foreground(colorText),
		Reading: lipgloss.NewStyle().Foreground(colorWarn),

		Label:     lipgloss.NewStyle().Foreground(colorLabel).Width(16),
		Value:     lipgloss.NewStyle().Foreground(colorText),
		Highlight: lipgloss.NewStyle().Foreground(colorAccent).Bold(true),
		Muted:     lipgloss.NewStyle().Foreground(colorDim),
		Error:     lipgloss.NewStyle().Foreground(colorBad),
		Success:   lipgloss.NewStyle().Foreground(colorGood),
		Warning:   lipgloss.NewStyle().Foreground(colorWarn),
	}
}
