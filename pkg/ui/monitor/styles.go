package monitor

import "github.com/charmbracelet/lipgloss"

// theme groups reusable styles for monitor regions.
type theme struct {
	header      lipgloss.Style
	headerMeta  lipgloss.Style
	divider     lipgloss.Style
	online      lipgloss.Style
	offline     lipgloss.Style
	inbound     lipgloss.Style
	inboundTag  lipgloss.Style
	outbound    lipgloss.Style
	outboundTag lipgloss.Style
	system      lipgloss.Style
	errorLine   lipgloss.Style
	qr          lipgloss.Style
	status      lipgloss.Style
	statusBusy  lipgloss.Style
	hint        lipgloss.Style
	input       lipgloss.Style
	viewport    lipgloss.Style
}

func defaultTheme() theme {
	return theme{
		header: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("22")),
		headerMeta: lipgloss.NewStyle().
			Foreground(lipgloss.Color("194")),
		divider: lipgloss.NewStyle().
			Foreground(lipgloss.Color("28")),
		online: lipgloss.NewStyle().
			Foreground(lipgloss.Color("114")).
			Bold(true),
		offline: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			Bold(true),
		inbound: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")),
		inboundTag: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("16")).
			Background(lipgloss.Color("44")).
			Padding(0, 1),
		outbound: lipgloss.NewStyle().
			Foreground(lipgloss.Color("230")),
		outboundTag: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("16")).
			Background(lipgloss.Color("214")).
			Padding(0, 1),
		system: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")).
			Italic(true),
		errorLine: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")),
		qr: lipgloss.NewStyle().
			Foreground(lipgloss.Color("16")).
			Background(lipgloss.Color("231")),
		status: lipgloss.NewStyle().
			Foreground(lipgloss.Color("250")).
			Bold(true),
		statusBusy: lipgloss.NewStyle().
			Foreground(lipgloss.Color("222")).
			Bold(true),
		hint: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
		input: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("71")).
			Background(lipgloss.Color("236")).
			Padding(0, 1),
		viewport: lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(lipgloss.Color("28")).
			Background(lipgloss.Color("233")).
			Padding(0, 1),
	}
}
