package monitor

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Run opens the push stream and drives the monitor until the operator quits.
func Run(ctx context.Context, client *Client) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames, err := client.Subscribe(ctx)
	if err != nil {
		return err
	}

	program := tea.NewProgram(newModel(ctx, client, frames), tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
	if _, err := program.Run(); err != nil {
		return err
	}

	fmt.Println(renderGoodbyeBanner())
	return nil
}

func renderGoodbyeBanner() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("22")).
		Padding(1, 2)

	return style.Render("📟 Monitor encerrado")
}
