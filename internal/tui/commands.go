package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

const actionTimeout = 15 * time.Second

func scanCmd(svc Service) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		started, err := svc.RequestScan(ctx)
		switch {
		case err != nil:
			return actionResultMsg{err: err}
		case !started:
			return actionResultMsg{text: "already scanning"}
		default:
			return actionResultMsg{text: "scanning..."}
		}
	}
}

func toggleCmd(svc Service, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		action, err := svc.ToggleConnection(ctx, id)
		if err != nil {
			return actionResultMsg{err: err}
		}
		return actionResultMsg{text: fmt.Sprintf("%s %s requested", action, id)}
	}
}

func refreshCmd(svc Service) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		n, err := svc.RefreshConnectedPeripherals(ctx)
		if err != nil {
			return actionResultMsg{err: err}
		}
		if n == 0 {
			return actionResultMsg{text: "no connected peripherals"}
		}
		return actionResultMsg{text: fmt.Sprintf("%d connected peripherals", n)}
	}
}

func reloadCmd() tea.Msg {
	return ChangedMsg{}
}
