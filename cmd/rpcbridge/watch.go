package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/glimte/rpcbridge/bridge"
	"github.com/glimte/rpcbridge/contracts"
	"github.com/spf13/cobra"
)

var (
	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	modelStyle  = lipgloss.NewStyle().Bold(true)
	changeStyle = map[contracts.ChangeType]lipgloss.Style{
		contracts.ChangeCreate: lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")),
		contracts.ChangeUpdate: lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")),
		contracts.ChangeRemove: lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")),
	}
)

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [models...]",
		Short: "Print change broadcasts as they arrive",
		Long:  "Watch follows create, update and remove broadcasts. Without arguments every model is watched.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			manager, ch, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer manager.Close()

			watcher, err := bridge.NewWatcher(ch, a.cfg.Broker, bridge.WithWatcherLogger(a.logger))
			if err != nil {
				return err
			}
			defer watcher.Close()

			out := cmd.OutOrStdout()
			var mu sync.Mutex
			err = watcher.Watch(ctx, func(ctx context.Context, change bridge.Change) {
				mu.Lock()
				defer mu.Unlock()
				printChange(out, time.Now(), change)
			}, args...)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.ErrOrStderr(), "Watching for changes... Press Ctrl+C to stop")
			<-ctx.Done()
			return nil
		},
	}
}

// printChange writes one line per change: time, type, model/target, payload
func printChange(w io.Writer, at time.Time, change bridge.Change) {
	payload := string(change.Data)
	if change.Where != nil {
		payload = fmt.Sprintf(`{"id":%q}`, change.Where.ID)
	}
	fmt.Fprintf(w, "%s %s %s %s\n",
		timeStyle.Render(at.Format(time.TimeOnly)),
		changeStyle[change.Type].Render(fmt.Sprintf("%-6s", change.Type)),
		modelStyle.Render(change.Model+"/"+change.Target),
		payload,
	)
}
