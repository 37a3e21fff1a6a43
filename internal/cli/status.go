// status.go renders persisted sessions for operators.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List sessions and their state",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		sessions, err := st.ListSessions()
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("no sessions")
			return nil
		}

		styled := term.IsTerminal(int(os.Stdout.Fd()))
		header := "CHANNEL              STATUS    PHASE         QUEUED  LAST ACTIVE"
		if styled {
			header = lipgloss.NewStyle().Bold(true).Render(header)
		}
		fmt.Println(header)

		for _, sess := range sessions {
			phase := "-"
			rateLimited := false
			if ws, err := st.GetWorkerState(sess.ChannelID); err == nil && ws != nil {
				phase = ws.Phase
				rateLimited = ws.RateLimitedAt != nil
			}
			queued, _ := st.QueuedCount(sess.ChannelID)

			line := fmt.Sprintf("%-20s %-9s %-13s %-7d %s",
				clip(sess.ChannelID, 20), sess.Status, phase, queued,
				sess.LastActive.Local().Format(time.DateTime))
			if styled && rateLimited {
				line = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Render(line)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
