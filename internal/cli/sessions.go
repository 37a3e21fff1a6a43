// sessions.go inspects and edits persisted sessions while the daemon is
// stopped. Against a running daemon the HTTP API is the right surface; these
// commands operate on the store directly.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/coxswain-dev/coxswain/internal/config"
	"github.com/coxswain-dev/coxswain/internal/store"
)

var sessionsJSON bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect persisted sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions, including archived ones",
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

		if sessionsJSON {
			return json.NewEncoder(os.Stdout).Encode(sessions)
		}
		for _, sess := range sessions {
			fmt.Printf("%s\t%s\t%s\n", sess.ChannelID, sess.Status, sess.Repo)
		}
		return nil
	},
}

var sessionsCloseCmd = &cobra.Command{
	Use:   "close <channel-id>",
	Short: "Archive a session and drop its worker state and queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channelID := args[0]
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.ClearQueue(channelID); err != nil {
			return err
		}
		if err := st.DeleteWorkerState(channelID); err != nil {
			return err
		}
		if err := st.ArchiveSession(channelID); err != nil {
			return err
		}
		fmt.Printf("closed %s\n", channelID)
		return nil
	},
}

func openStore() (*store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return store.NewStore(filepath.Join(cfg.DataDir, "coxswain.db"))
}

func init() {
	sessionsListCmd.Flags().BoolVar(&sessionsJSON, "json", false, "emit JSON")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsCloseCmd)
	rootCmd.AddCommand(sessionsCmd)
}
