package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tecet/ollm/internal/config"
	"github.com/tecet/ollm/internal/core"
	"github.com/tecet/ollm/internal/snapshot"
)

func newSnapshotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Browse saved context snapshots",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list [session-id]",
		Short: "List snapshots for a session, or for every session",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSnapshotsListCmd,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <snapshot-id>",
		Short: "Print a snapshot's messages",
		Args:  cobra.ExactArgs(1),
		RunE:  runSnapshotsShowCmd,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <session-id> <snapshot-id>",
		Short: "Delete a snapshot",
		Args:  cobra.ExactArgs(2),
		RunE:  runSnapshotsDeleteCmd,
	})

	return cmd
}

// openSnapshotStore reads the store directly; snapshots are plain files so
// the server does not need to be running.
func openSnapshotStore(cfg config.Config) *snapshot.FileStore {
	return snapshot.NewFileStore(filepath.Join(cfg.DataDir, "snapshots"), cfg.Context.Snapshots.MaxCount, nil, nil)
}

func runSnapshotsListCmd(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	store := openSnapshotStore(a.Config)

	var sessions []core.SessionID
	if len(args) == 1 {
		sessions = []core.SessionID{core.SessionID(args[0])}
	} else {
		sessions, err = store.Sessions()
		if err != nil {
			return fmt.Errorf("list snapshot sessions: %w", err)
		}
	}

	t := newTable("SESSION", "ID", "MESSAGES", "TOKENS", "CREATED")
	count := 0
	for _, sessionID := range sessions {
		metas, err := store.List(sessionID)
		if err != nil {
			return fmt.Errorf("list snapshots: %w", err)
		}
		for _, meta := range metas {
			session := string(meta.SessionID)
			if string(meta.SessionID) == a.SessionID {
				session = styleActive.Render(session)
			}
			t.Row(session, meta.ID,
				fmt.Sprintf("%d", meta.MessageCount),
				fmt.Sprintf("%d", meta.TokenCount),
				formatAge(meta.Timestamp))
			count++
		}
	}

	if count == 0 {
		fmt.Println(styleDim.Render("no snapshots"))
		return nil
	}
	fmt.Println(t.Render())
	return nil
}

func runSnapshotsShowCmd(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	snap, err := openSnapshotStore(a.Config).Load(args[0])
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	fmt.Println(field("snapshot", styleToolName.Render(snap.ID)))
	fmt.Println(field("session", string(snap.SessionID)))
	fmt.Println(field("created", snap.Timestamp.Local().Format("2006-01-02 15:04:05")))
	fmt.Println(field("tokens", fmt.Sprintf("%d", snap.TokenCount)))
	fmt.Println()

	for _, msg := range snap.Messages {
		fmt.Println(roleStyle(msg.Role).Render(fmt.Sprintf("%-9s", msg.Role)) + " " + truncate(msg.Content, 100))
	}
	return nil
}

func runSnapshotsDeleteCmd(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	if err := openSnapshotStore(a.Config).Delete(core.SessionID(args[0]), args[1]); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}

	fmt.Println(styleSuccess.Render("deleted snapshot") + " " + args[1])
	return nil
}
