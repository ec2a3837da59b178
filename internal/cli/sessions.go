package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tecet/ollm/internal/core"
	"github.com/tecet/ollm/internal/session"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage conversation sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions on disk",
		Args:  cobra.NoArgs,
		RunE:  runSessionsListCmd,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "use <session-id>",
		Short: "Make a session the active one",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionsUseCmd,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session log",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionsDeleteCmd,
	})

	return cmd
}

func runSessionsListCmd(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	service := &session.FileService{BaseDir: a.Config.DataDir}
	infos, err := service.List()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(infos) == 0 {
		fmt.Println(styleDim.Render("no sessions"))
		return nil
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ModifiedAt.After(infos[j].ModifiedAt)
	})

	t := newTable("", "ID", "MESSAGES", "SIZE", "MODIFIED")
	for _, info := range infos {
		marker := " "
		id := string(info.ID)
		if id == a.SessionID {
			marker = styleActive.Render("*")
			id = styleActive.Render(id)
		}
		t.Row(marker, id,
			fmt.Sprintf("%d", info.MessageCount),
			formatBytes(info.FileSize),
			formatAge(info.ModifiedAt))
	}
	fmt.Println(t.Render())
	return nil
}

func runSessionsUseCmd(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	service := &session.FileService{BaseDir: a.Config.DataDir}
	if _, err := service.Get(core.SessionID(args[0])); err != nil {
		return err
	}
	if err := saveActiveSession(a.Config.DataDir, args[0]); err != nil {
		return err
	}

	fmt.Println(styleSuccess.Render("active session") + " " + args[0])
	return nil
}

func runSessionsDeleteCmd(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	service := &session.FileService{BaseDir: a.Config.DataDir}
	if err := service.Delete(core.SessionID(args[0])); err != nil {
		return err
	}

	if loadActiveSession(a.Config.DataDir) == args[0] {
		_ = os.Remove(filepath.Join(a.Config.DataDir, "active_session"))
	}

	fmt.Println(styleSuccess.Render("deleted session") + " " + args[0])
	return nil
}
