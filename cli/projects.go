package cli

import (
	"context"
	"fmt"

	"github.com/devdost/wsync/config"
	"github.com/devdost/wsync/filter"
	"github.com/devdost/wsync/registry"
	"github.com/devdost/wsync/runner"
	"github.com/devdost/wsync/workspace"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var projectsStats bool

var projectsCmd = &cobra.Command{
	Use:     "projects",
	Aliases: []string{"project"},
	Short:   "Manage the projects of the sync root",
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := openWorkspace()
		if err != nil {
			return err
		}
		names, err := svc.ListProjects()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(names) == 0 {
			fmt.Fprintln(out, "No projects.")
			return nil
		}
		for _, name := range names {
			if !projectsStats {
				fmt.Fprintln(out, name)
				continue
			}
			info, err := svc.Stat(cmd.Context(), name)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s\t%d files\t%d dirs\t%d bytes\n", name, info.Files, info.Directories, info.Bytes)
		}
		return nil
	},
}

var projectsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an empty project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := openWorkspace()
		if err != nil {
			return err
		}
		p, err := svc.CreateProject(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created project %s at %s\n", p.Name, p.Root)
		return nil
	},
}

var projectsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a project and everything in it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cfg, err := openWorkspace()
		if err != nil {
			return err
		}
		name := args[0]

		// A development server started by a running 'wsync serve' would keep
		// files open; refuse instead of pulling the tree from under it.
		if pid, err := runner.ReadPIDFile(config.GetRunDir(cfg.Root), name); err == nil && pid > 0 && runner.IsProcessRunning(pid) {
			return fmt.Errorf("project %s has a running development server (PID %d); stop it first", name, pid)
		}

		if err := svc.DeleteProject(context.WithoutCancel(cmd.Context()), name); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted project %s\n", name)
		return nil
	},
}

func init() {
	projectsListCmd.Flags().BoolVar(&projectsStats, "stats", false, "Show file and directory counts")
	projectsCmd.AddCommand(projectsListCmd, projectsCreateCmd, projectsDeleteCmd)
	rootCmd.AddCommand(projectsCmd)
}

// openWorkspace builds a workspace service without a bus. Changes made this
// way reach editors through the watcher of a running server.
func openWorkspace() (*workspace.Service, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	reg, err := registry.New(cfg.Root, zap.NewNop())
	if err != nil {
		return nil, nil, err
	}
	svc := workspace.New(reg, workspace.Options{
		Filter: filter.New(cfg.Sync.FilterOptions()),
	})
	return svc, cfg, nil
}
