package cli

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/devdost/wsync/internal/fileutil"
	"github.com/spf13/cobra"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export <project>",
	Short: "Write a zip archive of a project",
	Long: `Write a deflated zip archive of the text files of a project.

Tooling directories (node_modules, .git, ...), binary files and files above
the size ceiling are left out, exactly as they are from synchronization.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Archive path (default: <project>.zip)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	svc, _, err := openWorkspace()
	if err != nil {
		return err
	}
	project := args[0]
	if !svc.ProjectExists(project) {
		return fmt.Errorf("project %s does not exist", project)
	}

	out := exportOutput
	if out == "" {
		out = project + ".zip"
	}
	out, err = filepath.Abs(out)
	if err != nil {
		return fmt.Errorf("failed to resolve output path: %w", err)
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(svc.DownloadArchive(cmd.Context(), project, pw))
	}()
	if err := fileutil.NewAtomicWriter().WriteFrom(out, pr); err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("failed to export %s: %w", project, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Exported %s to %s\n", project, out)
	return nil
}
