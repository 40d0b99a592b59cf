package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCommand(c *Cli) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		// Версия печатается без загрузки конфигурации
		PersistentPreRunE:  func(*cobra.Command, []string) error { return nil },
		PersistentPostRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "sdsync\n")
			_, _ = fmt.Fprintf(out, "Version:    %s\n", c.build.Version)
			_, _ = fmt.Fprintf(out, "Build Date: %s\n", c.build.BuildDate)
			_, _ = fmt.Fprintf(out, "Git Commit: %s\n", c.build.GitCommit)
		},
	}
}
