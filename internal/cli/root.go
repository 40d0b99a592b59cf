package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/iudanet/librarysync/internal/config"
)

const keyConfigFile = "config"

// NewRootCommand creates the sdsync command tree.
func NewRootCommand(c *Cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sdsync",
		Short:         "Inspect and maintain library sync databases",
		Long:          "sdsync reads the replication log and peer watermarks of a library sync database.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return c.setup()
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			return c.Close()
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(keyConfigFile, "", "config file (yaml, json or toml)")
	flags.String("data-dir", config.DefaultDataDir, "directory holding libraries/<id>/sync.db")
	flags.String("library", "", "library id")
	flags.String("device", "", "this device's id")
	flags.String("log-level", config.DefaultLogLevel, "log level (debug|info|warn|error)")
	flags.String("log-format", config.DefaultLogFormat, "log format (text|json)")
	flags.String("log-file", "", "write logs to a rotated file instead of stderr")
	flags.Duration("staleness", config.DefaultStalenessThreshold, "watermark age after which a peer needs a full resync")

	bindings := map[string]string{
		keyConfigFile:                keyConfigFile,
		config.KeyDataDir:            "data-dir",
		config.KeyLibraryID:          "library",
		config.KeyDeviceID:           "device",
		config.KeyLogLevel:           "log-level",
		config.KeyLogFormat:          "log-format",
		config.KeyLogFile:            "log-file",
		config.KeyStalenessThreshold: "staleness",
	}
	for key, name := range bindings {
		mustBind(c, key, flags.Lookup(name))
	}

	cmd.AddCommand(newLogCommand(c))
	cmd.AddCommand(newWatermarksCommand(c))
	cmd.AddCommand(newStatusCommand(c))
	cmd.AddCommand(newVersionCommand(c))

	return cmd
}

func mustBind(c *Cli, key string, flag *pflag.Flag) {
	if err := c.v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}
