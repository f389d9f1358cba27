package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/kilupskalvis/factflow/internal/config"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with default settings",
	Args:  cobra.MaximumNArgs(1),
	Run:   runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  `Print the configuration after applying the file and FACTFLOW_* environment overrides.`,
	Run:   runConfigShow,
}

func init() {
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) {
	path := config.DefaultFile
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil && !configForce {
		exitError("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		exitError("%v", err)
	}

	if err := config.Default().Save(path); err != nil {
		exitError("%v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
}

func runConfigShow(cmd *cobra.Command, args []string) {
	cfg, _ := loadConfig()
	data, err := toml.Marshal(cfg.Redacted())
	if err != nil {
		exitError("failed to render config: %v", err)
	}
	if cfg.Path() != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "# loaded from %s\n", cfg.Path())
	}
	cmd.OutOrStdout().Write(data)
}
