package cli

import (
	"github.com/ralt/pkgupdate/internal/config"
	"github.com/ralt/pkgupdate/internal/update"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pkgupdate",
		Short: "Find, download and install incremental updates of an application",
		Long: `Pkgupdate keeps an installed application up to date from one or more
update sources. Each source publishes an Updates.xml catalog; updates
newer than the packages recorded in the target's Packages.xml are
downloaded, verified and installed, and rolled back if they fail.

Settings can also be given through PKGUPDATE_* environment variables
or a YAML config file.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Setup logging
			verbose, _ := cmd.Flags().GetBool("verbose")
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.InfoLevel)
			}
		},
		SilenceUsage: true,
	}

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.BoolP("verbose", "v", false, "Enable verbose logging")
	flags.StringP("config", "c", "", "Path to a YAML config file")
	flags.StringP(config.KeyTargetDir, "d", ".", "Directory of the application to update")
	flags.String(config.KeyTargetName, "", "Application name (defaults to the one in Packages.xml)")
	flags.String(config.KeyTargetVersion, "", "Application version (defaults to the one in Packages.xml)")
	flags.String(config.KeyPlatform, update.DefaultPlatform(), "Platform identifier matched against update files")
	flags.String(config.KeyTempDir, "", "Directory for downloads and scratch files")

	// Add subcommands
	rootCmd.AddCommand(NewCheckCmd())
	rootCmd.AddCommand(NewInstallCmd())
	rootCmd.AddCommand(NewSourcesCmd())
	rootCmd.AddCommand(NewPackagesCmd())
	rootCmd.AddCommand(NewCatalogCmd())
	rootCmd.AddCommand(NewRollbackCmd())

	return rootCmd
}

// loadConfig resolves the settings of a command from its flags, the
// environment and the config file
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.New()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	file, _ := cmd.Flags().GetString("config")
	return config.Load(v, file)
}

// openTarget loads the settings and opens the target they point to
func openTarget(cmd *cobra.Command) (*config.Config, *update.Target, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logrus.Debugf("Configuration: %+v", *cfg)

	target, err := cfg.OpenTarget()
	if err != nil {
		return nil, nil, err
	}
	return cfg, target, nil
}
