package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ralt/pkgupdate/internal/config"
	"github.com/ralt/pkgupdate/internal/installer"
	"github.com/ralt/pkgupdate/internal/operations"
	"github.com/ralt/pkgupdate/internal/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewRollbackCmd creates the rollback command
func NewRollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Undo an interrupted install",
		Long: `Reads the install journal left behind by an interrupted install and
undoes its operations, newest first. The journal and the scratch
directory holding the backups are removed afterwards.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, target, err := openTarget(cmd)
			if err != nil {
				return err
			}
			defer target.Close()

			path := cfg.JournalPath()
			if !utils.Exists(path) {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to roll back")
				return nil
			}

			journal, err := operations.ReadJournal(path, operations.DefaultRegistry())
			if err != nil {
				return err
			}

			logrus.Infof("Rolling back %d operation(s) of %s", len(journal.Operations), journal.Update)
			if err := journal.Rollback(target.Packages); err != nil {
				return fmt.Errorf("failed to roll back %s: %w", journal.Update, err)
			}
			if err := target.Packages.WriteToDisk(); err != nil {
				return fmt.Errorf("failed to write package ledger: %w", err)
			}

			if err := os.Remove(path); err != nil {
				logrus.Warnf("Failed to remove journal %s: %v", path, err)
			}
			if journal.BackupDir != "" {
				scratch := filepath.Dir(journal.BackupDir)
				if strings.HasPrefix(filepath.Base(scratch), installer.ScratchPrefix) {
					if err := os.RemoveAll(scratch); err != nil {
						logrus.Warnf("Failed to remove %s: %v", scratch, err)
					}
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %s\n", journal.Update)
			return nil
		},
	}

	cmd.Flags().String(config.KeyJournalFile, "", "Path of the install journal (defaults to "+config.DefaultJournalName+" in the target directory)")

	return cmd
}
