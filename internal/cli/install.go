package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ralt/pkgupdate/internal/config"
	"github.com/ralt/pkgupdate/internal/installer"
	"github.com/ralt/pkgupdate/internal/models"
	"github.com/ralt/pkgupdate/internal/operations"
	"github.com/ralt/pkgupdate/internal/task"
	"github.com/ralt/pkgupdate/internal/update"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewInstallCmd creates the install command
func NewInstallCmd() *cobra.Command {
	var (
		compat        bool
		noJournal     bool
		keepDownloads bool
		noProgress    bool
		onAsk         string
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Download and install the available updates",
		Long: `Finds the updates available for the target, downloads and verifies
them, then runs the UpdateInstructions.xml of each one. When an
operation fails the update is rolled back according to its OnError
policy. Packages.xml is written once at the end.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ask, err := askPolicy(onAsk)
			if err != nil {
				return err
			}

			cfg, target, err := openTarget(cmd)
			if err != nil {
				return err
			}
			defer target.Close()

			updates, err := findUpdates(cmd.Context(), target, compat, cfg.AddNewPackages)
			if err != nil {
				return err
			}
			defer closeUpdates(updates)

			out := cmd.OutOrStdout()
			if len(updates) == 0 {
				fmt.Fprintln(out, "No updates available")
				return nil
			}

			for _, u := range updates {
				u.SetKeepDownloadedFile(keepDownloads)
			}

			in := installer.New(target)
			in.SetUpdates(updates)
			if ask != nil {
				in.SetAskUser(ask)
			}
			if !noJournal {
				in.SetJournalFile(cfg.JournalPath())
			}

			if !noProgress {
				bar := newProgressBar(cmd.ErrOrStderr())
				unsubscribe := in.Subscribe(func(ev task.Event) {
					if ev.Kind == task.EventProgress {
						bar.Describe(ev.Text)
						if err := bar.Set(ev.Percent); err != nil {
							logrus.Debugf("failed to update progress bar: %v", err)
						}
					}
				})
				defer unsubscribe()
				defer bar.Finish()
			}

			logrus.Infof("Installing %d update(s)", len(updates))
			runErr := in.Run(cmd.Context())

			for _, u := range in.Installed() {
				if u.Kind() == models.CompatUpdate {
					fmt.Fprintf(out, "Installed compat level %s\n", u.Data("CompatLevel"))
					continue
				}
				fmt.Fprintf(out, "Installed %s %s\n", u.PackageName(), u.Version())
			}
			if runErr != nil {
				return fmt.Errorf("failed to install updates: %w", runErr)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&compat, "compat", false, "Install the next compat level update instead of package updates")
	cmd.Flags().Bool(config.KeyAddNewPackages, false, "Also install packages that are not installed yet")
	cmd.Flags().String(config.KeyJournalFile, "", "Path of the install journal (defaults to "+config.DefaultJournalName+" in the target directory)")
	cmd.Flags().BoolVar(&noJournal, "no-journal", false, "Do not keep an install journal")
	cmd.Flags().BoolVar(&keepDownloads, "keep-downloads", false, "Keep downloaded payloads after installing")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Do not display a progress bar")
	cmd.Flags().StringVar(&onAsk, "on-ask", "abort", "Answer given to operations with the AskUser policy (abort, continue)")

	return cmd
}

// askPolicy turns the --on-ask answer into an installer hook
func askPolicy(answer string) (installer.AskUserFunc, error) {
	switch strings.ToLower(answer) {
	case "", "abort":
		return nil, nil
	case "continue":
		return func(u *update.Update, op operations.Operation, err error) installer.Action {
			logrus.Warnf("Continuing past failed %s of %s: %v", op.Name(), u.Name(), err)
			return installer.Continue
		}, nil
	default:
		return nil, models.NewUpdateError(models.ErrInvalidConfig, "on-ask", "unknown answer %q", answer)
	}
}

func newProgressBar(w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowDescriptionAtLineEnd(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
