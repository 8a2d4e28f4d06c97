package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/ralt/pkgupdate/internal/config"
	"github.com/ralt/pkgupdate/internal/finder"
	"github.com/ralt/pkgupdate/internal/models"
	"github.com/ralt/pkgupdate/internal/update"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewCheckCmd creates the check command
func NewCheckCmd() *cobra.Command {
	var compat bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "List the updates available for the target",
		Long: `Downloads the catalog of every update source and lists the updates
that apply to the packages installed in the target directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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

			printUpdates(cmd.OutOrStdout(), updates)
			return nil
		},
	}

	cmd.Flags().BoolVar(&compat, "compat", false, "Look for the next compat level update instead of package updates")
	cmd.Flags().Bool(config.KeyAddNewPackages, false, "Include packages that are not installed yet")

	return cmd
}

func findUpdates(ctx context.Context, target *update.Target, compat, addNew bool) ([]*update.Update, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	f := finder.New(target)
	f.SetAddNewPackages(addNew)
	if compat {
		f.SetMode(models.CompatUpdate)
	}

	logrus.Infof("Checking %d update source(s) for %s %s", target.Sources.Count(), target.Name, target.Version)
	if err := f.Run(ctx); err != nil {
		return nil, fmt.Errorf("failed to find updates: %w", err)
	}
	return f.Updates(), nil
}

func closeUpdates(updates []*update.Update) {
	for _, u := range updates {
		if err := u.Close(); err != nil {
			logrus.Warnf("Failed to release %s: %v", u.Name(), err)
		}
	}
}

func printUpdates(out io.Writer, updates []*update.Update) {
	if len(updates) == 0 {
		fmt.Fprintln(out, "No updates available")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tRELEASED\tSOURCE\tFILE")
	for _, u := range updates {
		name, ver := u.PackageName(), u.Version()
		if u.Kind() == models.CompatUpdate {
			name, ver = "CompatLevel", u.Data("CompatLevel")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, ver, models.FormatDate(u.ReleaseDate()), u.Source().Name, u.File().FileName)
	}
	w.Flush()
}
