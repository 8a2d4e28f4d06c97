package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/ralt/pkgupdate/internal/models"
	"github.com/spf13/cobra"
)

// NewPackagesCmd creates the packages command
func NewPackagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "packages",
		Short: "Inspect the packages installed in the target",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the installed packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, target, err := openTarget(cmd)
			if err != nil {
				return err
			}
			defer target.Close()

			ledger := target.Packages
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Target: %s %s", ledger.TargetName(), ledger.TargetVersion())
			if level := ledger.CompatLevel(); level >= 0 {
				fmt.Fprintf(out, " (compat level %d)", level)
			}
			fmt.Fprintln(out)

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tINSTALLED\tUPDATED\tSIZE\tDEPENDENCIES")
			for _, p := range ledger.PackageInfos() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					p.Name, p.Version,
					models.FormatDate(p.InstallDate), models.FormatDate(p.LastUpdateDate),
					p.UncompressedSize, strings.Join(p.Dependencies, ","))
			}
			return w.Flush()
		},
	})

	return cmd
}
