package cli

import (
	"fmt"
	"net/url"
	"path/filepath"
	"text/tabwriter"

	"github.com/ralt/pkgupdate/internal/models"
	"github.com/ralt/pkgupdate/internal/sources"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewSourcesCmd creates the sources command and its subcommands
func NewSourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage the update sources of the target",
		Long:  "Lists and edits the update sources recorded in the target's " + sources.FileName + ".",
	}

	cmd.AddCommand(newSourcesListCmd())
	cmd.AddCommand(newSourcesAddCmd())
	cmd.AddCommand(newSourcesRemoveCmd())

	return cmd
}

func newSourcesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the update sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, target, err := openTarget(cmd)
			if err != nil {
				return err
			}
			defer target.Close()

			srcs := target.Sources.Sources()
			out := cmd.OutOrStdout()
			if len(srcs) == 0 {
				fmt.Fprintln(out, "No update sources")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPRIORITY\tURL\tTITLE")
			for _, s := range srcs {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", s.Name, s.Priority, s.URLString(), s.Title)
			}
			return w.Flush()
		},
	}
}

func newSourcesAddCmd() *cobra.Command {
	var src models.UpdateSourceInfo

	cmd := &cobra.Command{
		Use:   "add NAME URL",
		Short: "Add an update source",
		Long: `Adds an update source. URL is the directory holding the source's
Updates.xml; file, ftp, http and https URLs are supported. A plain
path is taken as a local directory.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := parseSourceURL(args[1])
			if err != nil {
				return err
			}
			src.Name = args[0]
			src.URL = u

			_, target, err := openTarget(cmd)
			if err != nil {
				return err
			}
			defer target.Close()

			if target.Sources.IndexOfName(src.Name) >= 0 {
				return models.NewUpdateError(models.ErrInvalidConfig, src.Name, "source already exists")
			}
			target.Sources.Add(src)
			if err := target.Sources.WriteToDisk(); err != nil {
				return fmt.Errorf("failed to save update sources: %w", err)
			}

			logrus.Infof("Added update source %s (%s)", src.Name, u.Redacted())
			return nil
		},
	}

	cmd.Flags().StringVar(&src.Title, "title", "", "Source title")
	cmd.Flags().StringVar(&src.Description, "description", "", "Source description")
	cmd.Flags().IntVarP(&src.Priority, "priority", "p", 0, "Source priority, lower values win")

	return cmd
}

func newSourcesRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Remove an update source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, target, err := openTarget(cmd)
			if err != nil {
				return err
			}
			defer target.Close()

			idx := target.Sources.IndexOfName(args[0])
			if idx < 0 {
				return models.NewUpdateError(models.ErrInvalidConfig, args[0], "no such source")
			}
			target.Sources.RemoveAt(idx)
			if err := target.Sources.WriteToDisk(); err != nil {
				return fmt.Errorf("failed to save update sources: %w", err)
			}

			logrus.Infof("Removed update source %s", args[0])
			return nil
		},
	}
}

// parseSourceURL accepts URLs and plain local paths
func parseSourceURL(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		return u, nil
	}
	abs, err := filepath.Abs(s)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", s, err)
	}
	return &url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}, nil
}
