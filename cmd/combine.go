package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/combine"
	"github.com/JakeFAU/stackharvest/internal/crawler"
)

// newCombineCmd creates the 'combine' subcommand, which merges CSV outputs.
func newCombineCmd() *cobra.Command {
	var src, dest string
	cmd := &cobra.Command{
		Use:   "combine",
		Short: "Merge CSV outputs into one file sorted by view count",
		Long: `Reads every source CSV, skips header rows and questions already seen,
and writes the rows to the destination ordered by view count, highest first.`,
		Example: `  stackharvest combine --src "worker[1]_appender.csv;worker[2]_appender.csv" --dest go.csv`,
		RunE: withSession(func(cmd *cobra.Command, _ []string, appInstance App) error {
			sources := crawler.SplitTags(src)
			if len(sources) == 0 {
				return errors.New("--src must name at least one file")
			}
			res, err := combine.Combine(cmd.Context(), sources, dest, appInstance.Logger())
			if err != nil {
				return err
			}
			appInstance.Logger().Info("combine finished",
				zap.String("dest", dest),
				zap.Int("rows", res.Rows),
				zap.Int("duplicates", res.Duplicates),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "combined %d file(s) into %s: %d rows, %d duplicates, %d skipped\n",
				res.Files, dest, res.Rows, res.Duplicates, res.Skipped)
			return nil
		}),
	}

	cmd.Flags().StringVar(&src, "src", "", "source CSV files, separated by ';'")
	cmd.Flags().StringVar(&dest, "dest", "", "destination CSV file")
	_ = cmd.MarkFlagRequired("src")
	_ = cmd.MarkFlagRequired("dest")
	return cmd
}
