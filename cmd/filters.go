package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/facefilter/internal/preview"
	"github.com/andresmejia3/facefilter/internal/utils"
	"github.com/spf13/cobra"
)

var filtersCmd = &cobra.Command{
	Use:   "filters",
	Short: "List available filters with their placement tuning and asset status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		eng, err := newEngine()
		if err != nil {
			utils.ShowError("Failed to load tuning", err, nil)
			return err
		}
		writeFilterTable(os.Stdout, eng)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(filtersCmd)
}

func writeFilterTable(out io.Writer, eng *engine) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FILTER\tLANDMARKS\tMULTIPLIER\tOFFSET Y\tASSET")
	fmt.Fprintln(w, "------\t---------\t----------\t--------\t-----")

	for _, info := range preview.Describe(eng.calc, eng.cache) {
		if !info.Placeable {
			fmt.Fprintf(w, "%s\t-\t-\t-\t-\n", info.ID)
			continue
		}

		required := "-"
		if len(info.Landmarks) > 0 {
			required = strings.Join(info.Landmarks, ",")
		}
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%+.2f\t%s\n", info.ID, required, info.Multiplier, info.OffsetY, assetStatus(info))
	}
	w.Flush()
}

func assetStatus(info preview.FilterInfo) string {
	switch info.Asset {
	case preview.AssetError:
		return "❌ " + info.AssetError
	case preview.AssetOK:
		return fmt.Sprintf("%dx%d", info.AssetWidth, info.AssetHeight)
	default:
		return "missing"
	}
}
