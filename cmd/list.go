package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/andresmejia3/facefilter/internal/utils"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:         "list",
	Short:       "List all videos with stored detections",
	Annotations: needsDB,
	Run: func(cmd *cobra.Command, args []string) {
		runList(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context) {
	videos, err := DB.ListVideos(ctx)
	if err != nil {
		utils.Die("Failed to list videos", err, nil)
	}

	if len(videos) == 0 {
		fmt.Println("No videos found in database.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tVIDEO\tSIZE\tKEYFRAMES\tFACES\tINDEXED")
	fmt.Fprintln(w, "--\t-----\t----\t---------\t-----\t-------")

	for _, v := range videos {
		fmt.Fprintf(w, "%s\t%s\t%dx%d\t%d\t%d\t%s\n",
			shortID(v.ID),
			filepath.Base(v.Path),
			v.Width, v.Height,
			v.Keyframes,
			v.Faces,
			v.IndexedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	w.Flush()
}

// shortID truncates a video hash for display.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
