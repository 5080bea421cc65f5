package cmd

import (
	"context"
	"fmt"
	"image"
	"os"

	"github.com/andresmejia3/facefilter/internal/preview"
	"github.com/andresmejia3/facefilter/internal/types"
	"github.com/andresmejia3/facefilter/internal/utils"
	"github.com/spf13/cobra"
)

var renderOpts Options

var renderCmd = &cobra.Command{
	Use:   "render <image_path>",
	Short: "Apply a face filter to a single image",
	Long:  "Renders one filter over a still image. Faces come from a JSON or MessagePack file (--faces) or the landmark detector.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		renderOpts.InputPath = args[0]
		return runRender(cmd.Context(), renderOpts)
	},
}

func init() {
	renderCmd.Flags().StringVarP(&renderOpts.OutputPath, "output", "o", "filtered.png", "Path to output PNG")
	renderCmd.Flags().StringVar(&renderOpts.FacesPath, "faces", "", "Face records in image pixels, JSON or .msgpack (skips the detector)")
	renderCmd.Flags().StringVarP(&renderOpts.Filter, "filter", "f", string(types.FilterSunglasses), "Filter: none, sunglasses, cat_ears, hat")
	renderCmd.Flags().BoolVarP(&renderOpts.Mirror, "mirror", "m", false, "Mirror the result horizontally")
	addDetectorFlags(renderCmd, &renderOpts)
	rootCmd.AddCommand(renderCmd)
}

func runRender(ctx context.Context, opts Options) error {
	if err := validateInputFile(opts.InputPath); err != nil {
		return err
	}
	filter, err := types.ParseFilterID(opts.Filter)
	if err != nil {
		utils.ShowError("Invalid filter", err, nil)
		return err
	}

	img, err := decodeImage(opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}
	faces, err := renderFaces(ctx, opts, img)
	if err != nil {
		return err
	}
	if len(faces) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
	}

	eng, err := newEngine()
	if err != nil {
		utils.ShowError("Failed to load tuning", err, nil)
		return err
	}

	display, out := preview.Composite(ctx, eng.comp, img, faces, filter, opts.Mirror)
	if out.Status != types.Published {
		err := fmt.Errorf("render %s", out)
		utils.ShowError("Overlay render failed", err, nil)
		return err
	}

	if err := encodePNG(opts.OutputPath, display); err != nil {
		utils.ShowError("Failed to write output image", err, nil)
		return err
	}

	if out.Placement != nil {
		fmt.Printf("✅ %s placed at (%.1f, %.1f) scale %.3f\n", filter, out.Placement.AnchorX, out.Placement.AnchorY, out.Placement.Scale)
	} else if filter != types.FilterNone && len(faces) > 0 {
		fmt.Printf("⚠️  %s could not be placed (missing landmarks or asset)\n", filter)
	}
	fmt.Printf("💾 Saved %s\n", opts.OutputPath)
	return nil
}

// renderFaces reads faces from --faces, or runs the detector once.
func renderFaces(ctx context.Context, opts Options, img *image.RGBA) ([]types.FaceRecord, error) {
	if opts.FacesPath != "" {
		f, err := os.Open(opts.FacesPath)
		if err != nil {
			utils.ShowError("Failed to read faces file", err, nil)
			return nil, err
		}
		defer f.Close()

		faces, err := preview.DecodeFaces(f, preview.IsMsgpackPath(opts.FacesPath))
		if err != nil {
			utils.ShowError("Failed to parse faces file", err, nil)
			return nil, err
		}
		return faces, nil
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting detector engine...")
	// We use ID 0 for this ad-hoc worker
	det, release, err := newDetector(opts, 0)
	if err != nil {
		utils.ShowError("Failed to start detector", err, nil)
		return nil, err
	}
	defer release()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	faces, err := det.Detect(ctx, types.FrameTask{
		Data:   img.Pix,
		Width:  img.Rect.Dx(),
		Height: img.Rect.Dy(),
	})
	if err != nil {
		utils.ShowError("Detector processing failed", err, detectorCmd(det))
		return nil, err
	}
	return faces, nil
}
