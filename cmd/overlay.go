package cmd

import (
	"context"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/andresmejia3/facefilter/internal/compositor"
	"github.com/andresmejia3/facefilter/internal/pipeline"
	"github.com/andresmejia3/facefilter/internal/preview"
	"github.com/andresmejia3/facefilter/internal/scheduler"
	"github.com/andresmejia3/facefilter/internal/store"
	"github.com/andresmejia3/facefilter/internal/surface"
	"github.com/andresmejia3/facefilter/internal/types"
	"github.com/andresmejia3/facefilter/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var overlayOpts Options

var overlayCmd = &cobra.Command{
	Use:         "overlay",
	Short:       "Draw a face filter over every frame of a video",
	Long:        "Streams a video through the overlay engine. Faces come from a previous 'detect' run, or from a live detector with --live.",
	Annotations: optionalDB,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runOverlay(cmd.Context(), overlayOpts)
	},
}

func init() {
	overlayCmd.Flags().StringVarP(&overlayOpts.InputPath, "input", "i", "", "Path to input video")
	overlayCmd.Flags().StringVarP(&overlayOpts.OutputPath, "output", "o", "filtered.mp4", "Path to output video")
	overlayCmd.Flags().StringVarP(&overlayOpts.Filter, "filter", "f", string(types.FilterSunglasses), "Filter: none, sunglasses, cat_ears, hat")
	overlayCmd.Flags().BoolVarP(&overlayOpts.Mirror, "mirror", "m", false, "Mirror output horizontally (front camera preview)")
	overlayCmd.Flags().BoolVar(&overlayOpts.Live, "live", false, "Run the landmark detector on the fly instead of replaying stored detections")
	overlayCmd.Flags().BoolVarP(&overlayOpts.Wait, "wait", "w", false, "Wait for each render before encoding its frame (no stale overlays)")
	overlayCmd.Flags().IntVarP(&overlayOpts.NthFrame, "nth-frame", "n", 3, "Live: detect every Nth frame. Replay: reuse a keyframe for up to N frames")
	overlayCmd.Flags().Float64Var(&overlayOpts.DisplayScale, "display-scale", 1.0, "Output size relative to the input video")
	addDetectorFlags(overlayCmd, &overlayOpts)

	overlayCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(overlayCmd)
}

func runOverlay(ctx context.Context, opts Options) error {
	// Cancelling kills FFmpeg and Python if we return early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	filter, err := validateOverlayFlags(&opts)
	if err != nil {
		return err
	}

	eng, err := newEngine()
	if err != nil {
		utils.ShowError("Failed to load tuning", err, nil)
		return err
	}
	if err := eng.cache.Preload(filter); err != nil {
		// Not fatal: frames render without the filter until the asset is fixed.
		fmt.Fprintf(os.Stderr, "⚠️  %v\n", err)
	}

	fps, err := utils.GetVideoFPS(ctx, opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to determine video FPS", err, nil)
		return err
	}
	width, height, err := utils.GetVideoDimensions(ctx, opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to determine video dimensions", err, nil)
		return err
	}
	dispW, dispH := displaySize(width, height, opts.DisplayScale)

	var detector pipeline.Detector
	if opts.Live {
		fmt.Fprintf(os.Stderr, "🚀 Warming up %s detector...\n", opts.Detector)
		d, release, err := newDetector(opts, 0)
		if err != nil {
			utils.ShowError("Detector startup failed", err, nil)
			return err
		}
		defer release()
		detector = d
	} else {
		rec, err := loadRecorded(ctx, opts.InputPath, opts.NthFrame)
		if err != nil {
			return err
		}
		detector = rec
	}

	surf := surface.NewImageSurface(dispW, dispH)
	defer surf.Close()

	var p *pipeline.Pipeline
	outcomes := make(chan types.RenderOutcome, 8)
	sched := scheduler.New(
		func(ctx context.Context, f compositor.Frame) types.RenderOutcome {
			return eng.comp.Render(ctx, surf, f)
		},
		scheduler.WithBaseContext(ctx),
		scheduler.OnOutcome(func(o types.RenderOutcome) {
			p.Observe(o)
			if opts.Wait {
				select {
				case outcomes <- o:
				default:
				}
			}
		}),
	)
	defer sched.Close()
	p = pipeline.New(sched, detector, surf, pipeline.WithFilter(filter), pipeline.WithMirror(opts.Mirror))

	decoder := utils.NewFFmpegRawDecoder(ctx, opts.InputPath)
	decoderOut, err := decoder.StdoutPipe()
	if err != nil {
		utils.ShowError("Failed to create decoder pipe", err, nil)
		return err
	}
	if err := decoder.Start(); err != nil {
		utils.ShowError("Failed to start decoder", err, nil)
		return err
	}

	encoder := utils.NewFFmpegEncoder(ctx, opts.OutputPath, fps, dispW, dispH)
	encoderIn, err := encoder.StdinPipe()
	if err != nil {
		utils.ShowError("Failed to create encoder pipe", err, nil)
		return err
	}
	if err := encoder.Start(); err != nil {
		utils.ShowError("Failed to start encoder", err, nil)
		return err
	}

	var barTotal int64 = int64(utils.GetTotalFrames(ctx, opts.InputPath))
	if barTotal <= 0 {
		barTotal = -1 // Trigger spinner mode
	}
	bar := progressbar.NewOptions64(barTotal,
		progressbar.OptionSetDescription("🎭 Filtering"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	display := image.NewRGBA(image.Rect(0, 0, dispW, dispH))
	frameSize := width * height * 4
	idx := 0
	for {
		buf := utils.GetFrameBuffer(frameSize)
		if _, err := io.ReadFull(decoderOut, buf); err != nil {
			// EOF or unexpected error, stop reading
			utils.PutFrameBuffer(buf)
			break
		}

		// The camera image goes to the display before the pipeline
		// takes ownership of the buffer.
		preview.Blit(display, wrapRGBA(buf, width, height), opts.Mirror)
		task := types.FrameTask{
			Index:   idx,
			Data:    buf,
			Width:   width,
			Height:  height,
			Release: func() { utils.PutFrameBuffer(buf) },
		}

		submitted := false
		if !opts.Live || idx%opts.NthFrame == 0 {
			submitted = p.ProcessFrame(ctx, task)
		} else {
			task.Done()
		}
		if p.Stopped() {
			err := fmt.Errorf("overlay surface closed at frame %d", idx)
			utils.ShowError("Overlay render stopped", err, nil)
			return err
		}
		if submitted && opts.Wait {
			if err := awaitGeneration(ctx, outcomes, p.Diagnostics().LastGeneration); err != nil {
				return err
			}
		}

		compositor.Flatten(display, surf.Snapshot())
		if _, err := encoderIn.Write(display.Pix); err != nil {
			utils.ShowError("Failed to write frame to encoder", err, nil)
			return err
		}
		bar.Add(1)
		idx++
	}
	bar.Finish()

	sched.Close()
	encoderIn.Close()
	if err := encoder.Wait(); err != nil {
		utils.ShowError("Encoder process failed", err, nil)
		return err
	}
	if err := decoder.Wait(); err != nil {
		utils.ShowError("Decoder process failed", err, nil)
		return err
	}

	printOverlaySummary(p.Diagnostics(), sched.Stats(), eng, idx)
	return nil
}

// awaitGeneration blocks until the render for gen (or a newer one) reports.
func awaitGeneration(ctx context.Context, outcomes <-chan types.RenderOutcome, gen uint64) error {
	for {
		select {
		case o := <-outcomes:
			if o.Generation >= gen {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// loadRecorded replays the detections stored by a previous 'detect' run.
func loadRecorded(ctx context.Context, path string, window int) (*store.Recorded, error) {
	videoID, err := utils.GenerateVideoID(path)
	if err != nil {
		utils.ShowError("Failed to generate video ID", err, nil)
		return nil, err
	}
	frames, err := DB.LoadFaces(ctx, videoID)
	if err != nil {
		utils.ShowError("Failed to load detections", err, nil)
		return nil, err
	}
	if len(frames) == 0 {
		err := fmt.Errorf("no detections stored for %s", filepath.Base(path))
		utils.ShowError("Run 'facefilter detect' first or pass --live", err, nil)
		return nil, err
	}
	rec := store.NewRecorded(frames, window)
	fmt.Fprintf(os.Stderr, "📼 Replaying %d keyframes for video %s\n", rec.Keyframes(), shortID(videoID))
	return rec, nil
}

// displaySize scales the video size, keeping both sides even for yuv420p.
func displaySize(width, height int, scale float64) (int, int) {
	even := func(v int) int {
		v &^= 1
		if v < 2 {
			return 2
		}
		return v
	}
	return even(int(math.Round(float64(width) * scale))), even(int(math.Round(float64(height) * scale)))
}

func printOverlaySummary(d pipeline.Diagnostics, s scheduler.Stats, eng *engine, frames int) {
	cs := eng.cache.Stats()
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 OVERLAY SUMMARY\n")
	fmt.Fprintf(os.Stderr, "   Frames encoded:    %d\n", frames)
	fmt.Fprintf(os.Stderr, "   Frames submitted:  %d (dropped while busy: %d)\n", d.FramesProcessed, d.FramesDropped)
	fmt.Fprintf(os.Stderr, "   Renders:           %d published, %d cancelled, %d skipped, %d superseded\n",
		s.Published, s.Cancelled, s.Skipped, s.Superseded)
	fmt.Fprintf(os.Stderr, "   Last outcome:      %s (generation %d)\n", d.LastOutcome, d.LastOutcome.Generation)
	fmt.Fprintf(os.Stderr, "   Detector errors:   %d\n", d.DetectorErrors)
	fmt.Fprintf(os.Stderr, "   Asset cache:       %d hits, %d misses, %d failures\n", cs.Hits, cs.Misses, cs.Failures)
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

func validateOverlayFlags(opts *Options) (types.FilterID, error) {
	if err := validateInputFile(opts.InputPath); err != nil {
		return "", err
	}

	// Safety Check: Prevent overwriting input file which causes corruption
	inAbs, _ := filepath.Abs(opts.InputPath)
	outAbs, _ := filepath.Abs(opts.OutputPath)
	if inAbs == outAbs {
		err := fmt.Errorf("input and output paths must be different to prevent file corruption")
		utils.ShowError("Invalid output path", err, nil)
		return "", err
	}

	filter, err := types.ParseFilterID(opts.Filter)
	if err != nil {
		utils.ShowError("Invalid filter", err, nil)
		return "", err
	}
	if opts.NthFrame < 1 {
		err := fmt.Errorf("must be >= 1, got %d", opts.NthFrame)
		utils.ShowError("Invalid nth-frame interval", err, nil)
		return "", err
	}
	if !(opts.DisplayScale > 0) || math.IsInf(opts.DisplayScale, 0) {
		err := fmt.Errorf("must be a positive number, got %v", opts.DisplayScale)
		utils.ShowError("Invalid display scale", err, nil)
		return "", err
	}
	return filter, nil
}
