package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/andresmejia3/facefilter/internal/store"
	"github.com/andresmejia3/facefilter/internal/types"
	"github.com/andresmejia3/facefilter/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var detectOpts Options

var detectCmd = &cobra.Command{
	Use:         "detect",
	Short:       "Record face landmarks for a video with parallel detector engines",
	Annotations: needsDB,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runDetect(cmd.Context(), detectOpts)
	},
}

func init() {
	detectCmd.Flags().StringVarP(&detectOpts.InputPath, "input", "i", "", "Path to video")
	detectCmd.Flags().IntVarP(&detectOpts.NthFrame, "nth-frame", "n", 3, "Detector keyframe interval (e.g. detect every 3rd frame)")
	detectCmd.Flags().IntVarP(&detectOpts.NumEngines, "engines", "e", 1, "Number of parallel detector workers")
	addDetectorFlags(detectCmd, &detectOpts)

	detectCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(detectCmd)
}

// detectResult wraps the output from a worker to be sent to the aggregator
type detectResult struct {
	Index int
	Faces []types.FaceRecord
}

// runDetect orchestrates detection: DB registration, worker pool, FFmpeg
// streaming and progress tracking.
func runDetect(ctx context.Context, opts Options) error {
	// Ensure child processes die with us if we return early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := validateDetectFlags(&opts); err != nil {
		return err
	}

	videoID, err := utils.GenerateVideoID(opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to generate video ID", err, nil)
		return err
	}
	width, height, err := utils.GetVideoDimensions(ctx, opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to determine video dimensions", err, nil)
		return err
	}
	if err := DB.EnsureVideo(ctx, videoID, opts.InputPath, width, height); err != nil {
		utils.ShowError("Failed to register video", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "📼 Processing Video ID: %s (%dx%d)\n", shortID(videoID), width, height)
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Detector Engines...\n", opts.NumEngines)

	totalVideoFrames := utils.GetTotalFrames(ctx, opts.InputPath)
	if totalVideoFrames <= 0 {
		// Fallback to a spinner if ffprobe fails
		totalVideoFrames = -1
	}
	bar := progressbar.NewOptions(totalVideoFrames,
		progressbar.OptionSetDescription("🔍 Detecting"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	taskChan := make(chan types.FrameTask, opts.NumEngines)
	resultsChan := make(chan detectResult, opts.NumEngines*2)
	errChan := make(chan error, opts.NumEngines+1)
	var wg sync.WaitGroup

	// Aggregator must run concurrently to prevent deadlock on resultsChan
	aggDone := make(chan error, 1)
	go func() {
		aggDone <- persistResults(ctx, resultsChan, DB, videoID)
	}()

	for i := 0; i < opts.NumEngines; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			if err := startWorker(ctx, workerID, opts, taskChan, resultsChan); err != nil {
				select {
				case errChan <- err:
				default:
				}
				cancel()
			}
		}(i)
	}

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

	frameSize := width * height * 4
	totalFrames, sentFrames := 0, 0
	discard := make([]byte, frameSize)
read:
	for {
		keyframe := totalFrames%opts.NthFrame == 0
		buf := discard
		if keyframe {
			buf = utils.GetFrameBuffer(frameSize)
		}
		if _, err := io.ReadFull(decoderOut, buf); err != nil {
			if keyframe {
				utils.PutFrameBuffer(buf)
			}
			break
		}
		bar.Add(1)

		if keyframe {
			data := buf
			task := types.FrameTask{
				Index:   totalFrames,
				Data:    data,
				Width:   width,
				Height:  height,
				Release: func() { utils.PutFrameBuffer(data) },
			}
			select {
			case taskChan <- task:
				sentFrames++
			case <-ctx.Done():
				task.Done()
				break read
			}
		}
		totalFrames++
	}
	close(taskChan)
	wg.Wait()
	// Workers that quit on cancellation leave frames behind.
	releaseTasks(taskChan)
	close(resultsChan)
	aggErr := <-aggDone

	select {
	case err := <-errChan:
		return err
	default:
	}
	if aggErr != nil {
		utils.ShowError("Failed to persist detections", aggErr, nil)
		return aggErr
	}
	if err := decoder.Wait(); err != nil {
		utils.ShowError("Decoder process failed", err, nil)
		return err
	}

	bar.Finish()
	fmt.Fprintf(os.Stderr, "\n🏁 Detection Complete. Analysed %d keyframes out of %d total.\n", sentFrames, totalFrames)
	return nil
}

// startWorker manages the lifecycle of a single detector engine.
func startWorker(ctx context.Context, id int, opts Options, tasks <-chan types.FrameTask, results chan<- detectResult) error {
	det, release, err := newDetector(opts, id)
	if err != nil {
		utils.ShowError("Worker startup failed", err, nil)
		return err
	}
	defer release()

	for task := range tasks {
		faces, err := det.Detect(ctx, task)
		// Return buffer to pool immediately after sending
		task.Done()

		if err != nil {
			// Let the process exit so its stderr is complete
			release()
			utils.ShowError("Detector crashed", err, detectorCmd(det))
			releaseTasks(tasks)
			return err
		}

		select {
		case results <- detectResult{Index: task.Index, Faces: faces}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// releaseTasks returns the buffers of every frame left in tasks to the pool.
// It blocks until tasks is closed.
func releaseTasks(tasks <-chan types.FrameTask) int {
	n := 0
	for t := range tasks {
		t.Done()
		n++
	}
	return n
}

// persistResults writes every keyframe result to the store.
func persistResults(ctx context.Context, results <-chan detectResult, db *store.Store, videoID string) error {
	var firstErr error
	totalFaces, keyframes := 0, 0
	for res := range results {
		if firstErr != nil {
			continue // keep draining so workers never block
		}
		if err := db.InsertFaces(ctx, videoID, res.Index, res.Faces); err != nil {
			firstErr = fmt.Errorf("frame %d: %w", res.Index, err)
			continue
		}
		keyframes++
		totalFaces += len(res.Faces)
		logrus.WithFields(logrus.Fields{
			"function": "persistResults",
			"frame":    res.Index,
			"faces":    len(res.Faces),
		}).Debug("Keyframe stored")
	}

	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 DETECTION SUMMARY\n")
	fmt.Fprintf(os.Stderr, "   Keyframes stored:  %d\n", keyframes)
	fmt.Fprintf(os.Stderr, "👁️  Face detections:   %d\n", totalFaces)
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	return firstErr
}

// validateDetectFlags ensures all CLI arguments are valid before starting heavy processes.
func validateDetectFlags(opts *Options) error {
	if err := validateInputFile(opts.InputPath); err != nil {
		return err
	}
	if opts.NthFrame < 1 {
		err := fmt.Errorf("must be >= 1, got %d", opts.NthFrame)
		utils.ShowError("Invalid nth-frame interval", err, nil)
		return err
	}
	if opts.Detector != detectorPython && opts.Detector != detectorPigo {
		err := fmt.Errorf("want %s or %s, got %q", detectorPython, detectorPigo, opts.Detector)
		utils.ShowError("Invalid detector", err, nil)
		return err
	}
	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}
	return nil
}

func validateInputFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			utils.ShowError("Input file does not exist", err, nil)
			return err
		}
		utils.ShowError("Unable to access input file", err, nil)
		return err
	}
	if info.IsDir() {
		err := fmt.Errorf("%s is a directory, expected a file", path)
		utils.ShowError("Input path is a directory", err, nil)
		return err
	}
	return nil
}
