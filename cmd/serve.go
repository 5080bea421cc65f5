package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/facefilter/internal/preview"
	"github.com/andresmejia3/facefilter/internal/types"
	"github.com/andresmejia3/facefilter/internal/utils"
	"github.com/andresmejia3/facefilter/internal/worker"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const detectorNone = "none"

var (
	serveOpts Options
	serveAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve filter previews over HTTP",
	Long: `Starts an HTTP server for trying filters on still images.

  GET  /healthz   liveness probe
  GET  /filters   filters with placement tuning and asset state (JSON)
  POST /render    multipart "image", optional "faces", "filter", "mirror"; returns PNG
  POST /detect    multipart "image"; returns faces as JSON, or msgpack with Accept: application/msgpack`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context(), serveOpts)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().StringVar(&serveOpts.Detector, "detector", detectorNone, "Landmark detector for requests without faces: none, python or pigo")
	serveCmd.Flags().StringVar(&serveOpts.WorkerScript, "script", worker.DefaultScript, "Python landmark detector script")
	serveCmd.Flags().StringVar(&serveOpts.CascadeDir, "cascades", "cascades", "Directory holding the pigo facefinder and puploc cascades")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, opts Options) error {
	if err := validateServeFlags(&opts); err != nil {
		return err
	}

	eng, err := newEngine()
	if err != nil {
		utils.ShowError("Failed to load tuning", err, nil)
		return err
	}
	if err := eng.cache.Preload(types.AllFilters()...); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  %v\n", err)
	}

	var serverOpts []preview.Option
	if opts.Detector != detectorNone {
		fmt.Fprintf(os.Stderr, "🚀 Starting %s detector...\n", opts.Detector)
		det, release, err := newDetector(opts, 0)
		if err != nil {
			utils.ShowError("Failed to start detector", err, nil)
			return err
		}
		defer release()
		serverOpts = append(serverOpts, preview.WithDetector(det))
	}

	srv := preview.New(eng.comp, eng.calc, eng.cache, serverOpts...)
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Listen(serveAddr)
	}()
	fmt.Printf("🌐 Serving filter previews on %s\n", serveAddr)

	select {
	case err := <-errChan:
		if err != nil {
			utils.ShowError("Server stopped", err, nil)
		}
		return err
	case <-ctx.Done():
	}

	fmt.Println("🛑 Shutting down...")
	done := make(chan error, 1)
	go func() { done <- srv.Shutdown() }()
	select {
	case err := <-done:
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "runServe",
				"error":    err.Error(),
			}).Warn("Server shutdown failed")
		}
	case <-time.After(10 * time.Second):
		logrus.WithField("function", "runServe").Warn("Server shutdown timed out")
	}
	return nil
}

func validateServeFlags(opts *Options) error {
	switch opts.Detector {
	case detectorNone, detectorPython, detectorPigo:
	default:
		err := fmt.Errorf("unknown detector %q", opts.Detector)
		utils.ShowError("Invalid detector", err, nil)
		return err
	}
	if serveAddr == "" {
		err := errors.New("listen address must not be empty")
		utils.ShowError("Invalid listen address", err, nil)
		return err
	}
	return nil
}
