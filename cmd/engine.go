package cmd

import (
	"fmt"
	"image"
	"image/png"
	"os"

	"github.com/andresmejia3/facefilter/internal/anchor"
	"github.com/andresmejia3/facefilter/internal/assets"
	"github.com/andresmejia3/facefilter/internal/compositor"
	"github.com/andresmejia3/facefilter/internal/config"
	"github.com/andresmejia3/facefilter/internal/facefinder"
	"github.com/andresmejia3/facefilter/internal/pipeline"
	"github.com/andresmejia3/facefilter/internal/preview"
	"github.com/andresmejia3/facefilter/internal/utils"
	"github.com/andresmejia3/facefilter/internal/worker"
	"github.com/spf13/cobra"
)

// engine bundles the overlay components built from the tuning file.
type engine struct {
	tuning config.Tuning
	cache  *assets.Cache
	calc   *anchor.Calculator
	comp   *compositor.Compositor
}

func newEngine() (*engine, error) {
	tuning, err := config.Load(tuningPath)
	if err != nil {
		return nil, err
	}
	cache := assets.NewCache(assets.DirLoader(assetsDir), tuning.AssetDivisor)
	calc := anchor.New(tuning.AnchorOptions()...)
	return &engine{
		tuning: tuning,
		cache:  cache,
		calc:   calc,
		comp:   compositor.New(calc, cache, compositor.WithFlipAsset(tuning.FlipAssetWhenMirrored)),
	}, nil
}

// Detector backends selectable with --detector.
const (
	detectorPython = "python"
	detectorPigo   = "pigo"
)

func addDetectorFlags(c *cobra.Command, opts *Options) {
	c.Flags().StringVar(&opts.Detector, "detector", detectorPython, "Landmark detector: python (full landmarks) or pigo (in-process, box and eyes)")
	c.Flags().StringVar(&opts.WorkerScript, "script", worker.DefaultScript, "Python landmark detector script")
	c.Flags().StringVar(&opts.CascadeDir, "cascades", "cascades", "Directory holding the pigo facefinder and puploc cascades")
}

// newDetector starts the detector selected by opts. The returned func
// releases it.
func newDetector(opts Options, id int) (pipeline.Detector, func(), error) {
	switch opts.Detector {
	case detectorPigo:
		d, err := facefinder.Load(opts.CascadeDir, facefinder.DefaultParams())
		if err != nil {
			return nil, nil, err
		}
		return d, func() {}, nil
	case "", detectorPython:
		w, err := worker.NewPythonWorker(id, opts.WorkerScript)
		if err != nil {
			return nil, nil, err
		}
		return w, w.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown detector %q (want %s or %s)", opts.Detector, detectorPython, detectorPigo)
	}
}

// detectorCmd returns the Python process behind d, for crash logs.
func detectorCmd(d pipeline.Detector) *utils.SafeCommand {
	if w, ok := d.(*worker.PythonWorker); ok {
		return w.Cmd
	}
	return nil
}

// wrapRGBA views a raw RGBA buffer as an image without copying.
func wrapRGBA(pix []byte, width, height int) *image.RGBA {
	return &image.RGBA{
		Pix:    pix,
		Stride: width * 4,
		Rect:   image.Rect(0, 0, width, height),
	}
}

func decodeImage(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return preview.DecodeImage(f)
}

func encodePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
