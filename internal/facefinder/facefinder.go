// Package facefinder is an in-process face detector built on pigo. It finds
// face boxes and, when a pupil localization cascade is loaded, both eyes.
// It reports no nose landmark, so the hat filter needs the Python detector.
package facefinder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/andresmejia3/facefilter/internal/types"
	pigo "github.com/esimov/pigo/core"
	"github.com/sirupsen/logrus"
)

// Cascade file names looked up by Load.
const (
	FaceCascade   = "facefinder"
	PupilCascade  = "puploc"
	pupilPerturbs = 63
)

// Params tunes the cascade scan.
type Params struct {
	MinSize     int     // smallest face side in pixels
	MaxSize     int     // largest face side in pixels
	ShiftFactor float64 // detection window shift relative to its size
	ScaleFactor float64 // image pyramid step
	IoU         float64 // overlap threshold for clustering
	MinQuality  float32
}

// DefaultParams returns the detection parameters used by the CLI.
func DefaultParams() Params {
	return Params{
		MinSize:     20,
		MaxSize:     1000,
		ShiftFactor: 0.1,
		ScaleFactor: 1.1,
		IoU:         0.2,
		MinQuality:  5.0,
	}
}

// Detector implements pipeline.Detector. The unpacked cascades are read-only,
// so one Detector may serve several goroutines.
type Detector struct {
	face   *pigo.Pigo
	pupils *pigo.PuplocCascade
	params Params
}

// New unpacks the face cascade and, if non-empty, the pupil cascade.
func New(faceCascade, pupilCascade []byte, p Params) (*Detector, error) {
	if len(faceCascade) == 0 {
		return nil, errors.New("empty face cascade")
	}
	face, err := pigo.NewPigo().Unpack(faceCascade)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack face cascade: %w", err)
	}

	d := &Detector{face: face, params: p}
	if len(pupilCascade) > 0 {
		if d.pupils, err = pigo.NewPuplocCascade().UnpackCascade(pupilCascade); err != nil {
			return nil, fmt.Errorf("failed to unpack pupil cascade: %w", err)
		}
	}
	return d, nil
}

// Load reads the cascades from dir. The pupil cascade is optional; without
// it faces carry no eye landmarks.
func Load(dir string, p Params) (*Detector, error) {
	face, err := os.ReadFile(filepath.Join(dir, FaceCascade))
	if err != nil {
		return nil, fmt.Errorf("failed to read cascade file: %w", err)
	}
	pupils, err := os.ReadFile(filepath.Join(dir, PupilCascade))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read cascade file: %w", err)
	}

	d, err := New(face, pupils, p)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"function": "facefinder.Load",
		"dir":      dir,
		"pupils":   d.pupils != nil,
	}).Debug("Pigo detector initialized")
	return d, nil
}

// Detect finds faces in an RGBA frame, largest first.
func (d *Detector) Detect(ctx context.Context, frame types.FrameTask) ([]types.FaceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame.Width <= 0 || frame.Height <= 0 || len(frame.Data) != frame.Width*frame.Height*4 {
		return nil, fmt.Errorf("frame %d: expected %dx%d RGBA, got %d bytes",
			frame.Index, frame.Width, frame.Height, len(frame.Data))
	}

	img := pigo.ImageParams{
		Pixels: Grayscale(frame.Data, frame.Width, frame.Height),
		Rows:   frame.Height,
		Cols:   frame.Width,
		Dim:    frame.Width,
	}
	dets := d.face.RunCascade(pigo.CascadeParams{
		MinSize:     d.params.MinSize,
		MaxSize:     d.params.MaxSize,
		ShiftFactor: d.params.ShiftFactor,
		ScaleFactor: d.params.ScaleFactor,
		ImageParams: img,
	}, 0.0)
	dets = d.face.ClusterDetections(dets, d.params.IoU)
	dets = keepQuality(dets, d.params.MinQuality)

	faces := make([]types.FaceRecord, 0, len(dets))
	for _, det := range dets {
		var left, right *pigo.Puploc
		if d.pupils != nil {
			left, right = d.eyes(det, img)
		}
		faces = append(faces, faceRecord(det, left, right))
	}
	return faces, nil
}

// eyes runs the pupil cascade at the usual eye offsets inside a face and
// returns the subject's left and right pupils.
func (d *Detector) eyes(det pigo.Detection, img pigo.ImageParams) (*pigo.Puploc, *pigo.Puploc) {
	left, right := eyeProbes(det)
	return d.pupils.RunDetector(left, img, 0.0, false), d.pupils.RunDetector(right, img, 0.0, false)
}

// eyeProbes returns the pupil search windows for the subject's left and
// right eye. In an unmirrored frame the subject's left eye is on the image's
// right, matching the LEFT_EYE convention of the landmark detectors.
func eyeProbes(det pigo.Detection) (left, right pigo.Puploc) {
	scale := float32(det.Scale)
	right = pigo.Puploc{
		Row:      det.Row - int(0.075*scale),
		Col:      det.Col - int(0.175*scale),
		Scale:    scale * 0.25,
		Perturbs: pupilPerturbs,
	}
	left = right
	left.Col = det.Col + int(0.185*scale)
	return left, right
}

// keepQuality drops weak detections and orders the rest by size.
func keepQuality(dets []pigo.Detection, minQ float32) []pigo.Detection {
	out := dets[:0]
	for _, det := range dets {
		if det.Q >= minQ {
			out = append(out, det)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Scale > out[j].Scale })
	return out
}

// faceRecord converts a pigo detection (centre plus side length) to a box.
// left and right are the subject's eyes in image coordinates; pupils the
// cascade failed to place are omitted.
func faceRecord(det pigo.Detection, left, right *pigo.Puploc) types.FaceRecord {
	half := float64(det.Scale) / 2
	face := types.FaceRecord{
		Box: types.Rect{
			Left:   float64(det.Col) - half,
			Top:    float64(det.Row) - half,
			Right:  float64(det.Col) + half,
			Bottom: float64(det.Row) + half,
		},
	}
	add := func(kind types.LandmarkKind, p *pigo.Puploc) {
		if p == nil || p.Row <= 0 || p.Col <= 0 {
			return
		}
		if face.Landmarks == nil {
			face.Landmarks = make(map[types.LandmarkKind]types.Point, 2)
		}
		face.Landmarks[kind] = types.Point{X: float64(p.Col), Y: float64(p.Row)}
	}
	add(types.LeftEye, left)
	add(types.RightEye, right)
	return face
}

// Grayscale converts packed RGBA to the luma plane pigo scans.
func Grayscale(pix []byte, width, height int) []uint8 {
	gray := make([]uint8, width*height)
	for i := range gray {
		o := i * 4
		r, g, b := uint32(pix[o]), uint32(pix[o+1]), uint32(pix[o+2])
		gray[i] = uint8((r*299 + g*587 + b*114) / 1000)
	}
	return gray
}
