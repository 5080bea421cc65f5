package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/andresmejia3/facefilter/internal/types"
	"github.com/andresmejia3/facefilter/internal/utils" // Using the SafeCommand wrapper
	"github.com/sirupsen/logrus"
)

// DefaultScript is the landmark detector shipped next to the binary.
const DefaultScript = "python/detector.py"

// Response status codes written by the Python side.
const (
	statusOK    = 0
	statusError = 1
)

// Bounds for a single response so a corrupted length cannot trigger a huge
// allocation.
const (
	maxFaces         = 256
	maxLandmarks     = 64
	maxResponseBytes = 1 << 20
)

// PythonWorker runs the landmark detector as a child process. Frames go out
// on stdin; results come back on a dedicated pipe (FD 3) so that anything
// the Python side prints cannot corrupt the protocol.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu sync.Mutex
}

// NewPythonWorker starts script under python3.
func NewPythonWorker(id int, script string) (*PythonWorker, error) {
	if script == "" {
		script = DefaultScript
	}
	py := utils.NewSafeCommand("python3", "-u", script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	logrus.WithFields(logrus.Fields{
		"function": "NewPythonWorker",
		"worker":   id,
		"script":   script,
	}).Debug("Detector worker started")

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one request body and returns the raw response payload.
// Protocol: [u32 length][body] in both directions.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // a crashed interpreter shows up here as EOF
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponseBytes {
		return nil, fmt.Errorf("response length %d exceeds limit %d", respLen, maxResponseBytes)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Detect implements pipeline.Detector. Requests are serialized; the worker
// handles one frame at a time.
func (w *PythonWorker) Detect(ctx context.Context, frame types.FrameTask) ([]types.FaceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if want := frame.Width * frame.Height * 4; frame.Width <= 0 || frame.Height <= 0 || len(frame.Data) != want {
		return nil, fmt.Errorf("frame %d: expected %dx%d RGBA (%d bytes), got %d bytes",
			frame.Index, frame.Width, frame.Height, want, len(frame.Data))
	}

	req := make([]byte, 8+len(frame.Data))
	binary.BigEndian.PutUint32(req[0:4], uint32(frame.Width))
	binary.BigEndian.PutUint32(req[4:8], uint32(frame.Height))
	copy(req[8:], frame.Data)

	w.mu.Lock()
	resp, err := w.Communicate(req)
	w.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", w.ID, err)
	}
	return ParseResponse(resp)
}

// ParseResponse decodes a detector payload.
//
//	status 0: [u32 nFaces] then per face
//	          [4 x f32 left,top,right,bottom][i32 trackingID][u32 nLandmarks]
//	          and per landmark [u8 kind][f32 x][f32 y]
//	status 1: [u32 msgLen][msg]
func ParseResponse(payload []byte) ([]types.FaceRecord, error) {
	r := bytes.NewReader(payload)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty worker response")
	}

	switch status {
	case statusOK:
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		if int64(msgLen) > int64(r.Len()) {
			return nil, fmt.Errorf("malformed worker error: message truncated")
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		return nil, errors.New("python worker error: " + string(msg))
	default:
		return nil, fmt.Errorf("unknown worker status %d", status)
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("malformed face count: %w", err)
	}
	if count > maxFaces {
		return nil, fmt.Errorf("face count %d exceeds limit %d", count, maxFaces)
	}

	faces := make([]types.FaceRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		var hdr struct {
			Box        [4]float32
			TrackingID int32
			Landmarks  uint32
		}
		if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
			return nil, fmt.Errorf("face %d: %w", i, err)
		}

		face := types.FaceRecord{
			Box: types.Rect{
				Left:   float64(hdr.Box[0]),
				Top:    float64(hdr.Box[1]),
				Right:  float64(hdr.Box[2]),
				Bottom: float64(hdr.Box[3]),
			},
			TrackingID: int(hdr.TrackingID),
		}
		if hdr.Landmarks > maxLandmarks {
			return nil, fmt.Errorf("face %d: landmark count %d exceeds limit %d", i, hdr.Landmarks, maxLandmarks)
		}
		if hdr.Landmarks > 0 {
			face.Landmarks = make(map[types.LandmarkKind]types.Point, hdr.Landmarks)
		}
		for j := uint32(0); j < hdr.Landmarks; j++ {
			var lm struct {
				Kind uint8
				X, Y float32
			}
			if err := binary.Read(r, binary.BigEndian, &lm); err != nil {
				return nil, fmt.Errorf("face %d landmark %d: %w", i, j, err)
			}
			kind := types.LandmarkKind(lm.Kind)
			if !kind.Valid() || !finite32(lm.X) || !finite32(lm.Y) {
				continue // unknown kinds from newer detectors are ignored
			}
			face.Landmarks[kind] = types.Point{X: float64(lm.X), Y: float64(lm.Y)}
		}
		faces = append(faces, face)
	}
	return faces, nil
}

func finite32(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Close shuts the worker down and waits for the process to exit.
func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}
