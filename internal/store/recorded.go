package store

import (
	"context"
	"sort"

	"github.com/andresmejia3/facefilter/internal/types"
)

// Recorded replays stored detections as a pipeline.Detector. Detection only
// ran on every Nth frame, so frames in between reuse the most recent
// keyframe as long as it is at most Window frames old.
type Recorded struct {
	frames map[int][]types.FaceRecord
	keys   []int
	Window int
}

// NewRecorded builds a replay detector from LoadFaces output.
func NewRecorded(frames map[int][]types.FaceRecord, window int) *Recorded {
	keys := make([]int, 0, len(frames))
	for k := range frames {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	if window < 0 {
		window = 0
	}
	return &Recorded{frames: frames, keys: keys, Window: window}
}

// Keyframes returns the number of recorded keyframes.
func (r *Recorded) Keyframes() int { return len(r.keys) }

// Detect returns the faces of the nearest keyframe at or before the frame.
func (r *Recorded) Detect(ctx context.Context, frame types.FrameTask) ([]types.FaceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// First keyframe strictly after the frame, then step back one.
	i := sort.SearchInts(r.keys, frame.Index+1) - 1
	if i < 0 {
		return nil, nil
	}
	key := r.keys[i]
	if frame.Index-key > r.Window {
		return nil, nil
	}
	return r.frames[key], nil
}
