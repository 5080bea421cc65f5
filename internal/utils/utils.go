package utils

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python logs)
// This ensures we don't lose critical crash information if a worker dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box and dumps Python logs if a
// SafeCommand is provided. The error is also logged for structured sinks.
func ShowError(title string, err error, s *SafeCommand) {
	fields := logrus.Fields{"function": "ShowError", "context": title}
	if err != nil {
		fields["error"] = err.Error()
	}
	logrus.WithFields(fields).Debug("Command failed")

	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 FACEFILTER ERROR: %s\n", title)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nPYTHON CRASH LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die shows the error box and exits.
func Die(title string, err error, s *SafeCommand) {
	ShowError(title, err, s)
	os.Exit(1)
}

// --- 2. Video Engine (Shared by Detect & Overlay) ---

// FrameBufferPool recycles raw RGBA frame buffers to reduce GC pressure.
var FrameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, 1024*1024) },
}

// GetFrameBuffer returns a pooled buffer of exactly size bytes.
func GetFrameBuffer(size int) []byte {
	buf := FrameBufferPool.Get().([]byte)
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	return buf[:size]
}

// PutFrameBuffer returns a buffer obtained from GetFrameBuffer.
func PutFrameBuffer(buf []byte) {
	FrameBufferPool.Put(buf[:0])
}

type ffprobeOutput struct {
	Streams []struct {
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		RFrameRate    string `json:"r_frame_rate"`
		AvgFrameRate  string `json:"avg_frame_rate"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
}

func probe(ctx context.Context, path string, entries string, extra ...string) (*ffprobeOutput, error) {
	args := []string{"-v", "error", "-select_streams", "v:0"}
	args = append(args, extra...)
	args = append(args, "-show_entries", "stream="+entries, "-of", "json", path)

	out, err := exec.CommandContext(ctx, "ffprobe", args...).Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return nil, fmt.Errorf("no video stream in %s", path)
	}
	return &res, nil
}

// ParseFrameRate parses ffprobe rates such as "30000/1001" or "25".
func ParseFrameRate(s string) (float64, error) {
	num, den, found := strings.Cut(strings.TrimSpace(s), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q: %w", s, err)
	}
	d := 1.0
	if found {
		if d, err = strconv.ParseFloat(den, 64); err != nil {
			return 0, fmt.Errorf("invalid frame rate %q: %w", s, err)
		}
	}
	if n <= 0 || d <= 0 {
		return 0, fmt.Errorf("invalid frame rate %q", s)
	}
	return n / d, nil
}

// GetVideoFPS returns the stream frame rate, preferring the average rate.
func GetVideoFPS(ctx context.Context, path string) (float64, error) {
	res, err := probe(ctx, path, "r_frame_rate,avg_frame_rate")
	if err != nil {
		return 0, err
	}
	if fps, err := ParseFrameRate(res.Streams[0].AvgFrameRate); err == nil {
		return fps, nil
	}
	return ParseFrameRate(res.Streams[0].RFrameRate)
}

// GetVideoDimensions returns the width and height of the first video stream.
func GetVideoDimensions(ctx context.Context, path string) (int, int, error) {
	res, err := probe(ctx, path, "width,height")
	if err != nil {
		return 0, 0, err
	}
	w, h := res.Streams[0].Width, res.Streams[0].Height
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid video dimensions %dx%d", w, h)
	}
	return w, h, nil
}

// GetTotalFrames uses ffprobe to count packets for the progress bar
// It returns 0 if the count fails, allowing the caller to fallback to a spinner.
func GetTotalFrames(ctx context.Context, path string) int {
	// 0. Check dependency
	if _, err := exec.LookPath("ffprobe"); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  ffprobe not found. Cannot provide a progress bar estimation because of this.\n")
		return 0
	}

	// 1. Fast Path: Check Container Metadata
	// This is instant but might return "N/A" or be inaccurate for VFR.
	if res, err := probe(ctx, path, "nb_frames"); err == nil {
		if count, err := strconv.Atoi(res.Streams[0].NbFrames); err == nil && count > 0 {
			return count
		}
	}

	// 2. Slow Path: Count Packets (Fallback)
	fmt.Fprintf(os.Stderr, "⏳ Metadata missing. Counting frames (this may take a moment)...\n")
	res, err := probe(ctx, path, "nb_read_packets", "-count_packets")
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "GetTotalFrames",
			"error":    err.Error(),
		}).Warn("Frame count unavailable")
		return 0
	}

	count, err := strconv.Atoi(res.Streams[0].NbReadPackets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ffprobe integer parse error: %v\n", err)
		return 0
	}
	return count
}

// NewFFmpegRawDecoder creates a decoder pipe emitting raw RGBA frames at
// the source resolution on stdout.
func NewFFmpegRawDecoder(ctx context.Context, inputPath string) *exec.Cmd {
	return exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error",
		"-i", inputPath, "-f", "rawvideo", "-pix_fmt", "rgba", "-")
}

// NewFFmpegEncoder creates an encoder reading raw RGBA frames on stdin.
func NewFFmpegEncoder(ctx context.Context, outputPath string, fps float64, width, height int) *exec.Cmd {
	return exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
		"-c:v", "libx264", "-pix_fmt", "yuv420p", outputPath)
}

// GenerateVideoID creates a deterministic hash for the video file
// based on its path, size, and modification time.
func GenerateVideoID(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}
