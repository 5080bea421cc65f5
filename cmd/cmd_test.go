package cmd

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/facefilter/internal/store"
	"github.com/andresmejia3/facefilter/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestValidateDetectFlags(t *testing.T) {
	// Create a temp file for valid input
	tmpFile, err := os.CreateTemp("", "video.mp4")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.Close()

	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"Valid options", Options{InputPath: tmpFile.Name(), NthFrame: 3, NumEngines: 2, Detector: "python"}, false},
		{"Pigo detector", Options{InputPath: tmpFile.Name(), NthFrame: 1, Detector: "pigo"}, false},
		{"Input file does not exist", Options{InputPath: "nonexistent.mp4", NthFrame: 1}, true},
		{"Input is directory", Options{InputPath: tmpDir, NthFrame: 1}, true},
		{"Invalid NthFrame", Options{InputPath: tmpFile.Name(), NthFrame: 0}, true},
		{"Unknown detector", Options{InputPath: tmpFile.Name(), NthFrame: 1, Detector: "opencv"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateDetectFlags(&tt.opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateDetectFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	// Engines below one are clamped rather than rejected.
	opts := Options{InputPath: tmpFile.Name(), NthFrame: 1, NumEngines: 0, Detector: "python"}
	require.NoError(t, validateDetectFlags(&opts))
	assert.Equal(t, 1, opts.NumEngines)
}

func TestValidateOverlayFlags(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.mp4")
	require.NoError(t, os.WriteFile(input, []byte("x"), 0o644))
	output := filepath.Join(dir, "out.mp4")

	valid := Options{InputPath: input, OutputPath: output, Filter: "Cat_Ears", NthFrame: 1, DisplayScale: 0.5}
	id, err := validateOverlayFlags(&valid)
	require.NoError(t, err)
	assert.Equal(t, types.FilterCatEars, id)

	tests := []struct {
		name   string
		mutate func(o *Options)
	}{
		{"Output overwrites input", func(o *Options) { o.OutputPath = o.InputPath }},
		{"Unknown filter", func(o *Options) { o.Filter = "moustache" }},
		{"Invalid NthFrame", func(o *Options) { o.NthFrame = 0 }},
		{"Zero display scale", func(o *Options) { o.DisplayScale = 0 }},
		{"NaN display scale", func(o *Options) { o.DisplayScale = math.NaN() }},
		{"Infinite display scale", func(o *Options) { o.DisplayScale = math.Inf(1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid
			tt.mutate(&opts)
			_, err := validateOverlayFlags(&opts)
			assert.Error(t, err)
		})
	}
}

func TestDisplaySize(t *testing.T) {
	tests := []struct {
		w, h         int
		scale        float64
		wantW, wantH int
	}{
		{1280, 720, 1, 1280, 720},
		{1920, 1080, 0.5, 960, 540},
		{641, 481, 1, 640, 480}, // yuv420p needs even sides
		{100, 100, 0.001, 2, 2},
	}

	for _, tt := range tests {
		w, h := displaySize(tt.w, tt.h, tt.scale)
		if w != tt.wantW || h != tt.wantH {
			t.Errorf("displaySize(%d, %d, %v) = %dx%d, want %dx%d", tt.w, tt.h, tt.scale, w, h, tt.wantW, tt.wantH)
		}
	}
}

func TestWrapRGBA(t *testing.T) {
	pix := make([]byte, 3*2*4)
	img := wrapRGBA(pix, 3, 2)
	img.SetRGBA(2, 1, color.RGBA{R: 7})
	assert.Equal(t, byte(7), pix[(1*3+2)*4], "image must share the buffer")
}

func TestWriteFilterTable(t *testing.T) {
	dir := t.TempDir()
	sprite := image.NewRGBA(image.Rect(0, 0, 30, 9))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, sprite))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sunglasses.png"), buf.Bytes(), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hat.png"), []byte("not a png"), 0o644))

	prevAssets, prevTuning := assetsDir, tuningPath
	assetsDir, tuningPath = dir, ""
	defer func() { assetsDir, tuningPath = prevAssets, prevTuning }()

	eng, err := newEngine()
	require.NoError(t, err)

	var out bytes.Buffer
	writeFilterTable(&out, eng)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2+len(types.AllFilters()))

	rows := make(map[string]string)
	for _, l := range lines[2:] {
		rows[strings.Fields(l)[0]] = l
	}
	assert.Contains(t, rows["sunglasses"], "LEFT_EYE,RIGHT_EYE")
	assert.Contains(t, rows["sunglasses"], "1.20")
	assert.Contains(t, rows["sunglasses"], "10x3")
	assert.Contains(t, rows["cat_ears"], "-0.20")
	assert.Contains(t, rows["cat_ears"], "missing")
	assert.Contains(t, rows["hat"], "NOSE_BASE")
	assert.Contains(t, rows["hat"], "❌")
	assert.NotContains(t, rows["none"], "missing")
}

func TestAwaitGeneration(t *testing.T) {
	outcomes := make(chan types.RenderOutcome, 4)
	outcomes <- types.RenderOutcome{Generation: 1, Status: types.Cancelled}
	outcomes <- types.RenderOutcome{Generation: 2}
	require.NoError(t, awaitGeneration(context.Background(), outcomes, 2))
	assert.Empty(t, outcomes)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, awaitGeneration(ctx, outcomes, 3), context.Canceled)
}

func TestValidateServeFlags(t *testing.T) {
	prev := serveAddr
	defer func() { serveAddr = prev }()

	serveAddr = ":8080"
	for _, d := range []string{"none", "python", "pigo"} {
		assert.NoError(t, validateServeFlags(&Options{Detector: d}), d)
	}
	assert.Error(t, validateServeFlags(&Options{Detector: "opencv"}))

	serveAddr = ""
	assert.Error(t, validateServeFlags(&Options{Detector: "none"}))
}

func TestReleaseTasks(t *testing.T) {
	released := 0
	tasks := make(chan types.FrameTask, 3)
	for i := 0; i < 3; i++ {
		tasks <- types.FrameTask{Index: i, Release: func() { released++ }}
	}
	close(tasks)

	assert.Equal(t, 3, releaseTasks(tasks))
	assert.Equal(t, 3, released)
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "vid_1", shortID("vid_1"))
	assert.Equal(t, "0123456789ab", shortID("0123456789abcdef"))
}

// TestDetectPersistence drives the detect aggregator against a real
// database and replays the stored keyframes.
func TestDetectPersistence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("facefilter_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer pgContainer.Terminate(ctx)

	connStr, _ := pgContainer.ConnectionString(ctx, "sslmode=disable")
	db, err := store.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close(ctx)

	videoID := "vid_test_123"
	require.NoError(t, db.EnsureVideo(ctx, videoID, "/tmp/test.mp4", 320, 240))

	face := types.FaceRecord{
		Box: types.Rect{Left: 10, Top: 10, Right: 60, Bottom: 70},
		Landmarks: map[types.LandmarkKind]types.Point{
			types.NoseBase: {X: 35, Y: 45},
		},
	}
	results := make(chan detectResult, 3)
	results <- detectResult{Index: 0, Faces: []types.FaceRecord{face}}
	results <- detectResult{Index: 3}
	results <- detectResult{Index: 6, Faces: []types.FaceRecord{face, face}}
	close(results)

	require.NoError(t, persistResults(ctx, results, db, videoID))

	frames, err := db.LoadFaces(ctx, videoID)
	require.NoError(t, err)
	rec := store.NewRecorded(frames, 2)
	assert.Equal(t, 3, rec.Keyframes())

	got, err := rec.Detect(ctx, types.FrameTask{Index: 1})
	require.NoError(t, err)
	assert.Equal(t, []types.FaceRecord{face}, got)

	got, err = rec.Detect(ctx, types.FrameTask{Index: 7})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
