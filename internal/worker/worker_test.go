package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/andresmejia3/facefilter/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

type fakeLandmark struct {
	Kind uint8
	X, Y float32
}

func writeFace(buf *bytes.Buffer, box [4]float32, trackingID int32, lms ...fakeLandmark) {
	binary.Write(buf, binary.BigEndian, box)
	binary.Write(buf, binary.BigEndian, trackingID)
	binary.Write(buf, binary.BigEndian, uint32(len(lms)))
	for _, lm := range lms {
		binary.Write(buf, binary.BigEndian, lm)
	}
}

func frame(w, h int) types.FrameTask {
	return types.FrameTask{Index: 3, Width: w, Height: h, Data: make([]byte, w*h*4)}
}

func TestDetect(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// Protocol: [Status:0] [NumFaces] then faces
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(1))
	writeFace(payload, [4]float32{100, 50, 300, 250}, 7,
		fakeLandmark{uint8(types.LeftEye), 150, 120},
		fakeLandmark{uint8(types.RightEye), 250, 120},
		fakeLandmark{200, 1, 1}, // unknown kind, dropped
	)

	binary.Write(dataPipeMock, binary.BigEndian, uint32(payload.Len()))
	dataPipeMock.Write(payload.Bytes())

	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		// Cmd is nil because we aren't testing process management, just the protocol
	}

	faces, err := w.Detect(context.Background(), frame(2, 2))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// Verify Go sent [len][w][h][rgba] TO Python
	sent := stdinMock.Bytes()
	if len(sent) != 4+8+16 {
		t.Fatalf("Expected %d bytes sent, got %d", 4+8+16, len(sent))
	}
	if got := binary.BigEndian.Uint32(sent[0:4]); got != 8+16 {
		t.Errorf("Expected length header %d, got %d", 8+16, got)
	}
	if binary.BigEndian.Uint32(sent[4:8]) != 2 || binary.BigEndian.Uint32(sent[8:12]) != 2 {
		t.Errorf("Frame dimensions not encoded: %X", sent[4:12])
	}

	if len(faces) != 1 {
		t.Fatalf("Expected 1 face, got %d", len(faces))
	}
	f := faces[0]
	if f.Box != (types.Rect{Left: 100, Top: 50, Right: 300, Bottom: 250}) {
		t.Errorf("Unexpected box %+v", f.Box)
	}
	if f.TrackingID != 7 {
		t.Errorf("Expected tracking ID 7, got %d", f.TrackingID)
	}
	if len(f.Landmarks) != 2 {
		t.Fatalf("Expected 2 landmarks, got %d", len(f.Landmarks))
	}
	if p, ok := f.Landmark(types.RightEye); !ok || math.Abs(p.X-250) > 1e-6 {
		t.Errorf("Expected RIGHT_EYE at x=250, got %+v (present=%v)", p, ok)
	}
}

func TestDetect_Error(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1)
	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	binary.Write(dataPipeMock, binary.BigEndian, uint32(payload.Len()))
	dataPipeMock.Write(payload.Bytes())

	w := &PythonWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}

	_, err := w.Detect(context.Background(), frame(1, 1))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestDetect_BadFrame(t *testing.T) {
	w := &PythonWorker{ID: 1, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: &MockCloser{Buffer: new(bytes.Buffer)}}
	f := frame(2, 2)
	f.Data = f.Data[:5]
	if _, err := w.Detect(context.Background(), f); err == nil {
		t.Fatal("Expected size mismatch error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.Detect(ctx, frame(1, 1)); err == nil {
		t.Fatal("Expected context error")
	}
}

func TestParseResponse_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"unknown status", []byte{9}},
		{"truncated count", []byte{0, 0, 0}},
		{"truncated face", []byte{0, 0, 0, 0, 1, 0x42}},
		{"huge count", []byte{0, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"truncated message", []byte{1, 0, 0, 0, 10, 'x'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseResponse(tt.payload); err == nil {
				t.Errorf("Expected error for %s payload", tt.name)
			}
		})
	}
}

func TestParseResponse_NoFaces(t *testing.T) {
	faces, err := ParseResponse([]byte{0, 0, 0, 0, 0})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("Expected no faces, got %d", len(faces))
	}
}

func TestParseResponse_TooManyLandmarks(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(1))
	binary.Write(payload, binary.BigEndian, [4]float32{0, 0, 10, 10})
	binary.Write(payload, binary.BigEndian, int32(0))
	binary.Write(payload, binary.BigEndian, uint32(maxLandmarks+1))

	if _, err := ParseResponse(payload.Bytes()); err == nil {
		t.Error("Expected error for oversized landmark count")
	}
}

func TestCommunicate_OversizedResponse(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(dataPipeMock, binary.BigEndian, uint32(0xFFFFFFF0))

	w := &PythonWorker{ID: 1, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}
	if _, err := w.Detect(context.Background(), frame(1, 1)); err == nil {
		t.Fatal("Expected error for oversized response length")
	}
}
