package utils

import (
	"errors"
	"math"
	"os"
	"testing"
)

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"30/1", 30, false},
		{"30000/1001", 29.97002997, false},
		{"25", 25, false},
		{" 24/1 ", 24, false},
		{"0/0", 0, true},
		{"N/A", 0, true},
		{"30/x", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseFrameRate(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseFrameRate(%q) expected error, got %f", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseFrameRate(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if math.Abs(got-tt.want) > 1e-6 {
			t.Errorf("ParseFrameRate(%q) = %f, want %f", tt.in, got, tt.want)
		}
	}
}

func TestFrameBufferPool(t *testing.T) {
	buf := GetFrameBuffer(2 * 1024 * 1024)
	if len(buf) != 2*1024*1024 {
		t.Fatalf("Expected %d bytes, got %d", 2*1024*1024, len(buf))
	}
	PutFrameBuffer(buf)

	small := GetFrameBuffer(16)
	if len(small) != 16 {
		t.Errorf("Expected 16 bytes, got %d", len(small))
	}
}

func TestShowErrorWithCommandLogs(t *testing.T) {
	// Must not panic with or without captured logs.
	ShowError("no command", errors.New("boom"), nil)

	s := NewSafeCommand("true")
	s.Stderr.WriteString("Traceback: something broke")
	ShowError("with command", nil, s)
}

func TestGenerateVideoID(t *testing.T) {
	// Integration test using the OS filesystem
	tmp, err := os.CreateTemp("", "video_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmp.Name())

	// Write dummy content
	if _, err := tmp.Write([]byte("fake video content")); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	id, err := GenerateVideoID(tmp.Name())
	if err != nil || id == "" {
		t.Errorf("Failed to generate ID: %v", err)
	}

	// Verify Determinism
	id2, _ := GenerateVideoID(tmp.Name())
	if id != id2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", id, id2)
	}

	// Verify Sensitivity (Change content -> Change ID)
	f, _ := os.OpenFile(tmp.Name(), os.O_APPEND|os.O_WRONLY, 0644)
	f.Write([]byte(" modification"))
	f.Close()

	id3, _ := GenerateVideoID(tmp.Name())
	if id == id3 {
		t.Error("Hash did not change after file modification")
	}

	if _, err := GenerateVideoID(tmp.Name() + ".missing"); err == nil {
		t.Error("Expected error for missing file")
	}
}
