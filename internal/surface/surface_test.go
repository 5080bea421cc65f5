package surface

import (
	"context"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewImageSurfaceClampsSize(t *testing.T) {
	s := NewImageSurface(0, -5)
	w, h := s.Size()
	assert.Equal(t, 1, w)
	assert.Equal(t, 1, h)
}

func TestPublishSwapsBuffers(t *testing.T) {
	s := NewImageSurface(4, 4)
	ctx := context.Background()

	buf, err := s.Acquire(ctx)
	require.NoError(t, err)
	buf.Set(1, 1, color.RGBA{R: 255, A: 255})
	require.NoError(t, s.Publish(buf))

	snap := s.Snapshot()
	assert.Equal(t, color.RGBA{R: 255, A: 255}, snap.RGBAAt(1, 1))
	assert.Equal(t, uint64(1), s.Published())

	next, err := s.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, buf, next, "back buffer must differ from the visible one")
	s.Release(next)
	assert.Equal(t, uint64(1), s.Published(), "release must not publish")
}

func TestAcquireIsExclusive(t *testing.T) {
	s := NewImageSurface(2, 2)
	buf, err := s.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan error, 1)
	go func() {
		b, err := s.Acquire(context.Background())
		if err == nil {
			s.Release(b)
		}
		got <- err
	}()

	s.Release(buf)
	select {
	case err := <-got:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiting Acquire was not woken by Release")
	}
}

func TestPublishRejectsForeignBuffer(t *testing.T) {
	s := NewImageSurface(2, 2)
	assert.Error(t, s.Publish(image.NewRGBA(image.Rect(0, 0, 2, 2))))
	assert.Error(t, s.Publish(nil))
	assert.Zero(t, s.Published())
}

func TestUnavailable(t *testing.T) {
	s := NewImageSurface(2, 2)
	s.SetUnavailable(true)
	_, err := s.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)

	s.SetUnavailable(false)
	buf, err := s.Acquire(context.Background())
	require.NoError(t, err)
	s.Release(buf)
}

func TestCloseWakesWaiters(t *testing.T) {
	s := NewImageSurface(2, 2)
	buf, err := s.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		_, err := s.Acquire(context.Background())
		got <- err
	}()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	select {
	case err := <-got:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Close did not wake waiting Acquire")
	}

	assert.ErrorIs(t, s.Publish(buf), ErrClosed)
	_, err = s.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOnPublishSequence(t *testing.T) {
	s := NewImageSurface(1, 1)
	var seqs []uint64
	s.OnPublish(func(seq uint64, frame *image.RGBA) {
		seqs = append(seqs, seq)
		assert.Equal(t, image.Rect(0, 0, 1, 1), frame.Bounds())
	})

	for i := 0; i < 3; i++ {
		buf, err := s.Acquire(context.Background())
		require.NoError(t, err)
		require.NoError(t, s.Publish(buf))
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}
