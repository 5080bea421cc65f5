// Package assets decodes filter graphics on first use and keeps one
// pre-scaled copy per filter for the lifetime of the cache.
package assets

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg" // decoders registered for image.Decode
	_ "image/png"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/facefilter/internal/types"
	"github.com/sirupsen/logrus"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrNotFound is returned by a Loader that has no source for a filter.
// The cache reports it as an absent asset rather than a failure.
var ErrNotFound = errors.New("asset not found")

// extensions probed by the directory loaders, in order.
var extensions = []string{".png", ".webp", ".jpg", ".jpeg"}

// Loader opens the encoded source image for a filter.
type Loader interface {
	Open(id types.FilterID) (io.ReadCloser, error)
}

// FSLoader reads "<id><ext>" files from an fs.FS (embed.FS, os.DirFS, ...).
type FSLoader struct {
	FS fs.FS
}

// Open implements Loader.
func (l FSLoader) Open(id types.FilterID) (io.ReadCloser, error) {
	for _, ext := range extensions {
		f, err := l.FS.Open(string(id) + ext)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// DirLoader returns a Loader over a directory on disk.
func DirLoader(dir string) Loader {
	return FSLoader{FS: os.DirFS(filepath.Clean(dir))}
}

// Asset is a decoded, down-scaled filter graphic. It is shared read-only by
// every frame that draws it.
type Asset struct {
	ID           types.FilterID
	Image        *image.RGBA
	NativeWidth  int
	NativeHeight int
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits     uint64
	Misses   uint64
	Failures uint64
	Entries  int
}

// Cache is a read-through cache keyed by FilterID. Reads of populated
// entries take no lock; concurrent misses for one id may decode more than
// once but only the first stored Asset is ever returned.
type Cache struct {
	loader  Loader
	divisor int

	entries sync.Map // types.FilterID -> *Asset
	count   atomic.Int64

	hits     atomic.Uint64
	misses   atomic.Uint64
	failures atomic.Uint64
}

// NewCache creates a cache that down-scales every asset by divisor.
// Divisors below 1 are treated as 1.
func NewCache(loader Loader, divisor int) *Cache {
	if divisor < 1 {
		divisor = 1
	}
	return &Cache{loader: loader, divisor: divisor}
}

// Get returns the asset for id. The boolean is false when there is nothing
// to draw: FilterNone, an unknown id, or no source image. A non-nil error
// means the source exists but could not be decoded; nothing is cached and
// the next call retries.
func (c *Cache) Get(id types.FilterID) (*Asset, bool, error) {
	if id == types.FilterNone || !id.Valid() {
		return nil, false, nil
	}
	if v, ok := c.entries.Load(id); ok {
		c.hits.Add(1)
		return v.(*Asset), true, nil
	}
	c.misses.Add(1)

	asset, err := c.load(id)
	if errors.Is(err, ErrNotFound) {
		logrus.WithFields(logrus.Fields{
			"function": "Cache.Get",
			"filter":   id,
		}).Debug("No source image for filter")
		return nil, false, nil
	}
	if err != nil {
		c.failures.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "Cache.Get",
			"filter":   id,
			"error":    err.Error(),
		}).Warn("Failed to decode filter asset")
		return nil, false, err
	}

	v, loaded := c.entries.LoadOrStore(id, asset)
	if !loaded {
		c.count.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "Cache.Get",
			"filter":   id,
			"width":    asset.NativeWidth,
			"height":   asset.NativeHeight,
		}).Debug("Cached filter asset")
	}
	return v.(*Asset), true, nil
}

// Preload warms the cache and returns the first decode failure, if any.
// Missing sources are not failures.
func (c *Cache) Preload(ids ...types.FilterID) error {
	var firstErr error
	for _, id := range ids {
		if _, _, err := c.Get(id); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("preload %s: %w", id, err)
		}
	}
	return firstErr
}

// Clear drops every cached asset. Frames already holding an Asset keep
// using it; later Gets decode again.
func (c *Cache) Clear() {
	c.entries.Range(func(key, _ any) bool {
		if _, ok := c.entries.LoadAndDelete(key); ok {
			c.count.Add(-1)
		}
		return true
	})
}

// Len returns the number of cached assets.
func (c *Cache) Len() int {
	return int(c.count.Load())
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Failures: c.failures.Load(),
		Entries:  c.Len(),
	}
}

func (c *Cache) load(id types.FilterID) (*Asset, error) {
	if c.loader == nil {
		return nil, ErrNotFound
	}
	rc, err := c.loader.Open(id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	src, _, err := image.Decode(rc)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	scaled := Downscale(src, c.divisor)
	b := scaled.Bounds()
	return &Asset{
		ID:           id,
		Image:        scaled,
		NativeWidth:  b.Dx(),
		NativeHeight: b.Dy(),
	}, nil
}

// Downscale returns an RGBA copy of src shrunk by divisor on both axes,
// never smaller than 1x1.
func Downscale(src image.Image, divisor int) *image.RGBA {
	b := src.Bounds()
	if divisor <= 1 {
		dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}
	w := max(b.Dx()/divisor, 1)
	h := max(b.Dy()/divisor, 1)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, b, xdraw.Src, nil)
	return dst
}
