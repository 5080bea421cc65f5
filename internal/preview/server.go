package preview

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/andresmejia3/facefilter/internal/anchor"
	"github.com/andresmejia3/facefilter/internal/assets"
	"github.com/andresmejia3/facefilter/internal/compositor"
	"github.com/andresmejia3/facefilter/internal/pipeline"
	"github.com/andresmejia3/facefilter/internal/types"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// Response headers set by POST /render.
const (
	HeaderStatus    = "X-Render-Status"
	HeaderPlacement = "X-Render-Placement"
)

// Option configures a Server.
type Option func(*Server)

// WithDetector enables POST /detect and lets POST /render run without
// uploaded faces.
func WithDetector(d pipeline.Detector) Option {
	return func(s *Server) { s.detector = d }
}

// Server serves filter previews over HTTP.
type Server struct {
	app      *fiber.App
	comp     *compositor.Compositor
	calc     *anchor.Calculator
	cache    *assets.Cache
	detector pipeline.Detector
}

// New builds the server and registers its routes.
func New(comp *compositor.Compositor, calc *anchor.Calculator, cache *assets.Cache, opts ...Option) *Server {
	s := &Server{
		app: fiber.New(fiber.Config{
			AppName:               "facefilter",
			BodyLimit:             32 << 20,
			DisableStartupMessage: true,
		}),
		comp:  comp,
		calc:  calc,
		cache: cache,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.app.Get("/healthz", func(c *fiber.Ctx) error { return c.SendString("ok") })
	s.app.Get("/filters", s.filters)
	s.app.Post("/render", s.render)
	s.app.Post("/detect", s.detect)
	return s
}

// App exposes the underlying fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error { return s.app.Listen(addr) }

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown() error { return s.app.Shutdown() }

func (s *Server) filters(c *fiber.Ctx) error {
	return c.JSON(Describe(s.calc, s.cache))
}

// render expects a multipart form: "image" (file), optional "faces" (JSON
// value, or a file part in JSON or msgpack), "filter" and "mirror".
func (s *Server) render(c *fiber.Ctx) error {
	filter, err := types.ParseFilterID(c.FormValue("filter"))
	if err != nil {
		return badRequest(c, err.Error())
	}
	mirror := false
	if v := c.FormValue("mirror"); v != "" {
		if mirror, err = strconv.ParseBool(v); err != nil {
			return badRequest(c, "invalid mirror value")
		}
	}

	img, err := s.formImage(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	faces, found, err := formFaces(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if !found {
		if s.detector == nil {
			return badRequest(c, "faces are required when no detector is configured")
		}
		if faces, err = s.runDetector(c, img.Pix, img.Rect.Dx(), img.Rect.Dy()); err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
		}
	}

	result, out := Composite(c.UserContext(), s.comp, img, faces, filter, mirror)
	logrus.WithFields(logrus.Fields{
		"function": "Server.render",
		"filter":   filter,
		"faces":    len(faces),
		"outcome":  out.String(),
	}).Debug("Preview rendered")

	var buf bytes.Buffer
	if err := png.Encode(&buf, result); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	c.Set(HeaderStatus, out.String())
	if out.Placement != nil {
		p := out.Placement
		c.Set(HeaderPlacement, fmt.Sprintf("%.2f,%.2f,%.4f", p.AnchorX, p.AnchorY, p.Scale))
	}
	c.Set(fiber.HeaderContentType, "image/png")
	return c.Send(buf.Bytes())
}

// detect runs the configured detector on "image" and returns the faces as
// JSON, or msgpack when the client accepts it.
func (s *Server) detect(c *fiber.Ctx) error {
	if s.detector == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "no detector configured"})
	}
	img, err := s.formImage(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	faces, err := s.runDetector(c, img.Pix, img.Rect.Dx(), img.Rect.Dy())
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}

	asMsgpack := strings.Contains(c.Get(fiber.HeaderAccept), "msgpack")
	var buf bytes.Buffer
	if err := EncodeFaces(&buf, faces, asMsgpack); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if asMsgpack {
		c.Set(fiber.HeaderContentType, MediaMsgpack)
	} else {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	return c.Send(buf.Bytes())
}

func (s *Server) runDetector(c *fiber.Ctx, pix []byte, w, h int) ([]types.FaceRecord, error) {
	faces, err := s.detector.Detect(c.UserContext(), types.FrameTask{Data: pix, Width: w, Height: h})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.runDetector",
			"error":    err.Error(),
		}).Warn("Face detection failed")
		return nil, fmt.Errorf("face detection failed: %w", err)
	}
	return faces, nil
}

func (s *Server) formImage(c *fiber.Ctx) (*image.RGBA, error) {
	fh, err := c.FormFile("image")
	if err != nil {
		return nil, errors.New("missing image file")
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeImage(f)
}

// formFaces reads the optional "faces" field. A file part is msgpack when
// its content type or extension says so.
func formFaces(c *fiber.Ctx) ([]types.FaceRecord, bool, error) {
	if fh, err := c.FormFile("faces"); err == nil {
		f, err := fh.Open()
		if err != nil {
			return nil, false, err
		}
		defer f.Close()

		asMsgpack := strings.Contains(fh.Header.Get(fiber.HeaderContentType), "msgpack") ||
			IsMsgpackPath(fh.Filename)
		faces, err := DecodeFaces(f, asMsgpack)
		return faces, err == nil, err
	}
	if v := c.FormValue("faces"); v != "" {
		faces, err := DecodeFaces(strings.NewReader(v), false)
		return faces, err == nil, err
	}
	return nil, false, nil
}

// IsMsgpackPath reports whether a file name uses a MessagePack extension.
func IsMsgpackPath(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".msgpack", ".mpk":
		return true
	}
	return false
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}
