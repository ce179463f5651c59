package job

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"quickanim/internal/apperr"
)

const op = "job.build"

// sniffLimit bounds how much of a file is read looking for an <svg> root.
const sniffLimit = 64 * 1024

// Request is the caller's description of a render.
type Request struct {
	SVGPath    string
	Resolution Resolution
	FrameRate  FrameRate
	// OutputPath is optional; it defaults to <OutputDir>/<stem>_animation.mp4.
	OutputPath string
}

// Builder validates requests and produces Jobs.
type Builder struct {
	// OutputDir holds default output files.
	OutputDir string

	newID func() string
}

// NewBuilder creates a Builder writing default outputs to outputDir.
func NewBuilder(outputDir string) *Builder {
	return &Builder{OutputDir: outputDir, newID: uuid.NewString}
}

// Build validates req and returns a Job. Every failure is a configuration
// error; enum values are checked before touching the filesystem.
func (b *Builder) Build(req Request) (Job, error) {
	if !req.Resolution.Valid() {
		return Job{}, apperr.Configuration(op, "invalid_resolution",
			fmt.Sprintf("unsupported resolution %q (want one of 1080p, 2K, 4K)", req.Resolution), nil)
	}
	if !req.FrameRate.Valid() {
		return Job{}, apperr.Configuration(op, "invalid_frame_rate",
			fmt.Sprintf("unsupported frame rate %d (want 30 or 60)", req.FrameRate), nil)
	}
	if strings.TrimSpace(req.SVGPath) == "" {
		return Job{}, apperr.Configuration(op, "missing_source", "an SVG file is required", nil)
	}

	src, err := filepath.Abs(req.SVGPath)
	if err != nil {
		return Job{}, apperr.Configuration(op, "invalid_source", "resolve source path", err)
	}
	if err := checkSVG(src); err != nil {
		return Job{}, err
	}

	out, err := b.outputPath(src, req.OutputPath)
	if err != nil {
		return Job{}, err
	}

	return Job{
		ID:         b.newID(),
		SVGPath:    src,
		Resolution: req.Resolution,
		FrameRate:  req.FrameRate,
		OutputPath: out,
	}, nil
}

func (b *Builder) outputPath(src, explicit string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		if filepath.Ext(explicit) == "" {
			explicit += ".mp4"
		}
		abs, err := filepath.Abs(explicit)
		if err != nil {
			return "", apperr.Configuration(op, "invalid_output", "resolve output path", err)
		}
		return abs, nil
	}
	if b.OutputDir == "" {
		return "", apperr.Configuration(op, "invalid_output", "no output directory configured", nil)
	}
	return filepath.Join(b.OutputDir, stem(src)+"_animation.mp4"), nil
}

func checkSVG(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return apperr.Configuration(op, "source_not_found", fmt.Sprintf("SVG file %s does not exist", path), nil)
		}
		return apperr.Configuration(op, "source_unreadable", "stat SVG file", err)
	}
	if !info.Mode().IsRegular() {
		return apperr.Configuration(op, "invalid_source", fmt.Sprintf("%s is not a regular file", path), nil)
	}

	f, err := os.Open(path)
	if err != nil {
		return apperr.Configuration(op, "source_unreadable", "open SVG file", err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".svg") {
		return nil
	}
	if !hasSVGRoot(io.LimitReader(f, sniffLimit)) {
		return apperr.Configuration(op, "not_svg", fmt.Sprintf("%s is not an SVG document", path), nil)
	}
	return nil
}

// hasSVGRoot reports whether the first element in r is <svg>.
func hasSVGRoot(r io.Reader) bool {
	dec := xml.NewDecoder(r)
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if err != nil {
			return false
		}
		if el, ok := tok.(xml.StartElement); ok {
			return strings.EqualFold(el.Name.Local, "svg")
		}
	}
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
