// Package preview rasterizes an SVG to PNG so a logo can be checked before
// committing to a long render.
package preview

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"

	"quickanim/internal/apperr"
)

const (
	// DefaultWidth is used when Options.Width is zero.
	DefaultWidth = 512
	// MaxWidth bounds the raster so a huge viewBox cannot exhaust memory.
	MaxWidth = 8192
)

// Options control the raster size and background.
type Options struct {
	// Width in pixels; height follows the SVG aspect ratio.
	Width int
	// Background fills the canvas before drawing. Nil leaves it transparent.
	Background color.Color
}

// Rasterize parses the SVG read from r and draws it into a new image.
func Rasterize(r io.Reader, opts Options) (*image.RGBA, error) {
	width := opts.Width
	if width == 0 {
		width = DefaultWidth
	}
	if width < 0 || width > MaxWidth {
		return nil, apperr.Configuration("preview.rasterize", "invalid_width",
			fmt.Sprintf("width must be between 1 and %d", MaxWidth), nil)
	}

	icon, err := oksvg.ReadIconStream(r, oksvg.IgnoreErrorMode)
	if err != nil {
		return nil, apperr.Configuration("preview.rasterize", "not_svg", "cannot parse SVG", err)
	}

	vw, vh := icon.ViewBox.W, icon.ViewBox.H
	if vw <= 0 || vh <= 0 {
		return nil, apperr.Configuration("preview.rasterize", "not_svg", "SVG has no usable viewBox or size", nil)
	}
	height := int(math.Round(float64(width) * vh / vw))
	if height < 1 {
		height = 1
	}
	if height > MaxWidth {
		return nil, apperr.Configuration("preview.rasterize", "invalid_width",
			fmt.Sprintf("raster height %d exceeds %d", height, MaxWidth), nil)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	if opts.Background != nil {
		draw.Draw(img, img.Bounds(), image.NewUniform(opts.Background), image.Point{}, draw.Src)
	}

	icon.SetTarget(0, 0, float64(width), float64(height))
	scanner := rasterx.NewScannerGV(width, height, img, img.Bounds())
	icon.Draw(rasterx.NewDasher(width, height, scanner), 1)
	return img, nil
}

// Render rasterizes r and encodes the result as PNG to w.
func Render(r io.Reader, w io.Writer, opts Options) error {
	img, err := Rasterize(r, opts)
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

// DefaultOutputPath places the preview next to the SVG as <stem>_preview.png.
func DefaultOutputPath(svgPath string) string {
	stem := strings.TrimSuffix(filepath.Base(svgPath), filepath.Ext(svgPath))
	return filepath.Join(filepath.Dir(svgPath), stem+"_preview.png")
}

// RenderFile rasterizes svgPath into pngPath. The PNG is written to a temp
// file in the destination directory and renamed into place, so a failed
// preview never leaves a truncated image behind.
func RenderFile(svgPath, pngPath string, opts Options) error {
	in, err := os.Open(svgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return apperr.Configuration("preview.render", "source_not_found", svgPath, err)
		}
		return apperr.Configuration("preview.render", "source_unreadable", svgPath, err)
	}
	defer in.Close()

	img, err := Rasterize(bufio.NewReader(in), opts)
	if err != nil {
		return err
	}

	dir := filepath.Dir(pngPath)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(pngPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("preview.render: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	bw := bufio.NewWriter(tmp)
	if err := png.Encode(bw, img); err != nil {
		tmp.Close()
		return fmt.Errorf("preview.render: encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("preview.render: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("preview.render: %w", err)
	}
	if err := os.Rename(tmpName, pngPath); err != nil {
		return fmt.Errorf("preview.render: %w", err)
	}
	return nil
}
