package preview

import (
	"bytes"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"quickanim/internal/apperr"
)

const squareSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 100 50" width="100" height="50">
  <rect x="0" y="0" width="50" height="50" fill="#ff0000"/>
</svg>`

func TestRasterize_KeepsAspectRatio(t *testing.T) {
	img, err := Rasterize(strings.NewReader(squareSVG), Options{Width: 200})
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}
	if got := img.Bounds().Dx(); got != 200 {
		t.Errorf("width = %d, want 200", got)
	}
	if got := img.Bounds().Dy(); got != 100 {
		t.Errorf("height = %d, want 100", got)
	}

	// Left half is the red rect, right half stays transparent.
	r, _, _, a := img.At(20, 50).RGBA()
	if r>>8 < 200 || a>>8 < 200 {
		t.Errorf("pixel inside rect = %v, want opaque red", img.At(20, 50))
	}
	if _, _, _, a := img.At(180, 50).RGBA(); a != 0 {
		t.Errorf("pixel outside rect alpha = %d, want 0", a)
	}
}

func TestRasterize_Background(t *testing.T) {
	img, err := Rasterize(strings.NewReader(squareSVG), Options{Width: 100, Background: color.White})
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}
	r, g, b, a := img.At(90, 25).RGBA()
	if r>>8 != 255 || g>>8 != 255 || b>>8 != 255 || a>>8 != 255 {
		t.Errorf("background pixel = %v, want white", img.At(90, 25))
	}
}

func TestRasterize_DefaultWidth(t *testing.T) {
	img, err := Rasterize(strings.NewReader(squareSVG), Options{})
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}
	if got := img.Bounds().Dx(); got != DefaultWidth {
		t.Errorf("width = %d, want %d", got, DefaultWidth)
	}
}

func TestRasterize_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		width  int
		reason string
	}{
		{"negative width", squareSVG, -1, "invalid_width"},
		{"huge width", squareSVG, MaxWidth + 1, "invalid_width"},
		{"no size", `<svg xmlns="http://www.w3.org/2000/svg"></svg>`, 100, "not_svg"},
		{"tall raster", `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 1 1000"></svg>`, 100, "invalid_width"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Rasterize(strings.NewReader(tt.input), Options{Width: tt.width})
			if err == nil {
				t.Fatal("expected error")
			}
			if apperr.KindOf(err) != apperr.KindConfiguration {
				t.Errorf("kind = %q, want configuration", apperr.KindOf(err))
			}
			if got := apperr.ReasonOf(err); got != tt.reason {
				t.Errorf("reason = %q, want %q", got, tt.reason)
			}
		})
	}
}

func TestRender_EncodesPNG(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(strings.NewReader(squareSVG), &buf, Options{Width: 64}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("output is not a PNG: %v", err)
	}
	if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 32 {
		t.Errorf("bounds = %v, want 64x32", img.Bounds())
	}
}

func TestRenderFile(t *testing.T) {
	dir := t.TempDir()
	svg := filepath.Join(dir, "logo.svg")
	if err := os.WriteFile(svg, []byte(squareSVG), 0o644); err != nil {
		t.Fatal(err)
	}
	out := DefaultOutputPath(svg)
	if out != filepath.Join(dir, "logo_preview.png") {
		t.Fatalf("DefaultOutputPath = %q", out)
	}

	if err := RenderFile(svg, out, Options{Width: 40}); err != nil {
		t.Fatalf("RenderFile failed: %v", err)
	}
	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("preview not written: %v", err)
	}
	defer f.Close()
	if _, err := png.Decode(f); err != nil {
		t.Errorf("preview is not a PNG: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Errorf("expected only the svg and png in %s, got %d entries", dir, len(entries))
	}
}

func TestRenderFile_MissingSource(t *testing.T) {
	dir := t.TempDir()
	err := RenderFile(filepath.Join(dir, "nope.svg"), filepath.Join(dir, "out.png"), Options{})
	if got := apperr.ReasonOf(err); got != "source_not_found" {
		t.Errorf("reason = %q, want source_not_found (err=%v)", got, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "out.png")); !os.IsNotExist(err) {
		t.Error("no output should be written for a missing source")
	}
}
