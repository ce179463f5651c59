// Package job validates render requests and turns them into immutable
// render jobs.
package job

import (
	"fmt"
	"strings"
)

// Resolution is an output frame size.
type Resolution string

const (
	Resolution1080p Resolution = "1080p"
	Resolution2K    Resolution = "2K"
	Resolution4K    Resolution = "4K"
)

// Resolutions lists the accepted resolutions in ascending order.
var Resolutions = []Resolution{Resolution1080p, Resolution2K, Resolution4K}

// Dimensions returns the pixel width and height.
func (r Resolution) Dimensions() (width, height int) {
	switch r {
	case Resolution1080p:
		return 1920, 1080
	case Resolution2K:
		return 2560, 1440
	case Resolution4K:
		return 3840, 2160
	default:
		return 0, 0
	}
}

// Valid reports whether r is an accepted resolution.
func (r Resolution) Valid() bool {
	w, _ := r.Dimensions()
	return w > 0
}

// ParseResolution accepts "1080p", "2K", "4K" case-insensitively, as well
// as the "WxH" and "W,H" forms of those sizes.
func ParseResolution(s string) (Resolution, error) {
	in := strings.TrimSpace(s)
	for _, r := range Resolutions {
		w, h := r.Dimensions()
		if strings.EqualFold(in, string(r)) ||
			in == fmt.Sprintf("%dx%d", w, h) ||
			in == fmt.Sprintf("%d,%d", w, h) {
			return r, nil
		}
	}
	return "", fmt.Errorf("unsupported resolution %q (want one of 1080p, 2K, 4K)", s)
}

// FrameRate is an output frame rate in frames per second.
type FrameRate int

const (
	FrameRate30 FrameRate = 30
	FrameRate60 FrameRate = 60
)

// Valid reports whether f is an accepted frame rate.
func (f FrameRate) Valid() bool {
	return f == FrameRate30 || f == FrameRate60
}

// ParseFrameRate accepts "30" or "60".
func ParseFrameRate(s string) (FrameRate, error) {
	switch strings.TrimSpace(s) {
	case "30":
		return FrameRate30, nil
	case "60":
		return FrameRate60, nil
	default:
		return 0, fmt.Errorf("unsupported frame rate %q (want 30 or 60)", s)
	}
}

// Job is a validated render job. It is immutable once built.
type Job struct {
	ID         string
	SVGPath    string
	Resolution Resolution
	FrameRate  FrameRate
	OutputPath string
}

// Title is the text shown under the drawing: the source file stem.
func (j Job) Title() string {
	return stem(j.SVGPath)
}
