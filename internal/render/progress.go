package render

import (
	"regexp"
	"strconv"
	"time"

	"quickanim/internal/runtime"
)

// Event is one line of engine output, delivered in emission order.
type Event struct {
	JobID  string
	Seq    int
	Stream runtime.Stream
	Line   string
	// Animation is the engine's animation index, or -1.
	Animation int
	// Percent is the progress of the current animation, or -1.
	Percent int
	At      time.Time
}

// HasProgress reports whether the line carried a progress bar update.
func (e Event) HasProgress() bool {
	return e.Percent >= 0
}

// progressPattern matches progress bar lines such as
// "Animation 0: Write(SVGMobject):  45%|████      | 27/60".
var progressPattern = regexp.MustCompile(`Animation (\d+):.*?(\d{1,3})%`)

func parseProgress(line string) (animation, percent int) {
	m := progressPattern.FindStringSubmatch(line)
	if m == nil {
		return -1, -1
	}
	animation, _ = strconv.Atoi(m[1])
	percent, _ = strconv.Atoi(m[2])
	if percent > 100 {
		percent = 100
	}
	return animation, percent
}
