package render

import (
	"fmt"
	"os"
	"strconv"
	"text/template"
)

// sceneTemplate draws the SVG with a Write animation, then writes the file
// stem beneath it.
var sceneTemplate = template.Must(template.New("scene").Funcs(template.FuncMap{
	"py": strconv.Quote,
}).Parse(`from manim import *


class {{.SceneName}}(Scene):
    def construct(self):
        logo = SVGMobject({{py .SVGPath}}).scale(1).shift(UP)
        title = Text({{py .Title}}).scale(1.5).next_to(logo, DOWN)
        self.play(Write(logo, run_time=2))
        self.play(Write(title, run_time=1))
        self.wait(2)
`))

type sceneData struct {
	SceneName string
	SVGPath   string
	Title     string
}

// writeScene renders the scene script to path.
func writeScene(path string, data sceneData) error {
	if !validIdentifier(data.SceneName) {
		return fmt.Errorf("invalid scene name %q", data.SceneName)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := sceneTemplate.Execute(f, data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
