package render

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteScene(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scene.py")
	err := writeScene(path, sceneData{
		SceneName: "LogoAnimation",
		SVGPath:   `C:\Users\ayşe\logo "v2".svg`,
		Title:     `logo "v2"`,
	})
	if err != nil {
		t.Fatalf("writeScene failed: %v", err)
	}

	data, _ := os.ReadFile(path)
	script := string(data)
	for _, want := range []string{
		"class LogoAnimation(Scene):",
		`SVGMobject("C:\\Users\\ayşe\\logo \"v2\".svg")`,
		`Text("logo \"v2\"")`,
		"self.play(Write(logo, run_time=2))",
		"self.wait(2)",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q:\n%s", want, script)
		}
	}
}

func TestWriteScene_RejectsBadSceneName(t *testing.T) {
	for _, name := range []string{"", "1Scene", "Logo Animation", "x;import os"} {
		if err := writeScene(filepath.Join(t.TempDir(), "s.py"), sceneData{SceneName: name}); err == nil {
			t.Errorf("scene name %q should be rejected", name)
		}
	}
}

func TestParseProgress(t *testing.T) {
	tests := []struct {
		line      string
		animation int
		percent   int
	}{
		{"Animation 0: Write(SVGMobject):  45%|████      | 27/60 [00:01<00:01, 20.00it/s]", 0, 45},
		{"Animation 12: FadeIn(Text): 100%|██████████| 30/30", 12, 100},
		{"INFO     Rendered LogoAnimation", -1, -1},
		{"File ready at out.mp4", -1, -1},
	}
	for _, tt := range tests {
		a, p := parseProgress(tt.line)
		if a != tt.animation || p != tt.percent {
			t.Errorf("parseProgress(%q) = (%d, %d), want (%d, %d)", tt.line, a, p, tt.animation, tt.percent)
		}
	}
}
