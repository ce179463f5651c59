package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"quickanim/internal/apperr"
	"quickanim/internal/environment"
	"quickanim/internal/job"
	"quickanim/internal/render"
	"quickanim/pkg/api"
)

var renderCmd = &cobra.Command{
	Use:   "render <file.svg>",
	Short: "Render an SVG into an MP4 animation",
	Long: `Render an SVG into an MP4 animation. This is the same as running quickanim
with the file as its only argument.

The output path is printed to stdout on success. With --json a result
document is printed instead and engine output is streamed to stderr as JSON
lines.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRender(cmd, args[0])
	},
}

func addRenderFlags(c *cobra.Command) {
	c.Flags().StringP("resolution", "r", string(job.Resolution1080p), "output resolution: 1080p, 2K or 4K")
	c.Flags().StringP("fps", "f", "30", "frame rate: 30 or 60")
	c.Flags().StringP("output", "o", "", "output file (default <output-dir>/<name>_animation.mp4)")
	c.Flags().Duration("timeout", 0, "abort the render after this long (default from render.timeout)")
	c.Flags().Bool("json", false, "print the result as JSON")
}

func runRender(cmd *cobra.Command, svgPath string) error {
	resFlag, _ := cmd.Flags().GetString("resolution")
	fpsFlag, _ := cmd.Flags().GetString("fps")
	output, _ := cmd.Flags().GetString("output")
	asJSON, _ := cmd.Flags().GetBool("json")

	res, err := job.ParseResolution(resFlag)
	if err != nil {
		return apperr.Configuration("job.build", "invalid_resolution", "", err)
	}
	fps, err := job.ParseFrameRate(fpsFlag)
	if err != nil {
		return apperr.Configuration("job.build", "invalid_frame_rate", "", err)
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	j, err := a.builder.Build(job.Request{
		SVGPath:    svgPath,
		Resolution: res,
		FrameRate:  fps,
		OutputPath: output,
	})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	stderr := cmd.ErrOrStderr()

	env, err := a.boot.EnsureReady(ctx, a.cfg.PythonOverride, provisionReporter(stderr))
	if err != nil {
		if asJSON {
			writeJSON(cmd.OutOrStdout(), renderResult(j, render.Outcome{JobID: j.ID, State: render.StateFailed, ExitCode: -1, Err: err}))
		}
		return err
	}

	var onProgress func(render.Event)
	if asJSON {
		onProgress = jsonProgress(stderr)
	} else {
		onProgress = textProgress(stderr)
	}

	out := a.orch.Execute(ctx, j, env, onProgress)
	if asJSON {
		writeJSON(cmd.OutOrStdout(), renderResult(j, out))
	} else if out.Succeeded() {
		fmt.Fprintln(cmd.OutOrStdout(), out.OutputPath)
	}
	return out.Err
}

func renderResult(j job.Job, out render.Outcome) api.RenderResult {
	res := api.RenderResult{
		JobID:      j.ID,
		State:      string(out.State),
		OutputPath: out.OutputPath,
		Resolution: string(j.Resolution),
		FrameRate:  int(j.FrameRate),
		DurationMS: out.Duration.Milliseconds(),
		ExitCode:   out.ExitCode,
	}
	if out.Err != nil {
		res.Error = errorResponse(out.Err)
		if res.Error.Diagnostic == "" {
			res.Error.Diagnostic = out.Diagnostic
		}
	}
	return res
}

func errorResponse(err error) *api.ErrorResponse {
	resp := &api.ErrorResponse{
		Error:  err.Error(),
		Kind:   string(apperr.KindOf(err)),
		Reason: apperr.ReasonOf(err),
		Stage:  apperr.StageOf(err),
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		resp.Diagnostic = ae.Diagnostic
	}
	return resp
}

// textProgress prints one line per progress change of each animation.
func textProgress(w io.Writer) func(render.Event) {
	lastAnim, lastPct := -1, -1
	return func(e render.Event) {
		if !e.HasProgress() {
			return
		}
		if e.Animation == lastAnim && e.Percent == lastPct {
			return
		}
		lastAnim, lastPct = e.Animation, e.Percent
		fmt.Fprintf(w, "animation %d: %3d%%\n", e.Animation, e.Percent)
	}
}

// jsonProgress writes every engine line as a JSON document.
func jsonProgress(w io.Writer) func(render.Event) {
	enc := json.NewEncoder(w)
	return func(e render.Event) {
		ev := api.ProgressEvent{
			JobID:  e.JobID,
			Seq:    e.Seq,
			Stream: string(e.Stream),
			Line:   e.Line,
			At:     e.At.UTC(),
		}
		if e.HasProgress() {
			anim, pct := e.Animation, e.Percent
			ev.Animation, ev.Percent = &anim, &pct
		}
		_ = enc.Encode(ev)
	}
}

// provisionReporter prints a header per stage and throttled detail lines.
// The downloader already limits how often byte progress arrives.
func provisionReporter(w io.Writer) environment.ProgressFunc {
	var (
		mu   sync.Mutex
		last environment.Stage
	)
	return func(p environment.Progress) {
		mu.Lock()
		defer mu.Unlock()
		if p.Stage != last {
			fmt.Fprintf(w, "==> %s\n", p.Stage)
			last = p.Stage
		}
		switch {
		case p.BytesTotal > 0:
			fmt.Fprintf(w, "    %3d%%  %s / %s\n", p.Percent, humanBytes(p.BytesDone), humanBytes(p.BytesTotal))
		case p.BytesDone > 0:
			fmt.Fprintf(w, "    %s\n", humanBytes(p.BytesDone))
		case p.Message != "":
			fmt.Fprintf(w, "    %s\n", p.Message)
		}
	}
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func init() {
	addRenderFlags(renderCmd)
	rootCmd.AddCommand(renderCmd)
}
