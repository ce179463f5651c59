package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"quickanim/internal/apperr"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "quickanim [flags] <file.svg>",
	Short: "Turn an SVG logo into an animated MP4",
	Long: `quickanim renders an SVG file into an MP4 animation with the Manim engine.

The first run provisions a private Python runtime with Manim under the install
directory (~/.quickanimations by default). Later runs re-validate it and start
rendering immediately. Point --python at an existing interpreter that already
has Manim installed to skip provisioning entirely.

Common workflows:

  Render a logo at 1080p/30fps to the Desktop:
    quickanim logo.svg

  Render at 4K/60fps to a chosen file:
    quickanim logo.svg -r 4K -f 60 -o intro.mp4

  Prepare the runtime ahead of time:
    quickanim setup

  Check the runtime:
    quickanim status

  Preview the SVG as a PNG before a long render:
    quickanim preview logo.svg

Configuration:
  Settings come from ~/.quickanim.yaml, QUICKANIM_* environment variables and
  flags, in increasing precedence. For example:
    QUICKANIM_INSTALL_DIR      runtime installation root
    QUICKANIM_PYTHON           interpreter override
    QUICKANIM_RENDER_TIMEOUT   per-render timeout (e.g. 45m)

Exit codes: 0 success, 1 render failed, 2 configuration, 3 provisioning,
4 timed out, 130 cancelled.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}
		return runRender(cmd, args[0])
	},
}

// Execute runs the CLI until it finishes or receives SIGINT/SIGTERM. Errors
// are printed to stderr; the caller maps them to an exit code with
// apperr.ExitCode.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		printError(rootCmd.ErrOrStderr(), err)
	}
	return err
}

// printError writes err and any engine diagnostic attached to it.
func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Diagnostic != "" {
		fmt.Fprintf(w, "\n--- engine output ---\n%s\n", ae.Diagnostic)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.quickanim.yaml)")
	rootCmd.PersistentFlags().String("install-dir", "", "runtime installation root (default ~/.quickanimations)")
	rootCmd.PersistentFlags().String("python", "", "use this interpreter instead of the managed runtime")
	rootCmd.PersistentFlags().String("output-dir", "", "directory for default output files (default ~/Desktop)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text or json")
	rootCmd.PersistentFlags().String("metrics-addr", "", "serve Prometheus metrics on this address while running")

	addRenderFlags(rootCmd)

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return apperr.Configuration("cli", "invalid_flag", "", err)
	})
}
