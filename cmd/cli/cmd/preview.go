package cmd

import (
	"fmt"
	"image/color"
	"path/filepath"

	"github.com/spf13/cobra"

	"quickanim/internal/apperr"
	"quickanim/internal/preview"
)

var previewCmd = &cobra.Command{
	Use:   "preview <file.svg>",
	Short: "Rasterize an SVG to PNG for a quick check",
	Long: `Rasterize an SVG to PNG so it can be checked before a long render. The
runtime is not needed. The PNG path is printed to stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		width, _ := cmd.Flags().GetInt("width")
		white, _ := cmd.Flags().GetBool("white")

		src, err := filepath.Abs(args[0])
		if err != nil {
			return apperr.Configuration("preview.render", "invalid_source", "", err)
		}
		if output == "" {
			output = preview.DefaultOutputPath(src)
		} else if filepath.Ext(output) == "" {
			output += ".png"
		}

		opts := preview.Options{Width: width}
		if white {
			opts.Background = color.White
		}
		if err := preview.RenderFile(src, output, opts); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), output)
		return nil
	},
}

func init() {
	previewCmd.Flags().StringP("output", "o", "", "output PNG (default <name>_preview.png next to the SVG)")
	previewCmd.Flags().Int("width", preview.DefaultWidth, "PNG width in pixels; height keeps the aspect ratio")
	previewCmd.Flags().Bool("white", false, "draw on a white background instead of transparent")
	rootCmd.AddCommand(previewCmd)
}
