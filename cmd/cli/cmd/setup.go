package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"quickanim/pkg/api"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Prepare the Python runtime and Manim",
	Long: `Prepare the runtime used for rendering. Without --python a private Python
runtime is downloaded, verified and extracted under the install directory and
Manim is installed into it; progress is printed per stage. With --python the
given interpreter is validated and pinned instead.

An existing valid runtime is reused unless --force is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		if force {
			if err := a.boot.Reset(ctx); err != nil {
				return err
			}
		}

		if _, err := a.boot.EnsureReady(ctx, a.cfg.PythonOverride, provisionReporter(cmd.ErrOrStderr())); err != nil {
			return err
		}

		status, err := inspect(cmd, a)
		if err != nil {
			return err
		}
		if asJSON {
			writeJSON(cmd.OutOrStdout(), api.SetupResult{EnvironmentStatus: status, Provisioned: a.provisioned()})
			return nil
		}
		if a.provisioned() {
			fmt.Fprintln(cmd.OutOrStdout(), "Runtime installed.")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "Runtime already set up.")
		}
		printStatus(cmd.OutOrStdout(), status)
		return nil
	},
}

func init() {
	setupCmd.Flags().Bool("force", false, "discard the recorded runtime and set up again")
	setupCmd.Flags().Bool("json", false, "print the result as JSON")
	rootCmd.AddCommand(setupCmd)
}
