package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"quickanim/internal/apperr"
	"quickanim/internal/environment"
	"quickanim/pkg/api"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show and re-validate the persisted runtime",
	Long: `Show the persisted runtime record and re-validate it against the interpreter
it names. Nothing is provisioned. Exits with code 2 when no usable runtime is
recorded.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		status, err := inspect(cmd, a)
		if err != nil {
			return err
		}

		if asJSON {
			writeJSON(cmd.OutOrStdout(), status)
		} else {
			printStatus(cmd.OutOrStdout(), status)
		}
		if !status.Valid {
			return apperr.Configuration("environment.status", "environment_not_ready", status.Problem, nil)
		}
		return nil
	},
}

// inspect loads and re-validates the record. Only cancellation is returned
// as an error; every other problem is reported in the status.
func inspect(cmd *cobra.Command, a *app) (api.EnvironmentStatus, error) {
	store, err := environment.NewStore(a.cfg.InstallDir)
	if err != nil {
		return api.EnvironmentStatus{}, apperr.Configuration("environment.status", "invalid_config", "install_dir", err)
	}
	status := api.EnvironmentStatus{RecordPath: store.Path()}

	rec, env, err := a.boot.Inspect(cmd.Context())
	if ctxErr := cmd.Context().Err(); ctxErr != nil {
		return status, &apperr.Error{Kind: apperr.KindCancelled, Op: "environment.status", Err: ctxErr}
	}
	if errors.Is(err, environment.ErrNoRecord) {
		status.Problem = "no runtime recorded; run 'quickanim setup'"
		return status, nil
	}

	status.Present = err == nil || rec.Executable != ""
	status.Source = string(rec.Source)
	status.Root = rec.Root
	status.Executable = rec.Executable
	status.EngineVersion = rec.EngineVersion
	status.RuntimeVersion = rec.RuntimeVersion
	if !rec.ValidatedAt.IsZero() {
		at := rec.ValidatedAt
		status.ValidatedAt = &at
	}

	if err != nil {
		status.Problem = err.Error()
		return status, nil
	}
	status.Valid = true
	status.EngineVersion = env.EngineVersion
	status.RuntimeVersion = env.RuntimeVersion
	at := env.ValidatedAt
	status.ValidatedAt = &at
	return status, nil
}

func printStatus(w io.Writer, s api.EnvironmentStatus) {
	fmt.Fprintf(w, "Record:      %s\n", s.RecordPath)
	if !s.Present {
		fmt.Fprintf(w, "Status:      not set up\n")
		fmt.Fprintf(w, "Problem:     %s\n", s.Problem)
		return
	}
	state := "ready"
	if !s.Valid {
		state = "invalid"
	}
	fmt.Fprintf(w, "Status:      %s\n", state)
	fmt.Fprintf(w, "Source:      %s\n", s.Source)
	fmt.Fprintf(w, "Interpreter: %s\n", s.Executable)
	fmt.Fprintf(w, "Root:        %s\n", s.Root)
	fmt.Fprintf(w, "Manim:       %s\n", s.EngineVersion)
	fmt.Fprintf(w, "Python:      %s\n", s.RuntimeVersion)
	if s.ValidatedAt != nil {
		fmt.Fprintf(w, "Validated:   %s\n", s.ValidatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if s.Problem != "" {
		fmt.Fprintf(w, "Problem:     %s\n", s.Problem)
	}
}

func init() {
	statusCmd.Flags().Bool("json", false, "print the status as JSON")
	rootCmd.AddCommand(statusCmd)
}
