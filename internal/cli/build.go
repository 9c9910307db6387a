package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/danieljhkim/cairn/internal/engine"
	"github.com/danieljhkim/cairn/internal/unit"
)

var buildFlags selectionFlags

var buildCmd = &cobra.Command{
	Use:     "build",
	Aliases: []string{"b"},
	Short:   "Compile the current package",
	Long: `Compile the selected packages and all of their in-workspace dependencies.

Without package flags the current package is built, or the default members
when run from the workspace root.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, finish, err := newEngine(cmd, buildFlags.metricsFile)
		if err != nil {
			return err
		}
		start := time.Now()
		result, err := eng.Build(cmd.Context(), &engine.BuildRequest{Scope: buildFlags.scope(cmd)})
		if err != nil {
			return finishRun(finish, err)
		}
		printFinished(result.Selection.Profile(), time.Since(start))
		return finishRun(finish, nil)
	},
}

func init() {
	fs := buildCmd.Flags()
	buildFlags.addPackageFlags(fs, "build")
	buildFlags.addTargetFlags(fs, false)
	buildFlags.addCompileFlags(fs)
}

// printFinished prints the closing status line of a build.
func printFinished(p unit.Profile, elapsed time.Duration) {
	opt := "unoptimized + debuginfo"
	if p.OptLevel != "0" {
		opt = "optimized"
		if p.Debug {
			opt += " + debuginfo"
		}
	}
	PrintStatus("Finished", fmt.Sprintf("`%s` profile [%s] target(s) in %.2fs", p.Name, opt, elapsed.Seconds()))
}
