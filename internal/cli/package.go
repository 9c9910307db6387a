package cli

import (
	"github.com/spf13/cobra"

	"github.com/danieljhkim/cairn/internal/engine"
)

var packageOpts struct {
	selectionFlags
	list       bool
	noVerify   bool
	allowDirty bool
}

var packageCmd = &cobra.Command{
	Use:   "package",
	Short: "Assemble the local package into a distributable tarball",
	Long: `Assemble each selected package into a gzipped tarball under
target/package and verify that it builds on its own. Nothing is uploaded.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, finish, err := newEngine(cmd, packageOpts.metricsFile)
		if err != nil {
			return err
		}
		result, err := eng.Package(cmd.Context(), &engine.PackageRequest{
			Scope:      packageOpts.scope(cmd),
			List:       packageOpts.list,
			NoVerify:   packageOpts.noVerify,
			AllowDirty: packageOpts.allowDirty,
		})
		if result == nil {
			return finishRun(finish, err)
		}
		if packageOpts.list {
			if jerr := printPackageLists(result); jerr != nil && err == nil {
				err = jerr
			}
			return finishRun(finish, err)
		}
		for _, o := range result.Outcomes {
			for _, w := range o.Warnings {
				PrintWarning(o.Package + ": " + w)
			}
			if o.Err == nil && o.Archive != nil && messageFormat != formatJSON {
				PrintLabelValue(o.Package, o.Archive.Path)
			}
		}
		return finishRun(finish, err)
	},
}

func init() {
	fs := packageCmd.Flags()
	packageOpts.addPackageFlags(fs, "assemble")
	packageOpts.addCompileFlags(fs)
	fs.BoolVarP(&packageOpts.list, "list", "l", false, "Print files included in a package without making one")
	fs.BoolVar(&packageOpts.noVerify, "no-verify", false, "Don't verify the contents by building them")
	fs.BoolVar(&packageOpts.allowDirty, "allow-dirty", false, "Allow dirty working directories to be packaged")
}

type packageFiles struct {
	Package string   `json:"package"`
	Files   []string `json:"files"`
}

// printPackageLists prints the files of every plan, one per line, or as one
// JSON document.
func printPackageLists(result *engine.PackageResult) error {
	if messageFormat == formatJSON {
		out := make([]packageFiles, len(result.Plans))
		for i, plan := range result.Plans {
			out[i] = packageFiles{Package: plan.Package, Files: plan.Files()}
		}
		return outputJSON(out)
	}
	for _, plan := range result.Plans {
		for _, f := range plan.Files() {
			PrintInfo(f)
		}
	}
	return nil
}
