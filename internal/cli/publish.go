package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danieljhkim/cairn/internal/engine"
)

var publishOpts struct {
	selectionFlags
	dryRun     bool
	noVerify   bool
	allowDirty bool
	token      string
	index      string
	registry   string
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Upload a package to the registry",
	Long: `Package, verify and upload the selected packages to a registry.

Packages are published one at a time in dependency order, and each upload waits
until the registry index shows it before its dependents go out. A package whose
in-workspace dependency did not publish is skipped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, finish, err := newEngine(cmd, publishOpts.metricsFile)
		if err != nil {
			return err
		}
		result, err := eng.Publish(cmd.Context(), &engine.PublishRequest{
			Scope:      publishOpts.scope(cmd),
			DryRun:     publishOpts.dryRun,
			NoVerify:   publishOpts.noVerify,
			AllowDirty: publishOpts.allowDirty,
			Token:      publishOpts.token,
			Index:      publishOpts.index,
			Registry:   publishOpts.registry,
		})
		if result != nil && result.Batch != nil {
			published := 0
			for _, o := range result.Batch.Outcomes {
				if o.Uploaded {
					published++
				}
				for _, w := range o.Warnings {
					PrintWarning(o.Package + ": " + w)
				}
				if messageFormat == formatJSON {
					emit(event{Reason: "publish", Package: o.Package, Result: o.Stage.String(), Message: errMessage(o.Err)})
				}
			}
			if published > 0 {
				PrintSuccess(fmt.Sprintf("uploaded %s", PrintCount(published, "package", "packages")))
			}
		}
		return finishRun(finish, err)
	},
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func init() {
	fs := publishCmd.Flags()
	publishOpts.addPackageFlags(fs, "publish")
	publishOpts.addCompileFlags(fs)
	fs.BoolVarP(&publishOpts.dryRun, "dry-run", "n", false, "Perform all checks without uploading")
	fs.BoolVar(&publishOpts.noVerify, "no-verify", false, "Don't verify the contents by building them")
	fs.BoolVar(&publishOpts.allowDirty, "allow-dirty", false, "Allow dirty working directories to be packaged")
	fs.StringVar(&publishOpts.token, "token", "", "Token to use when uploading")
	fs.StringVar(&publishOpts.index, "index", "", "Registry index URL to upload the package to")
	fs.StringVar(&publishOpts.registry, "registry", "", "Registry to upload the package to")
}
