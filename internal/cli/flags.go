package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/danieljhkim/cairn/internal/config"
	"github.com/danieljhkim/cairn/internal/engine"
	"github.com/danieljhkim/cairn/internal/selection"
)

// selectionFlags are the package, target, feature and compilation flags.
type selectionFlags struct {
	opts        selection.Options
	jobs        int
	keepGoing   bool
	metricsFile string
}

// addPackageFlags registers package and feature selection.
func (f *selectionFlags) addPackageFlags(fs *pflag.FlagSet, verb string) {
	fs.StringArrayVarP(&f.opts.Packages, "package", "p", nil, "Package to "+verb+"")
	fs.BoolVar(&f.opts.Workspace, "workspace", false, "All packages in the workspace")
	fs.StringArrayVar(&f.opts.Exclude, "exclude", nil, "Exclude packages from the "+verb)
	fs.StringArrayVarP(&f.opts.Features, "features", "F", nil, "Space or comma separated list of features to activate")
	fs.BoolVar(&f.opts.AllFeatures, "all-features", false, "Activate all available features")
	fs.BoolVar(&f.opts.NoDefaultFeatures, "no-default-features", false, "Do not activate the default feature")
}

// addTargetFlags registers target selection. doc adds --doc.
func (f *selectionFlags) addTargetFlags(fs *pflag.FlagSet, doc bool) {
	fs.BoolVar(&f.opts.Lib, "lib", false, "Only this package's library")
	fs.BoolVar(&f.opts.Bins, "bins", false, "All binaries")
	fs.StringArrayVar(&f.opts.BinNames, "bin", nil, "Only the specified binary")
	fs.BoolVar(&f.opts.Examples, "examples", false, "All examples")
	fs.StringArrayVar(&f.opts.ExampleNames, "example", nil, "Only the specified example")
	fs.BoolVar(&f.opts.Tests, "tests", false, "All targets that have test = true set")
	fs.StringArrayVar(&f.opts.TestNames, "test", nil, "Only the specified test target")
	fs.BoolVar(&f.opts.Benches, "benches", false, "All targets that have bench = true set")
	fs.StringArrayVar(&f.opts.BenchNames, "bench", nil, "Only the specified bench target")
	fs.BoolVar(&f.opts.AllTargets, "all-targets", false, "All targets")
	if doc {
		fs.BoolVar(&f.opts.Doc, "doc", false, "Test only this library's documentation")
	}
}

// addCompileFlags registers profile, triple, jobs and keep-going.
func (f *selectionFlags) addCompileFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&f.opts.Release, "release", "r", false, "Build artifacts in release mode, with optimizations")
	fs.StringVar(&f.opts.Profile, "profile", "", "Build artifacts with the specified profile")
	fs.StringArrayVar(&f.opts.Targets, "target", nil, "Build for the target triple")
	fs.IntVarP(&f.jobs, "jobs", "j", 0, "Number of parallel jobs, defaults to # of CPUs")
	fs.BoolVar(&f.keepGoing, "keep-going", false, "Do not abort the build as soon as there is an error")
	fs.StringVar(&f.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file after the run")
}

// scope builds the engine scope from the parsed flags of cmd.
func (f *selectionFlags) scope(cmd *cobra.Command) engine.Scope {
	s := engine.Scope{
		ManifestPath: globals.manifestPath,
		Selection:    f.opts,
		Policy: config.Policy{
			Locked:  globals.locked,
			Offline: globals.offline,
			Frozen:  globals.frozen,
		}.Normalize(),
		KeepGoing: f.keepGoing,
	}
	if flag := cmd.Flags().Lookup("jobs"); flag != nil && flag.Changed {
		n := f.jobs
		s.Jobs = &n
	}
	return s
}
