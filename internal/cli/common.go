package cli

import (
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/danieljhkim/cairn/internal/config"
	"github.com/danieljhkim/cairn/internal/engine"
	"github.com/danieljhkim/cairn/internal/metrics"
	"github.com/danieljhkim/cairn/internal/testrun"
	"github.com/danieljhkim/cairn/internal/unit"
)

// newLogger builds the logger from -v, -q and --message-format.
func newLogger() *log.Logger {
	logger := log.NewWithOptions(statusOut, log.Options{Prefix: "cairn"})
	switch {
	case globals.quiet:
		logger.SetLevel(log.WarnLevel)
	case globals.verbose >= 2:
		logger.SetLevel(log.DebugLevel)
		logger.SetReportCaller(true)
	case globals.verbose == 1:
		logger.SetLevel(log.DebugLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
	if messageFormat == formatJSON {
		logger.SetFormatter(log.JSONFormatter)
	}
	return logger
}

// newEngine creates an engine with real implementations of all dependencies.
// The returned finish func writes the metrics file, if one was requested.
func newEngine(cmd *cobra.Command, metricsFile string) (*engine.Engine, func() error, error) {
	paths, err := config.DefaultPaths()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get config paths: %w", err)
	}

	deps := engine.Dependencies{
		Paths: *paths,
		Settings: func(root string) (*config.Settings, error) {
			s, err := config.Load(config.LoadOptions{
				GlobalFile:    paths.Config,
				WorkspaceRoot: root,
				Flags:         cmd.Flags(),
			})
			if err != nil {
				return nil, err
			}
			if f := cmd.Flags().Lookup("color"); f == nil || !f.Changed {
				if err := setColor(s.Term.Color); err != nil {
					return nil, err
				}
			}
			return s, nil
		},
		Logger:   newLogger(),
		Reporter: &statusReporter{},
		Stdout:   stdout,
		Stderr:   statusOut,
	}

	finish := func() error { return nil }
	if metricsFile != "" {
		rec := metrics.NewPrometheusRecorder(nil)
		deps.Recorder = rec
		finish = func() error { return rec.WriteTextfile(metricsFile) }
	}
	return engine.New(deps), finish, nil
}

// statusReporter prints progress events as status lines or JSON events.
type statusReporter struct {
	mu sync.Mutex
}

func (r *statusReporter) Compiling(u unit.Unit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if messageFormat == formatJSON {
		emit(event{Reason: "compiling", Package: u.Package.Name, Target: u.Target.Name, Kind: u.Target.Kind.String()})
		return
	}
	PrintStatus("Compiling", unit.Describe(u))
}

func (r *statusReporter) Running(e testrun.Executable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if messageFormat == formatJSON {
		emit(event{Reason: "running", Package: e.Unit.Package.Name, Target: e.Unit.Target.Name, Path: e.Path})
		return
	}
	PrintStatus("Running", fmt.Sprintf("%s (%s)", unit.Describe(e.Unit), e.Path))
}

func (r *statusReporter) Status(verb, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if messageFormat == formatJSON {
		emit(event{Reason: strings.ToLower(verb), Message: msg})
		return
	}
	PrintStatus(verb, msg)
}

// finishRun writes metrics and reports err. A metrics failure never hides
// the command's own error.
func finishRun(finish func() error, err error) error {
	if ferr := finish(); ferr != nil {
		if err != nil {
			PrintWarning(ferr.Error())
			return err
		}
		return ferr
	}
	return err
}
