// Package publish packages, verifies and uploads workspace packages.
//
// A Pipeline takes one package through
//
//	Preflight -> Package -> Verify -> Upload -> Poll -> Done
//
// and a Scheduler runs pipelines for several packages in dependency order.
package publish

import (
	"fmt"
	"time"

	"github.com/danieljhkim/cairn/internal/archive"
	"github.com/danieljhkim/cairn/internal/registry"
)

// Stage is a step of the pipeline.
type Stage int

const (
	StagePreflight Stage = iota
	StagePackage
	StageVerify
	StageUpload
	StagePoll
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StagePreflight:
		return "preflight"
	case StagePackage:
		return "package"
	case StageVerify:
		return "verify"
	case StageUpload:
		return "upload"
	case StagePoll:
		return "poll"
	case StageDone:
		return "done"
	}
	return "unknown"
}

// Options control a pipeline run.
type Options struct {
	Target     registry.Target
	DryRun     bool
	NoVerify   bool
	AllowDirty bool
	Offline    bool
	// PackageOnly ends the run after verification. Nothing is sent to
	// the registry.
	PackageOnly bool
	// Timeout bounds the propagation poll. Zero skips polling.
	Timeout      time.Duration
	PollInterval time.Duration
}

// Outcome is the result of one pipeline run.
type Outcome struct {
	Package string
	Version string
	// Stage is the last stage reached.
	Stage    Stage
	Archive  *archive.Archive
	Uploaded bool
	Visible  bool
	DryRun   bool
	// Polled is false when polling was skipped.
	Polled   bool
	Warnings []string
	Err      error
}

// Ready reports whether dependents may be packaged against this package:
// it is visible in the index, the run was a dry run, or polling was
// disabled after a successful upload.
func (o *Outcome) Ready() bool {
	if o == nil || o.Err != nil {
		return false
	}
	return o.Visible || o.DryRun || (o.Uploaded && !o.Polled)
}

func (o *Outcome) warn(format string, args ...any) {
	o.Warnings = append(o.Warnings, fmt.Sprintf(format, args...))
}
