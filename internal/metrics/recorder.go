package metrics

import "time"

// ResultLabel enumerates result categories for counters.
type ResultLabel string

const (
	ResultSuccess ResultLabel = "success"
	ResultFailed  ResultLabel = "failed"
	ResultSkipped ResultLabel = "skipped"
	ResultWarning ResultLabel = "warning"
)

// Recorder defines observability hooks for cairn runs.
type Recorder interface {
	// ObserveUnit records one compiler invocation.
	ObserveUnit(kind, mode string, result ResultLabel, d time.Duration)
	// IncTestArtifact counts one executed (or skipped) test executable.
	IncTestArtifact(kind string, result ResultLabel)
	// IncDoctest counts one doctest block.
	IncDoctest(result ResultLabel)
	// ObservePublishStage records one publish pipeline stage.
	ObservePublishStage(stage string, result ResultLabel, d time.Duration)
	// SetJobs records the resolved build job count.
	SetJobs(n int)
}

// NoopRecorder is a Recorder that does nothing.
type NoopRecorder struct{}

func (NoopRecorder) ObserveUnit(string, string, ResultLabel, time.Duration) {}
func (NoopRecorder) IncTestArtifact(string, ResultLabel)                    {}
func (NoopRecorder) IncDoctest(ResultLabel)                                 {}
func (NoopRecorder) ObservePublishStage(string, ResultLabel, time.Duration) {}
func (NoopRecorder) SetJobs(int)                                            {}
