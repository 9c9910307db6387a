// Package metrics records build, test and publish metrics.
//
// Components receive a Recorder and default to NoopRecorder, so metrics never
// need nil checks at call sites. The CLI swaps in a PrometheusRecorder when
// --metrics-file is given and writes the registry in the node_exporter
// textfile format after the run.
package metrics
