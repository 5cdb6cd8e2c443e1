// Package metrics defines the Recorder interface used to observe ekaci's
// internal activity (evaluation, graph walking, builds, control-plane
// requests) without coupling the rest of the codebase to Prometheus.
//
// Every component that wants to record a metric takes a Recorder as a
// dependency. The zero value a caller gets when it doesn't care about
// metrics is NoopRecorder{}, a Null Object: every method is a no-op, so
// production code never has to nil-check a Recorder before calling it.
package metrics
