// Package engine implements the pipeline execution core: stages wrapping
// external processes, stream proxies that fan a stage's output out to sinks,
// pipeline topology validation and IO linking, and the execution manager
// that arbitrates completion order across concurrently running stages.
//
// # Model
//
// A pipeline is an ordered, immutable chain of stages. Each stage wraps one
// spawned process and carries two capability flags: producer (its stdout is
// meant for the next stage) and consumer (it requires stdin from the
// previous stage). The head of a chain is conventionally an extractor
// (producer only), the tail a loader (consumer only), and anything in
// between a mapper (both).
//
// Stage stdout and stderr are each drained by a stream proxy goroutine that
// forwards lines, in order, to every registered sink: a logging sink, and
// for stdout the next stage's stdin. A single line longer than the
// configured limit is a classified, fatal error.
//
// # Completion arbitration
//
// While stages run, the manager races two conditions: a stream proxy
// failing, or a process exiting. A proxy failure ends the run. An exit is
// classified by position: the tail finishing means the run is wrapping up
// (possibly pre-empting its upstream), the current head finishing is the
// expected cascade (its output is drained, the next stage's stdin is
// closed, and the cursor advances), and anything else is an unexpected
// sequence that aborts the run. Exit codes of the head and tail are
// reconciled into the final verdict exactly once, after the loop ends.
//
// All orchestration state is owned by the goroutine driving Manager.Run;
// stage goroutines only complete their own single-assignment futures.
package engine
