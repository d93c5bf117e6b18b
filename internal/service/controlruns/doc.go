// Package controlruns executes a control against a dataset and records the
// run lifecycle.
//
// States:
//   - pending -> running -> completed | failed
//   - pending -> failed (the run could not be started)
//
// A run reaches exactly one terminal state. Terminal writes are guarded on
// the current status in the store and use a context that outlives caller
// cancellation, so a cancelled request still leaves a failed run behind.
//
// Auditing:
//   - control_run.started after the run is marked running.
//   - control_run.completed or control_run.failed after the terminal write.
//   - Audit failures are logged and never change the run outcome.
package controlruns
