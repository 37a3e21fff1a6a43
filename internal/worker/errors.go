package worker

import "errors"

// Sentinel errors for the execution state machine. Callers match with
// errors.Is; wrapped detail carries the underlying cause.
var (
	// ErrBusy means the worker is not Idle and cannot accept a message.
	ErrBusy = errors.New("worker busy")

	// ErrSpawn means the subprocess could not be started.
	ErrSpawn = errors.New("subprocess spawn failed")

	// ErrStream means reading subprocess output failed mid-run.
	ErrStream = errors.New("subprocess stream failed")

	// ErrRateLimited is a control-flow signal, not a failure: the run was
	// intercepted by throttle detection and handed to the coordinator.
	ErrRateLimited = errors.New("rate limited")
)
