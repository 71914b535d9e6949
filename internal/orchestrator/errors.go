package orchestrator

import "errors"

var (
	// ErrConfigInvalid rejects a submission whose config fails
	// validation. No job is created.
	ErrConfigInvalid = errors.New("optimization config is invalid")
	// ErrDatasetTooSmall rejects a dataset shorter than the config's
	// dataset_size. No job is created.
	ErrDatasetTooSmall = errors.New("dataset smaller than configured dataset_size")
	// ErrModuleNotFound rejects a submission for a module unknown to
	// the predictor. No job is created.
	ErrModuleNotFound = errors.New("module not found")
	// ErrJobNotFound marks a lookup for an id that never existed.
	ErrJobNotFound = errors.New("job not found")
	// ErrCancellationFailed marks a cancel request against a job that
	// already reached a terminal state.
	ErrCancellationFailed = errors.New("job already terminal")
	// ErrStrategyExecution wraps failures inside the optimization
	// pipeline. Recorded on the job, never propagated to the caller.
	ErrStrategyExecution = errors.New("strategy execution failed")
)
