package lifecycle

import "errors"

// Sentinel errors matching the contracts named in spec §7. Propagation
// policy: A-level and engine-level errors propagate to the caller of the
// top-level operation; trigger and backup errors are logged, never leaving
// the core in a half-initialized state.
var (
	ErrNotInitialized       = errors.New("lifecycle: not initialized")
	ErrClearing             = errors.New("lifecycle: clear in progress")
	ErrInitAborted          = errors.New("lifecycle: initialize aborted by concurrent clear")
	ErrEngineLoadFailed     = errors.New("lifecycle: engine load failed")
	ErrDDLFailed            = errors.New("lifecycle: migration script failed")
	ErrTriggerInstallFailed = errors.New("lifecycle: trigger install failed")
)
