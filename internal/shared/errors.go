package shared

import "fmt"

var (
	// Configuration errors
	ErrMissingConfig = fmt.Errorf("configuration not found")
	ErrInvalidConfig = fmt.Errorf("invalid configuration")

	// Queue errors
	ErrUnknownJobType  = fmt.Errorf("no handler registered for job type")
	ErrEngineRunning   = fmt.Errorf("engine already running")
	ErrEngineStopped   = fmt.Errorf("engine not running")
	ErrInvalidArgument = fmt.Errorf("invalid argument")

	// API and client errors
	ErrAPIRequest         = fmt.Errorf("API request failed")
	ErrServiceUnavailable = fmt.Errorf("service unavailable")
	ErrNotAuthenticated   = fmt.Errorf("not authenticated")
	ErrNoResults          = fmt.Errorf("no search results")
	ErrTransferNotFound   = fmt.Errorf("transfer not found")

	// Scheduler errors
	ErrUnknownTask = fmt.Errorf("unknown scheduled task")
)
