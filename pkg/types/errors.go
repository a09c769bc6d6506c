package types

import "errors"

// Error taxonomy surfaced by the control API.
var (
	// ErrModuleNotFound means no manager is registered for the module id.
	ErrModuleNotFound = errors.New("module not found")
	// ErrFileNotFound means the driver dependency could not be resolved.
	ErrFileNotFound = errors.New("driver dependency not found")
	// ErrProtectedMethod means a cross-module call targeted a lifecycle hook or protected method.
	ErrProtectedMethod = errors.New("protected method")
	// ErrModuleUnavailable means the target module exists but cannot take calls.
	ErrModuleUnavailable = errors.New("module unavailable")
)
