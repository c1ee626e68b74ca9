package callflow

import "errors"

var (
	// ErrInactiveNumber rejects a start request while the line is inactive
	// or another call is already live. No platform registration happens.
	ErrInactiveNumber = errors.New("callflow: inactive number or call in progress")

	// ErrNoMicrophoneAccess rejects a start request when recording
	// permission is denied.
	ErrNoMicrophoneAccess = errors.New("callflow: microphone access denied")

	// ErrHandleTooShort rejects implausibly short counterpart addresses
	// before any UI or platform state is created.
	ErrHandleTooShort = errors.New("callflow: handle too short")
)
