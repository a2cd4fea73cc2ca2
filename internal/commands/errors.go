package commands

import (
	"errors"
	"fmt"
)

// Fixed reply texts.
const (
	WelcomeText      = "Hi, I'm a bot. Please talk to me!\nAvailable commands:\n"
	PickerText       = "Choose a command group:"
	InvalidGroupText = "Invalid command group"
	NoOutputText     = "Command produced no output."
	NoDevicesText    = "No devices found."
	NoNetworksText   = "No ESSIDs found"
)

var (
	// ErrUnknownGroup is reported for menu callbacks with an unknown token.
	ErrUnknownGroup = errors.New("invalid command group")
	// ErrNetwork wraps failures of outbound HTTP lookups.
	ErrNetwork = errors.New("network request failed")
)

// UsageError reports a command invoked without a required argument.
type UsageError struct {
	Usage string // e.g. "/ping <host>"
}

func (e *UsageError) Error() string {
	return "usage: " + e.Usage
}

// Reply is the text shown to the user.
func (e *UsageError) Reply() string {
	return "Usage: " + e.Usage
}

// noticeError pairs a handler failure with the text shown to the user.
type noticeError struct {
	notice string
	err    error
}

func (e *noticeError) Error() string { return e.err.Error() }
func (e *noticeError) Unwrap() error { return e.err }

func failWith(notice string, err error) error {
	return &noticeError{notice: notice, err: err}
}

func genericFailure(name string) string {
	return fmt.Sprintf("An error occurred while running /%s.", name)
}
