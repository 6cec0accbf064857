package connector

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSource is returned when a source key was never registered.
	ErrUnknownSource = errors.New("unknown source")

	// ErrNotYetFetched is returned when no successful fetch has ever
	// completed for a registered source.
	ErrNotYetFetched = errors.New("source not yet fetched")
)

// FetchError wraps the last upstream failure after the retry budget is
// exhausted. It is logged and absorbed by the connector, never surfaced to
// websocket clients.
type FetchError struct {
	Source   string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempts: %v", e.Source, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
