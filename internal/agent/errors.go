// ABOUTME: Lifecycle errors returned by Setup and Handle.Stop.
// ABOUTME: Both wrap their cause so errors.Is sees transport sentinels.

package agent

import (
	"errors"
	"fmt"
)

// ErrDuplicateAgent is returned by Supervisor.Add for a name already registered.
var ErrDuplicateAgent = errors.New("agent name already registered")

// Setup failure reasons.
const (
	ReasonInvalidConfig = "invalid config"
	ReasonDialFailed    = "dial failed"
	ReasonHookFailed    = "setup hook failed"
)

// SetupError reports why an agent could not be started.
type SetupError struct {
	Agent  string
	Reason string
	Err    error
}

func (e *SetupError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("setting up agent %s: %s", e.Agent, e.Reason)
	}
	return fmt.Sprintf("setting up agent %s: %s: %v", e.Agent, e.Reason, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// StopError reports that Stop gave up before the loop finished.
type StopError struct {
	Agent           string
	TimeoutExceeded bool
	Err             error
}

func (e *StopError) Error() string {
	if e.TimeoutExceeded {
		return fmt.Sprintf("stopping agent %s: timed out waiting for loop: %v", e.Agent, e.Err)
	}
	return fmt.Sprintf("stopping agent %s: %v", e.Agent, e.Err)
}

func (e *StopError) Unwrap() error { return e.Err }
