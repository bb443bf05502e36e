package chorus

import (
	"errors"
	"fmt"
)

// Sentinel errors for routing. The taxonomy matters more than the text: the
// engine and manager switch on these to decide between skip, retry, and yield.
var (
	// ErrLockTimeout: ChannelLock.Acquire deadline elapsed while waiting.
	ErrLockTimeout = errors.New("channel lock: acquire timeout")
	// ErrStreamIdle: no chunk arrived within the idle watchdog window.
	ErrStreamIdle = errors.New("stream: idle timeout")
	// ErrHardStop: the unconditional stream deadline fired.
	ErrHardStop = errors.New("stream: hard stop")
	// ErrInterrupted: the in-flight stream was aborted by Interrupt (user or
	// per-turn watchdog).
	ErrInterrupted = errors.New("stream: interrupted")
)

// ErrLLM wraps a provider-level failure (marshalling, connect, decode).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx provider response.
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}
