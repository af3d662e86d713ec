package frames

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/proto"
)

var (
	// ErrFrameNotFound is returned when no frame has the requested id.
	ErrFrameNotFound = errors.New("frame not found")
	// ErrFrameDetached is returned for operations on a frame that left the tree.
	ErrFrameDetached = errors.New("frame detached")
	// ErrContextGone is returned when the execution context an operation
	// targets was destroyed, cleared or lost with its session.
	ErrContextGone = errors.New("execution context gone")
	// ErrFrameWaitTimeout is returned when a referenced frame was not attached
	// within the configured wait.
	ErrFrameWaitTimeout = errors.New("timed out waiting for frame")
	// ErrSwapTimeout marks a main frame that was torn down because no swap
	// followed its session's disconnect.
	ErrSwapTimeout = errors.New("frame was not swapped")
	// ErrHandleDisposed is returned when a disposed handle is passed as an argument.
	ErrHandleDisposed = errors.New("handle is disposed")
	// ErrHandleRealmMismatch is returned when a handle is passed to a realm other
	// than the one that created it.
	ErrHandleRealmMismatch = errors.New("handles can be evaluated only in the realm they were created in")
	// ErrCircularValue is returned when an argument refers to itself.
	ErrCircularValue = errors.New("circular value")
	// ErrBindingExists is returned when a binding name is already registered.
	ErrBindingExists = errors.New("binding already exists")
	// ErrBindingNotFound is returned when removing a binding that is not registered.
	ErrBindingNotFound = errors.New("binding not found")
	// ErrScriptNotFound is returned when removing an unknown preload script.
	ErrScriptNotFound = errors.New("preload script not found")
	// ErrClosed is returned by a manager after Close.
	ErrClosed = errors.New("frame manager closed")
)

// EvaluationError is a script exception thrown inside the page.
type EvaluationError struct {
	Text      string
	Line      int
	Column    int
	Exception *proto.RuntimeRemoteObject
}

func (e *EvaluationError) Error() string {
	msg := e.Text
	if e.Exception != nil && e.Exception.Description != "" {
		msg = e.Exception.Description
		if i := strings.IndexByte(msg, '\n'); i > 0 {
			msg = msg[:i]
		}
	}
	return fmt.Sprintf("evaluation failed at %d:%d: %s", e.Line, e.Column, msg)
}

func evaluationError(d *proto.RuntimeExceptionDetails) error {
	if d == nil {
		return nil
	}
	return &EvaluationError{
		Text:      d.Text,
		Line:      d.LineNumber,
		Column:    d.ColumnNumber,
		Exception: d.Exception,
	}
}

var goneMessages = []string{
	"Execution context was destroyed",
	"Cannot find context with specified id",
	"Inspected target navigated or closed",
	"Session with given id not found",
	"Target closed",
}

// contextGone reports whether err means the remote realm no longer exists.
func contextGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrContextGone) || errors.Is(err, cdp.ErrCtxNotFound) || errors.Is(err, cdp.ErrSessionNotFound) {
		return true
	}
	msg := err.Error()
	for _, m := range goneMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func wrapGone(err error) error {
	if err == nil || errors.Is(err, ErrContextGone) {
		return err
	}
	if contextGone(err) {
		return fmt.Errorf("%w: %v", ErrContextGone, err)
	}
	return err
}
