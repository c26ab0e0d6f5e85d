package logging

import (
	"fmt"
	"runtime/debug"
)

// PanicError is returned by WrapError when fn panicked.
type PanicError struct {
	Component string
	Value     interface{}
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Component, e.Value)
}

// RecoveryHandler handles panics with logging
type RecoveryHandler struct {
	Component string
	OnPanic   func(err interface{}, stack string)
	log       *Logger
}

// NewRecoveryHandler creates a recovery handler for a component
func NewRecoveryHandler(component string) *RecoveryHandler {
	return &RecoveryHandler{
		Component: component,
		log:       New(component),
	}
}

// WithLogger sets the logger used to report panics
func (r *RecoveryHandler) WithLogger(l *Logger) *RecoveryHandler {
	r.log = l
	return r
}

// Wrap executes fn with panic recovery
func (r *RecoveryHandler) Wrap(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.handlePanic(rec, string(debug.Stack()))
		}
	}()
	fn()
}

// WrapError executes fn with panic recovery, returning a *PanicError on panic
func (r *RecoveryHandler) WrapError(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = r.handlePanic(rec, string(debug.Stack()))
		}
	}()
	return fn()
}

func (r *RecoveryHandler) handlePanic(rec interface{}, stack string) error {
	perr := &PanicError{Component: r.Component, Value: rec, Stack: stack}

	r.log.Error("panic_recovered", map[string]interface{}{
		"stack":     stack,
		"recovered": true,
	}, perr)

	if r.OnPanic != nil {
		r.OnPanic(rec, stack)
	}
	return perr
}

// SafeGo launches a goroutine with panic recovery
func SafeGo(component string, fn func()) {
	go NewRecoveryHandler(component).Wrap(fn)
}
