package faults

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// ShutdownGrace bounds how long the fatal hook may run before the process is
// abandoned anyway.
const ShutdownGrace = 1500 * time.Millisecond

// CrashHandler intercepts panics and unrecoverable errors at goroutine
// boundaries. Recoverable errors are logged and swallowed; fatal ones invoke
// the operator-supplied hook, racing the shutdown grace period.
type CrashHandler struct {
	logger *slog.Logger
	// OnFatal performs the graceful shutdown (stop loop, drain lane, save).
	// It must be safe to call at most once.
	OnFatal func(err error)

	fired chan struct{}
}

// NewCrashHandler builds a handler around the given fatal hook.
func NewCrashHandler(onFatal func(err error)) *CrashHandler {
	return &CrashHandler{
		logger:  slog.Default().With("component", "crash"),
		OnFatal: onFatal,
		fired:   make(chan struct{}),
	}
}

// Recover is meant to be deferred at the top of every long-lived goroutine:
//
//	defer handler.Recover()
func (h *CrashHandler) Recover() {
	r := recover()
	if r == nil {
		return
	}
	err, ok := r.(error)
	if !ok {
		err = fmt.Errorf("panic: %v", r)
	}
	h.logger.Error("uncaught panic", "error", err, "stack", string(debug.Stack()))
	h.Handle(Fatalf("panic", err))
}

// Handle routes an error through the taxonomy. Recoverable errors produce a
// warning and return; fatal ones trigger the shutdown hook, bounded by
// ShutdownGrace.
func (h *CrashHandler) Handle(err error) {
	if err == nil {
		return
	}
	if !IsFatal(err) {
		h.logger.Warn("recoverable error", "error", err)
		return
	}

	select {
	case <-h.fired:
		return // shutdown already underway
	default:
		close(h.fired)
	}

	h.logger.Error("fatal error, shutting down", "error", err)
	if h.OnFatal == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.OnFatal(err)
	}()
	select {
	case <-done:
	case <-time.After(ShutdownGrace):
		h.logger.Error("shutdown hook exceeded grace period", "grace", ShutdownGrace)
	}
}
