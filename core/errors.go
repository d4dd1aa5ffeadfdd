package core

import "errors"

// Code registry errors
var (
	ErrCodeConflict = errors.New("code already registered with a different configuration")
	ErrUnknownCode  = errors.New("unknown code")
	ErrInvalidName  = errors.New("invalid code name")
)

// Scheduler errors
var (
	ErrSchedulerNotStarted = errors.New("scheduler not started")
	ErrSchedulerStopped    = errors.New("scheduler stopped")
	ErrSchedulerStarted    = errors.New("scheduler already started")
	ErrPoolNotFound        = errors.New("thread pool not found")
	ErrTaskNotCreated      = errors.New("task already enqueued")
	ErrInvalidPriority     = errors.New("invalid task priority")
)

// Handle registry errors
var (
	ErrCapacityExhausted = errors.New("handle registry capacity exhausted")
)
