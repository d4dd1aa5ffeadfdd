package core

import (
	"fmt"
	"strings"
	"time"
)

// TaskCode identifies a registered kind of task.
type TaskCode int32

// ThreadPoolCode identifies a registered thread pool.
type ThreadPoolCode int32

const (
	// TaskCodeInvalid is never assigned to a registered task.
	TaskCodeInvalid TaskCode = 0

	// ThreadPoolInvalid is never assigned to a registered pool.
	ThreadPoolInvalid ThreadPoolCode = 0
)

// TaskType defines the category of work a task code stands for.
type TaskType uint8

const (
	// TaskTypeRPCRequest handles an inbound RPC request
	TaskTypeRPCRequest TaskType = iota

	// TaskTypeRPCResponse delivers an RPC reply or timeout to the caller
	TaskTypeRPCResponse

	// TaskTypeCompute is CPU-bound work that must not block
	TaskTypeCompute

	// TaskTypeIO may block on disk or network
	TaskTypeIO

	// TaskTypeContinuation resumes a previously suspended flow
	TaskTypeContinuation
)

// String returns the string representation of TaskType.
func (t TaskType) String() string {
	switch t {
	case TaskTypeRPCRequest:
		return "rpc_request"
	case TaskTypeRPCResponse:
		return "rpc_response"
	case TaskTypeCompute:
		return "compute"
	case TaskTypeIO:
		return "io"
	case TaskTypeContinuation:
		return "continuation"
	default:
		return "unknown"
	}
}

// Priority is the dispatch priority of a task. Higher values run first.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityCommon
	PriorityHigh

	priorityCount = 3
)

// String returns the string representation of Priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityCommon:
		return "common"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// IsValid checks if the priority is one of the known levels.
func (p Priority) IsValid() bool {
	return p < priorityCount
}

// ParsePriority converts a configuration string to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "priority_low":
		return PriorityLow, nil
	case "common", "priority_common", "":
		return PriorityCommon, nil
	case "high", "priority_high":
		return PriorityHigh, nil
	default:
		return PriorityCommon, fmt.Errorf("invalid priority %q", s)
	}
}

// TaskState represents the lifecycle state of a Task.
type TaskState int32

const (
	// TaskStateCreated means the task has not been handed to a scheduler
	TaskStateCreated TaskState = iota

	// TaskStateQueued means the task waits in a queue or on its delay timer
	TaskStateQueued

	// TaskStateRunning means a worker is executing the handler
	TaskStateRunning

	// TaskStateFinished means a one-shot task has run
	TaskStateFinished

	// TaskStateCancelled means the task was removed before running
	TaskStateCancelled
)

// String returns the string representation of TaskState.
func (s TaskState) String() string {
	switch s {
	case TaskStateCreated:
		return "created"
	case TaskStateQueued:
		return "queued"
	case TaskStateRunning:
		return "running"
	case TaskStateFinished:
		return "finished"
	case TaskStateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TaskSpec is the registered configuration of a task code.
type TaskSpec struct {
	Code     TaskCode
	Name     string
	Type     TaskType
	Priority Priority
	Pool     ThreadPoolCode
}

// PoolSpec is the registered configuration of a thread pool.
type PoolSpec struct {
	Code ThreadPoolCode
	Name string

	// Workers is the number of worker goroutines
	Workers int

	// Partitioned gives every worker its own queue; tasks are routed by hash
	Partitioned bool

	// FairnessInterval, when positive, lets a worker serve the lowest
	// non-empty priority lane after that many consecutive higher-lane
	// dispatches. Zero keeps strict priority, under which sustained
	// high-priority load starves low-priority tasks.
	FairnessInterval int

	// AbortOnFailure re-panics after logging a handler failure
	AbortOnFailure bool
}

func (p PoolSpec) sameConfig(o PoolSpec) bool {
	return p.Workers == o.Workers && p.Partitioned == o.Partitioned &&
		p.FairnessInterval == o.FairnessInterval && p.AbortOnFailure == o.AbortOnFailure
}

// PoolStats contains runtime statistics for a thread pool.
type PoolStats struct {
	Code    ThreadPoolCode
	Name    string
	Workers int

	// Queued holds the number of queued tasks per priority
	Queued [priorityCount]int

	Executed  uint64
	Failed    uint64
	Cancelled uint64
	StartedAt time.Time
}

// QueuedTotal returns the number of queued tasks across priorities.
func (s PoolStats) QueuedTotal() int {
	total := 0
	for _, n := range s.Queued {
		total += n
	}
	return total
}
