package models

import (
	"fmt"
	"time"
)

// WorkerStatus represents the lifecycle state of a worker process.
type WorkerStatus string

const (
	WorkerIdle       WorkerStatus = "IDLE"
	WorkerScanning   WorkerStatus = "SCANNING"
	WorkerHolding    WorkerStatus = "HOLDING"
	WorkerExiting    WorkerStatus = "EXITING"
	WorkerTerminated WorkerStatus = "TERMINATED"
)

// WorkerProcess is a registered worker instance. CurrentSymbol is non-empty
// iff Status is HOLDING, and a HOLDING worker must also hold an ACTIVE lock
// on that symbol.
type WorkerProcess struct {
	WorkerID        string
	Status          WorkerStatus
	CurrentSymbol   string
	StartedAt       time.Time
	LastHeartbeatAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// workerTransitions enumerates the forward edges of the worker state graph.
// EXITING and TERMINATED are additionally reachable from every non-terminal
// state (stop and stale-sweep respectively); see ValidWorkerTransition.
var workerTransitions = map[WorkerStatus][]WorkerStatus{
	WorkerIdle:     {WorkerScanning},
	WorkerScanning: {WorkerHolding},
	WorkerHolding:  {WorkerScanning},
	WorkerExiting:  {WorkerTerminated},
}

// ValidWorkerTransition reports whether a worker may move between the two
// states. TERMINATED is terminal.
func ValidWorkerTransition(from, to WorkerStatus) bool {
	if from == WorkerTerminated {
		return false
	}
	if to == WorkerExiting || to == WorkerTerminated {
		return true
	}
	for _, next := range workerTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateWorkerState checks the symbol/status coherence invariant for a
// proposed state.
func ValidateWorkerState(status WorkerStatus, currentSymbol string) error {
	if status == WorkerHolding && currentSymbol == "" {
		return fmt.Errorf("transition to %s requires a symbol", WorkerHolding)
	}
	if status != WorkerHolding && currentSymbol != "" {
		return fmt.Errorf("state %s must not carry a symbol", status)
	}
	return nil
}
