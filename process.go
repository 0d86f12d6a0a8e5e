package agentexec

// ProcessState is the lifecycle state of one spawned external process.
//
//	idle → running → terminated
//	             └─→ failed
//
// A process reaches terminated on exit status 0 or when the engine stops
// it (timeout, cancellation, cleanup). It reaches failed on a non-zero
// exit the engine did not cause.
type ProcessState string

const (
	StateIdle       ProcessState = "idle"
	StateRunning    ProcessState = "running"
	StateTerminated ProcessState = "terminated"
	StateFailed     ProcessState = "failed"
)

// Done reports whether s is a final state.
func (s ProcessState) Done() bool {
	return s == StateTerminated || s == StateFailed
}

// ResourceStats is a read-only snapshot of an engine's process accounting.
type ResourceStats struct {
	// ProcessState is the state of the engine's most recent process.
	ProcessState ProcessState `json:"process_state"`

	// RegisteredResources is the number of process handles in the registry.
	RegisteredResources int `json:"registered_resources"`

	// TotalResources counts handles plus their attached pipes and timers.
	TotalResources int `json:"total_resources"`

	// ByState counts registered handles per state.
	ByState map[ProcessState]int `json:"by_state,omitempty"`
}
