package assignment

import "fmt"

// WorkflowState is the kiosk state code the device record carries.
type WorkflowState int

// State codes accepted by the devices endpoint.
const (
	StateIdle         WorkflowState = 0
	StateScanning     WorkflowState = 1
	StateDone         WorkflowState = 2
	StateOutOfService WorkflowState = 3
	StateError        WorkflowState = 4
)

// String returns the dashboard label for s.
func (s WorkflowState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateDone:
		return "done"
	case StateOutOfService:
		return "out_of_service"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
